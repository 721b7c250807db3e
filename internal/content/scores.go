package content

import (
	"strings"
)

// relevanceScore is a weighted 0-100 combination of title quality, heading
// structure, content length, link/image counts, and interactive elements.
func relevanceScore(s *Snapshot) int {
	score := 0.0

	// Title quality: present, not too short, not keyword-stuffed.
	titleLen := len(strings.Fields(s.Title))
	switch {
	case titleLen >= 3 && titleLen <= 15:
		score += 20
	case titleLen > 0:
		score += 10
	}

	// Heading structure: an h1 plus a hierarchy below it.
	hasH1 := false
	deeper := 0
	for _, h := range s.Headings {
		if h.Level == 1 {
			hasH1 = true
		} else {
			deeper++
		}
	}
	if hasH1 {
		score += 10
	}
	if deeper >= 2 {
		score += 10
	} else if deeper > 0 {
		score += 5
	}

	// Content length.
	switch {
	case s.WordCount >= 300:
		score += 25
	case s.WordCount >= 100:
		score += 15
	case s.WordCount > 0:
		score += 5
	}

	// Links and images in moderation.
	if n := len(s.Links); n > 0 && n <= 100 {
		score += 10
	} else if len(s.Links) > 100 {
		score += 5
	}
	if n := len(s.Images); n > 0 && n <= 30 {
		score += 10
	}

	// Interactive elements suggest a functional page.
	if len(s.Forms) > 0 {
		score += 10
	}
	if len(s.Tables) > 0 {
		score += 5
	}

	return clamp(int(score), 0, 100)
}

// typePatterns drive the first classification pass over URL and title.
var typePatterns = []struct {
	kind     string
	patterns []string
}{
	{"article", []string{"/article", "/blog", "/news", "/post", "/story"}},
	{"product", []string{"/product", "/item", "/shop", "/store", "/p/", "cart"}},
	{"search_results", []string{"/search", "?q=", "?query=", "results"}},
	{"documentation", []string{"/docs", "/documentation", "/guide", "/manual", "/api/", "/reference"}},
	{"dashboard", []string{"/dashboard", "/admin", "/console", "/analytics", "/metrics"}},
	{"form_page", []string{"/login", "/signup", "/register", "/checkout", "/contact"}},
}

// classify drives content-type classification by URL/title pattern matching
// first, then falls back to structural heuristics.
func classify(s *Snapshot) string {
	haystack := strings.ToLower(s.URL + " " + s.Title)
	for _, tp := range typePatterns {
		for _, p := range tp.patterns {
			if strings.Contains(haystack, p) {
				return tp.kind
			}
		}
	}

	// Structural fallback.
	switch {
	case len(s.Forms) > 0 && s.WordCount < 200:
		return "form_page"
	case len(s.Tables) >= 3:
		return "dashboard"
	case s.WordCount >= 500 && len(s.Headings) >= 2:
		return "article"
	case len(s.Links) > 30 && s.WordCount < 300:
		return "navigation"
	default:
		return "unknown"
	}
}

// readabilityScore is a simplified Flesch reading-ease over sentence, word,
// and syllable counts, clamped to [0, 100].
func readabilityScore(text string) int {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	sentences := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}

	syllables := 0
	for _, w := range words {
		syllables += syllableCount(w)
	}

	wordsPerSentence := float64(len(words)) / float64(sentences)
	syllablesPerWord := float64(syllables) / float64(len(words))

	score := 206.835 - 1.015*wordsPerSentence - 84.6*syllablesPerWord
	return clamp(int(score), 0, 100)
}

// syllableCount approximates syllables as vowel groups, minimum one.
func syllableCount(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		vowel := strings.ContainsRune("aeiouy", r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count < 1 {
		count = 1
	}
	return count
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
