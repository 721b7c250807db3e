package content

import "sort"

// prioritize re-ranks the extracted lists and truncates each to its cap so
// downstream payload size stays bounded.
//
// Ranking: headings by level (h1 first), links internal and navigational
// first, images with alt text and larger pixel area first. Sorts are stable
// so document order breaks ties.
func prioritize(s *Snapshot) {
	sort.SliceStable(s.Headings, func(i, j int) bool {
		return s.Headings[i].Level < s.Headings[j].Level
	})
	if len(s.Headings) > MaxHeadings {
		s.Headings = s.Headings[:MaxHeadings]
	}

	sort.SliceStable(s.Links, func(i, j int) bool {
		return linkRank(s.Links[i]) > linkRank(s.Links[j])
	})
	if len(s.Links) > MaxLinks {
		s.Links = s.Links[:MaxLinks]
	}

	sort.SliceStable(s.Images, func(i, j int) bool {
		return imageRank(s.Images[i]) > imageRank(s.Images[j])
	})
	if len(s.Images) > MaxImages {
		s.Images = s.Images[:MaxImages]
	}
}

func linkRank(l Link) int {
	rank := 0
	if l.Internal {
		rank += 2
	}
	if l.NavHint {
		rank++
	}
	return rank
}

func imageRank(img Image) int {
	rank := img.Width * img.Height
	if img.Alt != "" {
		// Alt text outranks any realistic pixel area.
		rank += 1 << 24
	}
	return rank
}
