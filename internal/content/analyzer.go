// Package content extracts a structured snapshot of the current page
// document: text, headings, links, images, forms, tables, metadata, plus
// derived relevance, content-type, and readability scores.
package content

import (
	"strconv"
	"strings"
	"time"

	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/privacy"
)

// List caps applied after prioritization.
const (
	MaxHeadings = 20
	MaxLinks    = 50
	MaxImages   = 20
)

// Heading is one h1..h6 element.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Link is one anchor element.
type Link struct {
	Href     string `json:"href"`
	Text     string `json:"text"`
	Internal bool   `json:"internal"`
	NavHint  bool   `json:"nav_hint"` // inside nav/menu/breadcrumb structures
}

// Image is one img element.
type Image struct {
	Src    string `json:"src"`
	Alt    string `json:"alt,omitempty"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// FormField is one input with its value redacted.
type FormField struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// Form is one form element.
type Form struct {
	Action string      `json:"action,omitempty"`
	Method string      `json:"method,omitempty"`
	Fields []FormField `json:"fields,omitempty"`
}

// Table is a coarse table summary.
type Table struct {
	Rows    int      `json:"rows"`
	Columns int      `json:"columns"`
	Caption string   `json:"caption,omitempty"`
	Headers []string `json:"headers,omitempty"`
}

// Snapshot is the structured content view of one page capture.
type Snapshot struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	CapturedAt  time.Time         `json:"captured_at"`
	VisibleText string            `json:"visible_text,omitempty"`
	Headings    []Heading         `json:"headings,omitempty"`
	Links       []Link            `json:"links,omitempty"`
	Images      []Image           `json:"images,omitempty"`
	Forms       []Form            `json:"forms,omitempty"`
	Tables      []Table           `json:"tables,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	WordCount   int               `json:"word_count"`

	Relevance   int    `json:"relevance"`   // 0-100
	ContentType string `json:"content_type"`
	Readability int    `json:"readability"` // 0-100
}

// Analyzer walks page snapshots on demand.
type Analyzer struct {
	engine *privacy.Engine
}

// NewAnalyzer builds an analyzer that redacts form values through the engine.
func NewAnalyzer(engine *privacy.Engine) *Analyzer {
	return &Analyzer{engine: engine}
}

// Analyze produces a structured content snapshot from a page capture.
func (a *Analyzer) Analyze(page *platform.PageSnapshot) *Snapshot {
	snap := &Snapshot{
		URL:        page.URL,
		Title:      page.Title,
		CapturedAt: page.CapturedAt,
		Meta:       page.Meta,
	}
	if page.Root != nil {
		var texts []string
		a.walk(page, page.Root, false, snap, &texts)
		snap.VisibleText = strings.Join(texts, " ")
		snap.WordCount = len(strings.Fields(snap.VisibleText))
	}

	prioritize(snap)
	snap.Relevance = relevanceScore(snap)
	snap.ContentType = classify(snap)
	snap.Readability = readabilityScore(snap.VisibleText)
	return snap
}

func (a *Analyzer) walk(page *platform.PageSnapshot, n *platform.Node, inNav bool, snap *Snapshot, texts *[]string) {
	tag := strings.ToLower(n.Tag)
	switch tag {
	case "script", "style", "noscript", "template":
		return
	case "nav":
		inNav = true
	}
	if cls := n.Attrs["class"]; cls != "" {
		lower := strings.ToLower(cls)
		if strings.Contains(lower, "nav") || strings.Contains(lower, "menu") || strings.Contains(lower, "breadcrumb") {
			inNav = true
		}
	}

	if n.Visible && n.Text != "" {
		*texts = append(*texts, n.Text)
	}

	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level, _ := strconv.Atoi(tag[1:])
		if text := headingText(n); text != "" {
			snap.Headings = append(snap.Headings, Heading{Level: level, Text: text})
		}
	case "a":
		if href := n.Attrs["href"]; href != "" {
			snap.Links = append(snap.Links, Link{
				Href:     href,
				Text:     headingText(n),
				Internal: isInternal(page.URL, href),
				NavHint:  inNav,
			})
		}
	case "img":
		snap.Images = append(snap.Images, Image{
			Src:    n.Attrs["src"],
			Alt:    n.Attrs["alt"],
			Width:  n.Width,
			Height: n.Height,
		})
	case "form":
		snap.Forms = append(snap.Forms, a.form(n))
		return // fields already consumed
	case "table":
		snap.Tables = append(snap.Tables, tableSummary(n))
		return
	}

	for _, child := range n.Children {
		a.walk(page, child, inNav, snap, texts)
	}
}

// form collects input fields with values passed through redaction. Password
// fields are always masked regardless of policy.
func (a *Analyzer) form(n *platform.Node) Form {
	f := Form{Action: n.Attrs["action"], Method: n.Attrs["method"]}
	var collect func(*platform.Node)
	collect = func(node *platform.Node) {
		tag := strings.ToLower(node.Tag)
		if tag == "input" || tag == "textarea" || tag == "select" {
			typ := node.Attrs["type"]
			value := node.Text
			if typ == "password" || typ == "hidden" {
				value = ""
			} else {
				value = a.engine.SanitizeText(value)
			}
			f.Fields = append(f.Fields, FormField{Name: node.Attrs["name"], Type: typ, Value: value})
		}
		for _, c := range node.Children {
			collect(c)
		}
	}
	for _, c := range n.Children {
		collect(c)
	}
	return f
}

func tableSummary(n *platform.Node) Table {
	t := Table{}
	var walk func(*platform.Node)
	walk = func(node *platform.Node) {
		switch strings.ToLower(node.Tag) {
		case "caption":
			t.Caption = headingText(node)
		case "tr":
			t.Rows++
			cols := 0
			for _, c := range node.Children {
				tag := strings.ToLower(c.Tag)
				if tag == "td" || tag == "th" {
					cols++
					if tag == "th" {
						t.Headers = append(t.Headers, headingText(c))
					}
				}
			}
			if cols > t.Columns {
				t.Columns = cols
			}
		}
		for _, c := range node.Children {
			walk(c)
		}
	}
	walk(n)
	return t
}

// headingText returns the node's own text plus immediate child text.
func headingText(n *platform.Node) string {
	parts := []string{n.Text}
	for _, c := range n.Children {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func isInternal(pageURL, href string) bool {
	if strings.HasPrefix(href, "/") || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "?") {
		return true
	}
	host := hostOf(pageURL)
	if host == "" {
		return false
	}
	return hostOf(href) == host
}

func hostOf(raw string) string {
	rest, ok := strings.CutPrefix(raw, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(raw, "http://")
	}
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
