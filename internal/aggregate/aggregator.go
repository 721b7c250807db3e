// Package aggregate fuses observer telemetry into a single AI-consumable
// context object.
//
// DESIGN: Build is pull-based: the orchestrator hands over a PageContext of
// raw observer output, and the aggregator assembles only the sections the
// Options ask for. Each section is built independently and degrades to its
// zero value on failure so one bad observer never wipes the whole context.
// Results are cached by (url, timestamp, content fingerprint) with a TTL so
// repeated pulls within one refresh cycle are free.
package aggregate

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/content"
	"github.com/pagelens/page-monitor/internal/domobs"
	"github.com/pagelens/page-monitor/internal/netobs"
)

// Defaults applied when an Options field is zero.
const (
	DefaultTTL             = 5 * time.Second
	DefaultMaxRequests     = 25
	DefaultMaxChanges      = 50
	DefaultMaxInteractions = 25
)

// PageContext is the raw observer output handed to Build.
type PageContext struct {
	URL        string
	Title      string
	CapturedAt time.Time

	Content      *content.Snapshot
	Network      *netobs.Summary
	Requests     []netobs.RequestRecord
	Responses    []netobs.ResponseRecord
	Changes      []domobs.DOMChange
	Interactions []domobs.UserInteraction
	Visible      []string
	ScrollDepth  float64
}

// Options selects which sections Build assembles and how large they may grow.
type Options struct {
	IncludeContent      bool `json:"include_content"`
	IncludeNetwork      bool `json:"include_network"`
	IncludeDOM          bool `json:"include_dom"`
	IncludeInteractions bool `json:"include_interactions"`

	MaxRequests     int `json:"max_requests"`
	MaxChanges      int `json:"max_changes"`
	MaxInteractions int `json:"max_interactions"`

	// TokenBudget bounds the serialized size of the result. Zero means
	// unbounded. When the estimate exceeds the budget the list sections are
	// halved repeatedly until it fits or nothing is left to trim.
	TokenBudget int `json:"token_budget"`
}

// DefaultOptions includes every section with default caps.
func DefaultOptions() Options {
	return Options{
		IncludeContent:      true,
		IncludeNetwork:      true,
		IncludeDOM:          true,
		IncludeInteractions: true,
		MaxRequests:         DefaultMaxRequests,
		MaxChanges:          DefaultMaxChanges,
		MaxInteractions:     DefaultMaxInteractions,
	}
}

// NetworkSection is the aggregated network view.
type NetworkSection struct {
	Summary        netobs.Summary          `json:"summary"`
	RecentRequests []netobs.RequestRecord  `json:"recent_requests,omitempty"`
	RecentFailures []netobs.ResponseRecord `json:"recent_failures,omitempty"`
}

// DOMSection is the aggregated DOM activity view.
type DOMSection struct {
	RecentChanges   []domobs.DOMChange `json:"recent_changes,omitempty"`
	VisibleElements []string           `json:"visible_elements,omitempty"`
	ScrollDepth     float64            `json:"scroll_depth"`
}

// AggregatedContext is the fused, privacy-filtered context object.
type AggregatedContext struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	GeneratedAt time.Time `json:"generated_at"`

	Content      *content.Snapshot        `json:"content,omitempty"`
	Network      *NetworkSection          `json:"network,omitempty"`
	DOM          *DOMSection              `json:"dom,omitempty"`
	Interactions []domobs.UserInteraction `json:"interactions,omitempty"`

	// TokenEstimate is the approximate token count of the serialized
	// context, for AI consumers budgeting their prompt.
	TokenEstimate int `json:"token_estimate"`
}

type cacheEntry struct {
	ctx       *AggregatedContext
	expiresAt time.Time
}

// Aggregator builds and caches aggregated contexts.
type Aggregator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration

	counter TokenCounter
	now     func() time.Time
}

// NewAggregator creates an aggregator with the given cache TTL (0 uses
// DefaultTTL). Token estimation is resolved lazily on first use.
func NewAggregator(ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Aggregator{
		cache: make(map[string]cacheEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Build assembles an aggregated context from the page telemetry. Cached
// results are returned while fresh; pass the same PageContext twice within
// the TTL and the second call is a map lookup.
func (a *Aggregator) Build(page PageContext, opts Options) *AggregatedContext {
	applyDefaults(&opts)

	key := a.cacheKey(page, opts)
	a.mu.Lock()
	if e, ok := a.cache[key]; ok && a.now().Before(e.expiresAt) {
		a.mu.Unlock()
		return e.ctx
	}
	a.mu.Unlock()

	ctx := &AggregatedContext{
		URL:         page.URL,
		Title:       page.Title,
		GeneratedAt: a.now(),
	}

	if opts.IncludeContent {
		section(func() { ctx.Content = page.Content })
	}
	if opts.IncludeNetwork {
		section(func() { ctx.Network = networkSection(page, opts) })
	}
	if opts.IncludeDOM {
		section(func() { ctx.DOM = domSection(page, opts) })
	}
	if opts.IncludeInteractions {
		section(func() { ctx.Interactions = tail(page.Interactions, opts.MaxInteractions) })
	}

	a.fitBudget(ctx, opts.TokenBudget)

	a.mu.Lock()
	// Every refresh carries a fresh capture time, so keys rarely repeat and
	// stale entries would pile up until navigation. Sweeping on insert keeps
	// the cache no larger than what fits inside one TTL window.
	now := a.now()
	for k, e := range a.cache {
		if !now.Before(e.expiresAt) {
			delete(a.cache, k)
		}
	}
	a.cache[key] = cacheEntry{ctx: ctx, expiresAt: now.Add(a.ttl)}
	a.mu.Unlock()
	return ctx
}

// Invalidate drops every cached context, forcing the next Build to
// reassemble. Called on navigation and on privacy policy changes.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cache = make(map[string]cacheEntry)
	a.mu.Unlock()
}

// CacheSize reports the number of live cache entries.
func (a *Aggregator) CacheSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cache)
}

// section runs one assembly step and swallows a panic so a malformed
// observer payload degrades that section to its zero value only.
func section(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("context section degraded")
		}
	}()
	fn()
}

func networkSection(page PageContext, opts Options) *NetworkSection {
	ns := &NetworkSection{RecentRequests: tail(page.Requests, opts.MaxRequests)}
	if page.Network != nil {
		ns.Summary = *page.Network
	}
	for _, r := range page.Responses {
		if r.Status >= 400 {
			ns.RecentFailures = append(ns.RecentFailures, r)
		}
	}
	ns.RecentFailures = tail(ns.RecentFailures, opts.MaxRequests)
	return ns
}

func domSection(page PageContext, opts Options) *DOMSection {
	return &DOMSection{
		RecentChanges:   tail(page.Changes, opts.MaxChanges),
		VisibleElements: page.Visible,
		ScrollDepth:     page.ScrollDepth,
	}
}

// fitBudget halves the list sections until the token estimate fits the
// budget. Content stays; it is the highest-value section.
func (a *Aggregator) fitBudget(ctx *AggregatedContext, budget int) {
	ctx.TokenEstimate = a.estimate(ctx)
	if budget <= 0 {
		return
	}
	for ctx.TokenEstimate > budget {
		trimmed := false
		if ctx.Network != nil && len(ctx.Network.RecentRequests) > 0 {
			ctx.Network.RecentRequests = ctx.Network.RecentRequests[:len(ctx.Network.RecentRequests)/2]
			trimmed = true
		}
		if ctx.DOM != nil && len(ctx.DOM.RecentChanges) > 0 {
			ctx.DOM.RecentChanges = ctx.DOM.RecentChanges[:len(ctx.DOM.RecentChanges)/2]
			trimmed = true
		}
		if len(ctx.Interactions) > 0 {
			ctx.Interactions = ctx.Interactions[:len(ctx.Interactions)/2]
			trimmed = true
		}
		if !trimmed {
			break
		}
		ctx.TokenEstimate = a.estimate(ctx)
	}
}

// cacheKey fingerprints the inputs: url, capture time, a hash of the content
// snapshot, and the option toggles. Any of these changing misses the cache.
func (a *Aggregator) cacheKey(page PageContext, opts Options) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|", page.URL, page.CapturedAt.UnixNano())
	if page.Content != nil {
		fmt.Fprintf(h, "%s|%d|%d|%d", page.Content.Title, page.Content.WordCount,
			len(page.Content.Headings), len(page.Content.Links))
	}
	fmt.Fprintf(h, "|%+v", opts)
	return fmt.Sprintf("%x", h.Sum64())
}

func applyDefaults(opts *Options) {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = DefaultMaxRequests
	}
	if opts.MaxChanges <= 0 {
		opts.MaxChanges = DefaultMaxChanges
	}
	if opts.MaxInteractions <= 0 {
		opts.MaxInteractions = DefaultMaxInteractions
	}
}

// Normalized returns a copy with zero caps replaced by the defaults.
func (o Options) Normalized() Options {
	applyDefaults(&o)
	return o
}

// tail returns the newest n items of s without mutating it.
func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
