package aggregate

import (
	"encoding/json"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// TokenCounter estimates the token count of a serialized context.
type TokenCounter interface {
	Count(text string) int
}

// SetTokenCounter overrides the token counter. Tests use this to avoid
// loading BPE tables.
func (a *Aggregator) SetTokenCounter(c TokenCounter) {
	a.mu.Lock()
	a.counter = c
	a.mu.Unlock()
}

// estimate serializes the context and counts tokens. A serialization failure
// yields 0 rather than an error; the estimate is advisory.
func (a *Aggregator) estimate(ctx *AggregatedContext) int {
	data, err := json.Marshal(ctx)
	if err != nil {
		return 0
	}
	return a.tokenCounter().Count(string(data))
}

func (a *Aggregator) tokenCounter() TokenCounter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counter == nil {
		a.counter = newCounter()
	}
	return a.counter
}

// newCounter prefers cl100k_base. Loading its BPE table can fail offline, in
// which case a bytes/4 heuristic stands in.
func newCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		log.Debug().Err(err).Msg("tiktoken unavailable, using heuristic token counter")
		return heuristicCounter{}
	}
	return &encodingCounter{enc: enc}
}

type encodingCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *encodingCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicCounter approximates four bytes per token, the usual English
// average for BPE vocabularies.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}
