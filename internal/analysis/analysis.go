package analysis

import (
	"context"
	"fmt"
)

// Label is a detected object, entity or face match with its confidence.
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Result is the uniform output of every adapter. Fields not produced by a
// capability stay zero: a vision result carries labels, a transcription
// result carries text, and so on.
type Result struct {
	Capability Capability `json:"capability"`
	Labels     []Label    `json:"labels,omitempty"`
	Text       string     `json:"text,omitempty"`
	Sentiment  string     `json:"sentiment,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// Options tunes a single analysis call.
type Options struct {
	Language  string
	MediaKind string
}

// Adapter wraps one external analysis capability behind a uniform contract.
// The returned cost is what the call attempt incurred in USD; implementations
// return it alongside the error when the provider charges per attempt.
type Adapter interface {
	Capability() Capability
	// ChargesPerAttempt reports whether the provider bills failed calls too.
	ChargesPerAttempt() bool
	// CostPerCall is the flat USD cost of one call attempt.
	CostPerCall() float64
	Analyze(ctx context.Context, locator string, opts Options) (Result, error)
}

// Registry maps capabilities to adapters. The capability set is closed, so a
// missing entry is a wiring bug, not user input.
type Registry struct {
	adapters map[Capability]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[Capability]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Capability()] = a
	}
	return &Registry{adapters: m}
}

// Adapter returns the adapter registered for the capability.
func (r *Registry) Adapter(cap Capability) (Adapter, error) {
	a, ok := r.adapters[cap]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for capability %q", cap)
	}
	return a, nil
}

// Capabilities lists the registered capabilities.
func (r *Registry) Capabilities() []Capability {
	caps := make([]Capability, 0, len(r.adapters))
	for c := range r.adapters {
		caps = append(caps, c)
	}
	return caps
}
