package source

import (
	"context"
	"fmt"
	"net/url"
)

// Mux dispatches to a Source by URL scheme.
type Mux struct {
	sources map[string]Source
}

func NewMux() *Mux {
	return &Mux{sources: make(map[string]Source)}
}

// Handle registers src for each scheme.
func (m *Mux) Handle(src Source, schemes ...string) *Mux {
	for _, s := range schemes {
		m.sources[s] = src
	}
	return m
}

func (m *Mux) lookup(link string) (Source, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	src, ok := m.sources[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	return src, nil
}

func (m *Mux) Probe(ctx context.Context, link string) (*ProbeResult, error) {
	src, err := m.lookup(link)
	if err != nil {
		return nil, err
	}
	return src.Probe(ctx, link)
}

func (m *Mux) Open(ctx context.Context, req Request) (*Response, error) {
	src, err := m.lookup(req.URL)
	if err != nil {
		return nil, err
	}
	return src.Open(ctx, req)
}
