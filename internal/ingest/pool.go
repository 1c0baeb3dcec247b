package ingest

import (
	"context"
	"sync"
)

// Pool is the Stream Ingest Pool: it owns one Decoder per runner that any
// mixer currently needs audio from, resolving handles through a Resolver
// and sharing decode work by reference count (spec.md §4.3).
type Pool struct {
	resolver *Resolver

	mu       sync.Mutex
	decoders map[int64]*Decoder
}

// NewPool builds an empty ingest pool against the given resolver.
func NewPool(resolver *Resolver) *Pool {
	return &Pool{resolver: resolver, decoders: make(map[int64]*Decoder)}
}

// Acquire resolves handle and returns a Consumer reading that runner's
// decoded audio, creating the underlying Decoder on first use.
func (p *Pool) Acquire(ctx context.Context, runnerID int64, handle string) (*Consumer, error) {
	resolved, err := p.resolver.Resolve(ctx, handle)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	d, ok := p.decoders[runnerID]
	if !ok {
		d = NewDecoder(runnerID)
		p.decoders[runnerID] = d
	}
	p.mu.Unlock()

	d.SetURL(ctx, resolved.URL)
	return d.Subscribe(), nil
}

// Release drops a consumer, tearing the Decoder down once no mixer holds
// it open.
func (p *Pool) Release(runnerID int64, c *Consumer) {
	p.mu.Lock()
	d, ok := p.decoders[runnerID]
	p.mu.Unlock()
	if !ok {
		return
	}
	d.Unsubscribe(c)

	p.mu.Lock()
	if d.RefCount() == 0 {
		delete(p.decoders, runnerID)
	}
	p.mu.Unlock()
}

// Refresh performs the atomic URL swap backing RefreshRunnerUrls (spec.md
// §4.1): re-resolve handle and push the new URL into the existing Decoder
// without disturbing its consumers. Returns the resolved URL even when no
// Decoder is currently live for runnerID, so the caller can still record it.
func (p *Pool) Refresh(ctx context.Context, runnerID int64, handle string) (string, error) {
	resolved, err := p.resolver.Resolve(ctx, handle)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	d, ok := p.decoders[runnerID]
	p.mu.Unlock()
	if ok {
		d.SetURL(ctx, resolved.URL)
	}
	return resolved.URL, nil
}
