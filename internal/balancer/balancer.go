// Package balancer rotates detail-page traffic across mirror base URLs.
package balancer

import "sync"

// Balancer hands out mirrors in strict round-robin order. It is safe for
// concurrent use.
type Balancer struct {
	mu      sync.Mutex
	mirrors []string
	cursor  int
}

// New returns a Balancer over primary followed by the non-empty secondaries.
func New(primary string, secondary ...string) *Balancer {
	mirrors := []string{primary}
	for _, s := range secondary {
		if s != "" {
			mirrors = append(mirrors, s)
		}
	}
	return &Balancer{mirrors: mirrors}
}

// Next returns the mirror at the cursor and advances it.
func (b *Balancer) Next() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.mirrors[b.cursor]
	b.cursor = (b.cursor + 1) % len(b.mirrors)
	return m
}

// Mirrors returns a copy of the configured mirrors, primary first.
func (b *Balancer) Mirrors() []string {
	return append([]string(nil), b.mirrors...)
}
