// Package cbf implements the change buffer described in spec.md §4.7: a
// sequence of rotating in-memory pages that absorb committed writes before
// they are drained into the block store, and serve as a read-through
// overlay above it. Generic over EntryKey; every buffered value is the
// raw encoded bytes the caller will eventually persist.
package cbf

import (
	"sync"
	"time"
)

// Page is one generation of buffered writes. Order records insertion order
// within the page so a drain can replay writes in the order they arrived.
type Page[K comparable] struct {
	PageNo     uint64
	MaxVersion uint64

	created  time.Time
	capBytes int
	values   map[K][]byte
	order    []K
}

// Entries iterates the page's writes in insertion order.
func (p *Page[K]) Entries() func(yield func(K, []byte) bool) {
	return func(yield func(K, []byte) bool) {
		for _, k := range p.order {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// Len returns the number of distinct keys buffered in the page.
func (p *Page[K]) Len() int { return len(p.order) }

func newPage[K comparable](pageNo uint64) *Page[K] {
	return &Page[K]{PageNo: pageNo, created: time.Now(), values: make(map[K][]byte)}
}

// CBF is the change buffer. K is the entry key type: a main block index for
// the storage layer, a slot number for the KV layer.
type CBF[K comparable] struct {
	mu      sync.Mutex
	maxCap  int
	maxAge  time.Duration
	version uint64
	active  *Page[K]
	retired []*Page[K] // oldest first
}

// Option configures a CBF at construction.
type Option func(*cbfOptions)

type cbfOptions struct {
	maxCap int
	maxAge time.Duration
}

// WithMaxCap caps the total buffered bytes a page holds before rotating.
func WithMaxCap(n int) Option {
	return func(o *cbfOptions) { o.maxCap = n }
}

// WithMaxEntries is an alias for WithMaxCap kept for callers that think in
// terms of a simple buffered-bytes budget rather than a page_max_cap name.
func WithMaxEntries(n int) Option {
	return WithMaxCap(n)
}

// WithMaxAge caps how long a page stays active before rotating.
func WithMaxAge(d time.Duration) Option {
	return func(o *cbfOptions) { o.maxAge = d }
}

// New creates an empty change buffer with its first page already active.
func New[K comparable](opts ...Option) *CBF[K] {
	o := &cbfOptions{maxCap: 1 << 20, maxAge: 5 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	c := &CBF[K]{maxCap: o.maxCap, maxAge: o.maxAge}
	c.active = newPage[K](0)
	return c
}

// Insert buffers a write under key at the given version, rotating the
// active page first if adding bytes would exceed the page's byte cap, or if
// the active page has aged out.
func (c *CBF[K]) Insert(version uint64, key K, bytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version = version

	overCap := c.active.capBytes+len(bytes) > c.maxCap
	agedOut := c.active.Len() > 0 && time.Since(c.active.created) >= c.maxAge
	if overCap || agedOut {
		c.rotate(version)
	}

	if _, exists := c.active.values[key]; !exists {
		c.active.order = append(c.active.order, key)
	}
	c.active.values[key] = bytes
	c.active.capBytes += len(bytes)
	if version > c.active.MaxVersion {
		c.active.MaxVersion = version
	}
}

// rotate retires the active page and starts a fresh one numbered pageNo.
// Caller holds c.mu.
func (c *CBF[K]) rotate(pageNo uint64) {
	c.retired = append(c.retired, c.active)
	c.active = newPage[K](pageNo)
}

// forceRotateLocked retires the active page if it has data. Caller holds c.mu.
func (c *CBF[K]) forceRotateLocked() {
	if c.active.Len() == 0 {
		return
	}
	c.rotate(c.version)
}

// ForceRotate retires the active page immediately if it has data, without
// waiting for it to fill up or age out.
func (c *CBF[K]) ForceRotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceRotateLocked()
}

// Get returns the most recently buffered value for key, searching the
// active page first, then retired pages from newest (highest page number)
// to oldest.
func (c *CBF[K]) Get(key K) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.active.values[key]; ok {
		return v, true
	}
	for i := len(c.retired) - 1; i >= 0; i-- {
		if v, ok := c.retired[i].values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// PopFirstPage pops and returns the oldest retired page. If none is
// retired but the active page has data, it is force-rotated and this call
// returns false; the next call will return it. Returns false, nil if there
// is genuinely nothing buffered at all.
func (c *CBF[K]) PopFirstPage() (*Page[K], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.retired) > 0 {
		page := c.retired[0]
		c.retired = c.retired[1:]
		return page, true
	}
	c.forceRotateLocked()
	return nil, false
}

// PendingPages reports how many retired pages are waiting to be drained.
func (c *CBF[K]) PendingPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retired)
}
