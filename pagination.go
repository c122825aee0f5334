package loopline

import "sync"

// ============================================================================
// Pagination Cursor Tracker
// ============================================================================

type pageCursor struct {
	page     int
	hasMore  bool
	inflight bool
}

// PageTracker tracks the page cursor and single-flight state per list key.
// Begin refuses to hand out a page while a load for the same key is
// outstanding, which is what keeps scroll-event storms from issuing
// duplicate fetches.
type PageTracker struct {
	mu      sync.Mutex
	cursors map[string]*pageCursor
}

func NewPageTracker() *PageTracker {
	return &PageTracker{cursors: make(map[string]*pageCursor)}
}

func (t *PageTracker) cursor(key string) *pageCursor {
	c, ok := t.cursors[key]
	if !ok {
		c = &pageCursor{hasMore: true}
		t.cursors[key] = c
	}
	return c
}

// CanLoadMore reports whether another page can be requested for the key.
func (t *PageTracker) CanLoadMore(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursor(key)
	return c.hasMore && !c.inflight
}

// Begin claims the next page number for the key. It returns ok=false when a
// load is already in flight or the list is exhausted.
func (t *PageTracker) Begin(key string) (page int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursor(key)
	if c.inflight || !c.hasMore {
		return 0, false
	}
	c.inflight = true
	return c.page + 1, true
}

// Complete records a finished load. A short page means the list is
// exhausted.
func (t *PageTracker) Complete(key string, gotFullPage bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursor(key)
	c.inflight = false
	c.page++
	c.hasMore = gotFullPage
}

// Fail releases the in-flight claim without advancing the cursor, so the
// same page can be retried.
func (t *PageTracker) Fail(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor(key).inflight = false
}

// Reset forgets the key entirely; the next Begin starts from page 1. It
// refuses while a claim is outstanding — the late Complete would otherwise
// advance the fresh cursor and skew the page bookkeeping.
func (t *PageTracker) Reset(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cursors[key]; ok && c.inflight {
		return false
	}
	delete(t.cursors, key)
	return true
}

// HasMore reports whether the list has (or may have) more pages.
func (t *PageTracker) HasMore(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor(key).hasMore
}
