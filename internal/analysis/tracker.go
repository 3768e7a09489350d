package analysis

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is how long a document must stay quiet before a
// change notification is flushed to the server.
const DefaultDebounceWindow = 200 * time.Millisecond

type pendingDoc struct {
	content  string
	version  int
	lastEdit time.Time
	dirty    bool
}

// Tracker coalesces rapid local edits into one change notification per
// quiet period. The dashboard records every keystroke and calls Flush once
// per tick; no timer goroutine is needed.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	docs   map[string]*pendingDoc
}

// NewTracker creates a tracker with the given debounce window; zero or
// negative means DefaultDebounceWindow.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Tracker{
		window: window,
		docs:   make(map[string]*pendingDoc),
	}
}

// Record stores the latest content of path and stamps the edit time.
// Earlier unflushed content for the same path is superseded.
func (t *Tracker) Record(path, content string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, ok := t.docs[path]
	if !ok {
		doc = &pendingDoc{version: 1}
		t.docs[path] = doc
	}
	doc.content = content
	doc.lastEdit = now
	doc.dirty = true
}

// Flush sends one change notification for every document whose last edit is
// older than the debounce window, via send. Returns how many were flushed.
func (t *Tracker) Flush(now time.Time, send func(path, content string, version int) error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	flushed := 0
	for path, doc := range t.docs {
		if !doc.dirty || now.Sub(doc.lastEdit) < t.window {
			continue
		}
		doc.version++
		if err := send(path, doc.content, doc.version); err != nil {
			// Leave the document dirty; the next tick retries.
			doc.version--
			continue
		}
		doc.dirty = false
		flushed++
	}
	return flushed
}
