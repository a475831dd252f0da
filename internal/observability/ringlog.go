package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultRingSize is the number of log entries kept for the debug view.
const DefaultRingSize = 100

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingBuffer keeps the most recent log entries. It is safe for concurrent use.
type RingBuffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRingBuffer returns a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

// Add stores e, overwriting the oldest entry when full.
func (b *RingBuffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// Len returns the number of stored entries.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Entries returns a copy of the stored entries, newest first.
func (b *RingBuffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = len(b.entries)
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (b.next - i + len(b.entries)) % len(b.entries)
		out = append(out, b.entries[idx])
	}
	return out
}

// Clear drops every entry.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.next, b.full = 0, false
}

// RingHandler copies every record it handles into a RingBuffer before
// passing it to the wrapped handler.
type RingHandler struct {
	next   slog.Handler
	ring   *RingBuffer
	attrs  []slog.Attr
	prefix string
}

// NewRingHandler wraps next.
func NewRingHandler(next slog.Handler, ring *RingBuffer) *RingHandler {
	return &RingHandler{next: next, ring: ring}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			addAttr(e.Attrs, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			addAttr(e.Attrs, h.prefix, a)
			return true
		})
	}
	h.ring.Add(e)
	return h.next.Handle(ctx, r)
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	qualified := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	qualified = append(qualified, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		qualified = append(qualified, a)
	}
	return &RingHandler{next: h.next.WithAttrs(attrs), ring: h.ring, attrs: qualified, prefix: h.prefix}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &RingHandler{next: h.next.WithGroup(name), ring: h.ring, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// addAttr flattens groups into dotted keys. Errors and Stringers are
// stored as text so entries encode cleanly to JSON.
func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addAttr(dst, p, ga)
		}
		return
	}

	key := strings.TrimSuffix(prefix+a.Key, ".")
	switch v := a.Value.Any().(type) {
	case error:
		dst[key] = v.Error()
	case fmt.Stringer:
		dst[key] = v.String()
	default:
		dst[key] = v
	}
}
