package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

// nopCloser is a no-op Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// asyncState is shared by an AsyncHandler and every handler derived from it.
type asyncState struct {
	ch      chan slog.Record
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends racing close(ch)
	closed  bool
	dropped atomic.Int64
}

// AsyncHandler hands records to a worker pool over a buffered channel so
// that logging never blocks a run. Records are dropped when the buffer is full.
type AsyncHandler struct {
	inner slog.Handler
	st    *asyncState
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	st := &asyncState{ch: make(chan slog.Record, chanSize)}
	h := &AsyncHandler{inner: inner, st: st}
	for range workers {
		st.wg.Add(1)
		go h.drain()
	}
	return h
}

// drain writes records through the root inner handler. Derived handlers
// attach their attrs before enqueueing, see Handle.
func (h *AsyncHandler) drain() {
	defer h.st.wg.Done()
	for rec := range h.st.ch {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues a clone of the record. Drops if the channel is full or
// the handler is closed.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	if h.st.closed {
		h.st.dropped.Add(1)
		return nil
	}
	select {
	case h.st.ch <- rec.Clone():
	default:
		h.st.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same channel and workers.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derivedHandler{root: h, attrs: attrs}
}

// WithGroup returns a handler sharing the same channel and workers.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &derivedHandler{root: h, group: name}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.st.dropped.Load()
}

// Close stops accepting records and waits for the workers to drain. It is
// safe to call more than once.
func (h *AsyncHandler) Close() {
	h.st.mu.Lock()
	if !h.st.closed {
		h.st.closed = true
		close(h.st.ch)
	}
	h.st.mu.Unlock()
	h.st.wg.Wait()
}

// derivedHandler flattens With* attributes into the record so that the
// shared workers can write it through the root handler.
type derivedHandler struct {
	root   *AsyncHandler
	parent *derivedHandler
	attrs  []slog.Attr
	group  string
}

func (d *derivedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return d.root.Enabled(ctx, level)
}

func (d *derivedHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	var own []slog.Attr
	rec.Attrs(func(a slog.Attr) bool {
		own = append(own, a)
		return true
	})
	out.AddAttrs(d.wrap(own)...)
	return d.root.Handle(ctx, out)
}

// wrap nests attrs inside every group on the path to the root and prepends
// the attrs bound at each level.
func (d *derivedHandler) wrap(attrs []slog.Attr) []slog.Attr {
	for h := d; h != nil; h = h.parent {
		if h.group != "" {
			if len(attrs) == 0 {
				continue
			}
			args := make([]any, len(attrs))
			for i, a := range attrs {
				args[i] = a
			}
			attrs = []slog.Attr{slog.Group(h.group, args...)}
			continue
		}
		attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	}
	return attrs
}

func (d *derivedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derivedHandler{root: d.root, parent: d, attrs: attrs}
}

func (d *derivedHandler) WithGroup(name string) slog.Handler {
	return &derivedHandler{root: d.root, parent: d, group: name}
}
