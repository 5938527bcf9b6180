package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type correlationKey struct{}

// WithCorrelation attaches a job correlation id to the context. Every log
// record emitted under this context is captured into that job's record.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok
}

// Recorder collects log lines per correlation id. Keying on the explicit id
// in the context rather than any ambient state keeps concurrently running
// jobs' logs from interleaving into the wrong record.
type Recorder struct {
	mu   sync.Mutex
	bufs map[string]*strings.Builder
}

func NewRecorder() *Recorder {
	return &Recorder{bufs: make(map[string]*strings.Builder)}
}

// Start opens a buffer for the id. Records for unknown ids are dropped.
func (r *Recorder) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufs[id] = &strings.Builder{}
}

// Take returns the captured log and discards the buffer.
func (r *Recorder) Take(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.bufs[id]
	if !ok {
		return ""
	}
	delete(r.bufs, id)
	return buf.String()
}

func (r *Recorder) append(id, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.bufs[id]; ok {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// Handler wraps next so records pass through unchanged while a copy of every
// record carrying a correlation id lands in the recorder.
func (r *Recorder) Handler(next slog.Handler) slog.Handler {
	return &captureHandler{recorder: r, next: next}
}

type captureHandler struct {
	recorder *Recorder
	next     slog.Handler
	attrs    []slog.Attr
	group    string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool {
	// Always enabled so captured job logs keep debug records even when the
	// base handler filters them out.
	return true
}

func (h *captureHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id, ok := correlationFrom(ctx); ok {
		h.recorder.append(id, h.formatLine(rec))
	}
	if h.next.Enabled(ctx, rec.Level) {
		return h.next.Handle(ctx, rec)
	}
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Prefix with the group open at bind time; groups opened later must not
	// apply retroactively.
	bound := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		if h.group != "" {
			attr.Key = h.group + "." + attr.Key
		}
		bound[i] = attr
	}
	return &captureHandler{
		recorder: h.recorder,
		next:     h.next.WithAttrs(attrs),
		attrs:    append(h.attrs[:len(h.attrs):len(h.attrs)], bound...),
		group:    h.group,
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	prefix := h.group
	if prefix != "" {
		prefix += "."
	}
	return &captureHandler{
		recorder: h.recorder,
		next:     h.next.WithGroup(name),
		attrs:    h.attrs,
		group:    prefix + name,
	}
}

func (h *captureHandler) formatLine(rec slog.Record) string {
	var b strings.Builder
	b.WriteString(rec.Time.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(rec.Level.String())
	b.WriteByte(' ')
	b.WriteString(rec.Message)
	for _, attr := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
	}
	rec.Attrs(func(attr slog.Attr) bool {
		key := attr.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&b, " %s=%v", key, attr.Value)
		return true
	})
	return b.String()
}
