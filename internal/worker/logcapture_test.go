package worker

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestRecorderCapturesPerCorrelation(t *testing.T) {
	r := NewRecorder()
	var sink strings.Builder
	logger := slog.New(r.Handler(slog.NewTextHandler(&sink, nil)))

	r.Start("job-a")
	r.Start("job-b")
	ctxA := WithCorrelation(context.Background(), "job-a")
	ctxB := WithCorrelation(context.Background(), "job-b")

	logger.InfoContext(ctxA, "line for a", slog.Int("n", 1))
	logger.InfoContext(ctxB, "line for b")
	logger.Info("line without correlation")

	capturedA := r.Take("job-a")
	if !strings.Contains(capturedA, "line for a") || !strings.Contains(capturedA, "n=1") {
		t.Fatalf("capture for a = %q", capturedA)
	}
	if strings.Contains(capturedA, "line for b") {
		t.Fatalf("record for b leaked into a's capture: %q", capturedA)
	}
	if !strings.Contains(r.Take("job-b"), "line for b") {
		t.Fatalf("capture for b lost its record")
	}

	// All three lines still reach the base handler.
	if out := sink.String(); !strings.Contains(out, "line without correlation") {
		t.Fatalf("base handler output = %q", out)
	}
}

func TestRecorderKeepsDebugRecords(t *testing.T) {
	r := NewRecorder()
	var sink strings.Builder
	base := slog.NewTextHandler(&sink, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(r.Handler(base))

	r.Start("job")
	ctx := WithCorrelation(context.Background(), "job")
	logger.DebugContext(ctx, "verbose detail")

	if captured := r.Take("job"); !strings.Contains(captured, "verbose detail") {
		t.Fatalf("debug record missing from capture: %q", captured)
	}
	if strings.Contains(sink.String(), "verbose detail") {
		t.Fatalf("debug record should be filtered by the base handler")
	}
}

func TestRecorderDropsUnknownCorrelation(t *testing.T) {
	r := NewRecorder()
	logger := slog.New(r.Handler(slog.NewTextHandler(&strings.Builder{}, nil)))

	ctx := WithCorrelation(context.Background(), "never-started")
	logger.InfoContext(ctx, "orphan")

	if got := r.Take("never-started"); got != "" {
		t.Fatalf("capture for unstarted id = %q, want empty", got)
	}
}

func TestCaptureHandlerWithAttrsAndGroups(t *testing.T) {
	r := NewRecorder()
	logger := slog.New(r.Handler(slog.NewTextHandler(&strings.Builder{}, nil)))

	r.Start("job")
	ctx := WithCorrelation(context.Background(), "job")
	logger.With(slog.String("module", "echo")).WithGroup("http").InfoContext(ctx, "request", slog.Int("status", 200))

	captured := r.Take("job")
	if !strings.Contains(captured, "module=echo") {
		t.Fatalf("bound attr missing: %q", captured)
	}
	if !strings.Contains(captured, "http.status=200") {
		t.Fatalf("grouped attr missing: %q", captured)
	}
}
