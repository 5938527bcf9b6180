package thumbnail

import (
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"modqueue/internal/module"
)

func TestGetActionsOnePerImage(t *testing.T) {
	m := New()
	actions, err := m.GetActions(context.Background(), module.EventContext{
		EventData: json.RawMessage(`{"images":[{"source_path":"/a.png"},{"source_path":"/b.png"}]}`),
	})
	if err != nil {
		t.Fatalf("get actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	if actions[0].Title != "render a.png" {
		t.Fatalf("title = %q", actions[0].Title)
	}
}

func TestGetActionsBadPayload(t *testing.T) {
	m := New()
	if _, err := m.GetActions(context.Background(), module.EventContext{EventData: json.RawMessage(`broken`)}); err == nil {
		t.Fatalf("invalid event payload should error")
	}
}

func TestProcessRendersThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	if err := imaging.Save(imaging.New(64, 64, color.NRGBA{R: 200, G: 30, B: 30, A: 255}), src); err != nil {
		t.Fatalf("write source image: %v", err)
	}
	out := filepath.Join(dir, "thumbs", "small.jpg")

	m := New()
	result, err := m.Process(context.Background(), module.ProcessContext{
		ModuleConfig: json.RawMessage(`{"width":16,"grayscale":true}`),
		ModuleData:   json.RawMessage(fmt.Sprintf(`{"source_path":%q,"output_path":%q}`, src, out)),
		Workdir:      t.TempDir(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Success || result.Output != out {
		t.Fatalf("result = %+v", result)
	}

	rendered, err := imaging.Open(out)
	if err != nil {
		t.Fatalf("open rendered thumbnail: %v", err)
	}
	if rendered.Bounds().Dx() != 16 {
		t.Fatalf("width = %d, want 16", rendered.Bounds().Dx())
	}
}

func TestProcessMissingSource(t *testing.T) {
	m := New()
	_, err := m.Process(context.Background(), module.ProcessContext{
		ModuleConfig: json.RawMessage(`{}`),
		ModuleData:   json.RawMessage(`{}`),
		Workdir:      t.TempDir(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil {
		t.Fatalf("missing source_path should error")
	}
}
