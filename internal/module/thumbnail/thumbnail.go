// Package thumbnail implements a module that renders resized previews of
// images referenced by an event. It demonstrates a module doing real work in
// its isolated working directory.
package thumbnail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"modqueue/internal/module"
)

// configuration accepted through the module config blob.
type config struct {
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	Gray    bool `json:"grayscale"`
	Quality int  `json:"quality"`
}

// payload carried in module_data, produced by GetActions.
type payload struct {
	SourcePath string `json:"source_path"`
	OutputPath string `json:"output_path"`
}

type event struct {
	Images []payload `json:"images"`
}

type Module struct {
	module.Base
}

var _ module.Module = (*Module)(nil)

func New() *Module { return &Module{} }

func (m *Module) Name() string  { return "thumbnail" }
func (m *Module) Title() string { return "Thumbnail" }

// GetActions emits one action per image referenced by the event, so each
// render runs as its own job.
func (m *Module) GetActions(_ context.Context, ec module.EventContext) ([]module.Action, error) {
	var ev event
	if err := json.Unmarshal(ec.EventData, &ev); err != nil {
		return nil, fmt.Errorf("decode thumbnail event: %w", err)
	}
	actions := make([]module.Action, 0, len(ev.Images))
	for _, img := range ev.Images {
		data, err := json.Marshal(img)
		if err != nil {
			return nil, err
		}
		actions = append(actions, module.Action{
			Title:    "render " + filepath.Base(img.SourcePath),
			Priority: module.PriorityStandard,
			Data:     data,
		})
	}
	return actions, nil
}

// UniqueOn supersedes still-queued renders of the same image when the event
// fires again before the first job ran.
func (m *Module) UniqueOn() []string {
	return []string{module.UniqueOwner, module.UniqueRepository, module.UniqueModuleData}
}

func (m *Module) Process(ctx context.Context, pc module.ProcessContext) (*module.ProcessOutput, error) {
	var cfg config
	if err := json.Unmarshal(pc.ModuleConfig, &cfg); err != nil {
		return nil, fmt.Errorf("decode thumbnail config: %w", err)
	}
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width = 320
	}
	if cfg.Quality == 0 {
		cfg.Quality = 85
	}

	var p payload
	if err := json.Unmarshal(pc.ModuleData, &p); err != nil {
		return nil, fmt.Errorf("decode thumbnail payload: %w", err)
	}
	if p.SourcePath == "" {
		return nil, errors.New("source_path is required")
	}
	if p.OutputPath == "" {
		base := filepath.Base(p.SourcePath)
		p.OutputPath = filepath.Join(filepath.Dir(p.SourcePath), "thumb_"+base)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := imaging.Open(p.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source image: %w", err)
	}
	img := imaging.Resize(src, cfg.Width, cfg.Height, imaging.Lanczos)
	if cfg.Gray {
		img = imaging.Grayscale(img)
	}

	// Render into the job's working directory first, move into place after.
	tmp := filepath.Join(pc.Workdir, "thumb"+strings.ToLower(filepath.Ext(p.OutputPath)))
	if err := imaging.Save(img, tmp, imaging.JPEGQuality(cfg.Quality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.Rename(tmp, p.OutputPath); err != nil {
		// Rename fails across filesystems; fall back to a copy.
		data, readErr := os.ReadFile(tmp)
		if readErr != nil {
			return nil, fmt.Errorf("move thumbnail: %w", err)
		}
		if err := os.WriteFile(p.OutputPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write thumbnail: %w", err)
		}
	}

	pc.Logger.InfoContext(ctx, "thumbnail rendered",
		slog.String("source", p.SourcePath),
		slog.String("output", p.OutputPath))
	return &module.ProcessOutput{Success: true, Output: p.OutputPath}, nil
}
