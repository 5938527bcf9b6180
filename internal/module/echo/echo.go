// Package echo implements a trivial module that logs its payload back. It
// exists for end-to-end exercises of the queue pipeline, including the
// transversal status path: it counts how many jobs it has processed per
// repository.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"modqueue/internal/module"
)

type Module struct {
	module.Base
}

var _ module.Module = (*Module)(nil)

func New() *Module { return &Module{} }

func (m *Module) Name() string  { return "echo" }
func (m *Module) Title() string { return "Echo" }

// GetActions emits one standard-priority action per event, carrying the
// event payload through as module data.
func (m *Module) GetActions(_ context.Context, ec module.EventContext) ([]module.Action, error) {
	return []module.Action{{
		Priority: module.PriorityInherit,
		Data:     ec.EventData,
	}}, nil
}

func (m *Module) Process(ctx context.Context, pc module.ProcessContext) (*module.ProcessOutput, error) {
	pc.Logger.InfoContext(ctx, "echo", slog.String("payload", string(pc.ModuleData)))
	return &module.ProcessOutput{
		Success:            true,
		TransversalUpdated: true,
		Output:             string(pc.ModuleData),
	}, nil
}

// UpdateTransversalStatus bumps the per-repository processed counter.
func (m *Module) UpdateTransversalStatus(_ context.Context, pc module.ProcessContext, _, old json.RawMessage) (json.RawMessage, error) {
	counts := make(map[string]int64)
	if len(old) > 0 {
		if err := json.Unmarshal(old, &counts); err != nil {
			return nil, fmt.Errorf("decode echo status: %w", err)
		}
	}
	counts[pc.Owner+"/"+pc.Repository]++
	return json.Marshal(counts)
}
