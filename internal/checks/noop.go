package checks

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Noop is an API implementation that only logs. It is used when no platform
// credentials are configured and in tests.
type Noop struct {
	logger *slog.Logger
	nextID atomic.Int64
}

var _ API = (*Noop)(nil)

func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) CreateCheck(_ context.Context, owner, repository, name, headSHA, detailsURL, externalID string) (int64, error) {
	id := n.nextID.Add(1)
	n.logger.Debug("check created",
		slog.String("repository", owner+"/"+repository),
		slog.String("name", name),
		slog.String("head_sha", headSHA),
		slog.String("details_url", detailsURL),
		slog.String("external_id", externalID),
		slog.Int64("check_id", id))
	return id, nil
}

func (n *Noop) CloseCheck(_ context.Context, owner, repository string, checkID int64, conclusion Conclusion, title, summary, _ string) error {
	n.logger.Debug("check closed",
		slog.String("repository", owner+"/"+repository),
		slog.Int64("check_id", checkID),
		slog.String("conclusion", string(conclusion)),
		slog.String("title", title),
		slog.String("summary", summary))
	return nil
}

func (n *Noop) DefaultBranchHead(context.Context, string, string) (string, error) {
	return "HEAD", nil
}
