// Package checks reflects job lifecycle onto external status checks. The
// check is a side channel: failures talking to the platform are logged and
// never override a job's own terminal status.
package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"modqueue/internal/models"
	"modqueue/internal/store"
)

// Conclusion is the terminal state of an external check.
type Conclusion string

const (
	ConclusionSuccess Conclusion = "success"
	ConclusionFailure Conclusion = "failure"
	ConclusionSkipped Conclusion = "skipped"
)

// API abstracts the platform's check endpoints. Implementations live outside
// the queue core; Noop serves development and tests.
type API interface {
	// CreateCheck opens a check in "in progress" state on the given head
	// revision and returns its id.
	CreateCheck(ctx context.Context, owner, repository, name, headSHA, detailsURL, externalID string) (int64, error)
	// CloseCheck transitions a check to its terminal conclusion.
	CloseCheck(ctx context.Context, owner, repository string, checkID int64, conclusion Conclusion, title, summary, text string) error
	// DefaultBranchHead resolves the tenant's default reference, used when
	// the event payload carries no revision.
	DefaultBranchHead(ctx context.Context, owner, repository string) (string, error)
}

// Updater creates and closes checks for jobs and records the check handle on
// the job row.
type Updater struct {
	api        API
	store      store.Store
	serviceURL string
	logger     *slog.Logger
}

func NewUpdater(api API, st store.Store, serviceURL string, logger *slog.Logger) *Updater {
	return &Updater{api: api, store: st, serviceURL: serviceURL, logger: logger}
}

// Open creates a check for the job unless it already has one, and persists
// the handle. The returned id is zero when creation failed; callers treat
// that as "no check".
func (u *Updater) Open(ctx context.Context, job *models.Job, title string) int64 {
	if job.CheckID != nil {
		return *job.CheckID
	}
	sha := HeadSHA(job.EventData)
	if sha == "" {
		var err error
		sha, err = u.api.DefaultBranchHead(ctx, job.Owner, job.Repository)
		if err != nil {
			u.logger.Warn("resolve default branch head failed",
				slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
			return 0
		}
	}
	id, err := u.api.CreateCheck(ctx, job.Owner, job.Repository, title, sha,
		u.LogsURL(job.ID), fmt.Sprintf("%d", job.ID))
	if err != nil {
		u.logger.Warn("create check failed",
			slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
		return 0
	}
	if err := u.store.SetCheckID(ctx, job.ID, id); err != nil {
		u.logger.Warn("persist check id failed",
			slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
	}
	job.CheckID = &id
	return id
}

// Close finalizes the job's check. The summary always references the full
// captured log so a check never dead-ends.
func (u *Updater) Close(ctx context.Context, job *models.Job, conclusion Conclusion, title, summary, text string) {
	if job.CheckID == nil {
		return
	}
	if summary == "" {
		summary = "Module executed successfully"
	}
	if conclusion != ConclusionSuccess {
		summary = fmt.Sprintf("%s\n[See logs for more details](%s)", summary, u.LogsURL(job.ID))
	}
	if err := u.api.CloseCheck(ctx, job.Owner, job.Repository, *job.CheckID, conclusion, title, summary, text); err != nil {
		u.logger.Warn("close check failed",
			slog.Int64("job_id", job.ID),
			slog.Int64("check_id", *job.CheckID),
			slog.String("error", err.Error()))
	}
}

// LogsURL points at the captured log of a job on the service.
func (u *Updater) LogsURL(jobID int64) string {
	base := u.serviceURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	ref, err := url.JoinPath(base, "jobs", fmt.Sprintf("%d", jobID), "log")
	if err != nil {
		return base
	}
	return ref
}

// HeadSHA digs the head revision out of a platform event payload. Returns ""
// when the event carries none.
func HeadSHA(eventData json.RawMessage) string {
	var ev struct {
		PullRequest struct {
			Head struct {
				SHA string `json:"sha"`
			} `json:"head"`
		} `json:"pull_request"`
		Ref     string `json:"ref"`
		After   string `json:"after"`
		Deleted *bool  `json:"deleted"`
		WorkflowRun struct {
			HeadSHA string `json:"head_sha"`
		} `json:"workflow_run"`
		CheckSuite struct {
			HeadSHA string `json:"head_sha"`
		} `json:"check_suite"`
		CheckRun struct {
			HeadSHA string `json:"head_sha"`
		} `json:"check_run"`
	}
	if err := json.Unmarshal(eventData, &ev); err != nil {
		return ""
	}
	sha := ""
	if ev.PullRequest.Head.SHA != "" {
		sha = ev.PullRequest.Head.SHA
	}
	if ev.Ref != "" && ev.After != "" && ev.Deleted != nil && !*ev.Deleted {
		sha = ev.After
	}
	if ev.WorkflowRun.HeadSHA != "" {
		sha = ev.WorkflowRun.HeadSHA
	}
	if ev.CheckSuite.HeadSHA != "" {
		sha = ev.CheckSuite.HeadSHA
	}
	if ev.CheckRun.HeadSHA != "" {
		sha = ev.CheckRun.HeadSHA
	}
	return sha
}

// platform-originated event kinds that get a check by default
var autoCheckKeys = []string{"pull_request", "pusher", "check_run", "check_suite", "workflow_run"}

// ShouldCreate resolves the tri-state check flag of an action: an explicit
// value wins, otherwise a check is created when the event payload carries one
// of the platform-originated keys.
func ShouldCreate(flag *bool, eventData json.RawMessage) bool {
	if flag != nil {
		return *flag
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(eventData, &payload); err != nil {
		return false
	}
	for _, key := range autoCheckKeys {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}
