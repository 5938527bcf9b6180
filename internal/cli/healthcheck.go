package cli

import (
	"github.com/spf13/cobra"

	"modqueue/internal/config"
	"modqueue/internal/health"
)

// healthcheckCmd is the container liveness probe: exit 0 when the worker
// heartbeat file is fresh, non-zero otherwise.
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Check the worker heartbeat file",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := config.Load()
		return health.New(cfg.HeartbeatPath).Check(cfg.HeartbeatMaxAge)
	},
}
