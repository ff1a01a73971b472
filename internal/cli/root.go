// Package cli implements the dirsync command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/dirsync/internal/config"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/service"
	"github.com/Ning0612/dirsync/internal/state"
)

var (
	flagConfig   string
	flagLogLevel string

	loader *config.Loader
	cfg    *config.Config
)

// NewRootCmd creates the root cobra command for the dirsync CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dirsync",
		Short: "Scheduled identity-provider directory sync",
		Long: "dirsync pulls users from Microsoft Entra ID and Google Workspace into a local\n" +
			"user store on a per-directory schedule.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loader = config.NewLoader(flagConfig)
			c, err := loader.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if flagLogLevel != "" {
				c.Logging.Level = flagLogLevel
			}
			cfg = c
			return initLogging(c)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Shutdown()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default: config.yaml in ., ./configs, the user config dir or ~/.dirsync)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newStopCmd(),
		newStatusCmd(),
		newListCmd(),
		newSyncCmd(),
		newTestCmd(),
		newRunNowCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newResetCursorCmd(),
		newJobsCmd(),
	)

	return root
}

// initLogging installs the global logger, replacing the one a previous
// execution of the root command left behind.
func initLogging(c *config.Config) error {
	if err := logger.Reset(c.Logging.LoggerConfig()); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

// openDirectories opens the state store and applies the configured seeds.
// The returned func closes the store.
func openDirectories(ctx context.Context) (*service.DirectoryService, func(), error) {
	m, err := state.NewManager(cfg.DataDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open state: %w", err)
	}
	svc, err := service.NewDirectoryService(cfg, m, serviceOpts...)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	if _, err := svc.ApplySeeds(ctx, cfg.Directories); err != nil {
		logger.Get().Warn("Some directory seeds were not applied", "error", err)
	}
	return svc, func() { m.Close() }, nil
}

// serviceOpts is appended to every service constructor
var serviceOpts []service.DirectoryOption

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
