package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/dirsync/internal/config"
	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/lock"
	"github.com/Ning0612/dirsync/internal/logger"
	"github.com/Ning0612/dirsync/internal/service"
)

// shutdownTimeout bounds the wait for the in-flight run on exit
const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			daemon, err := service.NewDaemonService(cfg, serviceOpts...)
			if err != nil {
				return err
			}
			defer daemon.Close()

			if err := daemon.Start(ctx); err != nil {
				if lock.IsLockError(err) {
					return fmt.Errorf("another scheduler is running: %w", err)
				}
				return err
			}

			log := logger.With("component", "cli")
			loader.Watch(func(next *config.Config, err error) {
				if err != nil {
					log.Warn("Config change ignored", "file", loader.ConfigFile(), "error", err)
					return
				}
				if err := daemon.Reload(ctx, next); err != nil {
					log.Warn("Config reload incomplete", "error", err)
				}
			})

			fmt.Fprintf(cmd.OutOrStdout(), "Scheduler running (config %s). Press Ctrl+C to stop.\n", loader.ConfigFile())
			if addr := daemon.Status().APIAddr; addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Admin API on http://%s\n", addr)
			}

			select {
			case <-ctx.Done():
			case <-daemon.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := daemon.Stop(shutdownCtx); err != nil && !errors.Is(err, domain.ErrSchedulerNotRunning) {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Scheduler stopped.")
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal the running scheduler to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			fl, err := lock.NewFileLock(cfg.DataDir())
			if err != nil {
				return err
			}
			h, err := fl.SignalHolder()
			if err != nil {
				if errors.Is(err, domain.ErrSchedulerNotRunning) {
					fmt.Fprintln(cmd.OutOrStdout(), "Scheduler is not running.")
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent stop signal to PID %d on %s.\n", h.PID, h.Hostname)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the scheduler lock holder and the status of every directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fl, err := lock.NewFileLock(cfg.DataDir())
			if err != nil {
				return err
			}
			h, err := fl.Holder()
			switch {
			case err == nil:
				fmt.Fprintf(out, "Scheduler: running (PID %d on %s since %s)\n",
					h.PID, h.Hostname, formatTime(&h.StartedAt))
			case errors.Is(err, domain.ErrSchedulerNotRunning):
				fmt.Fprintln(out, "Scheduler: not running")
			default:
				return err
			}

			svc, closeFn, err := openDirectories(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			dirs, err := svc.Directories(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			printDirectories(out, dirs)

			jobs, err := svc.RecentJobs(cmd.Context(), 1)
			if err != nil {
				return err
			}
			if len(jobs) > 0 {
				j := jobs[0]
				fmt.Fprintf(out, "\nLast job: #%d %s started %s (%s)\n",
					j.ID, j.Status, formatTime(&j.StartedAt), domain.SyncResult{
						Created: j.Created, Updated: j.Updated, Deactivated: j.Deactivated,
					})
			}
			return nil
		},
	}
}
