package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/dirsync/internal/domain"
	"github.com/Ning0612/dirsync/internal/progress"
	"github.com/Ning0612/dirsync/internal/service"
)

// withDirectories opens the store for the duration of fn
func withDirectories(cmd *cobra.Command, fn func(ctx context.Context, svc *service.DirectoryService) error) error {
	svc, closeFn, err := openDirectories(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(cmd.Context(), svc)
}

func printDirectories(w io.Writer, dirs []domain.Directory) {
	if len(dirs) == 0 {
		fmt.Fprintln(w, "No directories configured.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROVIDER\tENABLED\tSCHEDULE\tLAST RUN\tSTATUS\tNEXT RUN")
	for _, d := range dirs {
		status := string(d.LastStatus)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			d.Name, d.Provider, d.Enabled, d.Schedule, formatTime(d.LastRunAt), status, formatTime(d.NextRunAt))
	}
	tw.Flush()

	for _, d := range dirs {
		if d.LastError != "" {
			fmt.Fprintf(w, "  %s: %s\n", d.Name, firstLine(d.LastError))
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectories(cmd, func(ctx context.Context, svc *service.DirectoryService) error {
				dirs, err := svc.Directories(ctx)
				if err != nil {
					return err
				}
				printDirectories(cmd.OutOrStdout(), dirs)
				return nil
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "sync <directory>",
		Short: "Sync one directory now, in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var reporter progress.Reporter
			if !quiet {
				reporter = progress.NewCallbackReporter(func(u progress.Update) {
					switch u.Type {
					case progress.UpdatePage:
						fmt.Fprintf(out, "  page %d: %s\n", u.Pages, progress.FormatCounts(u))
					case progress.UpdateError:
						fmt.Fprintf(out, "  error %s: %v\n", u.Ident, u.Err)
					}
				})
			}

			return withDirectories(cmd, func(ctx context.Context, svc *service.DirectoryService) error {
				fmt.Fprintf(out, "Syncing %s...\n", args[0])
				res, err := svc.SyncOnce(ctx, args[0], reporter)
				if err != nil {
					return err
				}
				if res.Status != domain.JobSuccess {
					return fmt.Errorf("job #%d failed after %s: %w", res.JobID, res.Elapsed.Round(time.Millisecond), res.Err)
				}
				fmt.Fprintf(out, "Job #%d succeeded in %s: %s\n", res.JobID, res.Elapsed.Round(time.Millisecond), res.Result)
				if res.Result.Notes != "" {
					fmt.Fprintln(out, res.Result.Notes)
				}
				fmt.Fprintf(out, "Next run at %s\n", formatTime(&res.NextRunAt))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print page progress")
	return cmd
}

// newActionCmd builds a command that applies op to one named directory
func newActionCmd(use, short, done string, op func(svc *service.DirectoryService, ctx context.Context, name string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <directory>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectories(cmd, func(ctx context.Context, svc *service.DirectoryService) error {
				if err := op(svc, ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], done)
				return nil
			})
		},
	}
}

func newTestCmd() *cobra.Command {
	return newActionCmd("test", "Test provider connectivity and credentials",
		"connection OK", (*service.DirectoryService).TestConnection)
}

func newRunNowCmd() *cobra.Command {
	return newActionCmd("run-now", "Make a directory due on the next scheduler tick",
		"run requested", (*service.DirectoryService).RunNow)
}

func newPauseCmd() *cobra.Command {
	return newActionCmd("pause", "Disable scheduled runs of a directory",
		"paused", (*service.DirectoryService).Pause)
}

func newResumeCmd() *cobra.Command {
	return newActionCmd("resume", "Enable scheduled runs of a directory",
		"resumed", (*service.DirectoryService).Resume)
}

func newResetCursorCmd() *cobra.Command {
	return newActionCmd("reset-cursor", "Drop the delta cursor so the next run is a full crawl",
		"cursor reset", (*service.DirectoryService).ResetCursor)
}

func newJobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs <directory>",
		Short: "Show the job history of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectories(cmd, func(ctx context.Context, svc *service.DirectoryService) error {
				jobs, err := svc.Jobs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs found.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tFINISHED\tCREATED\tUPDATED\tDEACTIVATED\tNOTES")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						j.ID, j.Status, formatTime(&j.StartedAt), formatTime(j.FinishedAt),
						j.Created, j.Updated, j.Deactivated, firstLine(j.Notes))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", service.DefaultJobLimit, "Number of jobs to show")
	return cmd
}
