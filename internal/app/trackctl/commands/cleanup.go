package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/spf13/cobra"
)

type cleanupOptions struct {
	days      int
	dryRun    bool
	force     bool
	batchSize int
}

// NewCleanupCommand creates a new cobra.Command for `trackctl cleanup`.
func NewCleanupCommand(opts Options) *cobra.Command {
	options := cleanupOptions{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete page views and sessions older than the retention window",
		Long: "Delete page views and sessions older than the retention window.\n\n" +
			"Without --days the configured window is used; a window of 0 days disables cleanup.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var days *int
			if cmd.Flags().Changed("days") {
				days = &options.days
			}
			return withDeps(cmd, opts, func(ctx context.Context, deps *Deps) error {
				return runCleanup(ctx, cmd, opts, deps, options, days)
			})
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&options.days, "days", 0, "Retention window in days (default: configured value)")
	flags.BoolVar(&options.dryRun, "dry-run", false, "Only report what would be deleted")
	flags.BoolVar(&options.force, "force", false, "Do not ask for confirmation")
	flags.IntVar(&options.batchSize, "batch-size", 0, "Rows deleted per statement (default: configured value)")

	return cmd
}

func runCleanup(ctx context.Context, cmd *cobra.Command, opts Options, deps *Deps, options cleanupOptions, days *int) error {
	if options.batchSize < 0 {
		return errors.New("--batch-size must not be negative")
	}
	out := cmd.OutOrStdout()

	before, err := deps.Janitor.Inspect(ctx, days)
	if err != nil {
		return err
	}
	if before.Disabled {
		fmt.Fprintln(out, "Retention is disabled (0 days); nothing to clean up.")
		return nil
	}

	fmt.Fprintf(out, "Retention: %d days, deleting records before %s\n\n",
		before.RetentionDays, before.Cutoff.UTC().Format("2006-01-02 15:04:05 MST"))
	printCounts(out, before)

	if before.PageViews.Expired == 0 && before.Sessions.Expired == 0 {
		fmt.Fprintln(out, "\nNothing to clean up.")
		return nil
	}
	if options.dryRun {
		fmt.Fprintln(out, "\nDry run: no records were deleted.")
		return nil
	}
	if !options.force {
		question := fmt.Sprintf("\nDelete %s page views and %s sessions?",
			humanize.Comma(before.PageViews.Expired), humanize.Comma(before.Sessions.Expired))
		if err := confirm(cmd, opts, question); err != nil {
			if errors.Is(err, errAborted) {
				fmt.Fprintln(out, "Cleanup aborted.")
				return nil
			}
			return err
		}
	}

	if deps.Locker != nil {
		unlock, ok, err := deps.Locker.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("acquire cleanup lock: %w", err)
		}
		if !ok {
			return errors.New("another cleanup is already running")
		}
		defer unlock()
	}

	start := time.Now()
	res := deps.Janitor.Cleanup(ctx, service.CleanupOptions{Days: days, BatchSize: options.batchSize})
	elapsed := time.Since(start)

	fmt.Fprintf(out, "\nDeleted %s page views and %s sessions in %s.\n",
		humanize.Comma(res.PageViewsDeleted), humanize.Comma(res.SessionsDeleted), elapsed.Round(time.Millisecond))
	if res.Failed() {
		return fmt.Errorf("cleanup stopped early: %s", res.Error)
	}

	after, err := deps.Janitor.Inspect(ctx, days)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printCounts(out, after)
	return nil
}

func printCounts(out io.Writer, report service.RetentionReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tTOTAL\tEXPIRED")
	fmt.Fprintf(w, "page_views\t%s\t%s\n", humanize.Comma(report.PageViews.Total), humanize.Comma(report.PageViews.Expired))
	fmt.Fprintf(w, "sessions\t%s\t%s\n", humanize.Comma(report.Sessions.Total), humanize.Comma(report.Sessions.Expired))
	_ = w.Flush()
}
