package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/sifan077/PowerTrack/internal/http/util"
	"github.com/spf13/cobra"
)

type statsOptions struct {
	from   string
	to     string
	asJSON bool
}

// NewStatsCommand creates a new cobra.Command for `trackctl stats`.
func NewStatsCommand(opts Options) *cobra.Command {
	options := statsOptions{}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the analytics dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := util.ParseTime(options.from, false)
			if err != nil {
				return err
			}
			to, err := util.ParseTime(options.to, true)
			if err != nil {
				return err
			}
			rng := model.NewDateRange(from, to)

			return withDeps(cmd, opts, func(ctx context.Context, deps *Deps) error {
				dash, err := deps.Aggregator.GetDashboard(ctx, rng)
				if err != nil {
					return err
				}
				if options.asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(dash)
				}
				printDashboard(cmd.OutOrStdout(), dash)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.from, "from", "", "Start of the range (YYYY-MM-DD or RFC 3339)")
	flags.StringVar(&options.to, "to", "", "End of the range, inclusive")
	flags.BoolVar(&options.asJSON, "json", false, "Print the raw dashboard as JSON")

	return cmd
}

func printDashboard(out io.Writer, d service.Dashboard) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Page views\t%s\n", humanize.Comma(d.PageViews.TotalViews))
	fmt.Fprintf(w, "Unique visitors\t%s\n", humanize.Comma(d.PageViews.UniqueVisitors))
	fmt.Fprintf(w, "Bot views\t%s\n", humanize.Comma(d.PageViews.BotViews))
	fmt.Fprintf(w, "Sessions\t%s\n", humanize.Comma(d.Sessions.TotalSessions))
	fmt.Fprintf(w, "Bounce rate\t%.2f%%\n", d.Sessions.BounceRate)
	fmt.Fprintf(w, "Avg session\t%s\n", (time.Duration(d.Sessions.AvgDurationSeconds * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(w, "Engagement rate\t%.2f%%\n", d.Engagement.EngagementRate)
	fmt.Fprintf(w, "Avg response\t%.0f ms\n", d.PageViews.AvgResponseTimeMs)
	_ = w.Flush()

	if len(d.PopularPages) > 0 {
		fmt.Fprintln(out, "\nPopular pages")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, p := range d.PopularPages {
			fmt.Fprintf(w, "  %s\t%s\n", p.Path, humanize.Comma(p.Views))
		}
		_ = w.Flush()
	}
	if len(d.Devices) > 0 {
		fmt.Fprintln(out, "\nDevices")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, dev := range d.Devices {
			fmt.Fprintf(w, "  %s\t%s\n", dev.DeviceType, humanize.Comma(dev.Views))
		}
		_ = w.Flush()
	}
}
