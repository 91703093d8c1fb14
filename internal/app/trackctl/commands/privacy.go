package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/spf13/cobra"
)

type subjectOptions struct {
	userID    uint64
	sessionID string
}

func (o *subjectOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Uint64Var(&o.userID, "user-id", 0, "Authenticated user id")
	flags.StringVar(&o.sessionID, "session-id", "", "Raw session id (the cookie value)")
}

func (o *subjectOptions) subject(cmd *cobra.Command) (model.Subject, error) {
	var s model.Subject
	if cmd.Flags().Changed("user-id") {
		id := o.userID
		s.UserID = &id
	}
	s.SessionID = o.sessionID
	if s.Empty() {
		return s, errors.New("one of --user-id or --session-id is required")
	}
	return s, nil
}

// NewExportCommand creates a new cobra.Command for `trackctl export`.
func NewExportCommand(opts Options) *cobra.Command {
	subject := subjectOptions{}
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every record of a user or session as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := subject.subject(cmd)
			if err != nil {
				return err
			}
			return withDeps(cmd, opts, func(ctx context.Context, deps *Deps) error {
				export, err := deps.Privacy.ExportUserData(ctx, s)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(export); err != nil {
					return err
				}
				if output != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Exported %d page views and %d sessions to %s\n",
						len(export.PageViews), len(export.Sessions), output)
				}
				return nil
			})
		},
	}

	subject.bind(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")

	return cmd
}

// NewEraseCommand creates a new cobra.Command for `trackctl erase`.
func NewEraseCommand(opts Options) *cobra.Command {
	subject := subjectOptions{}
	var force bool

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Permanently delete every record of a user or session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := subject.subject(cmd)
			if err != nil {
				return err
			}
			return withDeps(cmd, opts, func(ctx context.Context, deps *Deps) error {
				if !force {
					if err := confirm(cmd, opts, "Permanently delete this subject's analytics data?"); err != nil {
						if errors.Is(err, errAborted) {
							fmt.Fprintln(cmd.OutOrStdout(), "Erase aborted.")
							return nil
						}
						return err
					}
				}
				res, err := deps.Privacy.EraseUserData(ctx, s)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s page views and %s sessions.\n",
					humanize.Comma(res.PageViewsDeleted), humanize.Comma(res.SessionsDeleted))
				return nil
			})
		},
	}

	subject.bind(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "Do not ask for confirmation")

	return cmd
}
