package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/spf13/cobra"
)

// Deps are the services trackctl commands operate on.
type Deps struct {
	Janitor    *service.Janitor
	Aggregator *service.Aggregator
	Privacy    *service.PrivacyService
	// Locker keeps manual cleanups from overlapping scheduled ones; may be nil.
	Locker service.Locker
	Close  func()
}

// Loader opens Deps on first use so that --help works without a database.
type Loader func(ctx context.Context) (*Deps, error)

// Options configure how commands talk to the operator.
type Options struct {
	Load Loader
	// Interactive reports whether stdin is a terminal that can answer prompts.
	Interactive func() bool
}

// AddCommands adds all the commands from this package to the root command.
func AddCommands(root *cobra.Command, opts Options) {
	if opts.Interactive == nil {
		opts.Interactive = func() bool { return false }
	}
	root.AddCommand(
		NewCleanupCommand(opts),
		NewStatsCommand(opts),
		NewExportCommand(opts),
		NewEraseCommand(opts),
	)
}

// withDeps loads the dependencies, runs fn and releases them.
func withDeps(cmd *cobra.Command, opts Options, fn func(ctx context.Context, deps *Deps) error) error {
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := opts.Load(ctx)
	if err != nil {
		return err
	}
	if deps.Close != nil {
		defer deps.Close()
	}
	return fn(ctx, deps)
}

var errAborted = errors.New("aborted")

// confirm asks a yes/no question on the command's streams. Without a
// terminal it refuses rather than guessing.
func confirm(cmd *cobra.Command, opts Options, question string) error {
	if !opts.Interactive() {
		return errors.New("refusing to delete without confirmation: stdin is not a terminal, pass --force")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	return errAborted
}
