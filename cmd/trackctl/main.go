package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/bootstrap"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/sifan077/PowerTrack/internal/app/trackctl/commands"
	"github.com/sifan077/PowerTrack/internal/infra/logger"
	infraRedis "github.com/sifan077/PowerTrack/internal/infra/redis"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const appName = "trackctl"

// Provisioned by ldflags
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   appName + " maintains PowerTrack analytics data.",
		Version: version,
	}

	commands.AddCommands(rootCmd, commands.Options{
		Load: load,
		Interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}

func load(ctx context.Context) (*commands.Deps, error) {
	logCfg := logger.FromEnv(appName)
	logCfg.Stderr = true
	log, err := logger.Init(logCfg)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Tracking.Secret == "" {
		// Raw session ids can only be matched with the server's secret.
		log.Warn("tracking.secret is not set; --session-id lookups will not match stored sessions")
	}

	stores, err := bootstrap.OpenStores(ctx, cfg.Postgres, log, false)
	if err != nil {
		return nil, err
	}
	redisClient, err := infraRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		stores.Close()
		return nil, err
	}

	anonymizer := service.NewAnonymizer(cfg.Tracking.Secret, cfg.Tracking.AnonymizeIP)
	deps := &commands.Deps{
		Janitor: service.NewJanitor(service.JanitorDeps{
			Logger: log,
			Config: cfg.Retention,
			Repo:   stores.Retention,
		}),
		Aggregator: service.NewAggregator(service.AggregatorDeps{
			Logger:    log,
			Config:    cfg.Dashboard,
			PageViews: stores.PageViews,
			Sessions:  stores.Sessions,
		}),
		Privacy: service.NewPrivacyService(service.PrivacyDeps{
			Logger:     log,
			Anonymizer: anonymizer,
			PageViews:  stores.PageViews,
			Sessions:   stores.Sessions,
		}),
		Locker: bootstrap.NewLocker(cfg.Retention, redisClient),
		Close: func() {
			if redisClient != nil {
				_ = redisClient.Close()
			}
			stores.Close()
			_ = logger.Sync()
		},
	}
	return deps, nil
}
