package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

const shutdownTimeout = 10 * time.Second

// NewRootCommand returns the "sceneview" command. Without a subcommand, it runs the server.
func NewRootCommand() (*cobra.Command, error) {
	cfg := sceneview.NewConfig()

	rootCmd := &cobra.Command{
		Use:   "sceneview",
		Short: "Web viewer for 3D assets with a persistent asset cache",
		Long: `sceneview serves a browser viewer for glTF assets. Assets are fetched from
the assets origin and cached locally, so repeated loads don't hit the network.`,
		Version:       cfg.BuildInfo.ShortGitHash,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.LoadOverrides(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			rlog.SetLevel(cfg.LogLevel)
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			return runServe(cfg)
		},
	}
	rootCmd.SetVersionTemplate("{{ .Version }}\n")

	if err := cfg.RegisterFlags(rootCmd.PersistentFlags()); err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the web server",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return runServe(cfg)
			},
		},
		&cobra.Command{
			Use:   "prefetch PATH...",
			Short: "Load assets into the cache",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPrefetch(cmd.Context(), cfg, args)
			},
		},
	)

	return rootCmd, nil
}

func Execute() error {
	rootCmd, err := NewRootCommand()
	if err != nil {
		return err
	}
	return rootCmd.Execute()
}

func runServe(cfg sceneview.Config) (err error) {
	cfg.BuildInfo.Print()
	cfg.Print()

	app := NewApp(cfg)

	var startFinished <-chan struct{}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		rlog.Info("shutdown")
		if shutdownErr := app.Shutdown(ctx); shutdownErr != nil {
			rlog.Error(shutdownErr)
		}

		if startFinished != nil {
			<-startFinished
		}
	}()

	if err := app.Prepare(); err != nil {
		return err
	}

	termCtx, termCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer termCtxCancel()

	var startFailed bool
	startFinished = app.Start(func() {
		startFailed = true
		termCtxCancel()
	})

	<-termCtx.Done()

	if startFailed {
		return errors.New("couldn't start app")
	}
	return nil
}

func runPrefetch(ctx context.Context, cfg sceneview.Config, paths []string) error {
	if cfg.Cache.Mode == sceneview.CacheModeNone {
		rlog.Warn("cache is disabled, assets will be fetched but not saved")
	}

	app := NewApp(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(ctx); err != nil {
			rlog.Error(err)
		}
	}()

	if err := app.PrepareLoader(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("Prefetching"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)

	var failed, fromCache int
	for _, path := range paths {
		res, err := app.loader.Resolve(ctx, path)
		switch {
		case err != nil:
			failed++
			rlog.Errorf("couldn't prefetch %q: %s", path, err)
		case res.Source == sceneview.SourceCache:
			fromCache++
		}
		_ = bar.Add(1)

		if ctx.Err() != nil {
			break
		}
	}
	_ = bar.Finish()

	// Wait for cache writes.
	if err := app.loader.Flush(ctx); err != nil {
		return fmt.Errorf("couldn't save assets to cache: %w", err)
	}

	rlog.Infof("prefetched %d asset(s), %d already cached, %d failed", len(paths)-failed, fromCache, failed)

	if failed > 0 {
		return fmt.Errorf("couldn't prefetch %d asset(s)", failed)
	}
	return nil
}
