package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"chatwarden/internal/app"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, envFile string

	serve := func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return run(cmd.Context(), cfgPath)
	}

	root := &cobra.Command{
		Use:          "chatwarden",
		Short:        "Telegram group moderation bot with an admin HTTP API",
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json, yaml or toml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot (default)",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
				return err
			},
		},
	)
	return root
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if err := a.Start(parent); err != nil {
		stop(a, app.StopFatalError)
		return fmt.Errorf("fatal start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	// Read the cause before Stop, which cancels the supervisor itself.
	fatal := a.Err()
	stop(a, reason)
	if reason == app.StopFatalError && fatal != nil {
		return fmt.Errorf("fatal: %w", fatal)
	}
	return nil
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
