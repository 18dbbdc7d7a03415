package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swarm-dev/swarm/internal/config"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

var (
	configPath string
	actor      string
	jsonOutput bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	cfg    *config.Config
	cliApp *app
)

// skipStoreAnnotation marks commands that run without opening the ticket store
const skipStoreAnnotation = "swarm/skip-store"

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Ticket lifecycle and retry engine for coding agents",
	Long: `swarm dispatches tickets to coding agents and moves them through
draft, ready, assigned, in_progress, in_review and done.

Failures are classified and retried with per-category backoff; review
rejections thread structured feedback into the next attempt; features ship
only when every sibling ticket is done.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if cmd.Annotations[skipStoreAnnotation] == "true" {
			return nil
		}
		cliApp, err = newApp(rootCtx, cfg, os.Stderr)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		defer rootCancel()
		if cliApp == nil {
			return nil
		}
		err := cliApp.Close(context.Background())
		cliApp = nil
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the config file (optional)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "Actor name recorded in the audit trail")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.Version = Version
}

func defaultActor() string {
	if v := os.Getenv("SWARM_ACTOR"); v != "" {
		return v
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "operator"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if cliApp != nil {
			_ = cliApp.Close(context.Background())
		}
		os.Exit(1)
	}
}
