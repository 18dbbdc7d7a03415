package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarm-dev/swarm/internal/watchdog"
)

var watchdogOnce bool

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Fail tickets whose agents stopped sending heartbeats",
	Long: `Scan for assigned or in-progress tickets with no heartbeat within
watchdog.heartbeat_timeout and report a timeout failure for each. The
failure is retried or held like any other timeout.

Runs until interrupted, scanning every watchdog.scan_interval. With --once,
scans a single time and exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := watchdog.NewMonitor(cfg.WatchdogConfig(), cliApp.store, cliApp.engine,
			watchdog.WithLogger(cliApp.logger))
		if err != nil {
			return err
		}

		if watchdogOnce {
			n, err := m.ScanOnce(rootCtx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Reported %d stale tickets\n", green("✓"), n)
			return nil
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Watching heartbeats (timeout %s, every %s); Ctrl+C to stop\n",
			cyan("●"), cfg.Watchdog.HeartbeatTimeout, cfg.Watchdog.ScanInterval)
		m.Start(rootCtx)
		<-rootCtx.Done()
		m.Stop()
		fmt.Fprintf(cmd.OutOrStdout(), "%s Watchdog stopped\n", gray("■"))
		return nil
	},
}

func init() {
	watchdogCmd.Flags().BoolVar(&watchdogOnce, "once", false, "Scan once and exit")
	rootCmd.AddCommand(watchdogCmd)
}
