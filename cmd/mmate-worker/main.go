// Command mmate-worker inspects how the worker core will treat a queue: the
// lease renewal it would schedule and how message bodies decode.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-worker/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	margin      time.Duration
	minInterval time.Duration
	timeout     time.Duration
	verbose     bool
}

func (o *globalOptions) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *globalOptions) extenderOptions() []messaging.ExtenderOption {
	return []messaging.ExtenderOption{
		messaging.WithRenewalMargin(o.margin),
		messaging.WithMinRenewalInterval(o.minInterval),
		messaging.WithExtenderLogger(o.logger()),
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "mmate-worker",
		Short: "Inspect queues and payloads for mmate workers",
		Long: `mmate-worker shows what the worker core would do with a queue before a pool
runs against it: the visibility timeout it reads, the renewal interval it
schedules, and how message bodies decode and validate.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().DurationVar(&opts.margin, "margin", messaging.DefaultRenewalMargin, "Renewal margin subtracted from the visibility timeout")
	rootCmd.PersistentFlags().DurationVar(&opts.minInterval, "min-interval", messaging.DefaultMinRenewalInterval, "Lower bound of the renewal interval")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Timeout for calls to the queue service")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newLeaseCommand(opts), newDecodeCommand(opts))

	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
