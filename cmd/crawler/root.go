package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"feed-crawler/internal/app"
)

var (
	version = "1.0.0"

	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "crawler",
	Short: "Crawl an account's public feed, rank its posts and persist them",
	Long: `Feed crawler discovers an account's posts from its profile feed, extracts
counts and media from each post page, ranks the batch by engagement and
commits it to the durable tier.

Scheduled incremental crawls and the object retention sweep run under the
schedule command.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.yaml", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// openApp builds the stack with a context cancelled on SIGINT or SIGTERM.
func openApp(cmd *cobra.Command) (*app.App, context.Context, context.CancelFunc, error) {
	if logLevel != "" {
		os.Setenv("LOG_LEVEL", logLevel)
	}
	a, err := app.New(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	return a, ctx, stop, nil
}
