// Package main provides iamctl, the operator CLI for the IAM monitor.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

// globals are the flags shared by every subcommand.
type globals struct {
	server     string
	apiKey     string
	configPath string
	timeout    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "iamctl",
		Short:         "Operate the IAM monitor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&g.server, "server", envOr("IAMCTL_SERVER", "http://localhost:8080"), "IAM monitor control API URL")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("IAMMON_API_KEY"), "API key for the control API")
	root.PersistentFlags().StringVar(&g.configPath, "config", envOr("IAMMON_CONFIG_PATH", "configs/config.yaml"), "Path to the service configuration")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 5*time.Minute, "Request timeout")

	root.AddCommand(
		newTrainCmd(g),
		newRollbackCmd(g),
		newStatusCmd(g),
		newNormalizeCmd(),
		newDLQCmd(g),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
