package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"iam-monitor/internal/config"
	"iam-monitor/internal/kafka"
	"iam-monitor/internal/logging"
	"iam-monitor/internal/secrets"

	"github.com/spf13/cobra"
)

func newDLQCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead-letter topic",
	}
	cmd.AddCommand(newDLQReplayCmd(g), newDLQDepthCmd(g))
	return cmd
}

type replayOpts struct {
	limit   int
	match   string
	exclude string
	idle    time.Duration
}

func newDLQReplayCmd(g *globals) *cobra.Command {
	o := &replayOpts{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Move dead-lettered events back onto the inbound topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadKafka(cmd.Context(), g)
			if err != nil {
				return err
			}
			producer, err := kafka.NewProducer(cfg, logger)
			if err != nil {
				return err
			}
			defer producer.Close()
			rep, err := kafka.NewReplayer(cfg, producer, logger)
			if err != nil {
				return err
			}
			defer rep.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), o.idle)
			defer cancel()
			res, err := rep.Replay(ctx, o.limit, o.keep)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, skipped %d\n", res.Replayed, res.Skipped)
			return err
		},
	}
	cmd.Flags().IntVar(&o.limit, "limit", 0, "Maximum messages to read (0 reads until --wait expires)")
	cmd.Flags().StringVar(&o.match, "match", "", "Only replay messages whose failure reason contains this text")
	cmd.Flags().StringVar(&o.exclude, "exclude", "", "Skip messages whose failure reason contains this text")
	cmd.Flags().DurationVar(&o.idle, "wait", 30*time.Second, "How long to read the dead-letter topic")
	return cmd
}

// keep filters by dead-letter reason. Skipped messages are committed and
// will not be offered again.
func (o *replayOpts) keep(cause string) bool {
	if o.match != "" && !strings.Contains(cause, o.match) {
		return false
	}
	if o.exclude != "" && strings.Contains(cause, o.exclude) {
		return false
	}
	return true
}

func newDLQDepthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "Print the number of messages on the dead-letter topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadKafka(cmd.Context(), g)
			if err != nil {
				return err
			}
			admin, err := kafka.NewAdmin(cfg, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			depth, err := admin.DeadLetterDepth(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", cfg.DeadLetterTopic, depth)
			return nil
		},
	}
}

// loadKafka reads broker settings from the service configuration and
// resolves the SASL password reference.
func loadKafka(ctx context.Context, g *globals) (kafka.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return kafka.Config{}, nil, err
	}
	logger := logging.NewLogger(os.Stderr, cfg.Logging.Level, "text")

	sm, err := secrets.NewManager(ctx, cfg.Secrets, logger)
	if err != nil {
		return kafka.Config{}, nil, err
	}
	defer sm.Close()
	if err := sm.ResolveAll(ctx, &cfg.Kafka.SASLPassword); err != nil {
		return kafka.Config{}, nil, err
	}
	return cfg.Kafka, logger, nil
}
