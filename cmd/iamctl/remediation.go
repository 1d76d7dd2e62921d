package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"iam-monitor/internal/schema"

	"github.com/spf13/cobra"
)

func newTrainCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Retrain the behavioral baseline now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			var stats struct {
				Samples    int   `json:"samples"`
				Bytes      int   `json:"bytes"`
				DurationMs int64 `json:"duration_ms"`
			}
			if err := newAPIClient(g).do(ctx, http.MethodPost, "/v1/baseline/retrain", &stats); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline retrained: %d samples, %d bytes in %dms\n",
				stats.Samples, stats.Bytes, stats.DurationMs)
			return nil
		},
	}
}

func newRollbackCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <event-id>",
		Short: "Roll back the remediation applied for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			path := "/v1/remediations/" + url.PathEscape(args[0]) + "/rollback"
			var rb schema.RollbackResult
			err := newAPIClient(g).do(ctx, http.MethodPost, path, &rb)

			// A partial rollback comes back as 502 with the step results.
			var se *statusError
			if errors.As(err, &se) && se.Status == http.StatusBadGateway {
				if jerr := json.Unmarshal(se.Body, &rb); jerr == nil && rb.DetectionRef != "" {
					printJSON(cmd.OutOrStdout(), rb)
					return fmt.Errorf("rollback finished with status %s", rb.Status)
				}
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rb)
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <event-id>",
		Short: "Show the remediation recorded for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			var res schema.RemediationResult
			if err := newAPIClient(g).do(ctx, http.MethodGet, "/v1/remediations/"+url.PathEscape(args[0]), &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
