package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"iam-monitor/internal/schema"

	"github.com/spf13/cobra"
)

// newNormalizeCmd prints the canonical form of CloudTrail records. Input is
// one JSON record per line, from a file or stdin.
func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [file]",
		Short: "Normalize CloudTrail records into canonical events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return normalizeLines(in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func normalizeLines(in io.Reader, out, errOut io.Writer) error {
	norm, err := schema.NewNormalizer(nil)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var line, rejected int
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := norm.Normalize(raw)
		if err != nil {
			rejected++
			var ne *schema.NormalizationError
			if errors.As(err, &ne) {
				fmt.Fprintf(errOut, "line %d: %s: %v\n", line, ne.Kind, err)
			} else {
				fmt.Fprintf(errOut, "line %d: %v\n", line, err)
			}
			continue
		}
		if err := printJSON(out, ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d records rejected", rejected, line)
	}
	return nil
}
