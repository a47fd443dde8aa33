package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bilift/internal/arch"
	"bilift/internal/blocks"
	"bilift/internal/config"
	"bilift/internal/lift"
	"bilift/internal/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Lift a recorded execution trace block by block",
	Long: `Decode every frame of a trace into IL and print the resulting blocks.
Binary traces carry their architecture; JSON-lines traces need --arch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openTrace(cmd, args[0])
		if err != nil {
			return err
		}
		dec, err := trace.NewDecoder(r.Arch(), lift.WithLogger(charmLogger()))
		if err != nil {
			r.Close()
			return err
		}
		batch, _ := cmd.Flags().GetInt("batch")
		if batch <= 0 {
			batch = cfg.Batch
		}

		s := blocks.FromReader(r, dec, batch)
		defer s.Close()
		p := printer()
		out := cmd.OutOrStdout()
		n := 0
		for s.Next() {
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if n > 0 {
				fmt.Fprintln(out)
			}
			if err := p.Format(out, s.At()); err != nil {
				return err
			}
			n++
		}
		charmLogger().Debug("trace done", "blocks", n)
		return s.Err()
	},
}

func openTrace(cmd *cobra.Command, path string) (trace.Reader, error) {
	jsonl, _ := cmd.Flags().GetBool("json")
	follow, _ := cmd.Flags().GetBool("follow")
	if !jsonl && !follow {
		r, err := trace.Open(path)
		if err != nil {
			return nil, err
		}
		if a := archOr(r.Arch()); a != r.Arch() {
			r.Close()
			return nil, fmt.Errorf("%s: trace is %s, not %s", path, r.Arch(), a)
		}
		return r, nil
	}

	a := archOr(arch.Unknown)
	if a == arch.Unknown {
		return nil, errors.New("JSON-lines traces need --arch")
	}
	if follow {
		return trace.Follow(path, a)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return trace.NewJSONReader(f, a), nil
}

var convertCmd = &cobra.Command{
	Use:   "convert <in.jsonl> <out.bilt>",
	Short: "Convert a JSON-lines trace to the binary trace format",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := archOr(arch.Unknown)
		if a == arch.Unknown {
			return errors.New("convert needs --arch")
		}
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		r := trace.NewJSONReader(in, a)
		defer r.Close()

		out, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()
		w, err := trace.NewWriter(out, a)
		if err != nil {
			return err
		}
		n := 0
		for !r.EndOfTrace() {
			frames, err := r.Frames(config.DefaultBatch)
			if err != nil {
				return err
			}
			for _, f := range frames {
				if err := w.Write(f); err != nil {
					return err
				}
			}
			n += len(frames)
		}
		if err := w.Close(); err != nil {
			return err
		}
		charmLogger().Info("converted trace", "frames", n, "out", args[1])
		return out.Close()
	},
}

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for configuration",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		bts, err := config.Schema()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(bts))
		return nil
	},
}

func init() {
	traceCmd.Flags().Bool("json", false, "The trace is JSON lines")
	traceCmd.Flags().BoolP("follow", "f", false, "Keep reading a JSON-lines trace as it grows")
	traceCmd.Flags().Int("batch", 0, "Frames decoded per refill (default from config)")
}
