package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/frameflow/internal/codec"
	"github.com/drblury/frameflow/internal/graph"
	"github.com/drblury/frameflow/internal/runtime/jsoncodec"
)

func newDecodeCommand() *cobra.Command {
	var compact bool

	cmd := &cobra.Command{
		Use:   "decode <file|->",
		Short: "Print an envelope as JSON",
		Long: "Decode reads one envelope, or its continuation parts written back to back, " +
			"and prints the message with label ids resolved to names.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			env, err := reassemble(raw)
			if err != nil {
				return err
			}
			c := codec.New(graph.NewLabels())
			msg, err := c.Decode(env)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}

			var out []byte
			if compact {
				out, err = jsoncodec.Marshal(c.View(msg))
			} else {
				out, err = jsoncodec.MarshalIndent(c.View(msg), "", "  ")
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	cmd.Flags().BoolVar(&compact, "compact", false, "Print JSON on one line")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return b, nil
}

// reassemble joins continuation parts stored one after another.
func reassemble(raw []byte) ([]byte, error) {
	var a codec.Assembler
	for len(raw) > 0 {
		n, err := codec.PartLen(raw)
		if err != nil {
			return nil, err
		}
		env, done, err := a.Add(raw[:n])
		if err != nil {
			return nil, err
		}
		raw = raw[n:]
		if done {
			if len(raw) > 0 {
				return nil, fmt.Errorf("decode: %d trailing bytes after envelope", len(raw))
			}
			return env, nil
		}
	}
	return nil, fmt.Errorf("decode: envelope is incomplete")
}
