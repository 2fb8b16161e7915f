package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/murabcd/vibestack/envelope"
	"github.com/murabcd/vibestack/session"
)

func init() {
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay <file.ndjson>",
	Short: "Fold a recorded stream into session state",
	Long:  "Reads an NDJSON envelope stream (\"-\" for stdin) and prints the reduced session state as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open transcript: %w", err)
			}
			defer f.Close()
			in = f
		}
		envs, err := envelope.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		return replay(cmd.OutOrStdout(), envs)
	},
}

func replay(w io.Writer, envs []envelope.Envelope) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(session.Replay(envs))
}
