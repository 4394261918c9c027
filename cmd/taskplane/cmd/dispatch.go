package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"taskplane/internal/logger"
	"taskplane/internal/proc"
	"taskplane/pkg/dispatch"
)

var dispatchCmd = &cobra.Command{
	Use:    "dispatch",
	Short:  "Remote-process entry point (internal)",
	Long: `dispatch reads a dispatch payload, reconstructs the task it names, and
invokes the requested method. It is spawned by separate-process units;
running it by hand is only useful for debugging.

The payload arrives on stdin, or base64-encoded in the ` + proc.PayloadEnv + `
environment variable when the parent cannot hand the child a stdin pipe
(the docker backend).`,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readPayload(cmd.InOrStdin())
		if err != nil {
			return err
		}

		var payload dispatch.Payload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}

		// Stdout belongs to the task; logs go to stderr.
		log := logger.NewWriter(os.Stderr, slog.LevelInfo)
		ctx := logger.WithInvocationID(context.Background(), payload.InvocationID)
		return dispatch.Invoke(ctx, payload, logger.FromContext(ctx, log))
	},
}

func readPayload(stdin io.Reader) ([]byte, error) {
	if env := os.Getenv(proc.PayloadEnv); env != "" {
		raw, err := base64.StdEncoding.DecodeString(env)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", proc.PayloadEnv, err)
		}
		return raw, nil
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no payload on stdin or %s", proc.PayloadEnv)
	}
	return raw, nil
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}
