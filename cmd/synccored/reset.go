package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/suhailpatel/realm-core/internal/config"
)

var resetKind string

var resetCmd = &cobra.Command{
	Use:   "reset <server-url>",
	Short: "Mark a session for a client reset on its next activation",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().StringVar(&resetKind, "kind", "client_reset", "reset kind: client_reset or client_reset_no_recovery")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	serverURL := args[0]

	if resetKind != "client_reset" && resetKind != "client_reset_no_recovery" {
		return fmt.Errorf("--kind must be %q or %q, got %q", "client_reset", "client_reset_no_recovery", resetKind)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sessionKey := sessionKeyForPath(serverURL)
	markerPath := resetMarkerPath(cfg.StateDir, sessionKey)

	if err := os.MkdirAll(filepath.Dir(markerPath), 0o700); err != nil {
		return fmt.Errorf("creating reset marker directory: %w", err)
	}

	data, err := json.Marshal(resetMarker{Kind: resetKind})
	if err != nil {
		return err
	}
	if err := os.WriteFile(markerPath, data, 0o600); err != nil {
		return fmt.Errorf("writing reset marker: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "client reset marker written for %s; it will apply on next `synccored run`\n", serverURL)
	return nil
}
