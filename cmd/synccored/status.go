package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/suhailpatel/realm-core/internal/config"
	"github.com/suhailpatel/realm-core/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Dump each session's persisted state machine snapshot (no running daemon required)",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.StateDir, "sync.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	keys, err := st.ListSessionKeys()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no persisted sessions")
		return nil
	}

	for _, key := range keys {
		cursor, err := st.GetCursor(key)
		if err != nil {
			return fmt.Errorf("reading cursor for %s: %w", key, err)
		}
		ident, found, err := st.GetClientFileIdent(key)
		if err != nil {
			return fmt.Errorf("reading client file ident for %s: %w", key, err)
		}
		migration, err := st.GetMigration(key)
		if err != nil {
			return fmt.Errorf("reading migration state for %s: %w", key, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "session %s:\n", key)
		if found {
			fmt.Fprintf(cmd.OutOrStdout(), "  client_file_ident=%d salt=%d\n", ident.Ident, ident.Salt)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "  client_file_ident=<unassigned>")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  upload_client_version=%d upload_last_integrated_server_version=%d\n",
			cursor.UploadClientVersion, cursor.UploadLastIntegratedServerVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "  download_server_version=%d download_last_integrated_client_version=%d\n",
			cursor.DownloadServerVersion, cursor.DownloadLastIntegratedClientVersion)
		if migration.InProgress {
			fmt.Fprintf(cmd.OutOrStdout(), "  migration_in_progress=true to_flx=%v\n", migration.ToFLX)
		}
	}

	return nil
}
