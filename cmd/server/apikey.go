package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/avaropoint/agstream/internal/config"
	"github.com/avaropoint/agstream/internal/security"
	"github.com/avaropoint/agstream/internal/store"
)

// apikeyCmd manages the keys that guard POST /api/events.
func apikeyCmd() *cobra.Command {
	var dataDir, dbPath string

	open := func(cmd *cobra.Command) (*store.SQLiteStore, error) {
		if err := config.ApplyEnv(cmd.Flags()); err != nil {
			return nil, err
		}
		path := dbPath
		if path == "" {
			path = filepath.Join(dataDir, "agstream.db")
		}
		return store.NewSQLiteStore(path)
	}

	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long: `Manage API keys for the HTTP API.

While no key exists, POST /api/events is open. Once a key is created,
requests must send it as "Authorization: Bearer <key>" or ?token=<key>.`,
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", config.Default().DataDir, "directory holding the database")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default <data-dir>/agstream.db)")

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a key and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			rec, key, err := security.GenerateAPIKey(args[0])
			if err != nil {
				return err
			}
			if err := db.CreateAPIKey(cmd.Context(), rec); err != nil {
				return fmt.Errorf("store api key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created API key %q (%s)\n", rec.Name, rec.Prefix)
			fmt.Fprintf(out, "\n  %s\n\nStore it now; it cannot be shown again.\n", key)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := open(cmd)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			keys, err := db.ListAPIKeys(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tCREATED\tLAST USED")
			for _, k := range keys {
				last := "never"
				if k.LastUsed != nil {
					last = k.LastUsed.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Prefix, k.CreatedAt.Format(time.RFC3339), last)
			}
			return tw.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete ID|PREFIX",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			if err := db.DeleteAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted API key %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}
