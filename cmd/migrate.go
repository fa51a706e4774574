package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var fixtureCmd = &cobra.Command{
	Use:   "fixture",
	Short: "Manage ledger fixtures for local runs",
}

var fixtureLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a YAML ledger fixture into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ledger, err := store.LoadFixtureFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.LoadLedger(ctx, ledger); err != nil {
			return eris.Wrap(err, "fixture load")
		}
		zap.L().Info("fixture loaded",
			zap.String("file", args[0]),
			zap.Int("accounts", len(ledger.Accounts)),
			zap.Int("obligations", len(ledger.Obligations)),
		)
		return nil
	},
}

func init() {
	fixtureCmd.AddCommand(fixtureLoadCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(fixtureCmd)
}
