package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/collection-cli/internal/monitoring"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <date>",
	Short: "Recompute not-sent counts for a date and compare with run summaries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runDate, err := parseRunDate(args[0])
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := snapshot.NewLoader(cfg.Engine.SnapshotPath, st).Load(ctx)
		if err != nil {
			return eris.Wrap(err, "reconcile: load snapshot")
		}

		rec, err := monitoring.NewReconciler(st, snap).Reconcile(ctx, runDate)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rec); err != nil {
				return err
			}
		} else {
			formatReconciliation(os.Stdout, rec)
		}
		if !rec.OK() {
			return eris.Errorf("reconcile %s: %d mismatches", rec.RunDate, rec.Mismatches)
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().Bool("json", false, "print the reconciliation as JSON")
	rootCmd.AddCommand(reconcileCmd)
}
