package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/collection-cli/internal/contact"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

var syncOutcomesCmd = &cobra.Command{
	Use:   "sync-outcomes <date>",
	Short: "Pull vendor call outcomes and update non-contact counters",
	Long:  "Fetches the outcome of every unsynced vendor task for the date and advances or resets each account's consecutive non-contact counter. Tasks still dialling are left for a later sync.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runDate, err := parseRunDate(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := snapshot.NewLoader(cfg.Engine.SnapshotPath, st).Load(ctx)
		if err != nil {
			return eris.Wrap(err, "sync-outcomes: load snapshot")
		}

		res, err := contact.NewTracker(st, snap, initRegistry()).SyncOutcomes(ctx, runDate)
		if err != nil {
			return err
		}

		_, _ = printer.Fprintf(os.Stdout, "tasks %d  synced %d  pending %d  failed %d\n", res.Tasks, res.Synced, res.Pending, res.Failed)
		_, _ = printer.Fprintf(os.Stdout, "accounts %d  contacted %d  demoted %d  stale %d\n", res.Accounts, res.Contacted, res.Demoted, res.Stale)
		if res.Failed > 0 {
			return eris.Errorf("sync-outcomes: %d task(s) could not be fetched", res.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncOutcomesCmd)
}
