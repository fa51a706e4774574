package main

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/allocator"
	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/snapshot"
)

var transferCmd = &cobra.Command{
	Use:   "transfer <account-id> <agent|vendor|agency> <target-id>",
	Short: "Move an account to another assignment target",
	Long:  "Closes the account's open assignment, opens one to the target and writes an audited transfer row.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		accountID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "transfer: invalid account id %q", args[0])
		}
		target, err := model.NewAssignmentTarget(model.TargetType(args[1]), args[2])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		on := time.Now().UTC()
		if d, _ := cmd.Flags().GetString("date"); d != "" {
			if on, err = parseRunDate(d); err != nil {
				return err
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := snapshot.NewLoader(cfg.Engine.SnapshotPath, st).Load(ctx)
		if err != nil {
			return eris.Wrap(err, "transfer: load snapshot")
		}

		tr, err := allocator.NewTransferer(st, snap).Transfer(ctx, accountID, target, reason, on)
		if err != nil {
			return err
		}

		zap.L().Info("account transferred",
			zap.Int64("account_id", accountID),
			zap.String("from_assignment", tr.FromAssignment),
			zap.String("to_assignment", tr.ToAssignment),
			zap.String("target", string(target.Type())+":"+target.TargetID()),
		)
		return nil
	},
}

func init() {
	transferCmd.Flags().String("reason", "manual", "reason recorded on the transfer")
	transferCmd.Flags().String("date", "", "transfer date (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(transferCmd)
}
