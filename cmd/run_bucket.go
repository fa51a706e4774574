package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/orchestrator"
)

var runBucketCmd = &cobra.Command{
	Use:   "run-bucket <bucket-id> <date>",
	Short: "Run one bucket job for a date",
	Long:  "Classifies, filters, allocates and dispatches one bucket for the given run date (YYYY-MM-DD or \"today\"). A completed run is not repeated unless --force is set.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runDate, err := parseRunDate(args[1])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		inHouse, _ := cmd.Flags().GetBool("inhouse-only")
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, runErr := env.Orchestrator.RunBucket(ctx, args[0], runDate, orchestrator.RunOptions{Force: force, InHouseOnly: inHouse})
		if run != nil {
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(run); err != nil {
					return err
				}
			} else {
				formatRun(os.Stdout, run)
			}
		}
		if runErr != nil {
			return eris.Wrapf(runErr, "run-bucket %s %s", args[0], model.FormatDate(runDate))
		}
		return nil
	},
}

// parseRunDate accepts YYYY-MM-DD or "today" (UTC).
func parseRunDate(s string) (time.Time, error) {
	if strings.EqualFold(s, "today") {
		return model.Day(time.Now().UTC()), nil
	}
	d, err := model.ParseRunDate(s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "invalid run date %q", s)
	}
	return d, nil
}

func init() {
	runBucketCmd.Flags().Bool("force", false, "re-run a bucket that already completed for the date")
	runBucketCmd.Flags().Bool("inhouse-only", false, "skip vendors and send every eligible obligation in-house")
	runBucketCmd.Flags().Bool("json", false, "print the run as JSON")
	rootCmd.AddCommand(runBucketCmd)
}
