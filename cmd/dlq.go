package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect vendor pages that exhausted their retries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered vendor pages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		vendorName, _ := cmd.Flags().GetString("vendor")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")
		filter := resilience.DLQFilter{Vendor: vendorName, ErrorType: errType, Limit: limit}
		if d, _ := cmd.Flags().GetString("date"); d != "" {
			if filter.RunDate, err = parseRunDate(d); err != nil {
				return err
			}
		}

		entries, err := st.ListDLQ(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "DLQ is empty.")
			return nil
		}
		formatDLQ(os.Stdout, entries)
		return nil
	},
}

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a dead-lettered page once it has been handled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return eris.Wrap(st.RemoveDLQ(ctx, args[0]), "dlq remove")
	},
}

// formatDLQ writes a tabular list of DLQ entries to w.
func formatDLQ(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVENDOR\tBUCKET\tDATE\tOBLIGATIONS\tTYPE\tERROR")
	for _, e := range entries {
		_, _ = printer.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncate(e.ID, 11),
			e.Vendor,
			e.BucketID,
			model.FormatDate(e.RunDate),
			len(e.ObligationIDs),
			e.ErrorType,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func init() {
	dlqListCmd.Flags().String("vendor", "", "filter by vendor")
	dlqListCmd.Flags().String("date", "", "filter by run date (YYYY-MM-DD)")
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().Int("limit", 100, "max number of entries")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRemoveCmd)
	rootCmd.AddCommand(dlqCmd)
}
