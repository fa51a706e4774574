package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/monitoring"
)

// printer groups digits in counts; daily populations run to six figures.
var printer = message.NewPrinter(language.English)

// formatRun writes a single bucket run summary to w.
func formatRun(out io.Writer, r *model.BucketRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Bucket:\t%s\n", r.BucketID)
	_, _ = fmt.Fprintf(w, "Run date:\t%s\n", model.FormatDate(r.RunDate))
	_, _ = fmt.Fprintf(w, "State:\t%s\n", r.State)
	if r.LastCompletedStep != "" && r.LastCompletedStep != r.State {
		_, _ = fmt.Fprintf(w, "Last step:\t%s\n", r.LastCompletedStep)
	}
	_, _ = fmt.Fprintf(w, "Attempts:\t%d\n", r.Attempts)
	s := r.Summary
	_, _ = printer.Fprintf(w, "Candidates:\t%d\n", s.Candidates)
	_, _ = printer.Fprintf(w, "Eligible:\t%d\n", s.Eligible)
	_, _ = printer.Fprintf(w, "Sent:\t%d\n", s.TotalSent())
	for _, ch := range sortedKeys(s.SentBy) {
		_, _ = printer.Fprintf(w, "  %s:\t%d\n", ch, s.SentBy[ch])
	}
	_, _ = printer.Fprintf(w, "Not sent:\t%d\n", s.TotalNotSent())
	for _, reason := range model.AllReasons() {
		if n := s.NotSentBy[reason]; n > 0 {
			_, _ = printer.Fprintf(w, "  %s:\t%d\n", reason, n)
		}
	}
	if s.FailedPages > 0 || s.Redirected > 0 {
		_, _ = printer.Fprintf(w, "Failed pages:\t%d\n", s.FailedPages)
		_, _ = printer.Fprintf(w, "Redirected:\t%d\n", s.Redirected)
	}
	if s.Conflicts > 0 {
		_, _ = printer.Fprintf(w, "Conflicts:\t%d\n", s.Conflicts)
	}
	if s.InHouseOnly {
		_, _ = fmt.Fprintf(w, "Fallback:\tin-house only (after %s)\n", s.FallbackFrom)
	}
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	_ = w.Flush()
}

// formatRunsList writes a tabular list of bucket runs to w.
func formatRunsList(out io.Writer, runs []model.BucketRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BUCKET\tDATE\tSTATE\tATTEMPTS\tCANDIDATES\tSENT\tNOT_SENT\tUPDATED")
	_, _ = fmt.Fprintln(w, "------\t----\t-----\t--------\t----------\t----\t--------\t-------")
	for _, r := range runs {
		state := string(r.State)
		if r.Summary.InHouseOnly {
			state += " (in-house)"
		}
		_, _ = printer.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.BucketID,
			model.FormatDate(r.RunDate),
			state,
			r.Attempts,
			r.Summary.Candidates,
			r.Summary.TotalSent(),
			r.Summary.TotalNotSent(),
			r.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatReconciliation writes reconcile rows to w, flagging mismatches.
func formatReconciliation(out io.Writer, rec *monitoring.Reconciliation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BUCKET\tREASON\tRECORDED\tSUMMARY\t")
	for _, row := range rec.Rows {
		flag := ""
		if !row.Matches() {
			flag = "MISMATCH"
		}
		_, _ = printer.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", row.BucketID, row.Reason, row.Recorded, row.Summarized, flag)
	}
	_ = w.Flush()
	for _, b := range rec.Unfinished {
		_, _ = fmt.Fprintf(out, "%s has records but no completed run; not compared\n", b)
	}
	_, _ = printer.Fprintf(out, "%d mismatches\n", rec.Mismatches)
}

// dailyOutcome is one bucket's result within a run-daily invocation.
type dailyOutcome struct {
	BucketID string
	Run      *model.BucketRun
	Err      error
	Elapsed  time.Duration
}

// formatDaily writes the per-bucket results of a daily run to w.
func formatDaily(out io.Writer, results []dailyOutcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BUCKET\tSTATE\tSENT\tNOT_SENT\tELAPSED\tERROR")
	for _, r := range results {
		state, sent, notSent := "-", 0, 0
		if r.Run != nil {
			state = string(r.Run.State)
			sent, notSent = r.Run.Summary.TotalSent(), r.Run.Summary.TotalNotSent()
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = truncate(r.Err.Error(), 60)
		}
		_, _ = printer.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", r.BucketID, state, sent, notSent, r.Elapsed.Round(time.Millisecond), errMsg)
	}
	_ = w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
