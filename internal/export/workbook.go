// Package export writes bucket run outcomes to placement workbooks and
// delivers them to agency FTP drops.
package export

import (
	"sort"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/collection-cli/internal/model"
)

var (
	placementHeader = []string{"obligation_id", "account_id", "bucket_id", "run_date", "channel", "vendor_task_id"}
	notSentHeader   = []string{"obligation_id", "account_id", "bucket_id", "run_date", "reason", "description"}
)

// Workbook is the placement file of one bucket run: one sheet per channel
// plus a not-sent sheet.
type Workbook struct {
	BucketID string
	RunDate  string
	Sent     map[string][]model.DispatchRecord
	NotSent  []model.DispatchRecord
}

// NewWorkbook groups records by channel. A non-empty channel keeps only that
// channel's placements and drops the not-sent sheet, which is internal.
func NewWorkbook(bucketID string, runDate string, records []model.DispatchRecord, channel string) *Workbook {
	wb := &Workbook{BucketID: bucketID, RunDate: runDate, Sent: map[string][]model.DispatchRecord{}}
	for _, r := range records {
		switch {
		case r.Outcome == model.OutcomeSent && (channel == "" || r.Channel == channel):
			wb.Sent[r.Channel] = append(wb.Sent[r.Channel], r)
		case r.Outcome == model.OutcomeNotSent && channel == "":
			wb.NotSent = append(wb.NotSent, r)
		}
	}
	for ch := range wb.Sent {
		recs := wb.Sent[ch]
		sort.Slice(recs, func(i, j int) bool { return recs[i].ObligationID < recs[j].ObligationID })
	}
	sort.Slice(wb.NotSent, func(i, j int) bool { return wb.NotSent[i].ObligationID < wb.NotSent[j].ObligationID })
	return wb
}

// Rows counts the data rows across all sheets.
func (wb *Workbook) Rows() int {
	n := len(wb.NotSent)
	for _, recs := range wb.Sent {
		n += len(recs)
	}
	return n
}

// Channels lists the placement sheets in name order.
func (wb *Workbook) Channels() []string {
	out := make([]string, 0, len(wb.Sent))
	for ch := range wb.Sent {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Save writes the workbook as XLSX.
func (wb *Workbook) Save(path string) error {
	f := xlsx.NewFile()
	for _, ch := range wb.Channels() {
		sheet, err := f.AddSheet(sheetName(ch))
		if err != nil {
			return eris.Wrapf(err, "export: add sheet %s", ch)
		}
		addRow(sheet, placementHeader)
		for _, r := range wb.Sent[ch] {
			row := sheet.AddRow()
			row.AddCell().SetInt64(r.ObligationID)
			row.AddCell().SetInt64(r.AccountID)
			row.AddCell().SetString(r.BucketID)
			row.AddCell().SetString(wb.RunDate)
			row.AddCell().SetString(r.Channel)
			row.AddCell().SetString(r.VendorTaskID)
		}
	}
	if len(wb.NotSent) > 0 {
		sheet, err := f.AddSheet("not_sent")
		if err != nil {
			return eris.Wrap(err, "export: add not_sent sheet")
		}
		addRow(sheet, notSentHeader)
		for _, r := range wb.NotSent {
			desc := ""
			if info, ok := r.Reason.Info(); ok {
				desc = info.Description
			}
			row := sheet.AddRow()
			row.AddCell().SetInt64(r.ObligationID)
			row.AddCell().SetInt64(r.AccountID)
			row.AddCell().SetString(r.BucketID)
			row.AddCell().SetString(wb.RunDate)
			row.AddCell().SetString(string(r.Reason))
			row.AddCell().SetString(desc)
		}
	}
	if len(f.Sheets) == 0 {
		// An empty bucket still produces a readable file.
		sheet, err := f.AddSheet("placements")
		if err != nil {
			return eris.Wrap(err, "export: add empty sheet")
		}
		addRow(sheet, placementHeader)
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// sheetName fits a channel id into Excel's 31 character sheet name limit.
func sheetName(ch string) string {
	if len(ch) > 31 {
		return ch[:31]
	}
	return ch
}
