package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/collection-cli/internal/export"
	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export <bucket-id> <date>",
	Short: "Write a bucket run's placements to an XLSX workbook",
	Long:  "Writes one sheet per channel plus a not-sent sheet. With --channel only that channel's placements are written; --upload then pushes the file to the channel's configured FTP drop.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("export"); err != nil {
			return err
		}
		bucketID := args[0]
		runDate, err := parseRunDate(args[1])
		if err != nil {
			return err
		}
		channel, _ := cmd.Flags().GetString("channel")
		out, _ := cmd.Flags().GetString("out")
		upload, _ := cmd.Flags().GetBool("upload")

		var dropURL string
		if upload {
			if channel == "" {
				return eris.New("export: --upload needs --channel")
			}
			if dropURL = cfg.Export.Drops[channel]; dropURL == "" {
				return eris.Errorf("export: no ftp drop configured for %s", channel)
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetBucketRun(ctx, bucketID, runDate)
		if err != nil {
			return eris.Wrap(err, "export: get run")
		}
		if run == nil || run.State != model.RunCompleted {
			return eris.Errorf("export: %s has no completed run on %s", bucketID, model.FormatDate(runDate))
		}

		records, err := st.ListDispatchRecords(ctx, store.DispatchFilter{RunDate: runDate, BucketID: bucketID})
		if err != nil {
			return eris.Wrap(err, "export: list records")
		}

		wb := export.NewWorkbook(bucketID, model.FormatDate(runDate), records, channel)
		name := placementFileName(bucketID, channel, runDate)
		if out == "" {
			out = filepath.Join(cfg.Export.Dir, name)
		}
		if err := wb.Save(out); err != nil {
			return err
		}
		zap.L().Info("placement workbook written",
			zap.String("file", out),
			zap.Strings("channels", wb.Channels()),
			zap.Int("rows", wb.Rows()),
		)

		if upload {
			up := export.NewFTPUploader(export.FTPOptions{Timeout: time.Duration(cfg.Export.FTPTimeoutSecs) * time.Second})
			remote, err := up.Upload(ctx, dropURL, out, name)
			if err != nil {
				return eris.Wrapf(err, "export: upload to %s drop", channel)
			}
			zap.L().Info("placement file delivered", zap.String("channel", channel), zap.String("remote", remote))
		}
		return nil
	},
}

// placementFileName is <bucket>[_<channel>]_<date>.xlsx.
func placementFileName(bucketID, channel string, runDate time.Time) string {
	if channel == "" {
		return fmt.Sprintf("%s_%s.xlsx", bucketID, model.FormatDate(runDate))
	}
	return fmt.Sprintf("%s_%s_%s.xlsx", bucketID, channel, model.FormatDate(runDate))
}

func init() {
	exportCmd.Flags().String("channel", "", "only export this channel's placements")
	exportCmd.Flags().String("out", "", "output path (default <export.dir>/<bucket>_<date>.xlsx)")
	exportCmd.Flags().Bool("upload", false, "upload the file to the channel's ftp drop")
	rootCmd.AddCommand(exportCmd)
}
