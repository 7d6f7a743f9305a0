package timeclock

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ExportSiteEntriesCSV はサイトのタイムエントリを給与連携用CSVで書き出す。
// Excelでそのまま開けるようBOM付きUTF-8にエンコードする。
func (s *Service) ExportSiteEntriesCSV(ctx context.Context, siteID string, limit int, w io.Writer) error {
	entries, err := s.GetSiteTimeEntries(ctx, siteID, limit)
	if err != nil {
		return err
	}

	tw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(tw)

	header := []string{
		"entry_id", "worker_id", "worker_name", "site_id", "site_name",
		"clock_in", "clock_out", "duration", "status", "within_radius",
		"distance_feet", "accuracy_feet", "flag_reason", "auto_clock_out",
		"approved_by", "approved_at",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		clockOut := ""
		duration := ""
		if e.ClockOutAt != nil {
			clockOut = formatMillis(*e.ClockOutAt)
			duration = formatDuration(*e.ClockOutAt - e.ClockInAt)
		}
		approvedAt := ""
		if e.ApprovedAt != nil {
			approvedAt = formatMillis(*e.ApprovedAt)
		}
		rec := []string{
			e.EntryID,
			e.WorkerID,
			e.WorkerName,
			e.SiteID,
			e.SiteName,
			formatMillis(e.ClockInAt),
			clockOut,
			duration,
			string(e.Status),
			strconv.FormatBool(e.WithinRadius),
			fmt.Sprintf("%.1f", e.DistanceFeet),
			fmt.Sprintf("%.1f", e.AccuracyFeet),
			e.FlagReason,
			strconv.FormatBool(e.AutoClockOut),
			e.ApprovedBy,
			approvedAt,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return tw.Close()
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
