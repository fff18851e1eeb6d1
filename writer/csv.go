package writer

import (
	"strings"
	"time"

	"timeflow/logger"
	"timeflow/models"
	"timeflow/store"
)

// ExportRowCap bounds any single export regardless of dataset size. It is a
// safety bound against unbounded output, not pagination: callers must check
// the store's row count separately to learn whether rows were left behind.
const ExportRowCap = 1_000_000

// timestampColumn is the fixed first header field of both input and export.
const timestampColumn = "TimeStamp"

// CSVExporter streams the raw store back out as comma-delimited text for the
// active channel subset. Timestamps are emitted verbatim from the original
// input, so a full-channel export reproduces the source byte-for-byte up to
// the row cap.
type CSVExporter struct {
	store *store.RawStore
	log   *logger.Log
}

func NewCSVExporter(st *store.RawStore) *CSVExporter {
	return &CSVExporter{
		store: st,
		log:   logger.GetLogger(),
	}
}

// Export renders one line per raw row in original ingestion order, stopping
// at ExportRowCap. Absent or null channel values render as empty fields.
// The emitted row count is returned alongside the text.
func (e *CSVExporter) Export(activeChannels []string) ([]byte, int) {
	start := time.Now()

	var sb strings.Builder
	sb.WriteString(timestampColumn)
	for _, channel := range activeChannels {
		sb.WriteByte(',')
		sb.WriteString(channel)
	}
	sb.WriteByte('\n')

	emitted := 0
	e.store.EachRow(func(row models.RawRow) bool {
		if emitted >= ExportRowCap {
			return false
		}
		sb.WriteString(row.Timestamp)
		for _, channel := range activeChannels {
			sb.WriteByte(',')
			sb.WriteString(row.Values[channel])
		}
		sb.WriteByte('\n')
		emitted++
		return true
	})

	data := []byte(sb.String())
	logger.IncrementExportWrite(int64(len(data)))

	log := e.log.WithComponent("exporter")
	if emitted == ExportRowCap && e.store.RowCount() > ExportRowCap {
		log.WithFields(logger.Fields{
			"row_cap":    ExportRowCap,
			"total_rows": e.store.RowCount(),
		}).Warn("export truncated at row cap")
	}
	logger.LogPerformanceEntry(log, "exporter", "export_csv", time.Since(start), logger.Fields{
		"rows":     emitted,
		"channels": len(activeChannels),
		"bytes":    len(data),
	})

	return data, emitted
}
