package writer

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pwriter "github.com/xitongsys/parquet-go/writer"

	"timeflow/logger"
	"timeflow/models"
	"timeflow/store"
)

// ParquetRecord is the long-format row shape of a parquet export: one record
// per (row, channel) pair so readers can filter by channel without schema
// knowledge.
type ParquetRecord struct {
	Timestamp string  `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	EpochMs   float64 `parquet:"name=epoch_ms, type=DOUBLE"`
	Channel   string  `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value     float64 `parquet:"name=value, type=DOUBLE"`
	ValueSet  bool    `parquet:"name=value_set, type=BOOLEAN"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// For writing, we typically don't need seek functionality
	// This is a simplified implementation
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// ParquetExporter writes the bounded export as an in-memory parquet blob.
type ParquetExporter struct {
	store       *store.RawStore
	compression string
	log         *logger.Log
}

func NewParquetExporter(st *store.RawStore, compression string) *ParquetExporter {
	return &ParquetExporter{
		store:       st,
		compression: compression,
		log:         logger.GetLogger(),
	}
}

// Export writes one record per (row, active channel) pair in original row
// order, bounded by the same ExportRowCap as the CSV path. Rows without a
// parseable timestamp carry NaN epoch values but keep their verbatim text.
func (e *ParquetExporter) Export(activeChannels []string) ([]byte, int, error) {
	start := time.Now()

	fw := newMemoryFileWriter()

	pw, err := pwriter.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch e.compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	rows := 0
	var writeErr error
	e.store.EachRow(func(row models.RawRow) bool {
		if rows >= ExportRowCap {
			return false
		}
		for _, channel := range activeChannels {
			record := ParquetRecord{
				Timestamp: row.Timestamp,
				EpochMs:   row.ParsedTimestamp,
				Channel:   channel,
			}
			if raw, present := row.Values[channel]; present && raw != "" {
				if v, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(v) {
					record.Value = v
					record.ValueSet = true
				}
			}
			if err := pw.Write(record); err != nil {
				writeErr = fmt.Errorf("failed to write parquet record: %w", err)
				return false
			}
		}
		rows++
		return true
	})
	if writeErr != nil {
		return nil, 0, writeErr
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	data := fw.Bytes()
	logger.IncrementExportWrite(int64(len(data)))
	logger.LogPerformanceEntry(e.log.WithComponent("exporter"), "exporter", "export_parquet", time.Since(start), logger.Fields{
		"rows":     rows,
		"channels": len(activeChannels),
		"bytes":    len(data),
	})

	return data, rows, nil
}
