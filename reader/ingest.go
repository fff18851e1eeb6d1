package reader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "timeflow/config"
	"timeflow/logger"
	"timeflow/models"
	"timeflow/store"
)

// DefaultWindowLines is the ingestion window size when none is configured.
const DefaultWindowLines = 5000

var (
	// ErrSourceUnavailable means the input could not be read at all.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMissingHeader means the input has no header line.
	ErrMissingHeader = errors.New("missing header line")
	// ErrEmptySource means the input has a header but no data rows.
	ErrEmptySource = errors.New("source contains no data rows")
)

// RowParseError is terminal for the whole ingestion run: a body window
// failed to split into fields and no partial-chunk recovery is attempted.
type RowParseError struct {
	Window int
	Line   int
	Err    error
}

func (e *RowParseError) Error() string {
	return fmt.Sprintf("window %d failed to parse at line %d: %v", e.Window, e.Line, e.Err)
}

func (e *RowParseError) Unwrap() error { return e.Err }

// Ingestor reads delimited time-series text in fixed-size line windows so no
// single synchronous step monopolizes the consuming process. Each window is
// appended to the raw store as one chunk, followed by one progress event
// with a monotonically non-decreasing fraction; the terminal Complete or
// Fatal event is always the last event of a run, after which the event
// channel is closed. One Ingestor serves exactly one run; a reload builds a
// fresh Ingestor with a fresh store.
type Ingestor struct {
	config  *appconfig.Config
	norm    *Normalizer
	store   *store.RawStore
	events  chan models.IngestEvent
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	runID       string
	windowLines int
	progressLog *rate.Limiter

	// Metrics
	rowsRead    int64
	rowsDropped int64
	windowsDone int64
}

func NewIngestor(cfg *appconfig.Config, norm *Normalizer, st *store.RawStore) *Ingestor {
	log := logger.GetLogger()

	windowLines := cfg.Ingest.WindowLines
	if windowLines <= 0 {
		windowLines = DefaultWindowLines
	}

	eventBuffer := cfg.Ingest.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 16
	}

	logsPerSecond := cfg.Ingest.ProgressLogsPerSecond
	if logsPerSecond <= 0 {
		logsPerSecond = 4
	}

	ingestor := &Ingestor{
		config:      cfg,
		norm:        norm,
		store:       st,
		events:      make(chan models.IngestEvent, eventBuffer),
		wg:          &sync.WaitGroup{},
		log:         log,
		runID:       uuid.New().String(),
		windowLines: windowLines,
		progressLog: rate.NewLimiter(rate.Limit(logsPerSecond), 1),
	}

	log.WithComponent("ingestor").WithFields(logger.Fields{
		"run_id":       ingestor.runID,
		"window_lines": windowLines,
	}).Info("ingestor initialized")

	return ingestor
}

// RunID identifies this ingestion generation. The session discards events
// from superseded generations by comparing run IDs.
func (in *Ingestor) RunID() string {
	return in.runID
}

// Events returns the run's event channel. It is closed after the terminal
// event.
func (in *Ingestor) Events() <-chan models.IngestEvent {
	return in.events
}

// StartFile reads the source file and starts ingestion of its contents. A
// read failure is terminal: the run emits a single SourceUnavailable fatal
// event and no window is processed.
func (in *Ingestor) StartFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return in.startFailed(fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
	}
	return in.Start(ctx, string(data))
}

// Start begins chunked ingestion of the raw text in a dedicated goroutine.
// It fails if this run was already started.
func (in *Ingestor) Start(ctx context.Context, text string) error {
	if err := in.markRunning(); err != nil {
		return err
	}

	log := in.log.WithComponent("ingestor").WithFields(logger.Fields{
		"run_id":    in.runID,
		"operation": "start",
	})
	log.Info("starting ingestion")

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.run(ctx, text)
	}()
	return nil
}

// Wait blocks until the run goroutine has finished.
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

func (in *Ingestor) markRunning() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running {
		return fmt.Errorf("ingestion run %s already started", in.runID)
	}
	in.running = true
	return nil
}

func (in *Ingestor) startFailed(err error) error {
	if markErr := in.markRunning(); markErr != nil {
		return markErr
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.fatal(err)
	}()
	return nil
}

func (in *Ingestor) run(ctx context.Context, text string) {
	start := time.Now()
	log := in.log.WithComponent("ingestor").WithFields(logger.Fields{"run_id": in.runID})

	header, body, ok := splitHeader(text)
	if !ok {
		in.fatal(ErrMissingHeader)
		return
	}

	headerFields := strings.Split(header, ",")
	columns := make([]string, 0, len(headerFields)-1)
	for _, field := range headerFields[1:] {
		columns = append(columns, strings.TrimSpace(field))
	}

	lines := splitLines(body)
	if len(lines) == 0 {
		in.fatal(ErrEmptySource)
		return
	}

	var timeRange models.TimeRange
	totalLines := len(lines)
	processed := 0
	window := 0

	for startLine := 0; startLine < totalLines; startLine += in.windowLines {
		// Yield point between windows: an abandoned (superseded) run
		// stops here without a terminal event; its output is discarded
		// wholesale by the session.
		select {
		case <-ctx.Done():
			log.WithFields(logger.Fields{"lines_processed": processed}).Info("ingestion run abandoned")
			close(in.events)
			return
		default:
		}

		endLine := startLine + in.windowLines
		if endLine > totalLines {
			endLine = totalLines
		}

		rows, err := in.parseWindow(lines[startLine:endLine], columns, &timeRange, window, startLine)
		if err != nil {
			in.fatal(err)
			return
		}

		if err := in.store.Append(models.RawChunk{Index: window, Rows: rows}); err != nil {
			in.fatal(err)
			return
		}

		processed = endLine
		window++
		in.windowsDone++
		logger.AddRowsIngested(len(rows))

		fraction := float64(processed) / float64(totalLines)
		in.emit(models.IngestEvent{
			RunID:     in.runID,
			Type:      models.IngestProgress,
			Fraction:  fraction,
			RowsRead:  int(in.rowsRead),
			Chunks:    window,
			TimeRange: timeRange,
			EmittedAt: time.Now(),
		})

		if in.progressLog.Allow() {
			log.WithFields(logger.Fields{
				"fraction":  fraction,
				"rows_read": in.rowsRead,
				"windows":   window,
			}).Debug("ingestion progress")
		}
	}

	if in.rowsRead == 0 {
		in.fatal(ErrEmptySource)
		return
	}

	in.store.Seal()

	in.emit(models.IngestEvent{
		RunID:     in.runID,
		Type:      models.IngestComplete,
		Fraction:  1,
		RowsRead:  int(in.rowsRead),
		Chunks:    in.store.ChunkCount(),
		Columns:   columns,
		TimeRange: timeRange,
		EmittedAt: time.Now(),
	})
	close(in.events)

	logger.LogDataFlowEntry(log, "ingestor", "raw_store", int(in.rowsRead), "raw_rows")
	logger.LogPerformanceEntry(log, "ingestor", "ingest", time.Since(start), logger.Fields{
		"rows_read":    in.rowsRead,
		"rows_dropped": in.rowsDropped,
		"chunks":       in.store.ChunkCount(),
		"columns":      len(columns),
	})
}

// parseWindow splits one window of body lines into raw rows. Rows with fewer
// than two fields are silently dropped; rows whose timestamp does not
// normalize are retained with a NaN parsed timestamp and excluded from the
// running time range.
func (in *Ingestor) parseWindow(lines []string, columns []string, timeRange *models.TimeRange, window, firstLine int) ([]models.RawRow, error) {
	rows := make([]models.RawRow, 0, len(lines))

	for i, line := range lines {
		if !utf8.ValidString(line) {
			return nil, &RowParseError{
				Window: window,
				Line:   firstLine + i + 2,
				Err:    errors.New("line is not valid UTF-8"),
			}
		}

		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			in.rowsDropped++
			continue
		}

		rawTS := fields[0]
		parsed := in.norm.Normalize(rawTS)
		timeRange.Extend(parsed)

		values := make(map[string]string, len(columns))
		for c, name := range columns {
			if c+1 < len(fields) {
				values[name] = fields[c+1]
			}
		}

		rows = append(rows, models.RawRow{
			Timestamp:       rawTS,
			ParsedTimestamp: parsed,
			Values:          values,
		})
		in.rowsRead++
	}

	return rows, nil
}

func (in *Ingestor) emit(event models.IngestEvent) {
	in.events <- event
}

func (in *Ingestor) fatal(err error) {
	in.log.WithComponent("ingestor").WithFields(logger.Fields{
		"run_id": in.runID,
	}).WithError(err).Error("ingestion failed")

	in.emit(models.IngestEvent{
		RunID:     in.runID,
		Type:      models.IngestFatal,
		Err:       err,
		EmittedAt: time.Now(),
	})
	close(in.events)
}

// splitHeader separates the header line from the body. ok is false when the
// input has no content at all.
func splitHeader(text string) (header, body string, ok bool) {
	text = strings.TrimPrefix(text, "\uFEFF")
	if strings.TrimSpace(text) == "" {
		return "", "", false
	}
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return strings.TrimRight(text, "\r"), "", true
	}
	return strings.TrimRight(text[:idx], "\r"), text[idx+1:], true
}

// splitLines splits the body on '\n', tolerating '\r\n' endings and a final
// line without a trailing newline. A trailing newline does not produce a
// phantom empty row.
func splitLines(body string) []string {
	if body == "" {
		return nil
	}
	lines := strings.Split(body, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}
	if last := len(lines) - 1; last >= 0 && lines[last] == "" {
		lines = lines[:last]
	}
	return lines
}
