package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "timeflow/config"
	"timeflow/logger"
	"timeflow/models"
	"timeflow/processor"
	"timeflow/reader"
	"timeflow/store"
	"timeflow/writer"
)

// Rect is the bounding rectangle of the plotting area, in raw pixels, as
// reported by the plot surface alongside a click.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Snapshot is the read model the plot surface re-renders against: one series
// per active channel plus the global time range.
type Snapshot struct {
	Series    []models.Series  `json:"series"`
	TimeRange models.TimeRange `json:"time_range"`
}

// Session ties one loaded dataset to its exploration state: the raw store
// generation, the channel index, the active channel set and the delta
// engine. A reload swaps in a fresh generation wholesale; events from a
// superseded ingestion run are recognized by run ID and dropped.
type Session struct {
	config *appconfig.Config
	log    *logger.Log
	norm   *reader.Normalizer

	mu           sync.Mutex
	store        *store.RawStore
	index        *processor.ChannelIndex
	delta        *processor.DeltaEngine
	runID        string
	cancelRun    context.CancelFunc
	columns      []string
	timeRange    models.TimeRange
	active       []string
	autoSelected bool
	complete     bool
	lastErr      error

	onEvent    func(models.IngestEvent)
	onSnapshot func(Snapshot)

	changed chan struct{}
	wg      sync.WaitGroup
}

func NewSession(cfg *appconfig.Config) *Session {
	s := &Session{
		config:  cfg,
		log:     logger.GetLogger(),
		norm:    reader.NewNormalizer(),
		changed: make(chan struct{}, 1),
	}
	s.resetGeneration()
	return s
}

// resetGeneration installs a fresh store, index and delta engine. Caller
// must hold no state expectations across this call; it is the reload
// boundary.
func (s *Session) resetGeneration() {
	s.store = store.NewRawStore()
	s.index = processor.NewChannelIndex(s.store)
	s.delta = processor.NewDeltaEngine(s.index, processor.NearestStrategy(s.config.Index.NearestStrategy))
	s.columns = nil
	s.timeRange = models.TimeRange{}
	s.active = nil
	s.autoSelected = false
	s.complete = false
	s.lastErr = nil
}

// OnEvent registers a callback invoked for every ingestion event of the
// current generation. Register before Load.
func (s *Session) OnEvent(fn func(models.IngestEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// OnSnapshot registers the debounced consumer of the plot read model.
// Register before Start.
func (s *Session) OnSnapshot(fn func(Snapshot)) {
	s.mu.Lock()
	s.onSnapshot = fn
	s.mu.Unlock()
}

// Start launches the debounced snapshot rebuilder. It runs until the
// context is cancelled.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.snapshotLoop(ctx)
}

// Wait blocks until background goroutines have stopped.
func (s *Session) Wait() {
	s.wg.Wait()
}

// snapshotLoop coalesces dataset-changed signals within the configured
// debounce window, then re-derives the plot surface's series set once per
// burst.
func (s *Session) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()

	window := time.Duration(s.config.Session.DebounceWindow)
	if window <= 0 {
		window = 300 * time.Millisecond
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.changed:
			if timer == nil {
				timer = time.NewTimer(window)
				fire = timer.C
			}
			// Signals arriving while the timer runs are coalesced into
			// the pending rebuild.
		case <-fire:
			timer = nil
			fire = nil
			s.publishSnapshot()
		}
	}
}

func (s *Session) signalChanged() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Session) publishSnapshot() {
	s.mu.Lock()
	fn := s.onSnapshot
	s.mu.Unlock()
	if fn == nil {
		return
	}
	fn(s.Snapshot())
}

// Snapshot builds the current plot read model: one series per active
// channel, in active order.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	active := append([]string(nil), s.active...)
	timeRange := s.timeRange
	index := s.index
	s.mu.Unlock()

	index.EnsureIndexed(active)

	series := make([]models.Series, 0, len(active))
	for _, channel := range active {
		series = append(series, models.Series{
			Name:   channel,
			Points: index.Series(channel),
		})
	}
	return Snapshot{Series: series, TimeRange: timeRange}
}

// Load starts ingestion of the given file, superseding any in-flight run.
func (s *Session) Load(ctx context.Context, path string) error {
	return s.load(ctx, func(in *reader.Ingestor, runCtx context.Context) error {
		return in.StartFile(runCtx, path)
	})
}

// LoadText starts ingestion of raw text, superseding any in-flight run.
func (s *Session) LoadText(ctx context.Context, text string) error {
	return s.load(ctx, func(in *reader.Ingestor, runCtx context.Context) error {
		return in.Start(runCtx, text)
	})
}

func (s *Session) load(ctx context.Context, start func(*reader.Ingestor, context.Context) error) error {
	s.mu.Lock()

	// Supersede the previous generation before the new run begins: its
	// goroutine stops at the next window boundary and its remaining events
	// fail the run ID check below.
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.resetGeneration()

	ingestor := reader.NewIngestor(s.config, s.norm, s.store)
	s.runID = ingestor.RunID()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.mu.Unlock()

	if err := start(ingestor, runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	s.wg.Add(1)
	go s.consumeEvents(ingestor)
	return nil
}

func (s *Session) consumeEvents(ingestor *reader.Ingestor) {
	defer s.wg.Done()

	for event := range ingestor.Events() {
		s.mu.Lock()
		if event.RunID != s.runID {
			s.mu.Unlock()
			s.log.WithComponent("session").WithFields(logger.Fields{
				"run_id": event.RunID,
			}).Debug("dropping event from superseded ingestion run")
			continue
		}

		switch event.Type {
		case models.IngestComplete:
			s.columns = event.Columns
			s.timeRange = event.TimeRange
			s.complete = true
			s.autoSelectLocked()
		case models.IngestFatal:
			// A terminal error leaves no partial dataset behind: the
			// half-filled store is discarded with the rest of the
			// generation and only the error survives until the next load.
			err := event.Err
			s.resetGeneration()
			s.lastErr = err
		}
		fn := s.onEvent
		s.mu.Unlock()

		if fn != nil {
			fn(event)
		}
		if event.Type == models.IngestComplete || event.Type == models.IngestFatal {
			s.signalChanged()
		}
	}
}

// autoSelectLocked activates the first configured number of channels as a
// usability default, exactly once per successful ingestion and only when
// nothing was selected yet.
func (s *Session) autoSelectLocked() {
	if s.autoSelected || len(s.active) > 0 {
		return
	}
	s.autoSelected = true

	n := s.config.Session.AutoSelectChannels
	if n > len(s.columns) {
		n = len(s.columns)
	}
	if n <= 0 {
		return
	}
	s.active = append([]string(nil), s.columns[:n]...)
	s.index.EnsureIndexed(s.active)

	s.log.WithComponent("session").WithFields(logger.Fields{
		"channels": s.active,
	}).Info("auto-selected default channels")
}

// SetActive replaces the active channel set. Newly selected channels are
// indexed; deselected ones are evicted so memory stays bounded to the
// active set.
func (s *Session) SetActive(channels []string) {
	s.mu.Lock()
	previous := s.active
	s.active = append([]string(nil), channels...)
	index := s.index
	s.mu.Unlock()

	current := make(map[string]bool, len(channels))
	for _, c := range channels {
		current[c] = true
	}

	index.EnsureIndexed(channels)
	for _, c := range previous {
		if !current[c] {
			index.Evict(c)
		}
	}

	s.signalChanged()
}

// Active returns the ordered active channel list.
func (s *Session) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...)
}

// Columns returns the immutable ordered channel list from the header.
func (s *Session) Columns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.columns...)
}

// TimeRange returns the dataset's parseable-timestamp bounds.
func (s *Session) TimeRange() models.TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeRange
}

// Complete reports whether the current generation finished ingesting.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// LastError returns the fatal error of the current generation, if any. A
// retry is a plain Load, which starts from scratch.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// RowCount returns the total raw row count of the current generation.
func (s *Session) RowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.RowCount()
}

// MapClick converts raw pixel click coordinates into the owning channel and
// an approximate timestamp on that channel's axis. ok is false when the
// click is unusable: no active channels, an empty time range or a
// degenerate rectangle.
func (s *Session) MapClick(x, y float64, rect Rect) (channel string, approxTS float64, ok bool) {
	s.mu.Lock()
	active := s.active
	timeRange := s.timeRange
	s.mu.Unlock()

	if len(active) == 0 || !timeRange.Valid() || rect.Width <= 0 || rect.Height <= 0 {
		return "", 0, false
	}

	rowHeight := rect.Height / float64(len(active))
	row := int((y - rect.Top) / rowHeight)
	if row < 0 {
		row = 0
	}
	if row >= len(active) {
		row = len(active) - 1
	}

	fraction := (x - rect.Left) / rect.Width
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	return active[row], timeRange.At(fraction), true
}

// HandleClick resolves a plot surface click into a point selection. When
// the click completes a measurement the delta result is returned; otherwise
// nil. Clicks on channels without data degrade to a no-op.
func (s *Session) HandleClick(x, y float64, rect Rect) *models.DeltaResult {
	channel, approxTS, ok := s.MapClick(x, y, rect)
	if !ok {
		return nil
	}

	s.mu.Lock()
	index := s.index
	delta := s.delta
	active := append([]string(nil), s.active...)
	strategy := processor.NearestStrategy(s.config.Index.NearestStrategy)
	s.mu.Unlock()

	index.EnsureIndexed([]string{channel})
	sample, found := processor.Nearest(index.Series(channel), approxTS, strategy)
	if !found {
		s.log.WithComponent("session").WithFields(logger.Fields{
			"channel": channel,
		}).Debug("click ignored, channel has no data")
		return nil
	}

	return delta.Select(models.SelectedPoint{
		Channel:   channel,
		Timestamp: sample.Timestamp,
		Value:     sample.Value,
	}, active)
}

// SelectionState exposes the delta engine state for the UI prompt.
func (s *Session) SelectionState() processor.SelectionState {
	s.mu.Lock()
	delta := s.delta
	s.mu.Unlock()
	return delta.State()
}

// DeltaResult returns the last computed measurement, nil if none.
func (s *Session) DeltaResult() *models.DeltaResult {
	s.mu.Lock()
	delta := s.delta
	s.mu.Unlock()
	return delta.Result()
}

// ClearSelection discards the measurement state from any point in the
// protocol.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	delta := s.delta
	s.mu.Unlock()
	delta.Clear()
}

// VisibleEstimate is the advisory visible-point-count estimate for a
// viewport sub-range: total rows scaled by the visible time ratio and the
// active channel count. It is not authoritative.
func (s *Session) VisibleEstimate(startTime, endTime float64) int {
	s.mu.Lock()
	timeRange := s.timeRange
	rows := s.store.RowCount()
	channels := len(s.active)
	s.mu.Unlock()

	span := timeRange.Span()
	if span <= 0 || endTime <= startTime {
		return 0
	}
	ratio := (endTime - startTime) / span
	if ratio > 1 {
		ratio = 1
	}
	return int(float64(rows) * ratio * float64(channels))
}

// ExportFormat returns the configured export format name.
func (s *Session) ExportFormat() string {
	return s.config.Export.Format
}

// Export renders the active dataset in the configured format.
func (s *Session) Export() ([]byte, int, error) {
	s.mu.Lock()
	st := s.store
	active := append([]string(nil), s.active...)
	format := s.config.Export.Format
	compression := s.config.Export.Compression
	s.mu.Unlock()

	switch format {
	case "parquet":
		return writer.NewParquetExporter(st, compression).Export(active)
	default:
		data, rows := writer.NewCSVExporter(st).Export(active)
		return data, rows, nil
	}
}
