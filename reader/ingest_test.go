package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	appconfig "timeflow/config"
	"timeflow/models"
	"timeflow/store"
)

func testConfig(windowLines int) *appconfig.Config {
	return &appconfig.Config{
		Ingest: appconfig.IngestConfig{
			WindowLines: windowLines,
			EventBuffer: 64,
		},
	}
}

// runIngest drives one ingestion to its terminal event and returns all
// events in order.
func runIngest(t *testing.T, text string, windowLines int) ([]models.IngestEvent, *store.RawStore) {
	t.Helper()

	st := store.NewRawStore()
	in := NewIngestor(testConfig(windowLines), NewNormalizer(), st)
	if err := in.Start(context.Background(), text); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var events []models.IngestEvent
	for event := range in.Events() {
		events = append(events, event)
	}
	in.Wait()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	return events, st
}

func TestIngestRoundTripRowCount(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("TimeStamp,A,B\n")
	const rows = 12345
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "%d,%d,%d\n", 1000+i, i, i*2)
	}

	events, st := runIngest(t, sb.String(), 5000)

	last := events[len(events)-1]
	if last.Type != models.IngestComplete {
		t.Fatalf("terminal event = %v, err = %v", last.Type, last.Err)
	}
	if st.RowCount() != rows {
		t.Fatalf("row count = %d, want %d", st.RowCount(), rows)
	}
	if st.ChunkCount() != 3 {
		t.Fatalf("chunk count = %d, want 3", st.ChunkCount())
	}

	total := 0
	for _, chunk := range st.Chunks() {
		total += len(chunk.Rows)
	}
	if total != rows {
		t.Fatalf("chunk rows total = %d, want %d", total, rows)
	}
	if got := last.Columns; len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("columns = %v", got)
	}
}

func TestIngestProgressMonotonic(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("TimeStamp,A\n")
	for i := 0; i < 95; i++ {
		fmt.Fprintf(&sb, "%d,%d\n", i, i)
	}

	events, _ := runIngest(t, sb.String(), 10)

	prev := -1.0
	for _, event := range events {
		if event.Fraction < prev {
			t.Fatalf("progress regressed: %v < %v", event.Fraction, prev)
		}
		prev = event.Fraction
	}
	last := events[len(events)-1]
	if last.Type != models.IngestComplete || last.Fraction != 1 {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestIngestNoTrailingNewline(t *testing.T) {
	text := "TimeStamp,A\n100,1\n200,2"
	events, st := runIngest(t, text, 5000)

	if events[len(events)-1].Type != models.IngestComplete {
		t.Fatalf("terminal event = %v", events[len(events)-1].Type)
	}
	if st.RowCount() != 2 {
		t.Fatalf("final line without newline must still be a row, count = %d", st.RowCount())
	}
}

func TestIngestTrailingNewlineNoPhantomRow(t *testing.T) {
	_, st := runIngest(t, "TimeStamp,A\n100,1\n200,2\n", 5000)
	if st.RowCount() != 2 {
		t.Fatalf("trailing newline produced phantom row, count = %d", st.RowCount())
	}
}

func TestIngestByteOrderMark(t *testing.T) {
	text := "\uFEFFTimeStamp,A\n100,1\n"
	events, st := runIngest(t, text, 5000)

	last := events[len(events)-1]
	if last.Type != models.IngestComplete {
		t.Fatalf("terminal event = %v, err = %v", last.Type, last.Err)
	}
	if got := last.Columns; len(got) != 1 || got[0] != "A" {
		t.Fatalf("BOM must not leak into the header, columns = %v", got)
	}
	if st.RowCount() != 1 {
		t.Fatalf("row count = %d", st.RowCount())
	}
}

func TestIngestShortRowsDropped(t *testing.T) {
	text := "TimeStamp,A\n100,1\njustonefield\n\n200,2\n"
	_, st := runIngest(t, text, 5000)
	if st.RowCount() != 2 {
		t.Fatalf("rows with fewer than 2 fields must be dropped, count = %d", st.RowCount())
	}
}

func TestIngestMalformedTimestampRetained(t *testing.T) {
	text := "TimeStamp,A\n100,1\nnot-a-time,9\n300,3\n"
	events, st := runIngest(t, text, 5000)

	if st.RowCount() != 3 {
		t.Fatalf("unparseable timestamp row must stay in raw storage, count = %d", st.RowCount())
	}

	last := events[len(events)-1]
	if last.TimeRange.Min != 100 || last.TimeRange.Max != 300 {
		t.Fatalf("time range %+v must ignore unparseable rows", last.TimeRange)
	}

	bad := st.Chunks()[0].Rows[1]
	if bad.HasTime() {
		t.Fatal("unparseable timestamp must be NaN")
	}
	if bad.Timestamp != "not-a-time" {
		t.Fatalf("verbatim timestamp lost: %q", bad.Timestamp)
	}
}

func TestIngestEmptySource(t *testing.T) {
	events, _ := runIngest(t, "TimeStamp,A\n", 5000)
	last := events[len(events)-1]
	if last.Type != models.IngestFatal || !errors.Is(last.Err, ErrEmptySource) {
		t.Fatalf("expected EmptySource fatal, got %+v", last)
	}
}

func TestIngestMissingHeader(t *testing.T) {
	events, _ := runIngest(t, "   \n", 5000)
	last := events[len(events)-1]
	if last.Type != models.IngestFatal || !errors.Is(last.Err, ErrMissingHeader) {
		t.Fatalf("expected MissingHeader fatal, got %+v", last)
	}
}

func TestIngestRowParseFailure(t *testing.T) {
	text := "TimeStamp,A\n100,1\n200,\xff\xfe\n"
	events, _ := runIngest(t, text, 5000)

	last := events[len(events)-1]
	if last.Type != models.IngestFatal {
		t.Fatalf("expected fatal, got %v", last.Type)
	}
	var rowErr *RowParseError
	if !errors.As(last.Err, &rowErr) {
		t.Fatalf("expected RowParseError, got %v", last.Err)
	}
}

func TestIngestSourceUnavailable(t *testing.T) {
	st := store.NewRawStore()
	in := NewIngestor(testConfig(5000), NewNormalizer(), st)
	if err := in.StartFile(context.Background(), "/nonexistent/data.csv"); err != nil {
		t.Fatalf("StartFile returned %v", err)
	}

	var last models.IngestEvent
	for event := range in.Events() {
		last = event
	}
	in.Wait()

	if last.Type != models.IngestFatal || !errors.Is(last.Err, ErrSourceUnavailable) {
		t.Fatalf("expected SourceUnavailable fatal, got %+v", last)
	}
}

func TestIngestAbandonedRunEmitsNoTerminal(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("TimeStamp,A\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "%d,%d\n", i, i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := store.NewRawStore()
	in := NewIngestor(testConfig(10), NewNormalizer(), st)
	if err := in.Start(ctx, sb.String()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-in.Events():
			if !ok {
				in.Wait()
				return
			}
			if event.Type == models.IngestComplete || event.Type == models.IngestFatal {
				t.Fatalf("abandoned run emitted terminal event %v", event.Type)
			}
		case <-deadline:
			t.Fatal("timed out waiting for abandoned run to stop")
		}
	}
}

func TestIngestDoubleStart(t *testing.T) {
	st := store.NewRawStore()
	in := NewIngestor(testConfig(10), NewNormalizer(), st)
	if err := in.Start(context.Background(), "TimeStamp,A\n1,1\n"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := in.Start(context.Background(), "TimeStamp,A\n1,1\n"); err == nil {
		t.Fatal("second Start must fail")
	}
	for range in.Events() {
	}
	in.Wait()
}
