package models

import (
	"math"
	"strconv"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// RAW DATA //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RawRow is one parsed input record. Timestamp keeps the original field text
// verbatim so exports are lossless. ParsedTimestamp is epoch milliseconds, or
// NaN when the timestamp could not be normalized; such rows stay in raw
// storage but are excluded from every channel series and from the time range.
type RawRow struct {
	Timestamp       string
	ParsedTimestamp float64
	Values          map[string]string
}

// HasTime reports whether the row carries a normalized timestamp.
func (r RawRow) HasTime() bool {
	return !math.IsNaN(r.ParsedTimestamp)
}

// RawChunk is an ordered batch of raw rows appended during one ingestion
// window. Concatenating all chunks in index order reproduces the original
// row order of the source.
type RawChunk struct {
	Index int
	Rows  []RawRow
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// SERIES ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Point is one (timestamp, value) pair in a channel series. Valid is false
// when the source field was empty or non-numeric, which renders as a null
// value on the plot surface.
type Point struct {
	Timestamp float64
	Value     float64
	Valid     bool
}

func (p Point) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 48)
	buf = append(buf, `{"timestamp":`...)
	buf = strconv.AppendFloat(buf, p.Timestamp, 'f', -1, 64)
	buf = append(buf, `,"value":`...)
	if p.Valid {
		buf = strconv.AppendFloat(buf, p.Value, 'g', -1, 64)
	} else {
		buf = append(buf, "null"...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// TimeRange is the [Min, Max] epoch millisecond bounds over all rows with a
// parseable timestamp. The zero value is empty; fold timestamps in with
// Extend.
type TimeRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	set bool
}

// Extend folds a timestamp into the range.
func (t *TimeRange) Extend(ts float64) {
	if math.IsNaN(ts) {
		return
	}
	if !t.set {
		t.Min, t.Max = ts, ts
		t.set = true
		return
	}
	if ts < t.Min {
		t.Min = ts
	}
	if ts > t.Max {
		t.Max = ts
	}
}

// Valid reports whether at least one timestamp was folded in.
func (t TimeRange) Valid() bool {
	return t.set
}

// Span returns Max-Min in milliseconds, zero for empty ranges.
func (t TimeRange) Span() float64 {
	if !t.set {
		return 0
	}
	return t.Max - t.Min
}

// At maps a fraction of the plotted axis width onto an absolute timestamp.
func (t TimeRange) At(fraction float64) float64 {
	return t.Min + t.Span()*fraction
}

// Series is the per-channel payload handed to the plot surface: a name and
// its time-sorted points.
type Series struct {
	Name   string  `json:"series_name"`
	Points []Point `json:"points"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// INGESTION //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type IngestEventType string

const (
	IngestProgress IngestEventType = "progress"
	IngestComplete IngestEventType = "complete"
	IngestFatal    IngestEventType = "fatal"
)

// IngestEvent is emitted on the ingestion run's event channel. Progress
// events carry a monotonically non-decreasing Fraction; the terminal
// Complete or Fatal event is always the last event of a run.
type IngestEvent struct {
	RunID     string          `json:"run_id"`
	Type      IngestEventType `json:"type"`
	Fraction  float64         `json:"fraction"`
	RowsRead  int             `json:"rows_read"`
	Chunks    int             `json:"chunks"`
	Columns   []string        `json:"columns,omitempty"`
	TimeRange TimeRange       `json:"time_range"`
	Err       error           `json:"-"`
	EmittedAt time.Time       `json:"emitted_at"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// DELTAS ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Sample is a resolved nearest-neighbor lookup result.
type Sample struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
	Valid     bool    `json:"valid"`
}

// SelectedPoint anchors one end of a delta measurement.
type SelectedPoint struct {
	Channel   string  `json:"channel"`
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// ChannelDelta is the per-channel component of a delta measurement.
type ChannelDelta struct {
	Channel    string  `json:"channel"`
	Value1     float64 `json:"value1"`
	Value2     float64 `json:"value2"`
	DeltaValue float64 `json:"delta_value"`
}

// DeltaResult is recomputed in full on every measurement, never patched.
type DeltaResult struct {
	DeltaTime          float64        `json:"delta_time"`
	FormattedDeltaTime string         `json:"formatted_delta_time"`
	PerChannel         []ChannelDelta `json:"per_channel"`
}
