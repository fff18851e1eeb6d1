package reader

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// isoLayouts are tried in order for inputs carrying a 'T' or 'Z' marker.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// genericLayouts are the best-effort fallback for inputs matching neither
// the custom day-first format nor ISO-8601.
var genericLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"02 Jan 2006 15:04:05",
	"Jan 2 2006 15:04:05",
	time.RFC1123,
	time.ANSIC,
}

// Normalizer parses heterogeneous timestamp representations into epoch
// milliseconds. Successful string parses are memoized keyed by the exact
// input string, so repeated timestamps across millions of rows are derived
// once. Normalize never returns an error: unparseable input yields NaN and
// the caller excludes such rows from time-indexed operations.
type Normalizer struct {
	mu     sync.RWMutex
	memo   map[string]float64
	parses int64
}

func NewNormalizer() *Normalizer {
	return &Normalizer{memo: make(map[string]float64)}
}

// Normalize converts a raw timestamp field into epoch milliseconds, or NaN
// when no structural cue yields a finite result. Numeric input passes
// through unchanged.
func (n *Normalizer) Normalize(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return math.NaN()
	}

	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		// ParseFloat also accepts "Inf", "Infinity" and "NaN"; a non-finite
		// timestamp would poison the time range and series ordering.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return math.NaN()
		}
		return v
	}

	n.mu.RLock()
	cached, ok := n.memo[raw]
	n.mu.RUnlock()
	if ok {
		return cached
	}

	epoch := n.parse(raw)
	if !math.IsNaN(epoch) {
		n.mu.Lock()
		n.memo[raw] = epoch
		n.mu.Unlock()
	}
	return epoch
}

// Parses returns how many non-memoized string parses were performed.
func (n *Normalizer) Parses() int64 {
	return atomic.LoadInt64(&n.parses)
}

func (n *Normalizer) parse(raw string) float64 {
	atomic.AddInt64(&n.parses, 1)

	switch {
	case strings.Contains(raw, "-") && strings.Contains(raw, ":") &&
		!strings.Contains(raw, "T") && !strings.Contains(raw, "Z"):
		return parseDayFirst(raw)
	case strings.Contains(raw, "T") || strings.Contains(raw, "Z"):
		return tryLayouts(raw, isoLayouts)
	default:
		return tryLayouts(raw, genericLayouts)
	}
}

// parseDayFirst handles the custom DD-MM-YYYY HH:MM:SS[:mmm[.micros]]
// format. The fields are split on '-', ':' and space; the optional fourth
// time segment holds milliseconds with a discarded microsecond remainder.
// The leading numeric triad is always interpreted day-first.
func parseDayFirst(raw string) float64 {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '-' || r == ':' || r == ' '
	})
	if len(fields) < 6 || len(fields) > 7 {
		return math.NaN()
	}

	day, err1 := strconv.Atoi(fields[0])
	month, err2 := strconv.Atoi(fields[1])
	year, err3 := strconv.Atoi(fields[2])
	hour, err4 := strconv.Atoi(fields[3])
	minute, err5 := strconv.Atoi(fields[4])
	second, err6 := strconv.Atoi(fields[5])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
		return math.NaN()
	}

	millis := 0
	if len(fields) == 7 {
		msField := fields[6]
		// Anything after the '.' is microseconds and is dropped.
		if dot := strings.IndexByte(msField, '.'); dot >= 0 {
			msField = msField[:dot]
		}
		ms, err := strconv.Atoi(msField)
		if err != nil {
			return math.NaN()
		}
		millis = ms
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return math.NaN()
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, millis*int(time.Millisecond), time.UTC)
	return float64(t.UnixMilli())
}

func tryLayouts(raw string, layouts []string) float64 {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return float64(t.UnixMilli())
		}
	}
	return math.NaN()
}
