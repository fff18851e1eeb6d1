package reader

import (
	"math"
	"testing"
	"time"
)

func TestNormalizeNumericPassthrough(t *testing.T) {
	n := NewNormalizer()
	if got := n.Normalize("1700000000000"); got != 1700000000000 {
		t.Fatalf("numeric passthrough = %v", got)
	}
	if got := n.Normalize("1700000000000.5"); got != 1700000000000.5 {
		t.Fatalf("fractional passthrough = %v", got)
	}
	if n.Parses() != 0 {
		t.Fatalf("numeric input must not hit the parser, parses=%d", n.Parses())
	}
}

func TestNormalizeDayFirst(t *testing.T) {
	n := NewNormalizer()

	// A two-digit day/month triad is interpreted day-first: January 5th,
	// not May 1st.
	got := n.Normalize("05-01-2024 10:00:00:000")
	want := float64(time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC).UnixMilli())
	if got != want {
		t.Fatalf("day-first parse = %v, want %v", got, want)
	}
}

func TestNormalizeDayFirstMilliseconds(t *testing.T) {
	n := NewNormalizer()

	got := n.Normalize("15-06-2023 08:30:45:250")
	want := float64(time.Date(2023, time.June, 15, 8, 30, 45, 250*int(time.Millisecond), time.UTC).UnixMilli())
	if got != want {
		t.Fatalf("millisecond parse = %v, want %v", got, want)
	}

	// The microsecond remainder is parsed but discarded.
	withMicros := n.Normalize("15-06-2023 08:30:45:250.999")
	if withMicros != want {
		t.Fatalf("microsecond remainder must be discarded: %v != %v", withMicros, want)
	}
}

func TestNormalizeISO(t *testing.T) {
	n := NewNormalizer()

	got := n.Normalize("2024-01-05T10:00:00Z")
	want := float64(time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC).UnixMilli())
	if got != want {
		t.Fatalf("ISO parse = %v, want %v", got, want)
	}
}

func TestNormalizeGeneric(t *testing.T) {
	n := NewNormalizer()

	got := n.Normalize("2024/01/05 10:00:00")
	want := float64(time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC).UnixMilli())
	if got != want {
		t.Fatalf("generic parse = %v, want %v", got, want)
	}
}

func TestNormalizeUnparseable(t *testing.T) {
	n := NewNormalizer()

	for _, raw := range []string{"", "not a date", "??-??-????", "12-34"} {
		if got := n.Normalize(raw); !math.IsNaN(got) {
			t.Errorf("Normalize(%q) = %v, want NaN", raw, got)
		}
	}
}

func TestNormalizeRejectsNonFinite(t *testing.T) {
	n := NewNormalizer()

	// strconv.ParseFloat accepts these, but a non-finite epoch must not
	// enter the time range.
	for _, raw := range []string{"Inf", "+Inf", "-Inf", "Infinity", "inf", "NaN", "nan"} {
		if got := n.Normalize(raw); !math.IsNaN(got) {
			t.Errorf("Normalize(%q) = %v, want NaN", raw, got)
		}
	}
}

func TestNormalizeMemoization(t *testing.T) {
	n := NewNormalizer()

	first := n.Normalize("05-01-2024 10:00:00:000")
	second := n.Normalize("05-01-2024 10:00:00:000")
	if first != second {
		t.Fatalf("memoized result differs: %v != %v", first, second)
	}
	if n.Parses() != 1 {
		t.Fatalf("expected a single parse for a repeated string, got %d", n.Parses())
	}

	// Failed parses are retried, not memoized.
	n.Normalize("garbage")
	n.Normalize("garbage")
	if n.Parses() != 3 {
		t.Fatalf("expected unmemoized failures, parses=%d", n.Parses())
	}
}
