package processor

import (
	"math"
	"sort"

	"timeflow/models"
)

// NearestStrategy selects how a series is scanned for the nearest point.
// Both strategies honor the same contract: among entries at equal minimal
// distance from the query timestamp, the lowest index wins.
type NearestStrategy string

const (
	NearestLinear NearestStrategy = "linear"
	NearestBinary NearestStrategy = "binary"
)

// Nearest returns the series entry minimizing absolute timestamp distance to
// approxTS. ok is false when the series is empty. The series must be sorted
// ascending by timestamp, which is what ChannelIndex produces.
func Nearest(series []models.Point, approxTS float64, strategy NearestStrategy) (models.Sample, bool) {
	if len(series) == 0 {
		return models.Sample{}, false
	}

	var index int
	if strategy == NearestBinary {
		index = nearestBinary(series, approxTS)
	} else {
		index = nearestLinear(series, approxTS)
	}

	point := series[index]
	return models.Sample{
		Index:     index,
		Timestamp: point.Timestamp,
		Value:     point.Value,
		Valid:     point.Valid,
	}, true
}

func nearestLinear(series []models.Point, approxTS float64) int {
	best := 0
	bestDist := math.Abs(series[0].Timestamp - approxTS)
	for i := 1; i < len(series); i++ {
		dist := math.Abs(series[i].Timestamp - approxTS)
		if dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return best
}

func nearestBinary(series []models.Point, approxTS float64) int {
	// First entry with timestamp >= approxTS.
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].Timestamp >= approxTS
	})

	best := idx
	if idx == len(series) {
		best = idx - 1
	} else if idx > 0 {
		// The lower neighbor wins ties, keeping the lowest-index rule for
		// entries symmetric around the query.
		if math.Abs(series[idx-1].Timestamp-approxTS) <= math.Abs(series[idx].Timestamp-approxTS) {
			best = idx - 1
		}
	}

	// Walk back over duplicate timestamps so the first occurrence wins.
	bestDist := math.Abs(series[best].Timestamp - approxTS)
	for best > 0 && math.Abs(series[best-1].Timestamp-approxTS) == bestDist {
		best--
	}
	return best
}
