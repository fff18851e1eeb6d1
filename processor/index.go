package processor

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"timeflow/logger"
	"timeflow/models"
	"timeflow/store"
)

// ChannelIndex lazily derives, per channel, a time-sorted point series from
// the raw store and caches it until the channel is evicted. The cache
// carries no authority of its own: every entry can be rebuilt from the raw
// chunks at any time, so eviction costs a rescan and nothing else. Each
// cache key has a single writer; eviction waits for an in-flight build of
// the same channel rather than overlapping with it.
type ChannelIndex struct {
	store *store.RawStore
	log   *logger.Log

	mu       sync.Mutex
	series   map[string][]models.Point
	building map[string]chan struct{}

	builds int64
}

func NewChannelIndex(st *store.RawStore) *ChannelIndex {
	return &ChannelIndex{
		store:    st,
		log:      logger.GetLogger(),
		series:   make(map[string][]models.Point),
		building: make(map[string]chan struct{}),
	}
}

// EnsureIndexed builds and caches the series for every requested channel
// that is not already cached. It is idempotent: a cached channel is never
// rescanned.
func (ci *ChannelIndex) EnsureIndexed(channels []string) {
	for _, channel := range channels {
		ci.ensureOne(channel)
	}
}

func (ci *ChannelIndex) ensureOne(channel string) {
	ci.mu.Lock()
	if _, cached := ci.series[channel]; cached {
		ci.mu.Unlock()
		return
	}
	if done, inFlight := ci.building[channel]; inFlight {
		ci.mu.Unlock()
		<-done
		return
	}
	done := make(chan struct{})
	ci.building[channel] = done
	ci.mu.Unlock()

	points := ci.build(channel)

	ci.mu.Lock()
	ci.series[channel] = points
	delete(ci.building, channel)
	ci.mu.Unlock()
	close(done)
}

// build performs the single scan-and-sort for one channel. Rows without a
// parseable timestamp never enter the series.
func (ci *ChannelIndex) build(channel string) []models.Point {
	atomic.AddInt64(&ci.builds, 1)

	points := make([]models.Point, 0, ci.store.RowCount())
	ci.store.EachRow(func(row models.RawRow) bool {
		if !row.HasTime() {
			return true
		}
		point := models.Point{Timestamp: row.ParsedTimestamp}
		if raw, present := row.Values[channel]; present && raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				point.Value = v
				point.Valid = true
			}
		}
		points = append(points, point)
		return true
	})

	// Stable sort keeps original row order among equal timestamps, which
	// the nearest-neighbor tie-break depends on.
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})

	logger.IncrementSeriesBuild(len(points))
	ci.log.WithComponent("index").WithFields(logger.Fields{
		"channel": channel,
		"points":  len(points),
	}).Debug("channel series built")

	return points
}

// Series returns the cached series for a channel, or an empty slice when the
// channel was never indexed.
func (ci *ChannelIndex) Series(channel string) []models.Point {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.series[channel]
}

// Indexed reports whether a channel currently has a cached series.
func (ci *ChannelIndex) Indexed(channel string) bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	_, ok := ci.series[channel]
	return ok
}

// Evict drops the cached series for a deselected channel, bounding memory to
// the active channel set. If a build for the channel is in flight, Evict
// waits for it to finish first so eviction and population never overlap.
func (ci *ChannelIndex) Evict(channel string) {
	for {
		ci.mu.Lock()
		done, inFlight := ci.building[channel]
		if !inFlight {
			delete(ci.series, channel)
			ci.mu.Unlock()
			ci.log.WithComponent("index").WithFields(logger.Fields{
				"channel": channel,
			}).Debug("channel series evicted")
			return
		}
		ci.mu.Unlock()
		<-done
	}
}

// Builds returns how many scan-and-sort passes have run.
func (ci *ChannelIndex) Builds() int64 {
	return atomic.LoadInt64(&ci.builds)
}
