package processor

import (
	"fmt"
	"math"
	"sync"

	"timeflow/logger"
	"timeflow/models"
)

// SelectionState is the delta engine's point-selection state. The machine
// has no terminal state; it cycles between the two.
type SelectionState string

const (
	AwaitingFirst  SelectionState = "awaiting_first"
	AwaitingSecond SelectionState = "awaiting_second"
)

// DeltaEngine orchestrates the two-click measurement protocol. The first
// resolved point arms the machine; the second synchronously computes the
// delta across all active channels and resets, so a third click starts a
// fresh measurement without touching the previous result.
type DeltaEngine struct {
	index    *ChannelIndex
	strategy NearestStrategy
	log      *logger.Log

	mu     sync.Mutex
	state  SelectionState
	first  *models.SelectedPoint
	result *models.DeltaResult
}

func NewDeltaEngine(index *ChannelIndex, strategy NearestStrategy) *DeltaEngine {
	return &DeltaEngine{
		index:    index,
		strategy: strategy,
		log:      logger.GetLogger(),
		state:    AwaitingFirst,
	}
}

// State returns the current selection state.
func (d *DeltaEngine) State() SelectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// First returns the currently armed point, nil in AwaitingFirst.
func (d *DeltaEngine) First() *models.SelectedPoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.first
}

// Result returns the last computed delta, nil if none.
func (d *DeltaEngine) Result() *models.DeltaResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

// Select feeds one resolved point into the state machine. The returned
// result is non-nil exactly when this point completed a measurement; it is
// also retained and readable through Result until the next measurement or
// Clear.
func (d *DeltaEngine) Select(point models.SelectedPoint, activeChannels []string) *models.DeltaResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == AwaitingFirst {
		p := point
		d.first = &p
		d.state = AwaitingSecond
		d.log.WithComponent("delta").WithFields(logger.Fields{
			"channel":   point.Channel,
			"timestamp": point.Timestamp,
		}).Info("first point selected, awaiting second")
		return nil
	}

	result := d.computeDeltas(*d.first, point, activeChannels)
	d.result = &result
	d.first = nil
	d.state = AwaitingFirst

	d.log.WithComponent("delta").WithFields(logger.Fields{
		"delta_time": result.DeltaTime,
		"formatted":  result.FormattedDeltaTime,
		"channels":   len(result.PerChannel),
	}).Info("delta computed")

	return &result
}

// Clear discards both selected points and any computed result, from any
// state.
func (d *DeltaEngine) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.first = nil
	d.result = nil
	d.state = AwaitingFirst
}

// computeDeltas independently resolves the nearest value per active channel
// for both selected timestamps. A channel is omitted when either lookup
// fails, so a channel without data degrades the result instead of aborting
// it.
func (d *DeltaEngine) computeDeltas(p1, p2 models.SelectedPoint, activeChannels []string) models.DeltaResult {
	deltaTime := p2.Timestamp - p1.Timestamp

	perChannel := make([]models.ChannelDelta, 0, len(activeChannels))
	for _, channel := range activeChannels {
		series := d.index.Series(channel)

		s1, ok1 := Nearest(series, p1.Timestamp, d.strategy)
		s2, ok2 := Nearest(series, p2.Timestamp, d.strategy)
		if !ok1 || !ok2 || !s1.Valid || !s2.Valid {
			d.log.WithComponent("delta").WithFields(logger.Fields{
				"channel": channel,
			}).Debug("channel omitted from delta, nearest lookup failed")
			continue
		}

		perChannel = append(perChannel, models.ChannelDelta{
			Channel:    channel,
			Value1:     s1.Value,
			Value2:     s2.Value,
			DeltaValue: s2.Value - s1.Value,
		})
	}

	return models.DeltaResult{
		DeltaTime:          deltaTime,
		FormattedDeltaTime: FormatElapsed(deltaTime),
		PerChannel:         perChannel,
	}
}

// FormatElapsed renders a millisecond delta starting from the coarsest
// nonzero unit down to seconds. When everything above milliseconds is zero
// the bare millisecond count is rendered; when seconds lead, the truncated
// millisecond remainder is appended.
func FormatElapsed(deltaMs float64) string {
	ms := int64(math.Abs(deltaMs))

	days := ms / 86400000
	hours := (ms % 86400000) / 3600000
	minutes := (ms % 3600000) / 60000
	seconds := (ms % 60000) / 1000
	msRemainder := ms % 1000

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	case seconds > 0:
		return fmt.Sprintf("%ds %dms", seconds, msRemainder)
	default:
		return fmt.Sprintf("%dms", ms)
	}
}
