package feed

import (
	"math"
	"sync"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/models"
)

// Health tracks feed liveness: a bounded window of the most recent ticks,
// the total tick count, and Welford running statistics over inter-arrival
// gaps. Staleness is judged on receive time, not tick timestamps, so a
// feed replaying old data still counts as alive.
type Health struct {
	mu       sync.Mutex
	window   int
	recent   []models.Tick
	idx      int
	count    uint64
	lastSeen time.Time

	// Welford accumulators over inter-arrival gaps, in seconds.
	gapCount int
	gapMean  float64
	gapM2    float64
}

// NewHealth creates a tracker keeping the last window ticks.
func NewHealth(window int) *Health {
	if window < 1 {
		window = 1
	}
	return &Health{window: window}
}

// Observe records a decoded tick and the wall time it arrived.
func (h *Health) Observe(tick models.Tick, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recent) < h.window {
		h.recent = append(h.recent, tick)
	} else {
		h.recent[h.idx] = tick
	}
	h.idx = (h.idx + 1) % h.window

	if h.count > 0 {
		gap := now.Sub(h.lastSeen).Seconds()
		h.gapCount++
		delta := gap - h.gapMean
		h.gapMean += delta / float64(h.gapCount)
		delta2 := gap - h.gapMean
		h.gapM2 += delta * delta2
	}
	h.count++
	h.lastSeen = now
}

// LastTick returns the most recently observed tick, if any.
func (h *Health) LastTick() (models.Tick, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return models.Tick{}, false
	}
	i := h.idx - 1
	if i < 0 {
		i = len(h.recent) - 1
	}
	return h.recent[i], true
}

// Recent returns the liveness window in arrival order, oldest first.
func (h *Health) Recent() []models.Tick {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.Tick, 0, len(h.recent))
	for i := 0; i < len(h.recent); i++ {
		out = append(out, h.recent[(h.idx+i)%len(h.recent)])
	}
	return out
}

// TickCount returns the total number of ticks observed since start.
func (h *Health) TickCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Age returns the time since the last tick arrived. ok is false when no
// tick has been observed yet.
func (h *Health) Age(now time.Time) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return 0, false
	}
	return now.Sub(h.lastSeen), true
}

// Stale reports whether the feed has gone quiet for longer than threshold.
// A feed that has produced no ticks at all is stale.
func (h *Health) Stale(now time.Time, threshold time.Duration) bool {
	age, ok := h.Age(now)
	if !ok {
		return true
	}
	return age > threshold
}

// GapStats returns the mean and standard deviation of inter-arrival gaps
// in seconds. Sigma is zero until at least two gaps have been observed.
func (h *Health) GapStats() (mean, sigma float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.gapCount < 2 {
		return h.gapMean, 0
	}
	variance := h.gapM2 / float64(h.gapCount-1)
	return h.gapMean, math.Sqrt(variance)
}
