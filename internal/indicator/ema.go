// Package indicator provides incremental technical indicators over closed
// candles: fast/slow EMAs, a range-based ATR, and multi-period returns.
package indicator

import "github.com/rewired-gh/updownadvisor/internal/models"

// EMA calculates an exponential moving average, seeded by a simple average
// of the first period closes. O(1) per update.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates an EMA with smoothing factor 2/(period+1).
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Update feeds one closed candle.
func (e *EMA) Update(candle models.Candle) {
	price := candle.Close
	e.count++

	if e.count <= e.period {
		// Accumulate for the initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
}

// Value returns the current average. Meaningless until Ready.
func (e *EMA) Value() float64 { return e.current }

// Ready reports whether at least period candles have been seen.
func (e *EMA) Ready() bool { return e.count >= e.period }
