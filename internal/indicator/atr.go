package indicator

import "github.com/rewired-gh/updownadvisor/internal/models"

// ATR tracks the average true range over a trailing window, with true range
// taken as high - low per candle. The previous-close term of the textbook
// true range is omitted on purpose: these candles are synthesized from one
// continuous feed, so there is no inter-bar gap for that term to capture.
type ATR struct {
	period  int
	buf     []float64 // circular buffer of per-candle ranges
	idx     int
	count   int
	sum     float64
	current float64
}

// NewATR creates an ATR over the given trailing candle count.
func NewATR(period int) *ATR {
	return &ATR{
		period: period,
		buf:    make([]float64, period),
	}
}

// Update feeds one closed candle.
func (a *ATR) Update(candle models.Candle) {
	tr := candle.High - candle.Low

	if a.count >= a.period {
		// Subtract the oldest range being overwritten
		a.sum -= a.buf[a.idx]
	}
	a.buf[a.idx] = tr
	a.sum += tr
	a.idx = (a.idx + 1) % a.period
	a.count++

	if a.count >= a.period {
		a.current = a.sum / float64(a.period)
	}
}

// Value returns the current average range. Meaningless until Ready.
func (a *ATR) Value() float64 { return a.current }

// Ready reports whether at least period candles have been seen.
func (a *ATR) Ready() bool { return a.count >= a.period }
