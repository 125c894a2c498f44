package models

import "time"

// Tick is a single timestamped price observation from the live feed.
type Tick struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// Candle is one fixed-interval OHLC bar built from ticks. Immutable once its
// bucket closes.
type Candle struct {
	BucketStart time.Time `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
}

// IndicatorSnapshot carries the indicator values derived from the closed
// candle sequence as of one candle close. Ready flags distinguish "not
// enough history yet" from a legitimately neutral value; a lookback absent
// from Returns had insufficient history.
type IndicatorSnapshot struct {
	EMAFast      float64 `json:"ema_fast"`
	EMAFastReady bool    `json:"ema_fast_ready"`
	EMASlow      float64 `json:"ema_slow"`
	EMASlowReady bool    `json:"ema_slow_ready"`
	ATR          float64 `json:"atr"`
	ATRReady     bool    `json:"atr_ready"`

	// Returns maps lookback minutes to the fractional price return over
	// that lookback, e.g. 0.0042 for +0.42%.
	Returns map[int]float64 `json:"returns,omitempty"`

	LastClose   float64   `json:"last_close"`
	CandleCount int       `json:"candle_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Return reports the fractional return for the given lookback in minutes,
// with ok false while history is insufficient.
func (s *IndicatorSnapshot) Return(minutes int) (float64, bool) {
	v, ok := s.Returns[minutes]
	return v, ok
}
