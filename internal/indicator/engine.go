package indicator

import (
	"sync/atomic"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/models"
)

// Config sizes one asset's indicator set.
type Config struct {
	EMAFastPeriod   int
	EMASlowPeriod   int
	ATRPeriod       int
	CandleInterval  time.Duration
	ReturnLookbacks []int // minutes
}

// Engine owns one asset's indicators and produces a fresh snapshot on every
// candle close. OnCandleClosed must be called from a single goroutine (the
// tick ingestion path); Snapshot may be read concurrently by one evaluation
// reader.
type Engine struct {
	emaFast *EMA
	emaSlow *EMA
	atr     *ATR

	interval    time.Duration
	candlesBack map[int]int // lookback minutes -> candles back
	maxBack     int

	closes []float64 // recent closes, newest last, owned by the writer
	count  int

	snapshot atomic.Pointer[models.IndicatorSnapshot]
}

// NewEngine creates an engine for the given configuration.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		emaFast:     NewEMA(cfg.EMAFastPeriod),
		emaSlow:     NewEMA(cfg.EMASlowPeriod),
		atr:         NewATR(cfg.ATRPeriod),
		interval:    cfg.CandleInterval,
		candlesBack: make(map[int]int, len(cfg.ReturnLookbacks)),
	}
	for _, lb := range cfg.ReturnLookbacks {
		n := int((time.Duration(lb) * time.Minute) / cfg.CandleInterval)
		if n < 1 {
			n = 1
		}
		e.candlesBack[lb] = n
		if n > e.maxBack {
			e.maxBack = n
		}
	}
	return e
}

// OnCandleClosed updates every indicator with the closed candle and returns
// the resulting snapshot. The snapshot is also published for Snapshot
// readers before this method returns.
func (e *Engine) OnCandleClosed(candle models.Candle) models.IndicatorSnapshot {
	e.emaFast.Update(candle)
	e.emaSlow.Update(candle)
	e.atr.Update(candle)

	e.count++
	e.closes = append(e.closes, candle.Close)
	if len(e.closes) > e.maxBack+1 {
		e.closes = e.closes[1:]
	}

	returns := make(map[int]float64, len(e.candlesBack))
	for lb, n := range e.candlesBack {
		if e.count <= n {
			continue // insufficient history, lookback stays undefined
		}
		then := e.closes[len(e.closes)-1-n]
		if then == 0 {
			continue
		}
		returns[lb] = (candle.Close - then) / then
	}

	snap := models.IndicatorSnapshot{
		EMAFast:      e.emaFast.Value(),
		EMAFastReady: e.emaFast.Ready(),
		EMASlow:      e.emaSlow.Value(),
		EMASlowReady: e.emaSlow.Ready(),
		ATR:          e.atr.Value(),
		ATRReady:     e.atr.Ready(),
		Returns:      returns,
		LastClose:    candle.Close,
		CandleCount:  e.count,
		UpdatedAt:    candle.BucketStart.Add(e.interval),
	}
	e.snapshot.Store(&snap)
	return snap
}

// Snapshot returns the most recently published snapshot, with ok false
// before the first candle close.
func (e *Engine) Snapshot() (models.IndicatorSnapshot, bool) {
	p := e.snapshot.Load()
	if p == nil {
		return models.IndicatorSnapshot{}, false
	}
	return *p, true
}
