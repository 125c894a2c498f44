package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// makeCandle creates a closed candle in the n-th minute bucket.
func makeCandle(n int, open, high, low, close_ float64) models.Candle {
	base := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	return models.Candle{
		BucketStart: base.Add(time.Duration(n) * time.Minute),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close_,
	}
}

func TestEMASeedAndUpdate(t *testing.T) {
	e := NewEMA(3)

	closes := []float64{1, 2, 3, 4, 5}
	want := []struct {
		ready bool
		value float64
	}{
		{false, 0},
		{false, 0},
		{true, 2.0}, // SMA seed of 1,2,3
		{true, 3.0}, // 4*0.5 + 2*0.5
		{true, 4.0}, // 5*0.5 + 3*0.5
	}

	for i, c := range closes {
		e.Update(makeCandle(i, c, c, c, c))
		if e.Ready() != want[i].ready {
			t.Errorf("after %d candles Ready() = %v, want %v", i+1, e.Ready(), want[i].ready)
		}
		if want[i].ready && !almostEqual(e.Value(), want[i].value) {
			t.Errorf("after %d candles Value() = %v, want %v", i+1, e.Value(), want[i].value)
		}
	}
}

func TestEMAUndefinedUntilPeriodThenAlwaysDefined(t *testing.T) {
	const period = 9
	e := NewEMA(period)

	for i := 0; i < 30; i++ {
		e.Update(makeCandle(i, 100, 101, 99, 100+float64(i%3)))
		wantReady := i+1 >= period
		if e.Ready() != wantReady {
			t.Fatalf("after %d candles Ready() = %v, want %v", i+1, e.Ready(), wantReady)
		}
	}
}

func TestATRTrailingMeanOfRange(t *testing.T) {
	a := NewATR(2)

	a.Update(makeCandle(0, 9, 10, 8, 9))
	if a.Ready() {
		t.Fatal("ATR ready after one candle")
	}

	a.Update(makeCandle(1, 10, 11, 9, 10))
	if !a.Ready() {
		t.Fatal("ATR not ready after period candles")
	}
	if !almostEqual(a.Value(), 2.0) {
		t.Errorf("ATR = %v, want 2.0", a.Value())
	}

	// Window slides: ranges 2, 6 -> mean 4.
	a.Update(makeCandle(2, 8, 12, 6, 7))
	if !almostEqual(a.Value(), 4.0) {
		t.Errorf("ATR after slide = %v, want 4.0", a.Value())
	}
}

func newTestEngine() *Engine {
	return NewEngine(Config{
		EMAFastPeriod:   3,
		EMASlowPeriod:   5,
		ATRPeriod:       2,
		CandleInterval:  time.Minute,
		ReturnLookbacks: []int{3, 5},
	})
}

func TestEngineSnapshotLifecycle(t *testing.T) {
	e := newTestEngine()

	if _, ok := e.Snapshot(); ok {
		t.Fatal("Snapshot() reported ok before any candle closed")
	}

	closes := []float64{100, 101, 102, 103, 106, 104}
	var snap models.IndicatorSnapshot
	for i, c := range closes {
		snap = e.OnCandleClosed(makeCandle(i, c, c+1, c-1, c))
	}

	if snap.CandleCount != 6 {
		t.Errorf("CandleCount = %d, want 6", snap.CandleCount)
	}
	if snap.LastClose != 104 {
		t.Errorf("LastClose = %v, want 104", snap.LastClose)
	}
	if !snap.EMAFastReady || !snap.EMASlowReady || !snap.ATRReady {
		t.Errorf("expected all indicators ready, got fast=%v slow=%v atr=%v",
			snap.EMAFastReady, snap.EMASlowReady, snap.ATRReady)
	}
	if !almostEqual(snap.ATR, 2.0) {
		t.Errorf("ATR = %v, want 2.0 (constant high-low spread)", snap.ATR)
	}

	published, ok := e.Snapshot()
	if !ok {
		t.Fatal("Snapshot() not ok after candle closes")
	}
	if published.CandleCount != snap.CandleCount || published.LastClose != snap.LastClose {
		t.Errorf("published snapshot differs from returned one: %+v vs %+v", published, snap)
	}

	wantUpdated := makeCandle(5, 0, 0, 0, 0).BucketStart.Add(time.Minute)
	if !snap.UpdatedAt.Equal(wantUpdated) {
		t.Errorf("UpdatedAt = %v, want %v", snap.UpdatedAt, wantUpdated)
	}
}

func TestEngineReturns(t *testing.T) {
	e := newTestEngine()
	closes := []float64{100, 101, 102, 103, 106, 104}

	var snaps []models.IndicatorSnapshot
	for i, c := range closes {
		snaps = append(snaps, e.OnCandleClosed(makeCandle(i, c, c+1, c-1, c)))
	}

	// Lookbacks are undefined while history is short.
	for i := 0; i < 3; i++ {
		if _, ok := snaps[i].Return(3); ok {
			t.Errorf("3m return defined after only %d candles", i+1)
		}
	}
	if _, ok := snaps[4].Return(5); ok {
		t.Error("5m return defined after only 5 candles")
	}

	// Fourth close: close 4 candles ago does not exist yet, 3 does.
	if r, ok := snaps[3].Return(3); !ok || !almostEqual(r, 0.03) {
		t.Errorf("3m return at 4th close = %v (ok=%v), want 0.03", r, ok)
	}
	if r, ok := snaps[5].Return(3); !ok || !almostEqual(r, (104.0-102.0)/102.0) {
		t.Errorf("3m return at 6th close = %v (ok=%v), want %v", r, ok, (104.0-102.0)/102.0)
	}
	if r, ok := snaps[5].Return(5); !ok || !almostEqual(r, 0.04) {
		t.Errorf("5m return at 6th close = %v (ok=%v), want 0.04", r, ok)
	}
}

func TestEngineReadyFlagsDistinctFromZero(t *testing.T) {
	e := newTestEngine()

	// Two identical candles: EMAs unready, ATR (period 2) becomes ready
	// with a genuinely zero range. The flags keep the two cases apart.
	flat := makeCandle(0, 100, 100, 100, 100)
	e.OnCandleClosed(flat)
	snap := e.OnCandleClosed(makeCandle(1, 100, 100, 100, 100))

	if snap.EMAFastReady {
		t.Error("fast EMA reported ready before period candles")
	}
	if !snap.ATRReady {
		t.Error("ATR not ready after period candles")
	}
	if snap.ATR != 0 {
		t.Errorf("ATR = %v, want genuine 0 from flat candles", snap.ATR)
	}
}
