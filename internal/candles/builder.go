// Package candles buckets live price ticks into fixed-interval OHLC candles
// and maintains a bounded history of closed candles for one asset.
package candles

import (
	"sync/atomic"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/models"
)

// forming holds the in-progress candle for the current bucket.
type forming struct {
	bucket  int64 // bucket start in Unix seconds, aligned to the interval
	candle  models.Candle
	started bool
}

// Builder ingests ticks and maintains a bounded sequence of closed candles.
// Ingest must be called from a single goroutine. Closed may be called
// concurrently from one reader: the closed sequence is published as an
// immutable snapshot slice, so a reader never observes a candle whose
// bucket has not closed yet.
type Builder struct {
	interval   int64 // bucket width in seconds
	maxCandles int

	forming  forming
	closed   []models.Candle // owned by the ingest goroutine
	snapshot atomic.Pointer[[]models.Candle]

	droppedLate atomic.Uint64

	// OnClose is invoked from Ingest each time a candle closes, before the
	// new snapshot is published. Optional.
	OnClose func(c models.Candle)
}

// NewBuilder creates a builder with the given bucket interval and history cap.
func NewBuilder(interval time.Duration, maxCandles int) *Builder {
	b := &Builder{
		interval:   int64(interval.Seconds()),
		maxCandles: maxCandles,
	}
	empty := make([]models.Candle, 0)
	b.snapshot.Store(&empty)
	return b
}

// Ingest merges one tick into the forming candle, closing the previous
// bucket first when the tick starts a new one. A tick that belongs to an
// already-closed bucket is dropped and counted, never applied.
func (b *Builder) Ingest(tick models.Tick) {
	ts := tick.Timestamp.Unix()
	bucket := ts - ts%b.interval

	if b.forming.started && bucket < b.forming.bucket {
		b.droppedLate.Add(1)
		logger.Warn("Dropping late tick for closed bucket: tick_ts=%s price=%.2f open_bucket=%d",
			tick.Timestamp.UTC().Format(time.RFC3339), tick.Price, b.forming.bucket)
		return
	}

	if b.forming.started && bucket > b.forming.bucket {
		b.closeForming()
	}

	if !b.forming.started {
		b.forming = forming{
			bucket:  bucket,
			started: true,
			candle: models.Candle{
				BucketStart: time.Unix(bucket, 0).UTC(),
				Open:        tick.Price,
				High:        tick.Price,
				Low:         tick.Price,
				Close:       tick.Price,
			},
		}
		return
	}

	c := &b.forming.candle
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
}

// closeForming finalizes the forming candle, appends it with FIFO eviction,
// runs the OnClose hook, then publishes the new snapshot.
func (b *Builder) closeForming() {
	c := b.forming.candle
	b.forming = forming{}

	b.closed = append(b.closed, c)
	if len(b.closed) > b.maxCandles {
		b.closed = b.closed[1:]
	}

	if b.OnClose != nil {
		b.OnClose(c)
	}

	snap := make([]models.Candle, len(b.closed))
	copy(snap, b.closed)
	b.snapshot.Store(&snap)
}

// Closed returns the current closed-candle sequence, oldest first. The
// returned slice is immutable; callers must not modify it.
func (b *Builder) Closed() []models.Candle {
	return *b.snapshot.Load()
}

// DroppedLate reports how many out-of-order ticks were discarded.
func (b *Builder) DroppedLate() uint64 {
	return b.droppedLate.Load()
}
