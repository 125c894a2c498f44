// Package advisor owns the evaluation cycle: it polls round discovery,
// routes live feed ticks into the candle builder, runs the decision
// engine inside the trade window, and forwards reported outcomes to the
// stake ledger. Everything interactive stays in the cmd layer.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/candles"
	"github.com/rewired-gh/updownadvisor/internal/feed"
	"github.com/rewired-gh/updownadvisor/internal/indicator"
	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/metrics"
	"github.com/rewired-gh/updownadvisor/internal/models"
	"github.com/rewired-gh/updownadvisor/internal/publish"
	"github.com/rewired-gh/updownadvisor/internal/rounds"
	"github.com/rewired-gh/updownadvisor/internal/stake"
	"github.com/rewired-gh/updownadvisor/internal/storage"
	"github.com/rewired-gh/updownadvisor/internal/strategy"
	"github.com/rewired-gh/updownadvisor/internal/telegram"
)

const publishTimeout = 5 * time.Second

// Config tunes the cycle timing and trade-window policy for one asset.
type Config struct {
	Asset       string
	DisplayName string

	PollInterval     time.Duration
	DiscoveryTimeout time.Duration

	// Trade window: evaluate only when the remaining time sits inside
	// [MinTimeBeforeClose, MaxTimeBeforeClose].
	MinTimeBeforeClose time.Duration
	MaxTimeBeforeClose time.Duration

	// Warmup is the minimum feed collection time before the first
	// evaluation; early cycles are skipped, not failed.
	Warmup time.Duration

	// Staleness bounds the feed age considered live for health reporting.
	Staleness time.Duration

	// TargetOverride, when positive, replaces the discovered target price.
	// Manual escape hatch for rounds whose copy omits the price to beat.
	TargetOverride float64

	CandleInterval time.Duration
	MaxCandles     int
	TickBuffer     int
}

// Deps are the collaborators the advisor orchestrates. Notifier,
// Publisher, Metrics, and Health are optional and may be nil.
type Deps struct {
	Primary  rounds.Source
	Fallback rounds.Source

	Feed       *feed.Client
	Indicators *indicator.Engine
	Strategy   *strategy.Engine
	Stakes     *stake.Manager
	Store      *storage.Storage

	Notifier  *telegram.Client
	Publisher *publish.Publisher
	Metrics   *metrics.Metrics
	Health    *metrics.Health
}

// Advisor runs the continuous ingest goroutine and the periodic
// discovery/evaluation cycle for a single asset.
type Advisor struct {
	cfg  Config
	deps Deps

	builder *candles.Builder
	tickCh  chan models.Tick

	startedAt time.Time

	// lastDecision links the next reported outcome back to the journal
	// entry that recommended it.
	mu           sync.Mutex
	lastDecision *models.Decision

	consecutiveFailures int

	now func() time.Time
}

// New wires an advisor from its collaborators. The candle builder and
// its close hook are owned here so ingestion, indicators, and publishing
// stay on the single writer goroutine.
func New(cfg Config, deps Deps) *Advisor {
	if cfg.TickBuffer < 1 {
		cfg.TickBuffer = 256
	}

	a := &Advisor{
		cfg:    cfg,
		deps:   deps,
		tickCh: make(chan models.Tick, cfg.TickBuffer),
		now:    time.Now,
	}
	a.builder = candles.NewBuilder(cfg.CandleInterval, cfg.MaxCandles)
	a.builder.OnClose = a.onCandleClosed

	if deps.Feed != nil {
		deps.Feed.OnReconnect = func() {
			if a.deps.Metrics != nil {
				a.deps.Metrics.WSReconnects.Inc()
			}
		}
	}
	return a
}

// Start launches the feed connection and the tick consumer. Both stop
// when ctx is cancelled. Call once, before Run or RunOnce.
func (a *Advisor) Start(ctx context.Context) {
	a.startedAt = a.now()

	go func() {
		if err := a.deps.Feed.Run(ctx, a.tickCh); err != nil {
			logger.Error("Feed terminated: %v", err)
		}
	}()
	go a.consume(ctx)
}

// consume is the single candle-builder writer.
func (a *Advisor) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-a.tickCh:
			a.ingest(tick)
		}
	}
}

func (a *Advisor) ingest(tick models.Tick) {
	a.builder.Ingest(tick)
	if a.deps.Metrics != nil {
		a.deps.Metrics.TicksTotal.Inc()
	}
	if a.deps.Health != nil {
		a.deps.Health.SetLastTick(a.now())
	}
}

// onCandleClosed runs on the ingest goroutine before the new candle
// snapshot is published.
func (a *Advisor) onCandleClosed(c models.Candle) {
	snap := a.deps.Indicators.OnCandleClosed(c)
	if a.deps.Metrics != nil {
		a.deps.Metrics.CandlesTotal.Inc()
	}

	logger.Debug("Candle closed %s O=%.2f H=%.2f L=%.2f C=%.2f (atr_ready=%v ema_ready=%v)",
		c.BucketStart.Format("15:04"), c.Open, c.High, c.Low, c.Close,
		snap.ATRReady, snap.EMAFastReady && snap.EMASlowReady)

	if a.deps.Publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.deps.Publisher.PublishCandle(ctx, a.cfg.Asset, c, snap); err != nil {
			logger.Warn("Failed to publish candle: %v", err)
		}
		cancel()
	}
}

// Run polls round discovery until ctx is cancelled. One evaluation pass
// runs per poll; cycle failures are logged and notified on the first of
// a consecutive sequence, with a recovery notice once a cycle succeeds
// again.
func (a *Advisor) Run(ctx context.Context) {
	name := a.cfg.DisplayName
	if name == "" {
		name = a.cfg.Asset
	}
	logger.Info("Watching %s rounds (poll interval %s, trade window %s-%s before close)",
		name, a.cfg.PollInterval, a.cfg.MinTimeBeforeClose, a.cfg.MaxTimeBeforeClose)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.handleCycleResult(a.RunCycle(ctx))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Advisor stopped")
			return
		case <-ticker.C:
			a.observeFeed()
			a.handleCycleResult(a.RunCycle(ctx))
		}
	}
}

// RunOnce waits out the remaining warmup, then runs a single evaluation
// cycle.
func (a *Advisor) RunOnce(ctx context.Context) error {
	if wait := a.cfg.Warmup - a.now().Sub(a.startedAt); wait > 0 {
		logger.Info("Collecting feed data for %s before evaluating", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	a.observeFeed()
	return a.RunCycle(ctx)
}

func (a *Advisor) handleCycleResult(err error) {
	if err != nil {
		a.consecutiveFailures++
		logger.Error("Advisor cycle failed: %v", err)
		if a.consecutiveFailures == 1 && a.deps.Notifier != nil {
			if sendErr := a.deps.Notifier.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if a.consecutiveFailures > 0 && a.deps.Notifier != nil {
		if sendErr := a.deps.Notifier.SendRecovery(a.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	a.consecutiveFailures = 0
}

// observeFeed refreshes the feed health gauges between cycles.
func (a *Advisor) observeFeed() {
	health := a.deps.Feed.Health()
	now := a.now()

	if a.deps.Health != nil {
		a.deps.Health.SetFeedOK(!health.Stale(now, a.cfg.Staleness))
	}
	if a.deps.Metrics == nil {
		return
	}
	if age, ok := health.Age(now); ok {
		a.deps.Metrics.LastTickAge.Set(age.Seconds())
	}
	mean, sigma := health.GapStats()
	a.deps.Metrics.TickGapMean.Set(mean)
	a.deps.Metrics.TickGapSigma.Set(sigma)
	a.deps.Metrics.DroppedTicks.Set(float64(a.deps.Feed.Dropped()))
}

// RunCycle performs one discovery and evaluation pass. Skipped cycles
// (outside the trade window, still warming up, round already decided)
// and gate aborts return nil; only genuine failures return an error.
func (a *Advisor) RunCycle(ctx context.Context) error {
	now := a.now().UTC()

	dctx, cancel := context.WithTimeout(ctx, a.cfg.DiscoveryTimeout)
	round, err := rounds.FindLiveRound(dctx, a.cfg.Asset, a.deps.Primary, a.deps.Fallback, now)
	cancel()
	if err != nil {
		return fmt.Errorf("round discovery failed: %w", err)
	}

	if a.cfg.TargetOverride > 0 {
		round.TargetPrice = a.cfg.TargetOverride
	}
	if err := a.deps.Store.SaveRound(&round); err != nil {
		logger.Warn("Failed to journal round %s: %v", round.Slug, err)
	}

	remaining := round.SecondsRemaining(now)
	if d := time.Duration(remaining) * time.Second; d < a.cfg.MinTimeBeforeClose || d > a.cfg.MaxTimeBeforeClose {
		logger.Debug("Round %s is outside the trade window (%ds remaining), skipping", round.Slug, remaining)
		return nil
	}

	if elapsed := a.now().Sub(a.startedAt); elapsed < a.cfg.Warmup {
		logger.Debug("Still warming up (%s of %s), skipping evaluation", elapsed.Round(time.Second), a.cfg.Warmup)
		return nil
	}

	decided, err := a.deps.Store.HasDecision(round.Slug)
	if err != nil {
		return fmt.Errorf("failed to check journal for %s: %w", round.Slug, err)
	}
	if decided {
		logger.Debug("Round %s already has a recommendation, skipping", round.Slug)
		return nil
	}

	return a.evaluate(ctx, round, remaining, now)
}

func (a *Advisor) evaluate(ctx context.Context, round models.Round, remaining int, now time.Time) error {
	health := a.deps.Feed.Health()

	in := strategy.Inputs{
		Round:            round,
		SecondsRemaining: remaining,
		TickCount:        health.TickCount(),
	}
	if last, ok := health.LastTick(); ok {
		in.CurrentPrice = last.Price
	}
	if age, ok := health.Age(a.now()); ok {
		in.LastTickAge = age
	}
	if snap, ok := a.deps.Indicators.Snapshot(); ok {
		in.Snapshot = snap
	}

	dec, err := a.deps.Strategy.Decide(in)

	var abort *strategy.AbortError
	if errors.As(err, &abort) {
		logger.Info("Evaluation of %s aborted (%s): %s", round.Slug, abort.Gate, abort.Reason)
		if a.deps.Metrics != nil {
			a.deps.Metrics.AbortsTotal.WithLabelValues(abort.Gate).Inc()
		}
		if saveErr := a.deps.Store.SaveAbort(&storage.Abort{
			Asset:            round.Asset,
			Slug:             round.Slug,
			Gate:             abort.Gate,
			Reason:           abort.Reason,
			CurrentPrice:     in.CurrentPrice,
			TargetPrice:      round.TargetPrice,
			SecondsRemaining: remaining,
			CreatedAt:        now,
		}); saveErr != nil {
			logger.Error("Failed to journal abort for %s: %v", round.Slug, saveErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("evaluation of %s failed: %w", round.Slug, err)
	}

	if err := a.deps.Store.SaveDecision(&dec); err != nil {
		return fmt.Errorf("failed to journal decision for %s: %w", round.Slug, err)
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.DecisionsTotal.WithLabelValues(string(dec.Direction)).Inc()
	}
	if a.deps.Publisher != nil {
		if pubErr := a.deps.Publisher.PublishDecision(ctx, &dec); pubErr != nil {
			logger.Warn("Failed to publish decision: %v", pubErr)
		}
	}

	stakeAmount, err := a.deps.Stakes.NextStake(round.Asset, round.Slug, dec.Direction)

	var blocked *stake.BlockedError
	if errors.As(err, &blocked) {
		logger.Warn("Recommendation %s %s has no stake: %s", dec.Direction, round.Slug, blocked.Reason)
		if a.deps.Metrics != nil {
			a.deps.Metrics.BlockedTotal.Inc()
		}
		if a.deps.Notifier != nil {
			if sendErr := a.deps.Notifier.SendBlocked(&dec, blocked.Reason); sendErr != nil {
				logger.Warn("Failed to send blocked notification: %v", sendErr)
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to size stake for %s: %w", round.Slug, err)
	}

	a.mu.Lock()
	a.lastDecision = &dec
	a.mu.Unlock()

	logger.Info("Recommendation: %s %s at $%s | %s", dec.Direction, round.Slug,
		stakeAmount.StringFixed(2), dec.Rationale)

	if a.deps.Notifier != nil {
		if sendErr := a.deps.Notifier.SendDecision(&dec, stakeAmount); sendErr != nil {
			logger.Warn("Failed to send decision notification: %v", sendErr)
		}
	}
	return nil
}

// ReportOutcome applies a human-entered W/L/S result to the stake
// ledger, journals the trade, and emits the outcome notification. It is
// the only path that mutates stake state.
func (a *Advisor) ReportOutcome(result models.TradeResult) (stake.Outcome, error) {
	var (
		out stake.Outcome
		err error
	)
	switch result {
	case models.ResultWin:
		out, err = a.deps.Stakes.ReportWin()
	case models.ResultLoss:
		out, err = a.deps.Stakes.ReportLoss()
	case models.ResultSkip:
		out, err = a.deps.Stakes.ReportSkip()
	default:
		return stake.Outcome{}, fmt.Errorf("unrecognized trade result %q", result)
	}
	if err != nil {
		return stake.Outcome{}, err
	}

	a.mu.Lock()
	decisionID := ""
	if a.lastDecision != nil {
		decisionID = a.lastDecision.ID
	}
	a.lastDecision = nil
	a.mu.Unlock()

	if saveErr := a.deps.Store.SaveTrade(&storage.Trade{
		DecisionID: decisionID,
		Asset:      out.Asset,
		Slug:       out.Slug,
		Direction:  string(out.Direction),
		Result:     out.Result,
		Stake:      out.StakeUsed,
		PnL:        out.PnL,
	}); saveErr != nil {
		logger.Error("Failed to journal trade outcome: %v", saveErr)
	}

	if a.deps.Metrics != nil {
		a.deps.Metrics.TradesTotal.WithLabelValues(string(result)).Inc()
		a.deps.Metrics.CurrentStake.Set(out.State.CurrentStake.InexactFloat64())
		a.deps.Metrics.WinStreak.Set(float64(out.State.WinStreak))
		a.deps.Metrics.DailyNetPnL.Set(out.State.Daily.NetPnL.InexactFloat64())
	}
	if a.deps.Notifier != nil {
		if sendErr := a.deps.Notifier.SendOutcome(&out); sendErr != nil {
			logger.Warn("Failed to send outcome notification: %v", sendErr)
		}
	}

	logger.Info("Recorded %s for %s: next stake $%s, streak %d",
		result, out.Slug, out.State.CurrentStake.StringFixed(2), out.State.WinStreak)
	return out, nil
}
