// Package strategy turns a live round, the current price, and indicator
// state into an UP/DOWN decision, or an abort when the inputs fail
// validation. Every decision carries a rationale naming the rule that
// fired and the values that triggered it; the surrounding system shows
// it to the human who authorizes the trade.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/updownadvisor/internal/models"
)

// Cross-source sanity bounds on currentPrice / targetPrice. A ratio this
// far from parity means one of the two numbers was parsed wrong, not
// that the market moved.
const (
	minPriceRatio = 0.5
	maxPriceRatio = 2.0
)

// Gate labels attached to aborts; used as metric labels and in logs.
const (
	GateTarget    = "target_plausibility"
	GateLiveness  = "feed_liveness"
	GateMagnitude = "magnitude_check"
)

// AbortError reports an evaluation rejected by a validation gate. An
// abort is an expected outcome, distinct from a decision, not a failure
// of the engine itself.
type AbortError struct {
	Gate   string
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("decision aborted (%s): %s", e.Gate, e.Reason)
}

// Config tunes the validation gates and decision rules.
type Config struct {
	// GapATRThreshold is the |gap/ATR| magnitude above which the
	// time-pressure rule fires.
	GapATRThreshold float64

	// TimePressure is the remaining-time window in which the
	// time-pressure rule applies.
	TimePressure time.Duration

	// Staleness bounds the age of the freshest tick.
	Staleness time.Duration

	// MinPrices maps assets to plausibility floors for target prices.
	MinPrices map[string]float64

	// ShortReturn is the lookback, in minutes, of the return consulted
	// by the trend rule.
	ShortReturn int
}

// Engine applies the validation gates and decision rules.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Inputs carries everything one evaluation needs, gathered by the caller
// at a single instant.
type Inputs struct {
	Round            models.Round
	CurrentPrice     float64
	SecondsRemaining int

	// Feed liveness at evaluation time.
	TickCount   uint64
	LastTickAge time.Duration

	Snapshot models.IndicatorSnapshot
}

// Decide runs the validation gates in order and, if all pass, applies
// the decision rules. A gate failure returns an *AbortError.
func (e *Engine) Decide(in Inputs) (models.Decision, error) {
	if abort := e.checkGates(in); abort != nil {
		return models.Decision{}, abort
	}

	gap := in.CurrentPrice - in.Round.TargetPrice
	gapOverATR := 0.0
	if in.Snapshot.ATRReady && in.Snapshot.ATR > 0 {
		gapOverATR = gap / in.Snapshot.ATR
	}

	direction, rule, rationale := e.applyRules(in, gap, gapOverATR)

	return models.Decision{
		ID:               uuid.NewString(),
		Asset:            in.Round.Asset,
		Slug:             in.Round.Slug,
		Direction:        direction,
		Rule:             rule,
		Rationale:        rationale,
		CurrentPrice:     in.CurrentPrice,
		TargetPrice:      in.Round.TargetPrice,
		SecondsRemaining: in.SecondsRemaining,
		Gap:              gap,
		GapOverATR:       gapOverATR,
		Snapshot:         in.Snapshot,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (e *Engine) checkGates(in Inputs) error {
	target := in.Round.TargetPrice

	// Gate 1: target plausibility. A value inside the unit interval is a
	// per-share contract price that leaked into the question text, not
	// an asset price.
	if target >= 0 && target <= 1 {
		return &AbortError{
			Gate:   GateTarget,
			Reason: fmt.Sprintf("target %.4f is inside [0, 1], a contract price rather than an asset price", target),
		}
	}
	if floor, ok := e.cfg.MinPrices[in.Round.Asset]; ok && target < floor {
		return &AbortError{
			Gate:   GateTarget,
			Reason: fmt.Sprintf("target %.2f below the %.0f plausibility floor for %s", target, floor, in.Round.Asset),
		}
	}

	// Gate 2: feed liveness.
	if in.TickCount == 0 {
		return &AbortError{Gate: GateLiveness, Reason: "no ticks observed yet"}
	}
	if in.LastTickAge > e.cfg.Staleness {
		return &AbortError{
			Gate:   GateLiveness,
			Reason: fmt.Sprintf("freshest tick is %s old, staleness limit is %s", in.LastTickAge.Round(time.Millisecond), e.cfg.Staleness),
		}
	}

	// Gate 3: cross-source magnitude check.
	ratio := in.CurrentPrice / target
	if ratio < minPriceRatio || ratio > maxPriceRatio {
		return &AbortError{
			Gate:   GateMagnitude,
			Reason: fmt.Sprintf("current %.2f vs target %.2f gives ratio %.3f, outside [%.1f, %.1f]", in.CurrentPrice, target, ratio, minPriceRatio, maxPriceRatio),
		}
	}

	return nil
}

func (e *Engine) applyRules(in Inputs, gap, gapOverATR float64) (models.Direction, models.Rule, string) {
	// Time pressure: late in the round, a gap this large relative to
	// recent volatility is judged unlikely to hold to the close.
	if in.SecondsRemaining <= int(e.cfg.TimePressure.Seconds()) && math.Abs(gapOverATR) > e.cfg.GapATRThreshold {
		if gap > 0 {
			return models.DirectionDown, models.RuleTimePressure, fmt.Sprintf(
				"time pressure: %ds left and price %.2f above target (gap/ATR %.2f), gap unlikely to hold",
				in.SecondsRemaining, gap, gapOverATR)
		}
		return models.DirectionUp, models.RuleTimePressure, fmt.Sprintf(
			"time pressure: %ds left and price %.2f below target (gap/ATR %.2f), gap unlikely to hold",
			in.SecondsRemaining, -gap, gapOverATR)
	}

	// Trend: needs both EMAs seeded and the short return defined.
	// Insufficient data skips the rule rather than reading zeros as
	// neutral values.
	if shortReturn, ok := in.Snapshot.Return(e.cfg.ShortReturn); ok && in.Snapshot.EMAFastReady && in.Snapshot.EMASlowReady {
		lastClose := in.Snapshot.LastClose
		if in.Snapshot.EMAFast < in.Snapshot.EMASlow && shortReturn < 0 && lastClose < in.Snapshot.EMAFast {
			return models.DirectionDown, models.RuleTrend, fmt.Sprintf(
				"downtrend: fast EMA %.2f below slow EMA %.2f, %dm return %+.3f%%, close %.2f below fast EMA",
				in.Snapshot.EMAFast, in.Snapshot.EMASlow, e.cfg.ShortReturn, shortReturn*100, lastClose)
		}
		if in.Snapshot.EMAFast > in.Snapshot.EMASlow && shortReturn > 0 && lastClose > in.Snapshot.EMAFast {
			return models.DirectionUp, models.RuleTrend, fmt.Sprintf(
				"uptrend: fast EMA %.2f above slow EMA %.2f, %dm return %+.3f%%, close %.2f above fast EMA",
				in.Snapshot.EMAFast, in.Snapshot.EMASlow, e.cfg.ShortReturn, shortReturn*100, lastClose)
		}
	}

	// Default: direct comparison against the target.
	if in.CurrentPrice >= in.Round.TargetPrice {
		return models.DirectionUp, models.RuleDefault, fmt.Sprintf(
			"default: current %.2f at or above target %.2f", in.CurrentPrice, in.Round.TargetPrice)
	}
	return models.DirectionDown, models.RuleDefault, fmt.Sprintf(
		"default: current %.2f below target %.2f", in.CurrentPrice, in.Round.TargetPrice)
}
