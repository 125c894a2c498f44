// Package stake manages the progressive betting ledger: stake doubling
// on wins, base reset on losses, daily safety limits, and crash-safe
// persistence of the whole record. Nothing here submits trades; the
// manager only tells the human what the next stake would be and records
// the outcomes they report back.
package stake

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/models"
)

// maxStreak bounds consecutive doublings before the ladder resets to the
// base stake. Policy value, deliberately not configurable.
const maxStreak = 15

const dateLayout = "2006-01-02"

// ErrNoPendingTrade is returned when an outcome is reported without a
// trade having been prepared first.
var ErrNoPendingTrade = errors.New("no pending trade to report")

// BlockedError reports that preparing a trade is currently not allowed.
// Callers must not place a trade while blocked.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "trading blocked: " + e.Reason
}

// Config holds the stake policy limits.
type Config struct {
	BaseStake      decimal.Decimal
	MaxStake       decimal.Decimal
	MaxDailyTrades int
	MaxDailyLoss   decimal.Decimal
}

// PendingTrade is the trade armed by NextStake. It lives in memory only:
// a crash before the outcome is reported simply forgets the preparation,
// it never corrupts the persisted ledger.
type PendingTrade struct {
	Asset     string
	Slug      string
	Direction models.Direction
	Stake     decimal.Decimal
	ArmedAt   time.Time
}

// Outcome summarizes one applied result for journaling and notification.
type Outcome struct {
	Result    models.TradeResult
	Asset     string
	Slug      string
	Direction models.Direction
	StakeUsed decimal.Decimal
	PnL       decimal.Decimal
	State     State
}

// Manager owns the stake ledger. A single instance has exclusive
// ownership of the state file; outcome reporting is a human-paced,
// serialized event, the mutex only guards against accidental concurrent
// use from the command surface.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	path    string
	st      State
	pending *PendingTrade

	now func() time.Time
}

// NewManager loads the ledger at path, creating it with defaults when
// absent. An unreadable file is treated as absent and reinitialized; the
// previous ledger is not recoverable, so this is logged loudly.
func NewManager(path string, cfg Config) (*Manager, error) {
	m := &Manager{cfg: cfg, path: path, now: time.Now}

	st, err := readStateFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("No stake state at %s, starting at base stake %s", path, cfg.BaseStake.StringFixed(2))
		st = m.freshState()
	case err != nil:
		logger.Error("Stake state at %s is corrupt (%v): reinitializing to defaults, previous ledger is lost", path, err)
		st = m.freshState()
	default:
		st = m.normalized(st)
	}

	m.st = st
	if err := writeStateFile(path, m.st); err != nil {
		return nil, fmt.Errorf("failed to persist stake state: %w", err)
	}
	return m, nil
}

// NextStake checks the daily limits and, if trading is allowed, arms a
// pending trade at the current stake and returns that amount. Calling it
// again before an outcome is reported re-arms with the newer round. A
// *BlockedError is returned when any limit is hit.
func (m *Manager) NextStake(asset, slug string, direction models.Direction) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover()

	if m.st.LimitReached {
		return decimal.Zero, &BlockedError{
			Reason: fmt.Sprintf("stake limit reached: doubling %s would exceed the %s maximum; a loss resets the ladder",
				m.st.CurrentStake.StringFixed(2), m.cfg.MaxStake.StringFixed(2)),
		}
	}
	if m.st.Daily.Trades >= m.cfg.MaxDailyTrades {
		return decimal.Zero, &BlockedError{
			Reason: fmt.Sprintf("daily trade limit reached (%d/%d)", m.st.Daily.Trades, m.cfg.MaxDailyTrades),
		}
	}
	if m.st.Daily.TotalLoss.GreaterThanOrEqual(m.cfg.MaxDailyLoss) {
		return decimal.Zero, &BlockedError{
			Reason: fmt.Sprintf("daily loss limit reached (%s/%s)",
				m.st.Daily.TotalLoss.StringFixed(2), m.cfg.MaxDailyLoss.StringFixed(2)),
		}
	}

	m.pending = &PendingTrade{
		Asset:     asset,
		Slug:      slug,
		Direction: direction,
		Stake:     m.st.CurrentStake,
		ArmedAt:   m.now().UTC(),
	}
	return m.st.CurrentStake, nil
}

// ReportWin applies a won trade: the streak grows and the stake doubles.
// At maxStreak consecutive wins the ladder resets to base. When doubling
// would exceed the maximum stake the value is left untouched and the
// ledger is marked limit-reached instead; clamping would misrepresent
// the stake actually at risk.
func (m *Manager) ReportWin() (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Outcome{}, ErrNoPendingTrade
	}
	m.rollover()

	next := m.st
	stakeUsed := m.pending.Stake

	next.WinStreak++
	switch {
	case next.WinStreak >= maxStreak:
		logger.Info("Win streak hit %d, resetting ladder to base stake", maxStreak)
		next.CurrentStake = m.cfg.BaseStake
		next.WinStreak = 0
		next.LimitReached = false
	case next.CurrentStake.Mul(decimal.NewFromInt(2)).GreaterThan(m.cfg.MaxStake):
		logger.Warn("Doubling %s would exceed max stake %s; trading is blocked until a loss resets the ladder",
			next.CurrentStake.StringFixed(2), m.cfg.MaxStake.StringFixed(2))
		next.LimitReached = true
	default:
		next.CurrentStake = next.CurrentStake.Mul(decimal.NewFromInt(2))
	}

	next.Daily.Trades++
	next.Daily.Wins++
	next.Daily.NetPnL = next.Daily.NetPnL.Add(stakeUsed)

	return m.commit(next, models.ResultWin, stakeUsed, stakeUsed)
}

// ReportLoss applies a lost trade: the stake returns to base, the streak
// and any limit-reached block clear, and the lost amount counts against
// the daily loss budget.
func (m *Manager) ReportLoss() (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Outcome{}, ErrNoPendingTrade
	}
	m.rollover()

	next := m.st
	stakeUsed := m.pending.Stake

	next.CurrentStake = m.cfg.BaseStake
	next.WinStreak = 0
	next.LimitReached = false

	next.Daily.Trades++
	next.Daily.Losses++
	next.Daily.TotalLoss = next.Daily.TotalLoss.Add(stakeUsed)
	next.Daily.NetPnL = next.Daily.NetPnL.Sub(stakeUsed)

	return m.commit(next, models.ResultLoss, stakeUsed, stakeUsed.Neg())
}

// ReportSkip records that the prepared trade was not placed. Stake,
// streak, and daily limits are untouched.
func (m *Manager) ReportSkip() (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Outcome{}, ErrNoPendingTrade
	}
	m.rollover()

	return m.commit(m.st, models.ResultSkip, m.pending.Stake, decimal.Zero)
}

// commit persists the candidate state and only then makes it current, so
// a failed write leaves both the file and the in-memory ledger on the
// previous state with the pending trade still armed.
func (m *Manager) commit(next State, result models.TradeResult, stakeUsed, pnl decimal.Decimal) (Outcome, error) {
	next.LastAsset = m.pending.Asset
	next.LastSlug = m.pending.Slug
	next.LastDirection = string(m.pending.Direction)
	next.LastResult = string(result)
	next.UpdatedAt = m.now().UTC()

	if err := writeStateFile(m.path, next); err != nil {
		return Outcome{}, fmt.Errorf("failed to persist stake state: %w", err)
	}

	out := Outcome{
		Result:    result,
		Asset:     m.pending.Asset,
		Slug:      m.pending.Slug,
		Direction: m.pending.Direction,
		StakeUsed: stakeUsed,
		PnL:       pnl,
		State:     next,
	}
	m.st = next
	m.pending = nil
	return out, nil
}

// Pending returns the armed trade, if any.
func (m *Manager) Pending() (PendingTrade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return PendingTrade{}, false
	}
	return *m.pending, true
}

// Snapshot returns a copy of the current ledger, rolled over to today.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollover()
	return m.st
}

// rollover resets the daily counters on the first access after the UTC
// calendar date advances. Callers hold the mutex.
func (m *Manager) rollover() {
	today := m.now().UTC().Format(dateLayout)
	if m.st.Daily.Date == today {
		return
	}

	logger.Info("New trading day %s (was %q), resetting daily counters", today, m.st.Daily.Date)
	m.st.Daily = DailyStats{Date: today}
	if err := writeStateFile(m.path, m.st); err != nil {
		logger.Error("Failed to persist daily rollover: %v", err)
	}
}

func (m *Manager) freshState() State {
	return State{
		CurrentStake: m.cfg.BaseStake,
		Daily:        DailyStats{Date: m.now().UTC().Format(dateLayout)},
	}
}

// normalized repairs out-of-range values from a hand-edited or stale
// file. Each repair is logged so silent edits do not silently change
// behavior.
func (m *Manager) normalized(st State) State {
	if st.CurrentStake.LessThanOrEqual(decimal.Zero) {
		logger.Warn("Stake state: current_stake %s is not positive, resetting to base %s",
			st.CurrentStake, m.cfg.BaseStake.StringFixed(2))
		st.CurrentStake = m.cfg.BaseStake
	}
	if st.CurrentStake.GreaterThan(m.cfg.MaxStake) {
		logger.Warn("Stake state: current_stake %s exceeds max %s, clamping",
			st.CurrentStake, m.cfg.MaxStake.StringFixed(2))
		st.CurrentStake = m.cfg.MaxStake
	}
	if st.WinStreak < 0 {
		logger.Warn("Stake state: win_streak %d is negative, resetting to 0", st.WinStreak)
		st.WinStreak = 0
	}
	if st.LimitReached && st.CurrentStake.Mul(decimal.NewFromInt(2)).LessThanOrEqual(m.cfg.MaxStake) {
		logger.Warn("Stake state: limit_reached is stale, doubling %s stays within max %s, clearing it",
			st.CurrentStake, m.cfg.MaxStake.StringFixed(2))
		st.LimitReached = false
	}
	if st.Daily.Trades < 0 || st.Daily.Wins < 0 || st.Daily.Losses < 0 {
		logger.Warn("Stake state: negative daily counters, resetting today's stats")
		st.Daily = DailyStats{Date: st.Daily.Date}
	}
	if st.Daily.TotalLoss.LessThan(decimal.Zero) {
		logger.Warn("Stake state: total_loss %s is negative, resetting to 0", st.Daily.TotalLoss)
		st.Daily.TotalLoss = decimal.Zero
	}
	return st
}
