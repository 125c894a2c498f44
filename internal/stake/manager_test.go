package stake

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/updownadvisor/internal/models"
)

func testConfig() Config {
	return Config{
		BaseStake:      decimal.NewFromFloat(2.0),
		MaxStake:       decimal.NewFromFloat(1024.0),
		MaxDailyTrades: 10,
		MaxDailyLoss:   decimal.NewFromFloat(20.0),
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	m, err := NewManager(path, cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, path
}

func arm(t *testing.T, m *Manager) decimal.Decimal {
	t.Helper()
	stake, err := m.NextStake("btc", "btc-updown-15m-1770737100", models.DirectionUp)
	if err != nil {
		t.Fatalf("NextStake failed: %v", err)
	}
	return stake
}

func wantDecimal(t *testing.T, got decimal.Decimal, want float64, label string) {
	t.Helper()
	if !got.Equal(decimal.NewFromFloat(want)) {
		t.Errorf("%s = %s, want %v", label, got, want)
	}
}

func TestStakeSequenceWinWinLossWin(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	steps := []struct {
		report     func() (Outcome, error)
		wantArmed  float64
		wantStake  float64 // ledger stake after the report
		wantStreak int
		wantPnL    float64
	}{
		{m.ReportWin, 2.0, 4.0, 1, 2.0},
		{m.ReportWin, 4.0, 8.0, 2, 4.0},
		{m.ReportLoss, 8.0, 2.0, 0, -8.0},
		{m.ReportWin, 2.0, 4.0, 1, 2.0},
	}

	for i, step := range steps {
		armed := arm(t, m)
		wantDecimal(t, armed, step.wantArmed, "armed stake")

		out, err := step.report()
		if err != nil {
			t.Fatalf("step %d report failed: %v", i, err)
		}
		wantDecimal(t, out.StakeUsed, step.wantArmed, "stake used")
		wantDecimal(t, out.PnL, step.wantPnL, "pnl")
		wantDecimal(t, out.State.CurrentStake, step.wantStake, "ledger stake")
		if out.State.WinStreak != step.wantStreak {
			t.Errorf("step %d streak = %d, want %d", i, out.State.WinStreak, step.wantStreak)
		}
	}

	st := m.Snapshot()
	if st.Daily.Trades != 4 || st.Daily.Wins != 3 || st.Daily.Losses != 1 {
		t.Errorf("daily counters = %d/%d/%d, want 4/3/1", st.Daily.Trades, st.Daily.Wins, st.Daily.Losses)
	}
	wantDecimal(t, st.Daily.TotalLoss, 8.0, "total loss")
	wantDecimal(t, st.Daily.NetPnL, 0.0, "net pnl")
}

func TestReportWithoutPendingTrade(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	for _, report := range []func() (Outcome, error){m.ReportWin, m.ReportLoss, m.ReportSkip} {
		if _, err := report(); !errors.Is(err, ErrNoPendingTrade) {
			t.Errorf("expected ErrNoPendingTrade, got %v", err)
		}
	}
}

func TestNextStakeRearmsForNewerRound(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	if _, err := m.NextStake("btc", "btc-updown-15m-a", models.DirectionUp); err != nil {
		t.Fatalf("NextStake failed: %v", err)
	}
	if _, err := m.NextStake("btc", "btc-updown-15m-b", models.DirectionDown); err != nil {
		t.Fatalf("NextStake failed: %v", err)
	}

	out, err := m.ReportWin()
	if err != nil {
		t.Fatalf("ReportWin failed: %v", err)
	}
	if out.Slug != "btc-updown-15m-b" || out.Direction != models.DirectionDown {
		t.Errorf("outcome bound to %s/%s, want the re-armed trade", out.Slug, out.Direction)
	}
	if _, ok := m.Pending(); ok {
		t.Error("pending trade should be cleared after reporting")
	}
}

func TestMaxStakeRefusesDoubling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStake = decimal.NewFromFloat(8.0)
	m, path := newTestManager(t, cfg)

	// 2 -> 4 -> 8; the third win cannot double without breaching 8.
	for i := 0; i < 3; i++ {
		arm(t, m)
		out, err := m.ReportWin()
		if err != nil {
			t.Fatalf("win %d failed: %v", i, err)
		}
		if i == 2 {
			wantDecimal(t, out.State.CurrentStake, 8.0, "capped stake")
			if !out.State.LimitReached {
				t.Error("limit_reached should be set when doubling is refused")
			}
		}
	}

	_, err := m.NextStake("btc", "btc-updown-15m-x", models.DirectionUp)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}

	// The block survives a restart.
	m2, err2 := NewManager(path, cfg)
	if err2 != nil {
		t.Fatalf("reload failed: %v", err2)
	}
	if _, err := m2.NextStake("btc", "btc-updown-15m-x", models.DirectionUp); !errors.As(err, &blocked) {
		t.Errorf("expected BlockedError after reload, got %v", err)
	}
}

func TestMaxStreakResetsLadder(t *testing.T) {
	// Limits high enough that only the streak cap can end the run.
	cfg := testConfig()
	cfg.MaxStake = decimal.NewFromInt(1 << 20)
	cfg.MaxDailyTrades = maxStreak + 5
	m, _ := newTestManager(t, cfg)

	for i := 1; i < maxStreak; i++ {
		arm(t, m)
		out, err := m.ReportWin()
		if err != nil {
			t.Fatalf("win %d failed: %v", i, err)
		}
		if out.State.WinStreak != i {
			t.Fatalf("streak after win %d = %d", i, out.State.WinStreak)
		}
	}

	// 2 * 2^14 = 32768 accumulated going into the capping win.
	wantDecimal(t, m.Snapshot().CurrentStake, 32768.0, "stake before streak cap")

	arm(t, m)
	out, err := m.ReportWin()
	if err != nil {
		t.Fatalf("capping win failed: %v", err)
	}
	wantDecimal(t, out.State.CurrentStake, 2.0, "stake after streak cap")
	if out.State.WinStreak != 0 {
		t.Errorf("streak after cap = %d, want 0", out.State.WinStreak)
	}
	if out.State.LimitReached {
		t.Error("streak cap reset must clear limit_reached")
	}

	// The ladder starts over from base.
	arm(t, m)
	if out, err := m.ReportWin(); err != nil || !out.State.CurrentStake.Equal(decimal.NewFromFloat(4.0)) {
		t.Errorf("first win after reset: stake = %s, err = %v, want 4.00", out.State.CurrentStake, err)
	}
}

func TestStaleLimitFlagClearedOnLoad(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "state.json")

	// A hand-edit lowered the stake but forgot the flag.
	seed := `{"current_stake": "2", "win_streak": 0, "limit_reached": true, "daily_stats": {"date": ""}}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	m, err := NewManager(path, cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if m.Snapshot().LimitReached {
		t.Error("stale limit_reached should be cleared when doubling fits again")
	}
	if _, err := m.NextStake("btc", "btc-updown-15m-x", models.DirectionUp); err != nil {
		t.Errorf("NextStake should work after flag cleanup: %v", err)
	}
}

func TestDailyTradeLimitBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 2
	m, _ := newTestManager(t, cfg)

	arm(t, m)
	if _, err := m.ReportWin(); err != nil {
		t.Fatalf("ReportWin failed: %v", err)
	}
	arm(t, m)
	if _, err := m.ReportLoss(); err != nil {
		t.Fatalf("ReportLoss failed: %v", err)
	}

	_, err := m.NextStake("btc", "btc-updown-15m-x", models.DirectionUp)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
}

func TestDailyLossLimitBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLoss = decimal.NewFromFloat(10.0)
	m, _ := newTestManager(t, cfg)

	// Five losses at the base stake of 2 reach the 10 budget.
	for i := 0; i < 5; i++ {
		arm(t, m)
		if _, err := m.ReportLoss(); err != nil {
			t.Fatalf("loss %d failed: %v", i, err)
		}
	}

	_, err := m.NextStake("btc", "btc-updown-15m-x", models.DirectionUp)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	wantDecimal(t, m.Snapshot().Daily.TotalLoss, 10.0, "total loss")
}

func TestSkipLeavesLadderAndLimitsUntouched(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	arm(t, m)
	if _, err := m.ReportWin(); err != nil {
		t.Fatalf("ReportWin failed: %v", err)
	}

	arm(t, m)
	out, err := m.ReportSkip()
	if err != nil {
		t.Fatalf("ReportSkip failed: %v", err)
	}

	wantDecimal(t, out.State.CurrentStake, 4.0, "stake after skip")
	if out.State.WinStreak != 1 {
		t.Errorf("streak after skip = %d, want 1", out.State.WinStreak)
	}
	if out.State.Daily.Trades != 1 {
		t.Errorf("daily trades after skip = %d, want 1", out.State.Daily.Trades)
	}
	wantDecimal(t, out.PnL, 0.0, "skip pnl")
	if out.State.LastResult != "S" {
		t.Errorf("last result = %q, want S", out.State.LastResult)
	}
}

func TestDailyRolloverResetsCountersNotLadder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 2
	m, _ := newTestManager(t, cfg)

	day1 := time.Date(2026, 2, 10, 23, 50, 0, 0, time.UTC)
	m.now = func() time.Time { return day1 }

	arm(t, m)
	if _, err := m.ReportWin(); err != nil {
		t.Fatalf("ReportWin failed: %v", err)
	}
	arm(t, m)
	if _, err := m.ReportWin(); err != nil {
		t.Fatalf("ReportWin failed: %v", err)
	}

	var blocked *BlockedError
	if _, err := m.NextStake("btc", "slug", models.DirectionUp); !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError at the daily cap, got %v", err)
	}

	// Ten minutes later it is the next UTC day.
	m.now = func() time.Time { return day1.Add(10 * time.Minute) }

	st := m.Snapshot()
	if st.Daily.Date != "2026-02-11" {
		t.Errorf("daily date = %s, want 2026-02-11", st.Daily.Date)
	}
	if st.Daily.Trades != 0 {
		t.Errorf("daily trades after rollover = %d, want 0", st.Daily.Trades)
	}
	wantDecimal(t, st.CurrentStake, 8.0, "ladder survives rollover")
	if st.WinStreak != 2 {
		t.Errorf("streak after rollover = %d, want 2", st.WinStreak)
	}

	if _, err := m.NextStake("btc", "slug", models.DirectionUp); err != nil {
		t.Errorf("NextStake should be allowed on the new day: %v", err)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	m, path := newTestManager(t, cfg)

	arm(t, m)
	if _, err := m.ReportWin(); err != nil {
		t.Fatalf("ReportWin failed: %v", err)
	}
	arm(t, m)
	if _, err := m.ReportLoss(); err != nil {
		t.Fatalf("ReportLoss failed: %v", err)
	}
	before := m.Snapshot()

	m2, err := NewManager(path, cfg)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	after := m2.Snapshot()

	if !after.CurrentStake.Equal(before.CurrentStake) {
		t.Errorf("stake = %s, want %s", after.CurrentStake, before.CurrentStake)
	}
	if after.WinStreak != before.WinStreak {
		t.Errorf("streak = %d, want %d", after.WinStreak, before.WinStreak)
	}
	if after.Daily.Trades != before.Daily.Trades ||
		!after.Daily.TotalLoss.Equal(before.Daily.TotalLoss) ||
		!after.Daily.NetPnL.Equal(before.Daily.NetPnL) {
		t.Errorf("daily stats changed across restart: %+v vs %+v", after.Daily, before.Daily)
	}
	if after.LastSlug != before.LastSlug || after.LastResult != before.LastResult {
		t.Errorf("trade metadata changed across restart")
	}
}

func TestStateFileStoresMoneyAsDecimalStrings(t *testing.T) {
	m, path := newTestManager(t, testConfig())

	arm(t, m)
	if _, err := m.ReportLoss(); err != nil {
		t.Fatalf("ReportLoss failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("state file does not parse: %v", err)
	}

	// Quoted decimal strings, not floats: the exact-round-trip contract.
	var stakeStr string
	if err := json.Unmarshal(raw["current_stake"], &stakeStr); err != nil {
		t.Fatalf("current_stake is not a quoted string: %s", raw["current_stake"])
	}
	if stakeStr != "2" {
		t.Errorf("current_stake = %q, want \"2\"", stakeStr)
	}
}

func TestCorruptStateReinitializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{definitely not json"), 0o644); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	m, err := NewManager(path, testConfig())
	if err != nil {
		t.Fatalf("NewManager should recover from corruption: %v", err)
	}
	wantDecimal(t, m.Snapshot().CurrentStake, 2.0, "reinitialized stake")

	// The rewritten file must parse cleanly.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Errorf("rewritten state does not parse: %v", err)
	}
}

func TestHandEditedStateNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	seed := `{
		"current_stake": "-5",
		"win_streak": -3,
		"favorite_color": "blue",
		"daily_stats": {"date": "2026-02-10", "trades_count": -1, "total_loss": "-2"}
	}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	m, err := NewManager(path, testConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	m.now = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) }
	st := m.Snapshot()
	wantDecimal(t, st.CurrentStake, 2.0, "normalized stake")
	if st.WinStreak != 0 {
		t.Errorf("normalized streak = %d, want 0", st.WinStreak)
	}
	if st.Daily.Trades != 0 {
		t.Errorf("normalized daily trades = %d, want 0", st.Daily.Trades)
	}
	wantDecimal(t, st.Daily.TotalLoss, 0.0, "normalized total loss")
}

func TestNextStakeIsReadOnlyBesideArming(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	before := m.Snapshot()
	stake := arm(t, m)
	after := m.Snapshot()

	wantDecimal(t, stake, 2.0, "armed stake")
	if !after.CurrentStake.Equal(before.CurrentStake) || after.Daily.Trades != before.Daily.Trades {
		t.Error("NextStake must not mutate the ledger")
	}
	pending, ok := m.Pending()
	if !ok || !pending.Stake.Equal(stake) {
		t.Errorf("pending = (%+v, %v), want armed at %s", pending, ok, stake)
	}
}
