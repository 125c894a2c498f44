package stake

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// State is the persisted stake ledger. The file may be hand-edited
// between runs: unknown fields are ignored, missing fields are
// defaulted, and out-of-range values are normalized on load. A write
// immediately followed by a read reproduces identical values, which is
// why money fields are decimals rather than floats.
type State struct {
	CurrentStake decimal.Decimal `json:"current_stake"`
	WinStreak    int             `json:"win_streak"`

	// LimitReached is set when doubling would exceed the maximum stake.
	// It persists so a restart cannot forget that the ladder is capped;
	// only a loss or a streak reset clears it.
	LimitReached bool `json:"limit_reached"`

	LastAsset     string    `json:"last_asset,omitempty"`
	LastSlug      string    `json:"last_slug,omitempty"`
	LastDirection string    `json:"last_direction,omitempty"`
	LastResult    string    `json:"last_result,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`

	Daily DailyStats `json:"daily_stats"`
}

// DailyStats accumulates per-UTC-day counters. TotalLoss sums gross lost
// stakes (always non-negative) and is what the daily loss limit checks;
// NetPnL is informational.
type DailyStats struct {
	Date      string          `json:"date"`
	Trades    int             `json:"trades_count"`
	Wins      int             `json:"wins"`
	Losses    int             `json:"losses"`
	TotalLoss decimal.Decimal `json:"total_loss"`
	NetPnL    decimal.Decimal `json:"total_profit_loss"`
}

func readStateFile(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	return st, nil
}

// writeStateFile persists the ledger atomically: write to a temp file in
// the same directory, sync, then rename over the target. A crash
// mid-write can never leave a partial file behind.
func writeStateFile(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
