// Package storage provides SQLite-backed journaling for rounds, evaluations,
// and reported trade outcomes.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/updownadvisor/internal/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all journaling operations.
type Storage struct {
	db           *sql.DB
	maxDecisions int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/updownadvisor/journal.db.
func New(maxDecisions int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "updownadvisor", "journal.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxDecisions: maxDecisions}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rounds (
			slug         TEXT PRIMARY KEY,
			asset        TEXT NOT NULL,
			question     TEXT,
			start_time   INTEGER NOT NULL,
			end_time     INTEGER NOT NULL,
			target_price REAL NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id                TEXT PRIMARY KEY,
			asset             TEXT NOT NULL,
			slug              TEXT NOT NULL,
			direction         TEXT NOT NULL,
			rule              TEXT NOT NULL,
			rationale         TEXT NOT NULL,
			current_price     REAL NOT NULL,
			target_price      REAL NOT NULL,
			seconds_remaining INTEGER NOT NULL,
			gap               REAL NOT NULL,
			gap_over_atr      REAL NOT NULL,
			snapshot          TEXT NOT NULL DEFAULT '{}',
			created_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_slug ON decisions(slug)`,
		// decision_id is deliberately not a foreign key: decisions are capped
		// and may be rotated out from under much older trades.
		`CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			decision_id TEXT NOT NULL,
			asset       TEXT NOT NULL,
			slug        TEXT NOT NULL,
			direction   TEXT NOT NULL,
			result      TEXT NOT NULL,
			stake       TEXT NOT NULL,
			pnl         TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRound inserts or refreshes the round keyed by slug. Rounds are upserted
// on every poll because the target price can arrive after discovery.
func (s *Storage) SaveRound(round *models.Round) error {
	if err := round.Validate(); err != nil {
		return fmt.Errorf("invalid round: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO rounds
			(slug, asset, question, start_time, end_time, target_price, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		round.Slug, round.Asset, round.Question,
		round.StartTime.UnixNano(), round.EndTime.UnixNano(), round.TargetPrice,
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}
	return nil
}

// GetRound returns the stored round for slug, or nil when none exists.
func (s *Storage) GetRound(slug string) (*models.Round, error) {
	row := s.db.QueryRow(`
		SELECT slug, asset, question, start_time, end_time, target_price
		FROM rounds WHERE slug = ?`, slug)

	var r models.Round
	var startNano, endNano int64
	err := row.Scan(&r.Slug, &r.Asset, &r.Question, &startNano, &endNano, &r.TargetPrice)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	r.StartTime = time.Unix(0, startNano).UTC()
	r.EndTime = time.Unix(0, endNano).UTC()
	return &r, nil
}

// SaveDecision journals a directional recommendation and enforces the
// journal retention cap.
func (s *Storage) SaveDecision(dec *models.Decision) error {
	if err := dec.Validate(); err != nil {
		return fmt.Errorf("invalid decision: %w", err)
	}
	snapshotJSON, err := json.Marshal(dec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO decisions
			(id, asset, slug, direction, rule, rationale, current_price, target_price,
			 seconds_remaining, gap, gap_over_atr, snapshot, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		dec.ID, dec.Asset, dec.Slug, string(dec.Direction), string(dec.Rule), dec.Rationale,
		dec.CurrentPrice, dec.TargetPrice,
		dec.SecondsRemaining, dec.Gap, dec.GapOverATR,
		string(snapshotJSON), dec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	if err := enforceCap(tx, s.maxDecisions); err != nil {
		return err
	}
	return tx.Commit()
}

// Abort captures one evaluation rejected by a validation gate.
type Abort struct {
	Asset            string
	Slug             string
	Gate             string
	Reason           string
	CurrentPrice     float64
	TargetPrice      float64
	SecondsRemaining int
	CreatedAt        time.Time
}

// SaveAbort journals a gate-rejected evaluation. Aborts share the decisions
// table under direction ABORT so history shows rejected rounds alongside
// recommended ones; they never count toward the once-per-round limit.
func (s *Storage) SaveAbort(a *Abort) error {
	if a.Slug == "" {
		return fmt.Errorf("abort slug must not be empty")
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO decisions
			(id, asset, slug, direction, rule, rationale, current_price, target_price,
			 seconds_remaining, gap, gap_over_atr, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,0,0,?)`,
		uuid.NewString(), a.Asset, a.Slug, string(models.DirectionAbort), a.Gate, a.Reason,
		a.CurrentPrice, a.TargetPrice, a.SecondsRemaining,
		createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert abort: %w", err)
	}

	if err := enforceCap(tx, s.maxDecisions); err != nil {
		return err
	}
	return tx.Commit()
}

func enforceCap(tx *sql.Tx, max int) error {
	if _, err := tx.Exec(`
		DELETE FROM decisions WHERE id NOT IN (
			SELECT id FROM decisions ORDER BY created_at DESC LIMIT ?
		)`, max); err != nil {
		return fmt.Errorf("failed to enforce decision cap: %w", err)
	}
	return nil
}

// HasDecision reports whether a directional recommendation was already
// journaled for slug. Aborts do not count: a round rejected by a gate may
// still be decided on a later pass once the gate clears.
func (s *Storage) HasDecision(slug string) (bool, error) {
	row := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM decisions WHERE slug = ? AND direction != ?)`,
		slug, string(models.DirectionAbort))
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check decision: %w", err)
	}
	return exists != 0, nil
}

// JournalEntry is one row of the evaluation journal: either a directional
// recommendation or a gate abort. For aborts, Rule holds the gate name and
// Rationale the gate's reason.
type JournalEntry struct {
	ID               string
	Asset            string
	Slug             string
	Direction        models.Direction
	Rule             string
	Rationale        string
	CurrentPrice     float64
	TargetPrice      float64
	SecondsRemaining int
	Gap              float64
	GapOverATR       float64
	Snapshot         models.IndicatorSnapshot
	CreatedAt        time.Time
}

// RecentDecisions returns the newest journal entries, most recent first.
func (s *Storage) RecentDecisions(limit int) ([]JournalEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, asset, slug, direction, rule, rationale, current_price, target_price,
		       seconds_remaining, gap, gap_over_atr, snapshot, created_at
		FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var snapshotJSON string
		var createdAtNano int64

		err := rows.Scan(
			&e.ID, &e.Asset, &e.Slug, &e.Direction, &e.Rule, &e.Rationale,
			&e.CurrentPrice, &e.TargetPrice,
			&e.SecondsRemaining, &e.Gap, &e.GapOverATR,
			&snapshotJSON, &createdAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}

		if err := json.Unmarshal([]byte(snapshotJSON), &e.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}

		e.CreatedAt = time.Unix(0, createdAtNano).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Trade is one journaled trade outcome. Stake and PnL are stored as decimal
// strings so amounts round-trip exactly.
type Trade struct {
	ID         string
	DecisionID string
	Asset      string
	Slug       string
	Direction  string
	Result     models.TradeResult
	Stake      decimal.Decimal
	PnL        decimal.Decimal
	CreatedAt  time.Time
}

// SaveTrade journals a reported outcome. ID and CreatedAt are filled in
// when unset.
func (s *Storage) SaveTrade(t *Trade) error {
	if t.Slug == "" {
		return fmt.Errorf("trade slug must not be empty")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO trades
			(id, decision_id, asset, slug, direction, result, stake, pnl, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.DecisionID, t.Asset, t.Slug, t.Direction, string(t.Result),
		t.Stake.String(), t.PnL.String(), t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns the newest journaled outcomes, most recent first.
func (s *Storage) RecentTrades(limit int) ([]Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, decision_id, asset, slug, direction, result, stake, pnl, created_at
		FROM trades ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var stakeStr, pnlStr string
		var createdAtNano int64

		err := rows.Scan(
			&t.ID, &t.DecisionID, &t.Asset, &t.Slug, &t.Direction, &t.Result,
			&stakeStr, &pnlStr, &createdAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		if t.Stake, err = decimal.NewFromString(stakeStr); err != nil {
			return nil, fmt.Errorf("failed to parse trade stake: %w", err)
		}
		if t.PnL, err = decimal.NewFromString(pnlStr); err != nil {
			return nil, fmt.Errorf("failed to parse trade pnl: %w", err)
		}

		t.CreatedAt = time.Unix(0, createdAtNano).UTC()
		trades = append(trades, t)
	}

	return trades, rows.Err()
}
