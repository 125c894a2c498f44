package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction is the recommended side of an up/down round.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"

	// DirectionAbort marks journal entries for evaluations that a validation
	// gate rejected before any direction was chosen. Never valid on a Decision.
	DirectionAbort Direction = "ABORT"
)

// Rule identifies which decision rule produced a direction.
type Rule string

const (
	RuleTimePressure Rule = "time_pressure"
	RuleTrend        Rule = "trend"
	RuleDefault      Rule = "default"
)

// Decision is the directional recommendation produced by one evaluation
// pass, together with the inputs that produced it. Aborted evaluations never
// produce a Decision.
type Decision struct {
	ID        string    `json:"id"`
	Asset     string    `json:"asset"`
	Slug      string    `json:"slug"`
	Direction Direction `json:"direction"`
	Rule      Rule      `json:"rule"`
	Rationale string    `json:"rationale"`

	CurrentPrice     float64           `json:"current_price"`
	TargetPrice      float64           `json:"target_price"`
	SecondsRemaining int               `json:"seconds_remaining"`
	Gap              float64           `json:"gap"`
	GapOverATR       float64           `json:"gap_over_atr"`
	Snapshot         IndicatorSnapshot `json:"snapshot"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks decision field constraints.
func (d *Decision) Validate() error {
	if d.ID == "" {
		return errors.New("decision ID must not be empty")
	}
	if d.Asset == "" {
		return errors.New("decision asset must not be empty")
	}
	if d.Slug == "" {
		return errors.New("decision slug must not be empty")
	}
	if d.Direction != DirectionUp && d.Direction != DirectionDown {
		return errors.New("decision direction must be UP or DOWN")
	}
	if d.Rationale == "" {
		return errors.New("decision rationale must not be empty")
	}
	if d.CurrentPrice <= 0 {
		return errors.New("decision current price must be positive")
	}
	if d.TargetPrice <= 0 {
		return errors.New("decision target price must be positive")
	}
	return nil
}

// TradeResult is the externally reported outcome of an authorized trade.
type TradeResult string

const (
	ResultWin  TradeResult = "W"
	ResultLoss TradeResult = "L"
	ResultSkip TradeResult = "S"
)

// ParseTradeResult maps a user-entered outcome to a TradeResult.
func ParseTradeResult(s string) (TradeResult, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "W", "WIN":
		return ResultWin, nil
	case "L", "LOSS", "LOSE":
		return ResultLoss, nil
	case "S", "SKIP":
		return ResultSkip, nil
	}
	return "", fmt.Errorf("unrecognized trade result %q", s)
}
