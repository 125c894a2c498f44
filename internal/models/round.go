// Package models defines the core domain entities: rounds, ticks, candles,
// indicator snapshots, and decisions.
package models

import (
	"errors"
	"time"
)

// RoundStatus classifies a round's window against a reference time.
type RoundStatus string

const (
	RoundLive        RoundStatus = "live"
	RoundFuture      RoundStatus = "future"
	RoundPast        RoundStatus = "past"
	RoundUnknownTime RoundStatus = "unknown_time"
)

// maxRoundDuration bounds a plausible 15-minute round window; a window at or
// above it means the source returned some other market under a matching slug.
const maxRoundDuration = 24 * time.Hour

// Round represents one 15-minute up/down market instance. Fields are fixed at
// discovery except TargetPrice, which may arrive after the round is created.
type Round struct {
	Asset       string    `json:"asset"`
	Slug        string    `json:"slug"`
	Question    string    `json:"question,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	TargetPrice float64   `json:"target_price,omitempty"`
}

// Status classifies the round against now. A round is live iff
// start <= now < end. Missing or unordered timestamps, or an implausibly
// long window, yield RoundUnknownTime.
func (r *Round) Status(now time.Time) RoundStatus {
	if r.StartTime.IsZero() || r.EndTime.IsZero() || !r.EndTime.After(r.StartTime) {
		return RoundUnknownTime
	}
	if r.EndTime.Sub(r.StartTime) >= maxRoundDuration {
		return RoundUnknownTime
	}
	if now.Before(r.StartTime) {
		return RoundFuture
	}
	if now.Before(r.EndTime) {
		return RoundLive
	}
	return RoundPast
}

// SecondsRemaining returns whole seconds until the round closes, negative
// once the round has ended.
func (r *Round) SecondsRemaining(now time.Time) int {
	return int(r.EndTime.Sub(now).Seconds())
}

// Validate checks round field constraints.
func (r *Round) Validate() error {
	if r.Slug == "" {
		return errors.New("round slug must not be empty")
	}
	if r.Asset == "" {
		return errors.New("round asset must not be empty")
	}
	if r.StartTime.IsZero() {
		return errors.New("round start time must be set")
	}
	if r.EndTime.IsZero() {
		return errors.New("round end time must be set")
	}
	if !r.EndTime.After(r.StartTime) {
		return errors.New("round end time must be after start time")
	}
	if r.TargetPrice < 0 {
		return errors.New("round target price must not be negative")
	}
	return nil
}
