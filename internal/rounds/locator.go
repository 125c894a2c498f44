// Package rounds locates the currently-live 15-minute round for an asset
// through a primary paginated discovery query and a trusted fallback query.
package rounds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/models"
)

// ErrNoLiveRound is returned when no source can produce a live round.
var ErrNoLiveRound = errors.New("no live round found")

// Discovery is one source's view of candidate rounds. Trusted marks the
// result as already narrowed to the current round by construction, so the
// locator applies no live-window filtering to it.
type Discovery struct {
	Rounds  []models.Round
	Trusted bool
}

// Source produces candidate rounds for an asset.
type Source interface {
	Discover(ctx context.Context, asset string) (Discovery, error)
}

// FindLiveRound returns the round whose window contains now. The primary
// source is consulted first; when it errors or yields no live candidate the
// fallback is attempted once. Among live candidates the earliest end time
// wins, ties broken toward the lexicographically greatest slug. Pure with
// respect to now: the wall clock is never read here.
func FindLiveRound(ctx context.Context, asset string, primary, fallback Source, now time.Time) (models.Round, error) {
	disc, err := primary.Discover(ctx, asset)
	if err == nil {
		if round, ok := selectLive(disc, now); ok {
			return round, nil
		}
		logger.Debug("Primary source returned %d candidates for %s, none live", len(disc.Rounds), asset)
	} else {
		logger.Warn("Primary round source failed for %s: %v", asset, err)
	}

	if fallback == nil {
		return models.Round{}, ErrNoLiveRound
	}

	disc, err = fallback.Discover(ctx, asset)
	if err != nil {
		return models.Round{}, fmt.Errorf("fallback round source failed: %w", err)
	}
	if round, ok := selectLive(disc, now); ok {
		return round, nil
	}
	return models.Round{}, ErrNoLiveRound
}

// selectLive picks the most current live round from a discovery result. A
// trusted result is taken as-is; anything else is filtered to rounds whose
// window contains now, keeping the most imminent end.
func selectLive(disc Discovery, now time.Time) (models.Round, bool) {
	if disc.Trusted {
		if len(disc.Rounds) == 0 {
			return models.Round{}, false
		}
		return disc.Rounds[0], true
	}

	var best models.Round
	found := false
	for _, r := range disc.Rounds {
		if r.Status(now) != models.RoundLive {
			continue
		}
		switch {
		case !found:
			best = r
			found = true
		case r.EndTime.Before(best.EndTime):
			best = r
		case r.EndTime.Equal(best.EndTime) && r.Slug > best.Slug:
			best = r
		}
	}
	return best, found
}
