package rounds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/logger"
	"github.com/rewired-gh/updownadvisor/internal/models"
)

// gammaMarket mirrors one market row from the Gamma API.
type gammaMarket struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Question    string `json:"question"`
	Description string `json:"description"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Closed      bool   `json:"closed"`
}

// gammaEvent mirrors one event row from the Gamma API.
type gammaEvent struct {
	ID        string        `json:"id"`
	Slug      string        `json:"slug"`
	Title     string        `json:"title"`
	StartDate string        `json:"startDate"`
	EndDate   string        `json:"endDate"`
	Markets   []gammaMarket `json:"markets"`
}

// Options tunes discovery pagination and retry behavior.
type Options struct {
	PageLimit      int
	MinCandidates  int
	MaxPages       int
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Client provides access to the Gamma API round listings.
type Client struct {
	baseURL    string
	httpClient *http.Client
	opts       Options
	prefixes   map[string]string // asset -> round slug prefix
}

// NewClient creates a Gamma client. prefixes maps asset keys to their round
// slug prefixes, e.g. "btc" -> "btc-updown-15m-".
func NewClient(baseURL string, timeout time.Duration, prefixes map[string]string, opts Options) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		opts:     opts,
		prefixes: prefixes,
	}
}

// MarketsSource discovers candidate rounds through the paginated /markets
// listing. Results are unfiltered by time; the locator classifies them.
type MarketsSource struct {
	*Client
}

// Discover pages through open markets newest-first, collecting rounds whose
// slug matches the asset's prefix, until enough candidates accumulate or
// the page ceiling is reached.
func (s MarketsSource) Discover(ctx context.Context, asset string) (Discovery, error) {
	prefix, err := s.prefixFor(asset)
	if err != nil {
		return Discovery{}, err
	}

	var rounds []models.Round
	for page := 0; page < s.opts.MaxPages; page++ {
		u, err := url.Parse(s.baseURL + "/markets")
		if err != nil {
			return Discovery{}, fmt.Errorf("failed to parse URL: %w", err)
		}
		q := u.Query()
		q.Set("closed", "false")
		q.Set("limit", strconv.Itoa(s.opts.PageLimit))
		q.Set("order", "id")
		q.Set("ascending", "false")
		q.Set("offset", strconv.Itoa(page*s.opts.PageLimit))
		u.RawQuery = q.Encode()

		resp, err := s.doRequest(ctx, u.String())
		if err != nil {
			return Discovery{}, fmt.Errorf("failed to fetch markets page %d: %w", page, err)
		}

		var markets []gammaMarket
		err = json.NewDecoder(resp.Body).Decode(&markets)
		resp.Body.Close()
		if err != nil {
			return Discovery{}, fmt.Errorf("failed to decode markets page %d: %w", page, err)
		}

		for _, m := range markets {
			if !strings.HasPrefix(m.Slug, prefix) {
				continue
			}
			rounds = append(rounds, marketToRound(asset, m))
		}

		if len(markets) < s.opts.PageLimit {
			break // short page, listing exhausted
		}
		if len(rounds) >= s.opts.MinCandidates {
			break
		}
	}

	logger.Debug("Markets discovery for %s collected %d candidates", asset, len(rounds))
	return Discovery{Rounds: rounds}, nil
}

// EventsSource is the fallback: the /events listing ordered by soonest end,
// whose first prefix match reflects the currently showing round.
type EventsSource struct {
	*Client
}

// Discover returns at most one round, trusted to be the current one.
func (s EventsSource) Discover(ctx context.Context, asset string) (Discovery, error) {
	prefix, err := s.prefixFor(asset)
	if err != nil {
		return Discovery{}, err
	}

	u, err := url.Parse(s.baseURL + "/events")
	if err != nil {
		return Discovery{}, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("closed", "false")
	q.Set("order", "endDate")
	q.Set("ascending", "true")
	q.Set("limit", strconv.Itoa(s.opts.PageLimit))
	u.RawQuery = q.Encode()

	resp, err := s.doRequest(ctx, u.String())
	if err != nil {
		return Discovery{}, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer resp.Body.Close()

	var events []gammaEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return Discovery{}, fmt.Errorf("failed to decode events: %w", err)
	}

	for _, ev := range events {
		if strings.HasPrefix(ev.Slug, prefix) {
			return Discovery{Rounds: []models.Round{eventToRound(asset, ev)}, Trusted: true}, nil
		}
		for _, m := range ev.Markets {
			if strings.HasPrefix(m.Slug, prefix) {
				return Discovery{Rounds: []models.Round{marketToRound(asset, m)}, Trusted: true}, nil
			}
		}
	}

	logger.Debug("Events fallback for %s found no prefix match in %d events", asset, len(events))
	return Discovery{Trusted: true}, nil
}

func (c *Client) prefixFor(asset string) (string, error) {
	prefix, ok := c.prefixes[strings.ToLower(asset)]
	if !ok {
		return "", fmt.Errorf("no slug prefix configured for asset %q", asset)
	}
	return prefix, nil
}

// marketToRound converts a Gamma market row, leaving timestamps zero when
// unparseable so live-window classification rejects the round.
func marketToRound(asset string, m gammaMarket) models.Round {
	round := models.Round{
		Asset:    asset,
		Slug:     m.Slug,
		Question: m.Question,
	}
	if t, err := time.Parse(time.RFC3339, m.StartDate); err == nil {
		round.StartTime = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
		round.EndTime = t.UTC()
	}
	if target, ok := extractTarget(m.Question); ok {
		round.TargetPrice = target
	} else if target, ok := extractTarget(m.Description); ok {
		round.TargetPrice = target
	}
	return round
}

func eventToRound(asset string, ev gammaEvent) models.Round {
	round := models.Round{
		Asset:    asset,
		Slug:     ev.Slug,
		Question: ev.Title,
	}
	if t, err := time.Parse(time.RFC3339, ev.StartDate); err == nil {
		round.StartTime = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, ev.EndDate); err == nil {
		round.EndTime = t.UTC()
	}
	if target, ok := extractTarget(ev.Title); ok {
		round.TargetPrice = target
	}
	return round
}

// doRequest performs an HTTP GET with retry on transport and 5xx failures.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	maxRetries := c.opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i+1) * c.opts.RetryDelayBase):
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i+1) * c.opts.RetryDelayBase):
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
