package feed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/updownadvisor/internal/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientSubscribesAndStreams(t *testing.T) {
	frames := []string{
		`{"topic":"crypto_prices_chainlink","data":{"symbol":"btc/usd","price":43250.5,"timestamp":"2026-02-10T14:00:00Z"}}`,
		`{"topic":"crypto_prices_chainlink","data":{"symbol":"BTC/USD","price":"43251.25","timestamp":"2026-02-10T14:00:01Z"}}`,
		`{"topic":"comments","data":{"symbol":"btc/usd","price":1}}`,
		`{"topic":"crypto_prices_chainlink","data":{"symbol":"eth/usd","price":2650.0,"timestamp":"2026-02-10T14:00:02Z"}}`,
		`not json`,
		`{"topic":"crypto_prices_chainlink","data":{"symbol":"btc/usd","price":-5}}`,
		`{"topic":"crypto_prices_chainlink","data":{"symbol":"btc/usd","price":"43252"}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("failed to read subscribe frame: %v", err)
			return
		}
		if sub.Action != "subscribe" || sub.Topic != priceTopic || sub.Filters["symbol"] != "btc/usd" {
			t.Errorf("unexpected subscribe frame: %+v", sub)
		}

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client closes it.
		conn.ReadMessage()
	}))
	defer srv.Close()

	client, err := New(Config{
		URL:            wsURL(srv.URL),
		Symbol:         "BTC/USD", // mixed case on purpose
		ReconnectDelay: 10 * time.Millisecond,
		RecentTicks:    8,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tickCh := make(chan models.Tick, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx, tickCh)
		close(done)
	}()

	var ticks []models.Tick
	for len(ticks) < 3 {
		select {
		case tk := <-tickCh:
			ticks = append(ticks, tk)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for ticks, got %d", len(ticks))
		}
	}
	cancel()
	<-done

	wantPrices := []float64{43250.5, 43251.25, 43252}
	for i, want := range wantPrices {
		if ticks[i].Price != want {
			t.Errorf("tick %d price = %v, want %v", i, ticks[i].Price, want)
		}
	}
	if !ticks[0].Timestamp.Equal(time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("tick 0 timestamp = %v", ticks[0].Timestamp)
	}
	// The last frame has no timestamp; receive time is substituted.
	if time.Since(ticks[2].Timestamp) > 5*time.Second {
		t.Errorf("fallback timestamp too old: %v", ticks[2].Timestamp)
	}

	if got := client.Health().TickCount(); got != 3 {
		t.Errorf("health tick count = %d, want 3", got)
	}
	last, ok := client.Health().LastTick()
	if !ok || last.Price != 43252 {
		t.Errorf("health last tick = (%+v, %v)", last, ok)
	}
	if client.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", client.Dropped())
	}
}

func TestClientReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close() // drop immediately, forcing a redial
	}))
	defer srv.Close()

	client, err := New(Config{
		URL:               wsURL(srv.URL),
		Symbol:            "btc/usd",
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var hooks atomic.Int32
	client.OnReconnect = func() { hooks.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx, make(chan models.Tick, 1))
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for conns.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d connections before deadline", conns.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if client.Reconnects() < 2 {
		t.Errorf("reconnects = %d, want >= 2", client.Reconnects())
	}
	if hooks.Load() < 2 {
		t.Errorf("OnReconnect hooks = %d, want >= 2", hooks.Load())
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{URL: "ws://x", Symbol: ""}); err == nil {
		t.Error("expected error for empty symbol")
	}
	if _, err := New(Config{URL: "://bad", Symbol: "btc/usd"}); err == nil {
		t.Error("expected error for bad URL")
	}
}

func TestFlexFloatUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{`43250.46`, 43250.46, false},
		{`"43250.46"`, 43250.46, false},
		{`"1e3"`, 1000, false},
		{`"abc"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		var f flexFloat
		err := json.Unmarshal([]byte(tt.in), &f)
		if (err != nil) != tt.wantErr {
			t.Errorf("unmarshal %s: err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && float64(f) != tt.want {
			t.Errorf("unmarshal %s = %v, want %v", tt.in, float64(f), tt.want)
		}
	}
}

func TestHealthTracksRecentWindow(t *testing.T) {
	h := NewHealth(3)
	base := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		h.Observe(models.Tick{Timestamp: at, Price: 100 + float64(i)}, at)
	}

	if h.TickCount() != 5 {
		t.Errorf("tick count = %d, want 5", h.TickCount())
	}
	last, ok := h.LastTick()
	if !ok || last.Price != 104 {
		t.Errorf("last tick = (%+v, %v), want price 104", last, ok)
	}

	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent window length = %d, want 3", len(recent))
	}
	want := []float64{102, 103, 104}
	for i, tk := range recent {
		if tk.Price != want[i] {
			t.Errorf("recent[%d].Price = %v, want %v", i, tk.Price, want[i])
		}
	}
}

func TestHealthStale(t *testing.T) {
	h := NewHealth(4)
	now := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)

	if !h.Stale(now, 30*time.Second) {
		t.Error("feed with no ticks must be stale")
	}

	h.Observe(models.Tick{Timestamp: now, Price: 100}, now)
	if h.Stale(now.Add(10*time.Second), 30*time.Second) {
		t.Error("fresh feed flagged stale")
	}
	if !h.Stale(now.Add(31*time.Second), 30*time.Second) {
		t.Error("quiet feed not flagged stale")
	}

	age, ok := h.Age(now.Add(10 * time.Second))
	if !ok || age != 10*time.Second {
		t.Errorf("age = (%v, %v), want 10s", age, ok)
	}
}

func TestHealthGapStats(t *testing.T) {
	h := NewHealth(4)
	base := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)

	// Arrivals at 0s, 1s, 2s, 6s: gaps of 1, 1, 4 seconds.
	for _, off := range []time.Duration{0, time.Second, 2 * time.Second, 6 * time.Second} {
		at := base.Add(off)
		h.Observe(models.Tick{Timestamp: at, Price: 100}, at)
	}

	mean, sigma := h.GapStats()
	if math.Abs(mean-2.0) > 1e-9 {
		t.Errorf("gap mean = %v, want 2.0", mean)
	}
	if math.Abs(sigma-math.Sqrt(3)) > 1e-9 {
		t.Errorf("gap sigma = %v, want sqrt(3)", sigma)
	}
}
