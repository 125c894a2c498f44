package telegram

import (
	"testing"
	"time"

	"github.com/rewired-gh/updownadvisor/internal/models"
	"github.com/rewired-gh/updownadvisor/internal/stake"
	"github.com/shopspring/decimal"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $43250.46", "Price: $43250\\.46"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"bitcoin-up-or-down", "bitcoin\\-up\\-or\\-down"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// Chat ID parsing happens before any network call, so the error is
	// deterministic even offline.
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestFormatDecision(t *testing.T) {
	c := &Client{}
	dec := &models.Decision{
		Asset:            "btc",
		Slug:             "bitcoin-up-or-down-february-10-12pm-et",
		Direction:        models.DirectionUp,
		Rule:             models.RuleDefault,
		Rationale:        "default: current 43260.00 at or above target 43250.46",
		CurrentPrice:     43260,
		TargetPrice:      43250.46,
		SecondsRemaining: 700,
	}

	got := c.formatDecision(dec, decimal.NewFromInt(4))
	want := `📈 *UP* \(btc\)
🎯 bitcoin\-up\-or\-down\-february\-10\-12pm\-et
💡 default: current 43260\.00 at or above target 43250\.46
💵 Price 43260\.00 vs target 43250\.46
⏳ 700s to close
💰 Stake: $4\.00`
	if got != want {
		t.Errorf("formatDecision:\ngot  %q\nwant %q", got, want)
	}
}

func TestFormatBlocked(t *testing.T) {
	c := &Client{}
	dec := &models.Decision{
		Asset:     "btc",
		Slug:      "bitcoin-up-or-down-february-10-12pm-et",
		Direction: models.DirectionDown,
		Rationale: "default: current 43240.00 below target 43250.46",
	}

	got := c.formatBlocked(dec, "trading blocked: daily loss limit reached")
	want := `🛑 *Signal without stake* \(btc DOWN\)
🎯 bitcoin\-up\-or\-down\-february\-10\-12pm\-et
💡 default: current 43240\.00 below target 43250\.46
⛔ trading blocked: daily loss limit reached`
	if got != want {
		t.Errorf("formatBlocked:\ngot  %q\nwant %q", got, want)
	}
}

func TestFormatOutcome(t *testing.T) {
	c := &Client{}

	tests := []struct {
		name string
		out  stake.Outcome
		want string
	}{
		{
			name: "win",
			out: stake.Outcome{
				Result:    models.ResultWin,
				Asset:     "btc",
				Direction: "UP",
				StakeUsed: decimal.NewFromInt(2),
				PnL:       decimal.NewFromInt(2),
				State: stake.State{
					CurrentStake: decimal.NewFromInt(4),
					WinStreak:    1,
					Daily: stake.DailyStats{
						Trades: 3, Wins: 2, Losses: 1,
						NetPnL: decimal.NewFromInt(-2),
					},
				},
			},
			want: `✅ *Win recorded* \(btc UP\)
💵 Stake $2\.00, PnL \+$2\.00
📊 Next stake $4\.00, streak 1
📅 Today: 3 trades, 2W/1L, net \-$2\.00`,
		},
		{
			name: "loss",
			out: stake.Outcome{
				Result:    models.ResultLoss,
				Asset:     "eth",
				Direction: "DOWN",
				StakeUsed: decimal.NewFromInt(8),
				PnL:       decimal.NewFromInt(-8),
				State: stake.State{
					CurrentStake: decimal.NewFromInt(2),
					Daily: stake.DailyStats{
						Trades: 4, Wins: 2, Losses: 2,
						NetPnL: decimal.NewFromInt(-10),
					},
				},
			},
			want: `❌ *Loss recorded* \(eth DOWN\)
💵 Stake $8\.00, PnL \-$8\.00
📊 Next stake $2\.00, streak 0
📅 Today: 4 trades, 2W/2L, net \-$10\.00`,
		},
		{
			name: "win at stake cap",
			out: stake.Outcome{
				Result:    models.ResultWin,
				Asset:     "btc",
				Direction: "UP",
				StakeUsed: decimal.NewFromInt(16),
				PnL:       decimal.NewFromInt(16),
				State: stake.State{
					CurrentStake: decimal.NewFromInt(16),
					WinStreak:    4,
					LimitReached: true,
					Daily: stake.DailyStats{
						Trades: 4, Wins: 4,
						NetPnL: decimal.NewFromInt(30),
					},
				},
			},
			want: `✅ *Win recorded* \(btc UP\)
💵 Stake $16\.00, PnL \+$16\.00
📊 Next stake $16\.00, streak 4
📅 Today: 4 trades, 4W/0L, net \+$30\.00
🚫 *Stake limit reached*, resets on next loss`,
		},
		{
			name: "skip",
			out: stake.Outcome{
				Result:    models.ResultSkip,
				Asset:     "btc",
				Direction: "UP",
				StakeUsed: decimal.NewFromInt(4),
				PnL:       decimal.Zero,
				State: stake.State{
					CurrentStake: decimal.NewFromInt(4),
					WinStreak:    1,
					Daily: stake.DailyStats{
						Trades: 1, Wins: 1,
						NetPnL: decimal.NewFromInt(2),
					},
				},
			},
			want: `⏭️ *Skip recorded* \(btc UP\)
💵 Stake $4\.00, PnL \+$0\.00
📊 Next stake $4\.00, streak 1
📅 Today: 1 trades, 1W/0L, net \+$2\.00`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.formatOutcome(&tt.out)
			if got != tt.want {
				t.Errorf("formatOutcome:\ngot  %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestSignedMoney(t *testing.T) {
	tests := []struct {
		in   decimal.Decimal
		want string
	}{
		{decimal.NewFromInt(2), "+$2.00"},
		{decimal.NewFromFloat(-4.5), "-$4.50"},
		{decimal.Zero, "+$0.00"},
	}
	for _, tt := range tests {
		if got := signedMoney(tt.in); got != tt.want {
			t.Errorf("signedMoney(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReplyFor(t *testing.T) {
	c := &Client{handlers: make(map[string]CommandFunc)}
	c.HandleCommand("status", func() string { return "all good" })

	if reply, ok := c.replyFor("ping"); !ok || reply != "Pong" {
		t.Errorf("ping: got %q %v", reply, ok)
	}
	if reply, ok := c.replyFor("status"); !ok || reply != "all good" {
		t.Errorf("status: got %q %v", reply, ok)
	}
	if _, ok := c.replyFor("unknown"); ok {
		t.Error("unknown command should not resolve")
	}
}
