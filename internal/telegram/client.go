// Package telegram pushes recommendations and outcome summaries to a
// Telegram chat and answers bot commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/updownadvisor/internal/models"
	"github.com/rewired-gh/updownadvisor/internal/stake"
	"github.com/shopspring/decimal"
)

// CommandFunc returns the plain-text reply for one bot command.
type CommandFunc func() string

// Client handles Telegram notifications and bot commands.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	handlers       map[string]CommandFunc
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		handlers:       make(map[string]CommandFunc),
	}, nil
}

// HandleCommand registers fn as the reply for /name. Register all handlers
// before calling ListenForCommands; the registry is not synchronized.
func (c *Client) HandleCommand(name string, fn CommandFunc) {
	c.handlers[name] = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// handles bot commands. It returns immediately; the goroutine stops when ctx
// is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	reply, ok := c.replyFor(msg.Command())
	if !ok {
		return
	}
	c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)) //nolint:errcheck
}

// replyFor resolves a command name to its reply text. Command replies are
// plain text; only push notifications use MarkdownV2.
func (c *Client) replyFor(command string) (string, bool) {
	if command == "ping" {
		return "Pong", true
	}
	if fn, ok := c.handlers[command]; ok {
		return fn(), true
	}
	return "", false
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends an advisor error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Advisor error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Advisor recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendDecision sends a directional recommendation with its suggested stake.
func (c *Client) SendDecision(dec *models.Decision, stakeAmount decimal.Decimal) error {
	return c.sendMarkdownV2(c.formatDecision(dec, stakeAmount))
}

// SendBlocked sends a recommendation that the stake ladder refused to fund.
func (c *Client) SendBlocked(dec *models.Decision, reason string) error {
	return c.sendMarkdownV2(c.formatBlocked(dec, reason))
}

// SendOutcome sends a summary after a reported trade outcome.
func (c *Client) SendOutcome(out *stake.Outcome) error {
	return c.sendMarkdownV2(c.formatOutcome(out))
}

func (c *Client) formatDecision(dec *models.Decision, stakeAmount decimal.Decimal) string {
	message := fmt.Sprintf("%s *%s* \\(%s\\)\n", directionEmoji(dec.Direction), dec.Direction, escapeMarkdownV2(dec.Asset))
	message += fmt.Sprintf("🎯 %s\n", escapeMarkdownV2(dec.Slug))
	message += fmt.Sprintf("💡 %s\n", escapeMarkdownV2(dec.Rationale))
	message += fmt.Sprintf("💵 Price %s vs target %s\n",
		escapeMarkdownV2(fmt.Sprintf("%.2f", dec.CurrentPrice)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", dec.TargetPrice)))
	message += fmt.Sprintf("⏳ %ds to close\n", dec.SecondsRemaining)
	message += fmt.Sprintf("💰 Stake: %s", escapeMarkdownV2("$"+stakeAmount.StringFixed(2)))
	return message
}

func (c *Client) formatBlocked(dec *models.Decision, reason string) string {
	message := fmt.Sprintf("🛑 *Signal without stake* \\(%s %s\\)\n", escapeMarkdownV2(dec.Asset), dec.Direction)
	message += fmt.Sprintf("🎯 %s\n", escapeMarkdownV2(dec.Slug))
	message += fmt.Sprintf("💡 %s\n", escapeMarkdownV2(dec.Rationale))
	message += fmt.Sprintf("⛔ %s", escapeMarkdownV2(reason))
	return message
}

func (c *Client) formatOutcome(out *stake.Outcome) string {
	var header string
	switch out.Result {
	case models.ResultWin:
		header = "✅ *Win recorded*"
	case models.ResultLoss:
		header = "❌ *Loss recorded*"
	default:
		header = "⏭️ *Skip recorded*"
	}

	message := fmt.Sprintf("%s \\(%s %s\\)\n", header, escapeMarkdownV2(out.Asset), escapeMarkdownV2(string(out.Direction)))
	message += fmt.Sprintf("💵 Stake %s, PnL %s\n",
		escapeMarkdownV2("$"+out.StakeUsed.StringFixed(2)),
		escapeMarkdownV2(signedMoney(out.PnL)))
	message += fmt.Sprintf("📊 Next stake %s, streak %d\n",
		escapeMarkdownV2("$"+out.State.CurrentStake.StringFixed(2)), out.State.WinStreak)
	message += fmt.Sprintf("📅 Today: %d trades, %dW/%dL, net %s",
		out.State.Daily.Trades, out.State.Daily.Wins, out.State.Daily.Losses,
		escapeMarkdownV2(signedMoney(out.State.Daily.NetPnL)))
	if out.State.LimitReached {
		message += "\n🚫 *Stake limit reached*, resets on next loss"
	}
	return message
}

func directionEmoji(d models.Direction) string {
	if d == models.DirectionDown {
		return "📉"
	}
	return "📈"
}

func signedMoney(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "+$" + d.StringFixed(2)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
