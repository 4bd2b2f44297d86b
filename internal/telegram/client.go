// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/flowradar/internal/logger"
	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/monitor"
	"github.com/rewired-gh/flowradar/internal/observability"
)

// Sender is the subset of the bot API the client uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Config holds alert filtering and delivery retry settings.
type Config struct {
	MinIntensity   int
	Cooldown       time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         Sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	minIntensity   int
	cooldown       time.Duration

	sent     map[string]time.Time
	status   func() models.ConnectionStatus
	failing  bool
	failures int

	clock func() time.Time
	log   *logger.Logger
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, cfg Config) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, cfg)
	c.bot = bot
	return c, nil
}

func newClient(sender Sender, chatID int64, cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MinIntensity <= 0 {
		cfg.MinIntensity = 4
	}
	return &Client{
		sender:         sender,
		chatID:         chatID,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		minIntensity:   cfg.MinIntensity,
		cooldown:       cfg.Cooldown,
		sent:           make(map[string]time.Time),
		clock:          time.Now,
		log:            logger.With("telegram"),
	}
}

// SetStatusSource sets where /status reads the feed status from.
func (c *Client) SetStatusSource(fn func() models.ConnectionStatus) {
	c.status = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.bot == nil {
		return
	}
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
	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "ping":
		reply = tgbotapi.NewMessage(msg.Chat.ID, "Pong")
	case "status":
		if c.status == nil {
			return
		}
		reply = tgbotapi.NewMessage(msg.Chat.ID, formatStatus(c.status()))
		reply.ParseMode = "MarkdownV2"
	default:
		return
	}
	c.sender.Send(reply) //nolint:errcheck
}

// Run delivers updates until ctx is cancelled or the channel closes. It blocks.
func (c *Client) Run(ctx context.Context, updates <-chan monitor.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := c.Notify(u); err != nil {
				c.log.Warn("Failed to send %s notification: %v", u.Kind, err)
			}
		}
	}
}

// Notify sends u if it clears the intensity floor and its cooldown. Feed status updates turn
// into one error notice per outage and one recovery notice when it ends.
func (c *Client) Notify(u monitor.Update) error {
	switch u.Kind {
	case monitor.KindLiquidation:
		ev := u.Liquidation
		if ev.Intensity < c.minIntensity || !c.allow(ev.Asset, "liq_"+string(ev.Direction)) {
			return nil
		}
		return c.deliver("liquidation", formatLiquidation(ev))
	case monitor.KindAnomaly:
		ev := u.Anomaly
		if ev.Strength < c.minIntensity || !c.allow(ev.Asset, string(ev.Type)) {
			return nil
		}
		return c.deliver("anomaly", formatAnomaly(ev))
	case monitor.KindReversal:
		ev := u.Reversal
		if !c.allow(ev.Asset, "reversal") {
			return nil
		}
		return c.deliver("reversal", formatReversal(ev))
	case monitor.KindStatus:
		return c.onStatus(*u.Status)
	}
	return nil
}

func (c *Client) onStatus(st models.ConnectionStatus) error {
	switch st.State {
	case models.StateError, models.StateDisconnected:
		c.failures++
		if c.failing {
			return nil
		}
		c.failing = true
		reason := st.LastError
		if reason == "" {
			reason = "feed " + string(st.State)
		}
		return c.SendError(errors.New(reason))
	case models.StateConnected:
		if !c.failing {
			return nil
		}
		n := c.failures
		c.failing, c.failures = false, 0
		return c.SendRecovery(n)
	}
	return nil
}

// allow applies the per-(asset, kind) cooldown and records the send.
func (c *Client) allow(asset, kind string) bool {
	key := asset + ":" + kind
	now := c.clock()
	if last, ok := c.sent[key]; ok && now.Sub(last) < c.cooldown {
		return false
	}
	for k, t := range c.sent {
		if now.Sub(t) >= c.cooldown {
			delete(c.sent, k)
		}
	}
	c.sent[key] = now
	return true
}

func (c *Client) deliver(kind, text string) error {
	err := c.sendMarkdownV2(text)
	observability.RecordNotification(kind, err)
	return err
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a feed error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(feedErr error) error {
	text := fmt.Sprintf("⚠️ *Feed error*\n`%s`", escapeMarkdownV2(feedErr.Error()))
	return c.deliver("error", text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Feed recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.deliver("recovery", text)
}

func formatLiquidation(ev *models.LiquidationEvent) string {
	emoji := "🔴"
	if ev.Direction == models.DirectionShort {
		emoji = "🟢"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s %s liquidation*\n", emoji, escapeMarkdownV2(ev.Asset), strings.ToUpper(string(ev.Direction)))
	fmt.Fprintf(&b, "💵 %s at %s\n", escapeMarkdownV2(formatUSD(ev.AmountUSD)), escapeMarkdownV2(formatPrice(ev.Price)))
	fmt.Fprintf(&b, "⚡ Intensity %d/5 · %s · %s cap\n", ev.Intensity,
		escapeMarkdownV2(string(ev.Source)), escapeMarkdownV2(string(ev.Tier)))
	if ev.Change24h != 0 {
		fmt.Fprintf(&b, "📊 24h %s\n", escapeMarkdownV2(formatPct(ev.Change24h)))
	}
	fmt.Fprintf(&b, "🕒 %s", escapeMarkdownV2(ev.EventTime().UTC().Format("2006-01-02 15:04:05")))
	return b.String()
}

func formatAnomaly(ev *models.VolumeAnomalyEvent) string {
	emoji := "📈"
	if !ev.Type.Bullish() {
		emoji = "📉"
	}
	label := strings.ToUpper(strings.ReplaceAll(string(ev.Type), "_", " "))
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s volume spike* · %s\n", emoji, escapeMarkdownV2(ev.Asset), escapeMarkdownV2(label))
	fmt.Fprintf(&b, "💵 %s vs avg %s \\(%s\\)\n", escapeMarkdownV2(formatUSD(ev.Volume)),
		escapeMarkdownV2(formatUSD(ev.AverageVolume)), escapeMarkdownV2(fmt.Sprintf("%.2fx", ev.SpikeRatio)))
	fmt.Fprintf(&b, "⚡ Strength %d/5 · move %s", ev.Strength, escapeMarkdownV2(formatPct(ev.PriceMove)))
	if ev.TradesCount > 0 {
		fmt.Fprintf(&b, " · %d trades", ev.TradesCount)
	}
	return b.String()
}

func formatReversal(ev *models.TrendReversal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 *%s trend reversal*\n", escapeMarkdownV2(ev.Asset))
	fmt.Fprintf(&b, "%s → *%s*\n", strings.ToUpper(string(ev.Previous)), strings.ToUpper(string(ev.Current)))
	fmt.Fprintf(&b, "💵 %s → %s \\(%s\\)\n", escapeMarkdownV2(formatUSD(ev.PreviousVolume)),
		escapeMarkdownV2(formatUSD(ev.CurrentVolume)), escapeMarkdownV2(fmt.Sprintf("%.2fx", ev.Ratio)))
	fmt.Fprintf(&b, "⚡ Intensity %d/5", ev.Intensity)
	return b.String()
}

func formatStatus(st models.ConnectionStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Feed* %s \\(%s\\)\n", escapeMarkdownV2(string(st.State)), escapeMarkdownV2(st.Mode))
	fmt.Fprintf(&b, "Symbols %d · streams %d · reconnects %d", st.SymbolCount, st.StreamCount, st.ReconnectAttempts)
	if !st.LastMessageAt.IsZero() {
		fmt.Fprintf(&b, "\nLast message %s", escapeMarkdownV2(st.LastMessageAt.UTC().Format("15:04:05")))
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "\n`%s`", escapeMarkdownV2(st.LastError))
	}
	return b.String()
}

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// formatUSD renders an amount as $950.50, $120.0K, $2.50M or $1.20B.
func formatUSD(v float64) string {
	d := decimal.NewFromFloat(v)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	switch {
	case d.GreaterThanOrEqual(billion):
		return sign + "$" + d.Div(billion).StringFixed(2) + "B"
	case d.GreaterThanOrEqual(million):
		return sign + "$" + d.Div(million).StringFixed(2) + "M"
	case d.GreaterThanOrEqual(thousand):
		return sign + "$" + d.Div(thousand).StringFixed(1) + "K"
	default:
		return sign + "$" + d.StringFixed(2)
	}
}

// formatPrice keeps more decimals for sub-dollar prices.
func formatPrice(p float64) string {
	d := decimal.NewFromFloat(p)
	if d.LessThan(decimal.NewFromInt(1)) {
		return "$" + d.StringFixed(6)
	}
	return "$" + d.StringFixed(2)
}

func formatPct(p float64) string {
	s := decimal.NewFromFloat(p).StringFixed(2) + "%"
	if p > 0 {
		return "+" + s
	}
	return s
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
