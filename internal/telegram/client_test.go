package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/monitor"
)

type fakeSender struct {
	sent []string
	fail int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.fail > 0 {
		f.fail--
		return tgbotapi.Message{}, errors.New("telegram down")
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg.Text)
	}
	return tgbotapi.Message{}, nil
}

func newTestClient(cooldown time.Duration) (*Client, *fakeSender, *time.Time) {
	fs := &fakeSender{}
	c := newClient(fs, 42, Config{MinIntensity: 3, Cooldown: cooldown, MaxRetries: 2, RetryDelayBase: time.Millisecond})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }
	return c, fs, &now
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
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
	_, err := NewClient("", "not-a-number", Config{})
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{950.5, "$950.50"},
		{120_000, "$120.0K"},
		{2_500_000, "$2.50M"},
		{1_200_000_000, "$1.20B"},
		{-45_000, "-$45.0K"},
		{0, "$0.00"},
	}
	for _, tt := range tests {
		if got := formatUSD(tt.in); got != tt.want {
			t.Errorf("formatUSD(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := formatPrice(0.00001234); got != "$0.000012" {
		t.Errorf("formatPrice = %q", got)
	}
	if got := formatPct(3); got != "+3.00%" {
		t.Errorf("formatPct = %q", got)
	}
}

func TestNotify_IntensityFloorAndCooldown(t *testing.T) {
	c, fs, now := newTestClient(time.Minute)

	weak := &models.LiquidationEvent{Asset: "BTC", Direction: models.DirectionLong, Intensity: 2, AmountUSD: 1, Price: 1}
	strong := &models.LiquidationEvent{
		Asset: "BTC", Direction: models.DirectionLong, Intensity: 4, AmountUSD: 250_000,
		Price: 60_000, Source: models.SourceForceOrderFeed, Tier: models.TierHigh, Change24h: -3.5,
		Timestamp: now.UnixMilli(),
	}

	_ = c.Notify(monitor.Update{Kind: monitor.KindLiquidation, Liquidation: weak})
	if len(fs.sent) != 0 {
		t.Fatalf("below-floor event sent: %v", fs.sent)
	}

	_ = c.Notify(monitor.Update{Kind: monitor.KindLiquidation, Liquidation: strong})
	_ = c.Notify(monitor.Update{Kind: monitor.KindLiquidation, Liquidation: strong})
	if len(fs.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 within cooldown", len(fs.sent))
	}
	msg := fs.sent[0]
	for _, want := range []string{"BTC LONG liquidation", "$250\\.0K", "$60000\\.00", "FORCE\\_ORDER", "\\-3\\.50%"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	// the other side has its own cooldown
	short := *strong
	short.Direction = models.DirectionShort
	_ = c.Notify(monitor.Update{Kind: monitor.KindLiquidation, Liquidation: &short})
	if len(fs.sent) != 2 {
		t.Errorf("sent %d messages, want 2", len(fs.sent))
	}

	*now = now.Add(2 * time.Minute)
	_ = c.Notify(monitor.Update{Kind: monitor.KindLiquidation, Liquidation: strong})
	if len(fs.sent) != 3 {
		t.Errorf("sent %d messages after cooldown, want 3", len(fs.sent))
	}
}

func TestNotify_AnomalyAndReversal(t *testing.T) {
	c, fs, _ := newTestClient(0)

	anomaly := &models.VolumeAnomalyEvent{
		Asset: "SOL", Type: models.AnomalyFuturesShort, Volume: 3_000_000, AverageVolume: 1_000_000,
		SpikeRatio: 3, PriceMove: -2.4, Strength: 5, TradesCount: 1200,
	}
	reversal := &models.TrendReversal{
		Asset: "ETH", Previous: models.DirectionLong, Current: models.DirectionShort,
		PreviousVolume: 200_000, CurrentVolume: 400_000, Ratio: 2, Intensity: 2,
	}
	if err := c.Notify(monitor.Update{Kind: monitor.KindAnomaly, Anomaly: anomaly}); err != nil {
		t.Fatal(err)
	}
	if err := c.Notify(monitor.Update{Kind: monitor.KindReversal, Reversal: reversal}); err != nil {
		t.Fatal(err)
	}
	if len(fs.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(fs.sent))
	}
	if !strings.Contains(fs.sent[0], "FUTURES SHORT") || !strings.Contains(fs.sent[0], "3\\.00x") {
		t.Errorf("anomaly message:\n%s", fs.sent[0])
	}
	if !strings.Contains(fs.sent[1], "LONG → *SHORT*") {
		t.Errorf("reversal message:\n%s", fs.sent[1])
	}
}

func TestNotify_StatusErrorAndRecovery(t *testing.T) {
	c, fs, _ := newTestClient(0)
	status := func(s models.ConnectionState, msg string) monitor.Update {
		return monitor.Update{Kind: monitor.KindStatus, Status: &models.ConnectionStatus{State: s, LastError: msg}}
	}

	_ = c.Notify(status(models.StateConnected, ""))
	_ = c.Notify(status(models.StateDisconnected, "read tcp: reset"))
	_ = c.Notify(status(models.StateError, "retries exhausted"))
	_ = c.Notify(status(models.StateConnected, ""))

	if len(fs.sent) != 2 {
		t.Fatalf("sent %v, want one error and one recovery", fs.sent)
	}
	if !strings.Contains(fs.sent[0], "Feed error") || !strings.Contains(fs.sent[0], "reset") {
		t.Errorf("error message: %s", fs.sent[0])
	}
	if !strings.Contains(fs.sent[1], "after 2 consecutive") {
		t.Errorf("recovery message: %s", fs.sent[1])
	}
}

func TestSendRetries(t *testing.T) {
	c, fs, _ := newTestClient(0)
	fs.fail = 1
	if err := c.SendRecovery(1); err != nil {
		t.Errorf("send with one transient failure: %v", err)
	}
	fs.fail = 5
	if err := c.SendRecovery(1); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

func TestFormatStatus(t *testing.T) {
	got := formatStatus(models.ConnectionStatus{State: models.StateConnected, Mode: "binance", SymbolCount: 40, StreamCount: 80})
	if !strings.Contains(got, "connected \\(binance\\)") || !strings.Contains(got, "Symbols 40") {
		t.Errorf("formatStatus = %q", got)
	}
}
