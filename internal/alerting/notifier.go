package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
	"github.com/testgpt852-arch/korea-stock-bot/internal/trader"
)

// Kind selects the message template.
type Kind string

const (
	KindSpike Kind = "spike"
	KindTrade Kind = "trade"
	KindText  Kind = "text"
)

// Notification carries one outbound message. Exactly one of Alert, Exit,
// or Text is set depending on Kind.
type Notification struct {
	Kind     Kind
	Alert    *market.Alert
	Exit     *trader.ExitRecord
	Text     string
	Channels []string
}

// Notifier delivers notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify renders and sends one message via sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("notification sent")
	return nil
}

func renderMessage(note Notification) string {
	switch note.Kind {
	case KindSpike:
		if note.Alert != nil {
			return renderSpike(*note.Alert)
		}
	case KindTrade:
		if note.Exit != nil {
			return renderTrade(*note.Exit)
		}
	}
	return note.Text
}

func renderSpike(a market.Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Spike] %s (%s)\n", a.Name, a.Symbol))
	builder.WriteString(fmt.Sprintf("Price: %s\n", a.Price.String()))
	builder.WriteString(fmt.Sprintf("Change: %+.2f%% (accel %+.2f%%p)\n", a.ChangePct, a.AccelerationPct))
	builder.WriteString(fmt.Sprintf("Volume: %.0f%% of prior session (instant %.0f%%)\n",
		a.CumulativeVolumeRatio*100, a.InstantVolumeRatio*100))
	builder.WriteString(fmt.Sprintf("Source: %s\n", a.Source))
	builder.WriteString(fmt.Sprintf("Detected: %s KST", a.DetectedAt.Format("15:04:05")))
	return builder.String()
}

func renderTrade(e trader.ExitRecord) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Trade] %s (%s) closed: %s\n", e.Name, e.Symbol, e.Reason))
	builder.WriteString(fmt.Sprintf("Entry: %s -> Exit: %s x %d\n",
		e.EntryPrice.String(), e.ExitPrice.String(), e.Quantity))
	builder.WriteString(fmt.Sprintf("P&L: %+.2f%% (%s KRW)\n", e.ProfitPct, e.ProfitAmount.StringFixed(0)))
	builder.WriteString(fmt.Sprintf("Closed: %s KST", e.ClosedAt.Format("15:04:05")))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
