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
	"github.com/shopspring/decimal"
)

// Event classifies what a notification is about.
type Event string

const (
	EventSwitchExecuted Event = "switch_executed"
	EventCycleFailed    Event = "cycle_failed"
	EventVerifyAnomaly  Event = "verify_anomaly"
)

// Notification wraps the context of one reported cycle event.
type Notification struct {
	Bucket       time.Time
	Event        Event
	Stage        string
	FromProtocol int
	ToProtocol   int
	ToName       string
	DiffPct      decimal.Decimal
	TargetAPYBps int64
	TxHash       string
	Detail       string
	Channels     []string
}

// Notifier delivers cycle notifications.
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls the sendMessage API.
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

	n.logger.Info().Time("bucket", note.Bucket).
		Str("event", string(note.Event)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert dispatched (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[YieldPilot]\n")
	builder.WriteString(fmt.Sprintf("Event: %s\n", note.Event))
	builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339)))

	switch note.Event {
	case EventSwitchExecuted:
		builder.WriteString(fmt.Sprintf("Switched: protocol %d -> %d (%s)\n", note.FromProtocol, note.ToProtocol, note.ToName))
		builder.WriteString(fmt.Sprintf("Target APY: %d bps (diff %s%%)\n", note.TargetAPYBps, note.DiffPct.StringFixed(3)))
		if note.TxHash != "" {
			builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash))
		}
	case EventCycleFailed:
		builder.WriteString(fmt.Sprintf("Failed at stage: %s\n", note.Stage))
		if note.Stage == "writing" {
			builder.WriteString("Re-read state before any retry: the write may have landed.\n")
		}
	case EventVerifyAnomaly:
		builder.WriteString(fmt.Sprintf("Post-write state mismatch after tx %s\n", note.TxHash))
	}

	if note.Detail != "" {
		builder.WriteString(note.Detail)
		builder.WriteString("\n")
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
