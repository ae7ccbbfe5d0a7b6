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
)

// Kind classifies an operator alert.
type Kind string

const (
	KindStrandedFunds   Kind = "STRANDED_FUNDS"
	KindTerminalFailure Kind = "TERMINAL_FAILURE"
	KindHealthDown      Kind = "HEALTH_DOWN"
)

// Notification carries the context of an alert. Empty fields are omitted from the message.
type Notification struct {
	Kind        Kind
	Time        time.Time
	Title       string
	Wallet      string
	ChainID     uint64
	Strategy    string
	GroupID     string
	RebalanceID string
	Amount      string
	MessageHash string
	Job         string
	Attempts    int
	MaxAttempts int
	Error       string
	Details     string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// NopNotifier drops every alert.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// TelegramNotifier posts alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
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

// Notify calls sendMessage.
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

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("rebalance_id", note.RebalanceID).
		Msg("alert sent (Telegram)")
	return nil
}

// Safe wraps a notifier so delivery failures are logged instead of returned.
func Safe(n Notifier, logger zerolog.Logger) func(ctx context.Context, note Notification) {
	if n == nil {
		n = NopNotifier{}
	}
	return func(ctx context.Context, note Notification) {
		if note.Time.IsZero() {
			note.Time = time.Now()
		}
		if err := n.Notify(ctx, note); err != nil {
			logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to deliver alert")
		}
	}
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	title := note.Title
	if title == "" {
		title = string(note.Kind)
	}
	builder.WriteString(fmt.Sprintf("[Liquidity Rebalancer] %s\n", title))
	if !note.Time.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Time.UTC().Format(time.RFC3339)))
	}
	line := func(label, value string) {
		if value != "" {
			builder.WriteString(fmt.Sprintf("%s: %s\n", label, value))
		}
	}
	line("Wallet", note.Wallet)
	if note.ChainID != 0 {
		line("Chain", fmt.Sprintf("%d", note.ChainID))
	}
	line("Strategy", note.Strategy)
	line("Group", note.GroupID)
	line("Rebalance", note.RebalanceID)
	line("Amount", note.Amount)
	line("Message hash", note.MessageHash)
	line("Job", note.Job)
	if note.MaxAttempts > 0 {
		line("Attempts", fmt.Sprintf("%d/%d", note.Attempts, note.MaxAttempts))
	}
	line("Error", note.Error)
	if note.Details != "" {
		builder.WriteString(note.Details)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
