package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	note := Notification{
		Kind:        KindStrandedFunds,
		Title:       "STRANDED USDC ALERT",
		Time:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Wallet:      "0x1111",
		ChainID:     8453,
		Amount:      "100.5",
		MessageHash: "0xabc",
		Attempts:    2,
		MaxAttempts: 3,
	}
	require.NoError(t, notifier.Notify(context.Background(), note))

	assert.Equal(t, "chat", received["chat_id"])
	text := received["text"]
	assert.Contains(t, text, "[Liquidity Rebalancer] STRANDED USDC ALERT")
	assert.Contains(t, text, "Chain: 8453")
	assert.Contains(t, text, "Attempts: 2/3")
	assert.Contains(t, text, "Time: 2026-01-02T03:04:05Z UTC")
	assert.NotContains(t, text, "Strategy:")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	assert.Error(t, notifier.Notify(context.Background(), Notification{Kind: KindHealthDown}))
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	assert.EqualError(t, notifier.Notify(context.Background(), Notification{}), "telegram unexpected status: 429")
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("boom")
}

func TestSafeSwallowsErrors(t *testing.T) {
	n := &failingNotifier{}
	send := Safe(n, zerolog.Nop())
	send(context.Background(), Notification{Kind: KindTerminalFailure})
	assert.Equal(t, 1, n.calls)

	Safe(nil, zerolog.Nop())(context.Background(), Notification{})
}
