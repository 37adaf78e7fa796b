// Package notify implements the delivery channels the alert engine fans
// out to. Every notifier is stateless per send; credentials resolve
// through the secret provider at dispatch time so rotations apply within
// one cache TTL.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/infrastructure/httpclient"
	"github.com/sawpanic/boombust/internal/secrets"
)

// Envelope is the compact JSON payload every channel carries.
type Envelope struct {
	ID            string            `json:"id"`
	TriggeredAt   time.Time         `json:"triggered_at"`
	DataSource    domain.DataSource `json:"data_source"`
	MetricName    string            `json:"metric_name"`
	ObservedValue float64           `json:"observed_value"`
	BaselineValue float64           `json:"baseline_value"`
	Threshold     float64           `json:"threshold"`
	Severity      domain.Severity   `json:"severity"`
	Message       string            `json:"message"`
}

// Notifier delivers one envelope over one channel. Send errors are
// classified for retry by the dispatch loop.
type Notifier interface {
	Channel() domain.Channel
	Send(ctx context.Context, env Envelope) error
}

// postJSON ships a JSON body through the shared pool, so alert endpoints
// get the same per-host limits and breakers as scrape targets.
func postJSON(ctx context.Context, pool *httpclient.Pool, url string, body any, component string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.InternalErr(component, "failed to encode payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.InternalErr(component, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := pool.Do(ctx, req)
	if err != nil {
		return domain.DispatchErr(component, "delivery failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// Webhook posts the raw envelope to a configured endpoint.
type Webhook struct {
	url  string
	pool *httpclient.Pool
}

// NewWebhook builds the generic webhook notifier.
func NewWebhook(url string, pool *httpclient.Pool) *Webhook {
	return &Webhook{url: url, pool: pool}
}

func (w *Webhook) Channel() domain.Channel { return domain.ChannelWebhook }

func (w *Webhook) Send(ctx context.Context, env Envelope) error {
	if w.url == "" {
		return domain.ConfigErr("webhook", "no webhook endpoint configured", nil)
	}
	return postJSON(ctx, w.pool, w.url, env, "webhook")
}

// Telegram delivers via the Bot API sendMessage method.
type Telegram struct {
	apiBase string
	chatID  string
	pool    *httpclient.Pool
	secrets secrets.Provider
}

// TelegramTokenSecret names the bot token in the secret store.
const TelegramTokenSecret = "telegram.bot_token"

// NewTelegram builds the Telegram notifier. apiBase is overridable for
// tests; empty means the public Bot API.
func NewTelegram(apiBase, chatID string, pool *httpclient.Pool, vault secrets.Provider) *Telegram {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Telegram{apiBase: apiBase, chatID: chatID, pool: pool, secrets: vault}
}

func (t *Telegram) Channel() domain.Channel { return domain.ChannelTelegram }

func (t *Telegram) Send(ctx context.Context, env Envelope) error {
	if t.chatID == "" {
		return domain.ConfigErr("telegram", "no chat id configured", nil)
	}
	token, err := t.secrets.Get(ctx, TelegramTokenSecret)
	if err != nil {
		return domain.AuthErr("telegram", "bot token unavailable", err)
	}

	body := map[string]string{
		"chat_id": t.chatID,
		"text":    fmt.Sprintf("[%s] %s", env.Severity, env.Message),
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, token)
	return postJSON(ctx, t.pool, url, body, "telegram")
}

// SMS posts to a generic SMS gateway.
type SMS struct {
	gatewayURL string
	to         string
	pool       *httpclient.Pool
	secrets    secrets.Provider
}

// SMSKeySecret names the gateway API key in the secret store.
const SMSKeySecret = "sms.api_key"

// NewSMS builds the SMS notifier.
func NewSMS(gatewayURL, to string, pool *httpclient.Pool, vault secrets.Provider) *SMS {
	return &SMS{gatewayURL: gatewayURL, to: to, pool: pool, secrets: vault}
}

func (s *SMS) Channel() domain.Channel { return domain.ChannelSMS }

func (s *SMS) Send(ctx context.Context, env Envelope) error {
	if s.gatewayURL == "" || s.to == "" {
		return domain.ConfigErr("sms", "gateway url and recipient required", nil)
	}
	key, err := s.secrets.Get(ctx, SMSKeySecret)
	if err != nil {
		return domain.AuthErr("sms", "gateway api key unavailable", err)
	}

	body := map[string]string{
		"api_key": key,
		"to":      s.to,
		"body":    fmt.Sprintf("[%s] %s", env.Severity, env.Message),
	}
	return postJSON(ctx, s.pool, s.gatewayURL, body, "sms")
}
