package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/sawpanic/boombust/internal/domain"
	"github.com/sawpanic/boombust/internal/secrets"
)

// SlackWebhookSecret names the incoming-webhook URL in the secret store.
// The URL itself embeds the credential, so it lives there rather than in
// config.
const SlackWebhookSecret = "slack.webhook_url"

var severityColors = map[domain.Severity]string{
	domain.SeverityInfo:     "#439FE0",
	domain.SeverityWarning:  "warning",
	domain.SeverityCritical: "danger",
}

// Slack delivers through a Slack incoming webhook.
type Slack struct {
	secrets secrets.Provider
}

// NewSlack builds the Slack notifier.
func NewSlack(vault secrets.Provider) *Slack {
	return &Slack{secrets: vault}
}

func (s *Slack) Channel() domain.Channel { return domain.ChannelSlack }

func (s *Slack) Send(ctx context.Context, env Envelope) error {
	url, err := s.secrets.Get(ctx, SlackWebhookSecret)
	if err != nil {
		return domain.AuthErr("slack", "webhook url unavailable", err)
	}

	msg := &slack.WebhookMessage{
		Text: env.Message,
		Attachments: []slack.Attachment{{
			Color: severityColors[env.Severity],
			Fields: []slack.AttachmentField{
				{Title: "Metric", Value: fmt.Sprintf("%s %s", env.DataSource, env.MetricName), Short: true},
				{Title: "Severity", Value: string(env.Severity), Short: true},
				{Title: "Observed", Value: fmt.Sprintf("%g", env.ObservedValue), Short: true},
				{Title: "Threshold", Value: fmt.Sprintf("%g", env.Threshold), Short: true},
			},
			Ts: json.Number(fmt.Sprintf("%d", env.TriggeredAt.Unix())),
		}},
	}
	if err := slack.PostWebhookContext(ctx, url, msg); err != nil {
		return domain.DispatchErr("slack", "webhook post failed", err)
	}
	return nil
}
