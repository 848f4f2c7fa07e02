package notification

import (
	"context"
	"log/slog"
	"time"
)

// WebhookNotifier POSTs each alert as JSON to a fixed URL.
type WebhookNotifier struct {
	jsonPoster
	url string
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{jsonPoster: newJSONPoster("webhook"), url: url}
}

type webhookPayload struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	TS      string `json:"ts"`
	Service string `json:"service"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	err := w.post(ctx, w.url, webhookPayload{
		Level:   string(alert.Level),
		Title:   alert.Title,
		Message: alert.Message,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Service: "coinpulse",
	})
	if err == nil {
		slog.Debug("[webhook] alert delivered", "title", alert.Title)
	}
	return err
}
