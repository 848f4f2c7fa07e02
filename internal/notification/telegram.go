package notification

import (
	"context"
	"log/slog"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to one chat through the Bot API.
type TelegramNotifier struct {
	jsonPoster
	endpoint string
	chatID   string
}

// NewTelegramNotifier creates a notifier for the bot token and chat id.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return newTelegramNotifier(telegramAPI, botToken, chatID)
}

func newTelegramNotifier(apiBase, botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		jsonPoster: newJSONPoster("telegram"),
		endpoint:   apiBase + "/bot" + botToken + "/sendMessage",
		chatID:     chatID,
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

var levelBadge = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

// telegramText renders alert as MarkdownV2: badge, bold title, blank line, message.
func telegramText(alert Alert) string {
	badge, ok := levelBadge[alert.Level]
	if !ok {
		badge = levelBadge[AlertInfo]
	}
	return badge + " *" + escapeMarkdown(alert.Title) + "*\n\n" + escapeMarkdown(alert.Message)
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	err := t.post(ctx, t.endpoint, telegramMessage{
		ChatID:    t.chatID,
		Text:      telegramText(alert),
		ParseMode: "MarkdownV2",
	})
	if err == nil {
		slog.Debug("[telegram] alert delivered", "title", alert.Title)
	}
	return err
}

var markdownEscaper = strings.NewReplacer(func() []string {
	var pairs []string
	for _, c := range "_*[]()~`>#+-=|{}.!\\" {
		pairs = append(pairs, string(c), `\`+string(c))
	}
	return pairs
}()...)

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
