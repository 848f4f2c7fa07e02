package notification

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

type recorder struct {
	alerts []Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestWebhookNotifier(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %s", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), StreamExhausted(5)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Level != "WARNING" || got.Service != "coinpulse" || !strings.Contains(got.Message, "5 reconnection") {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), BreakerOpened())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v", err)
	}
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var msg telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &msg)
	}))
	defer srv.Close()

	n := newTelegramNotifier(srv.URL, "tok", "42")
	if err := n.Send(context.Background(), LoadFailed("bitcoin", errors.New("HTTP 500"))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("path = %s", path)
	}
	if msg.ChatID != "42" || msg.ParseMode != "MarkdownV2" || !strings.Contains(msg.Text, "bitcoin: HTTP 500") {
		t.Errorf("message = %+v", msg)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a.b_c!"); got != `a\.b\_c\!` {
		t.Errorf("escapeMarkdown = %s", got)
	}
}

func TestTelegramText(t *testing.T) {
	got := telegramText(Alert{Level: AlertCritical, Title: "Feed lost", Message: "gave up."})
	if got != "🚨 *Feed lost*\n\ngave up\\." {
		t.Errorf("text = %q", got)
	}
	if got := telegramText(Alert{Level: "bogus", Title: "x"}); !strings.HasPrefix(got, "ℹ️") {
		t.Errorf("unknown level badge = %q", got)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	err := Multi{ok, bad, NewLogNotifier()}.Send(context.Background(), BreakerOpened())
	if err == nil || err.Error() != "down" {
		t.Errorf("err = %v", err)
	}
	if len(ok.alerts) != 1 || len(bad.alerts) != 1 {
		t.Error("not every notifier was called")
	}
}

func TestThrottled(t *testing.T) {
	rec := &recorder{}
	now := time.Unix(0, 0)
	th := NewThrottled(rec, time.Minute)
	th.now = func() time.Time { return now }

	th.Send(context.Background(), StreamExhausted(5))
	th.Send(context.Background(), StreamExhausted(5))
	th.Send(context.Background(), BreakerOpened())
	now = now.Add(time.Minute)
	th.Send(context.Background(), StreamExhausted(5))

	if len(rec.alerts) != 3 {
		t.Errorf("sent %d alerts, want 3", len(rec.alerts))
	}
}
