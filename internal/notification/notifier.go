// Package notification delivers operational alerts (live feed lost,
// upstream failing) to external channels: logs, webhooks and Telegram.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "[notify] "+alert.Title, "alert_level", string(alert.Level), "message", alert.Message)
	return nil
}

// Multi sends every alert to all of its notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled suppresses repeats of an alert title within a window.
type Throttled struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottled wraps next so each title is sent at most once per window.
func NewThrottled(next Notifier, window time.Duration) *Throttled {
	return &Throttled{next: next, window: window, now: time.Now, last: make(map[string]time.Time)}
}

func (t *Throttled) Send(ctx context.Context, alert Alert) error {
	t.mu.Lock()
	now := t.now()
	if at, ok := t.last[alert.Title]; ok && now.Sub(at) < t.window {
		t.mu.Unlock()
		slog.Debug("[notify] alert suppressed", "title", alert.Title)
		return nil
	}
	t.last[alert.Title] = now
	t.mu.Unlock()
	return t.next.Send(ctx, alert)
}

// StreamExhausted is raised when the trade stream stops reconnecting.
func StreamExhausted(attempts int) Alert {
	return Alert{
		Level:   AlertWarning,
		Title:   "Live price feed unavailable",
		Message: fmt.Sprintf("Trade stream gave up after %d reconnection attempts; it resumes on the next poll or selection.", attempts),
	}
}

// LoadFailed is raised when an instrument cannot be loaded from upstream.
func LoadFailed(instrument string, err error) Alert {
	return Alert{
		Level:   AlertWarning,
		Title:   "Market data load failed",
		Message: fmt.Sprintf("%s: %v", instrument, err),
	}
}

// BreakerOpened is raised when the Redis circuit breaker trips.
func BreakerOpened() Alert {
	return Alert{
		Level:   AlertCritical,
		Title:   "Redis circuit breaker open",
		Message: "Shared cache unreachable; serving from process memory only.",
	}
}
