package notifications

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

const defaultAlertCooldown = 15 * time.Minute

// AlertSink watches usage records and raises operator alerts about the
// credential pool. Each alert type fires at most once per cooldown.
type AlertSink struct {
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[NotificationType]time.Time
}

func NewAlertSink(notifier Notifier, cooldown time.Duration) *AlertSink {
	if cooldown <= 0 {
		cooldown = defaultAlertCooldown
	}
	return &AlertSink{
		notifier: notifier,
		cooldown: cooldown,
		now:      time.Now,
		last:     make(map[NotificationType]time.Time),
	}
}

func (a *AlertSink) Insert(ctx context.Context, rec domain.UsageRecord) error {
	n, ok := classify(rec)
	if !ok || !a.due(n.Type) {
		return nil
	}
	return a.notifier.Send(ctx, n)
}

func (a *AlertSink) due(t NotificationType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if last, ok := a.last[t]; ok && now.Sub(last) < a.cooldown {
		return false
	}
	a.last[t] = now
	return true
}

func classify(rec domain.UsageRecord) (Notification, bool) {
	if rec.Success {
		return Notification{}, false
	}

	data := map[string]any{"ip_address": rec.IPAddress}
	if rec.Model != nil {
		data["model"] = *rec.Model
	}

	if rec.CredentialID == nil {
		return Notification{
			Type:    NotificationPoolExhausted,
			Message: "no active credential available",
			Data:    data,
		}, true
	}

	data["cookie_id"] = *rec.CredentialID
	msg := ""
	if rec.ErrorMessage != nil {
		msg = *rec.ErrorMessage
	}

	switch {
	case strings.HasPrefix(msg, "Status 429:"):
		return Notification{Type: NotificationRateLimited, Message: msg, Data: data}, true
	case strings.HasPrefix(msg, "Status 401:"), strings.HasPrefix(msg, "Status 403:"):
		return Notification{Type: NotificationUpstreamDenied, Message: msg, Data: data}, true
	}
	return Notification{}, false
}
