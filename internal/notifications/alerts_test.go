package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

func strPtr(s string) *string { return &s }
func idPtr(i int64) *int64 { return &i }

func TestAlertSink_Classification(t *testing.T) {
	tests := []struct {
		name     string
		rec      domain.UsageRecord
		wantType NotificationType
		wantSent bool
	}{
		{
			name:     "success is silent",
			rec:      domain.UsageRecord{Success: true, CredentialID: idPtr(1)},
			wantSent: false,
		},
		{
			name:     "pool exhausted",
			rec:      domain.UsageRecord{Success: false, ErrorMessage: strPtr("no active credential available")},
			wantType: NotificationPoolExhausted,
			wantSent: true,
		},
		{
			name:     "rate limited",
			rec:      domain.UsageRecord{CredentialID: idPtr(2), ErrorMessage: strPtr("Status 429: slow down")},
			wantType: NotificationRateLimited,
			wantSent: true,
		},
		{
			name:     "rejected cookie",
			rec:      domain.UsageRecord{CredentialID: idPtr(2), ErrorMessage: strPtr("Status 401: unauthorized")},
			wantType: NotificationUpstreamDenied,
			wantSent: true,
		},
		{
			name:     "transport failure is silent",
			rec:      domain.UsageRecord{CredentialID: idPtr(2), ErrorMessage: strPtr("Status unknown: connection refused")},
			wantSent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := NewInMemoryNotifier()
			sink := NewAlertSink(notifier, time.Minute)

			if err := sink.Insert(context.Background(), tt.rec); err != nil {
				t.Fatalf("Insert: %v", err)
			}

			sent := notifier.GetNotifications()
			if !tt.wantSent {
				if len(sent) != 0 {
					t.Errorf("unexpected notifications: %+v", sent)
				}
				return
			}
			if len(sent) != 1 || sent[0].Type != tt.wantType {
				t.Errorf("notifications = %+v, want one %s", sent, tt.wantType)
			}
		})
	}
}

func TestAlertSink_Cooldown(t *testing.T) {
	notifier := NewInMemoryNotifier()
	sink := NewAlertSink(notifier, time.Minute)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }

	exhausted := domain.UsageRecord{ErrorMessage: strPtr("no active credential available")}

	sink.Insert(context.Background(), exhausted)
	sink.Insert(context.Background(), exhausted)
	if got := len(notifier.GetNotifications()); got != 1 {
		t.Fatalf("notifications within cooldown = %d, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	sink.Insert(context.Background(), exhausted)
	if got := len(notifier.GetNotifications()); got != 2 {
		t.Errorf("notifications after cooldown = %d, want 2", got)
	}
}
