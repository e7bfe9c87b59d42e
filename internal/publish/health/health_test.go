package health

import (
	"testing"
	"time"

	"crosspost/internal/publish"
)

func ptr(t time.Time) *time.Time { return &t }

func TestClassify(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := New(0)

	cases := []struct {
		name string
		ch   publish.Channel
		want State
	}{
		{"active no expiry", publish.Channel{Active: true}, Healthy},
		{"inactive no expiry", publish.Channel{Active: false}, Disconnected},
		{"already expired", publish.Channel{Active: true, ExpiresAt: ptr(now.Add(-time.Hour))}, Expired},
		{"expires exactly now", publish.Channel{Active: true, ExpiresAt: ptr(now)}, Expired},
		{"expires in one hour", publish.Channel{Active: true, ExpiresAt: ptr(now.Add(time.Hour))}, Expiring},
		{"expires in 7 days", publish.Channel{Active: true, ExpiresAt: ptr(now.Add(7 * 24 * time.Hour))}, Expiring},
		{"expires in 7 days and a minute", publish.Channel{Active: true, ExpiresAt: ptr(now.Add(7*24*time.Hour + time.Minute))}, Healthy},
		{"inactive with future expiry", publish.Channel{Active: false, ExpiresAt: ptr(now.Add(30 * 24 * time.Hour))}, Healthy},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := ev.Classify(tc.ch, now); got != tc.want {
				t.Fatalf("Classify=%q want %q", got, tc.want)
			}
		})
	}
}

func TestEvaluateDays(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	chans := []publish.Channel{
		{ID: "a", Platform: "x", Active: true, ExpiresAt: ptr(now.Add(36 * time.Hour))},
		{ID: "b", Platform: "youtube", Active: true},
	}
	got := New(3).Evaluate(chans, now)
	if len(got) != 2 {
		t.Fatalf("len=%d", len(got))
	}
	if got[0].DaysUntilExpiry == nil || *got[0].DaysUntilExpiry != 2 {
		t.Fatalf("days=%v", got[0].DaysUntilExpiry)
	}
	if got[0].State != Expiring {
		t.Fatalf("state=%q", got[0].State)
	}
	if got[1].DaysUntilExpiry != nil || got[1].State != Healthy {
		t.Fatalf("row=%+v", got[1])
	}
}

func TestRejection(t *testing.T) {
	t.Parallel()

	if cat, reason, ok := Rejection(Expired); !ok || cat != publish.CategoryPermanentAuthExpired || reason != publish.ReasonTokenExpired {
		t.Fatalf("expired -> %q %q %v", cat, reason, ok)
	}
	if _, reason, ok := Rejection(Disconnected); !ok || reason != publish.ReasonNoConnection {
		t.Fatalf("disconnected -> %q %v", reason, ok)
	}
	if _, _, ok := Rejection(Expiring); ok {
		t.Fatalf("expiring must be attempted")
	}
}
