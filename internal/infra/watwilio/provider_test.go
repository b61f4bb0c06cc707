package watwilio

import (
	"testing"

	"clawdis/internal/biz/domain"
)

func TestMapStatus_CoversEveryBucket(t *testing.T) {
	cases := map[string]domain.DeliveryStatus{
		"sent":        domain.StatusSent,
		"sending":     domain.StatusSent,
		"queued":      domain.StatusSent,
		"delivered":   domain.StatusDelivered,
		"read":        domain.StatusRead,
		"failed":      domain.StatusFailed,
		"undelivered": domain.StatusFailed,
		"canceled":    domain.StatusFailed,
		"bogus":       domain.StatusUnknown,
		"":            domain.StatusUnknown,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatTwilioError_CombinesCodeAndMessage(t *testing.T) {
	code := 63016
	msg := "Failed to send freeform message"
	got := formatTwilioError(&code, &msg)
	want := "63016: Failed to send freeform message"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatTwilioError_EmptyWhenBothNil(t *testing.T) {
	if got := formatTwilioError(nil, nil); got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestParseTwilioTime_HandlesRFC1123Z(t *testing.T) {
	s := "Mon, 02 Jan 2006 15:04:05 +0000"
	got := parseTwilioTime(&s)
	if got.IsZero() {
		t.Fatal("expected non-zero parsed time")
	}
}

func TestParseTwilioTime_NilReturnsZero(t *testing.T) {
	if got := parseTwilioTime(nil); !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
}
