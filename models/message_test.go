package models

import "testing"

func TestMessageStatusText(t *testing.T) {
	cases := []struct {
		status string
		text   string
		icon   string
	}{
		{StatusPending, "Sending...", "clock"},
		{StatusDelivered, "Delivered", "check"},
		{"unknown", "", ""},
	}
	for _, tc := range cases {
		msg := Message{Status: tc.status}
		if got := msg.StatusText(); got != tc.text {
			t.Fatalf("StatusText(%q) = %q, want %q", tc.status, got, tc.text)
		}
		if got := msg.StatusIcon(); got != tc.icon {
			t.Fatalf("StatusIcon(%q) = %q, want %q", tc.status, got, tc.icon)
		}
	}
	if !(Message{Status: StatusPending}).IsPending() {
		t.Fatalf("expected pending message to report IsPending")
	}
}
