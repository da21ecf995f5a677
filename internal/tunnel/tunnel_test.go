package tunnel

import "testing"

func TestForName(t *testing.T) {
	if p, err := ForName("", nil); err != nil || p != nil {
		t.Errorf("empty name = (%v, %v), want (nil, nil)", p, err)
	}
	if p, err := ForName("cloudflared", nil); err != nil || p == nil {
		t.Errorf("cloudflared = (%v, %v), want a provider", p, err)
	}
	if _, err := ForName("ngrok", nil); err == nil {
		t.Error("unknown provider name should error")
	}
}

func TestCloudflaredURLPattern(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"2026-08-25T10:00:00Z INF +  https://quiet-rain-1234.trycloudflare.com  +", "https://quiet-rain-1234.trycloudflare.com"},
		{"INF Starting tunnel connection", ""},
		{"visit https://dash.cloudflare.com for details", ""},
	}
	for _, tc := range cases {
		if got := cloudflaredURLPattern.FindString(tc.line); got != tc.want {
			t.Errorf("FindString(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}
