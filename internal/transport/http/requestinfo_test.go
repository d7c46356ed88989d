package transporthttp

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{
			name:       "forwarded for wins over peer",
			forwarded:  "203.0.113.9",
			remoteAddr: "10.0.0.1:4321",
			want:       "203.0.113.9",
		},
		{
			name:       "first hop of forwarded chain",
			forwarded:  "203.0.113.9, 10.0.0.1, 10.0.0.2",
			remoteAddr: "10.0.0.3:4321",
			want:       "203.0.113.9",
		},
		{
			name:       "peer address without forwarding",
			remoteAddr: "192.0.2.44:9000",
			want:       "192.0.2.44",
		},
		{
			name:       "peer address without port",
			remoteAddr: "192.0.2.44",
			want:       "192.0.2.44",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractRequestInfo(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/events", nil)
	r.Header.Set("User-Agent", "PixelTest/1.0")
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	info := ExtractRequestInfo(r)
	if info.IP != "203.0.113.9" {
		t.Errorf("IP = %q", info.IP)
	}
	if info.UserAgent != "PixelTest/1.0" {
		t.Errorf("UserAgent = %q", info.UserAgent)
	}
	if got := info.Headers["User-Agent"]; len(got) != 1 || got[0] != "PixelTest/1.0" {
		t.Errorf("Headers[User-Agent] = %v", got)
	}
}
