package server

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func requestWithOrigin(origin string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "http://localhost/ws", http.NoBody)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://Example.COM", "http://example.com", true},
		{"HTTPS://app.example.com:8443", "https://app.example.com:8443", true},
		{"http://localhost:8080/path", "http://localhost:8080", true},
		{"not-a-url", "", false},
		{"://missing-scheme", "", false},
		{"http://", "", false},
		{"ftp://unsupported-scheme.com", "", false},
		{"javascript:alert(1)", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeOrigin(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("normalizeOrigin(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://example.com", "bogus", "https://chat.example.com"}, quiet())

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"missing origin", "", false},
		{"listed origin", "http://example.com", true},
		{"case insensitive", "HTTP://EXAMPLE.COM", true},
		{"second origin", "https://chat.example.com", true},
		{"scheme matters", "https://example.com", false},
		{"unlisted origin", "http://evil.com", false},
		{"malformed origin", "not-a-url", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.checkOrigin(requestWithOrigin(tt.origin)); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, quiet())
	for _, origin := range []string{"http://example.com", "https://another.com", "http://localhost:3000"} {
		if !policy.allows(requestWithOrigin(origin)) {
			t.Errorf("wildcard rejected %q", origin)
		}
	}
	if policy.allows(requestWithOrigin("")) {
		t.Error("wildcard accepted a request without Origin")
	}
}
