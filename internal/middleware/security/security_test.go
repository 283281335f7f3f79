package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHeadersMiddleware(t *testing.T) {
	h := NewHeadersMiddleware(DefaultHeadersConfig()).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		name     string
		tls      bool
		wantHSTS bool
	}{
		{name: "plain http", tls: false, wantHSTS: false},
		{name: "https", tls: true, wantHSTS: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q", got)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q", got)
			}
			hsts := rec.Header().Get("Strict-Transport-Security")
			if (hsts != "") != tt.wantHSTS {
				t.Errorf("Strict-Transport-Security = %q", hsts)
			}
		})
	}
}

func TestClientIPResolver(t *testing.T) {
	r, err := NewClientIPResolver(DefaultTrustedProxies)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "direct", remote: "203.0.113.9:5000", want: "203.0.113.9"},
		{name: "untrusted peer ignores xff", remote: "203.0.113.9:5000", headers: map[string]string{"X-Forwarded-For": "198.51.100.1"}, want: "203.0.113.9"},
		{name: "trusted peer xff", remote: "10.0.0.5:5000", headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.2"}, want: "198.51.100.1"},
		{name: "trusted peer real ip", remote: "127.0.0.1:5000", headers: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "198.51.100.7"},
		{name: "garbage xff", remote: "192.168.1.1:80", headers: map[string]string{"X-Forwarded-For": "not-an-ip"}, want: "192.168.1.1"},
		{name: "no port", remote: "198.51.100.3", want: "198.51.100.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := r.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientIPResolver_InvalidCIDR(t *testing.T) {
	if _, err := NewClientIPResolver([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}
