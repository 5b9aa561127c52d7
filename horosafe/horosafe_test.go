package horosafe

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://api.lp1.av5ja.srv.nintendo.net/", false},
		{"http://93.184.216.34/app.js", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.1/internal", true},
		{"http://192.168.1.1/api", true},
		{"http://[::1]/api", true},
		{"http://0.0.0.0/", true},
		{"https:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestSameOrigin(t *testing.T) {
	base, _ := url.Parse("https://lhub.example/app/")
	tests := []struct {
		ref  string
		same bool
	}{
		{"/_next/static/chunks/main.js", true},
		{"static/js/main.js", true},
		{"https://lhub.example:443/x.js", true},
		{"//cdn.example/x.js", false},
		{"http://lhub.example/x.js", false},
		{"https://lhub.example:8443/x.js", false},
		{"https://LHUB.example/x.js", true},
	}
	for _, tt := range tests {
		u, err := ResolveSameOrigin(base, tt.ref)
		if tt.same {
			if err != nil {
				t.Errorf("%q: unexpected error %v", tt.ref, err)
			} else if u.Host == "" {
				t.Errorf("%q: unresolved %v", tt.ref, u)
			}
			continue
		}
		if !errors.Is(err, ErrCrossOrigin) {
			t.Errorf("%q: got %v, want ErrCrossOrigin", tt.ref, err)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("tournament-manager"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"../etc/passwd", "", "has spaces", strings.Repeat("a", 257)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("ValidateIdentifier(%q): expected error", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	_, err = LimitedReadAll(strings.NewReader(data), 50)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("got %v, want ErrResponseTooLarge", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"100.64.1.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("failed to parse IP %q", tt.ip)
		}
		if got := isPrivateIP(ip); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}
