package spf

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/synqronlabs/spf/dns"
)

func testChecker(resolver dns.Resolver) *checker {
	return &checker{
		resolver:      resolver,
		cfg:           DefaultConfig(),
		log:           slog.Default(),
		ip:            net.ParseIP("192.0.2.3"),
		ip4:           net.ParseIP("192.0.2.3").To4(),
		senderLocal:   "strong-bad",
		senderDomain:  "email.example.com",
		helo:          "mail.example.com",
		initialDomain: "email.example.com",
		authentic:     true,
	}
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		expected string
		wantErr  bool
	}{
		// Examples from RFC 7208 section 7.4.
		{
			name:     "sender",
			spec:     "%{s}",
			expected: "strong-bad@email.example.com",
		},
		{
			name:     "sender domain",
			spec:     "%{o}",
			expected: "email.example.com",
		},
		{
			name:     "domain",
			spec:     "%{d}",
			expected: "email.example.com",
		},
		{
			name:     "domain four labels",
			spec:     "%{d4}",
			expected: "email.example.com",
		},
		{
			name:     "domain one label",
			spec:     "%{d1}",
			expected: "com",
		},
		{
			name:     "domain reversed",
			spec:     "%{dr}",
			expected: "com.example.email",
		},
		{
			name:     "domain reversed two labels",
			spec:     "%{d2r}",
			expected: "example.email",
		},
		{
			name:     "local part",
			spec:     "%{l}",
			expected: "strong-bad",
		},
		{
			name:     "local part dash delimiter",
			spec:     "%{l-}",
			expected: "strong.bad",
		},
		{
			name:     "local part reversed",
			spec:     "%{lr}",
			expected: "strong-bad",
		},
		{
			name:     "local part dash delimiter reversed",
			spec:     "%{lr-}",
			expected: "bad.strong",
		},
		{
			name:     "first label of reversed local part",
			spec:     "%{l1r-}",
			expected: "strong",
		},
		{
			name:     "ir dot v underscore spf d2",
			spec:     "%{ir}.%{v}._spf.%{d2}",
			expected: "3.2.0.192.in-addr._spf.example.com",
		},
		{
			name:     "lr dash dot lp underscore spf d2",
			spec:     "%{lr-}.lp._spf.%{d2}",
			expected: "bad.strong.lp._spf.example.com",
		},
		{
			name:     "ip",
			spec:     "%{i}",
			expected: "192.0.2.3",
		},
		{
			name:     "helo",
			spec:     "%{h}",
			expected: "mail.example.com",
		},
		{
			name:     "literal percent",
			spec:     "%%",
			expected: "%",
		},
		{
			name:     "space",
			spec:     "%_",
			expected: " ",
		},
		{
			name:     "url encoded space",
			spec:     "%-",
			expected: "%20",
		},
		{
			name:     "literal text",
			spec:     "test.example.com",
			expected: "test.example.com",
		},
		{
			name:     "uppercase url escapes",
			spec:     "%{S}",
			expected: "strong-bad%40email.example.com",
		},
		{
			name:    "trailing percent",
			spec:    "foo%",
			wantErr: true,
		},
		{
			name:    "invalid escape",
			spec:    "%z",
			wantErr: true,
		},
		{
			name:    "unknown macro letter",
			spec:    "%{z}",
			wantErr: true,
		},
		{
			name:    "missing closing brace",
			spec:    "%{d",
			wantErr: true,
		},
		{
			name:    "zero labels",
			spec:    "%{d0}",
			wantErr: true,
		},
		{
			name:    "c only allowed in exp",
			spec:    "%{c}",
			wantErr: true,
		},
		{
			name:    "r only allowed in exp",
			spec:    "%{r}",
			wantErr: true,
		},
		{
			name:    "t only allowed in exp",
			spec:    "%{t}",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChecker(dns.MockResolver{})
			got, err := c.expand(context.Background(), tt.spec, c.initialDomain, false)

			if (err != nil) != tt.wantErr {
				t.Errorf("expand() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && !errors.Is(err, ErrMacroSyntax) {
				t.Errorf("expand() error = %v, want ErrMacroSyntax", err)
			}
			if got != tt.expected && !tt.wantErr {
				t.Errorf("expand() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestExpandIPv6(t *testing.T) {
	c := testChecker(dns.MockResolver{})
	c.ip = net.ParseIP("2001:db8::cb01")
	c.ip4 = nil

	got, err := c.expand(context.Background(), "%{ir}.%{v}._spf.%{d2}", "email.example.com", false)
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}
	want := "1.0.b.c.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6._spf.example.com"
	if got != want {
		t.Errorf("expand() = %q, want %q", got, want)
	}
}

func TestExpandEmptySender(t *testing.T) {
	c := testChecker(dns.MockResolver{})
	c.senderLocal = ""
	c.senderDomain = ""
	c.initialDomain = "example.com"

	tests := []struct {
		spec     string
		expected string
	}{
		{"%{s}", ""},
		{"%{l}", "postmaster"},
		{"%{o}", "example.com"},
	}
	for _, tt := range tests {
		got, err := c.expand(context.Background(), tt.spec, "example.com", false)
		if err != nil {
			t.Fatalf("expand(%q) error = %v", tt.spec, err)
		}
		if got != tt.expected {
			t.Errorf("expand(%q) = %q, want %q", tt.spec, got, tt.expected)
		}
	}
}

func TestExpandExplanation(t *testing.T) {
	c := testChecker(dns.MockResolver{})
	c.hostname = "mx.example.org"
	c.localIP = net.ParseIP("198.51.100.7")

	origNow := timeNow
	timeNow = func() time.Time { return time.Unix(1234567890, 0) }
	defer func() { timeNow = origNow }()

	tests := []struct {
		spec     string
		expected string
	}{
		{"%{c}", "198.51.100.7"},
		{"%{r}", "mx.example.org"},
		{"%{t}", "1234567890"},
		{"See http://%{d}/why.html?s=%{S}", "See http://email.example.com/why.html?s=strong-bad%40email.example.com"},
	}
	for _, tt := range tests {
		got, err := c.expand(context.Background(), tt.spec, "email.example.com", true)
		if err != nil {
			t.Fatalf("expand(%q) error = %v", tt.spec, err)
		}
		if got != tt.expected {
			t.Errorf("expand(%q) = %q, want %q", tt.spec, got, tt.expected)
		}
	}
}

func TestExpandPMacro(t *testing.T) {
	// The p macro resolves the validated reverse name for the connecting
	// IP and is charged against the lookup budget.
	resolver := dns.MockResolver{
		PTR: map[string][]string{
			"192.0.2.3": {"mx.example.com.", "other.example.org."},
		},
		A: map[string][]string{
			"mx.example.com.":    {"192.0.2.3"},
			"other.example.org.": {"192.0.2.3"},
		},
	}

	c := testChecker(resolver)
	got, err := c.expand(context.Background(), "%{p}", "example.com", false)
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}
	if got != "mx.example.com" {
		t.Errorf("expand() = %q, want %q", got, "mx.example.com")
	}
	if c.lookups != 1 {
		t.Errorf("lookups = %d, want 1", c.lookups)
	}

	// No PTR record yields "unknown" and a void lookup.
	c = testChecker(dns.MockResolver{})
	got, err = c.expand(context.Background(), "%{p}", "example.com", false)
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}
	if got != "unknown" {
		t.Errorf("expand() = %q, want %q", got, "unknown")
	}
	if c.voids != 1 {
		t.Errorf("voids = %d, want 1", c.voids)
	}

	// Budget exhaustion aborts evaluation.
	c = testChecker(resolver)
	c.lookups = c.cfg.LookupLimit
	_, err = c.expand(context.Background(), "%{p}", "example.com", false)
	var rerr *resultError
	if !errors.As(err, &rerr) {
		t.Fatalf("expand() error = %v, want resultError", err)
	}
	if rerr.result.Status != StatusPermerror {
		t.Errorf("abort status = %v, want permerror", rerr.result.Status)
	}
}

func TestExpandDomainTruncation(t *testing.T) {
	c := testChecker(dns.MockResolver{})
	long := ""
	for range 30 {
		long += "0123456789."
	}
	c.initialDomain = long + "example.com"

	name, abort := c.expandDomain(context.Background(), "%{d}", c.initialDomain)
	if abort != nil {
		t.Fatalf("expandDomain() abort = %v", abort)
	}
	if len(name) > 253 {
		t.Errorf("expanded name length %d, want <= 253", len(name))
	}
	if name[0] == '.' {
		t.Errorf("expanded name starts with dot: %q", name)
	}
}
