package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/synqronlabs/spf/dns"
)

// ErrMacroSyntax indicates a malformed macro-string.
var ErrMacroSyntax = errors.New("spf: macro syntax error")

// timeNow is replaced in tests that pin the "t" macro output.
var timeNow = time.Now

// Delimiter characters a macro transformer may split on.
const macroDelims = ".-+,/_="

// macroTerm is one %{...} expansion: the macro letter and its
// transformers.
type macroTerm struct {
	letter  byte
	upper   bool   // Uppercase letter, URL-escape the expansion.
	labels  int    // Keep the rightmost N labels; 0 keeps all.
	reverse bool
	delims  string // Characters to split on; empty means ".".
}

// parseMacroTerm parses a macro term from s, which starts just past the
// opening brace. It returns the term and the remainder after the closing
// brace.
func parseMacroTerm(s string) (macroTerm, string, error) {
	var t macroTerm
	if s == "" {
		return t, "", fmt.Errorf("%w: unterminated macro", ErrMacroSyntax)
	}
	t.letter = s[0]
	if t.letter >= 'A' && t.letter <= 'Z' {
		t.upper = true
		t.letter |= 0x20
	}
	s = s[1:]

	digits := 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		n, err := strconv.Atoi(s[:digits])
		if err != nil || n == 0 {
			return t, "", fmt.Errorf("%w: bad label count %q", ErrMacroSyntax, s[:digits])
		}
		t.labels = n
		s = s[digits:]
	}

	if len(s) > 0 && (s[0] == 'r' || s[0] == 'R') {
		t.reverse = true
		s = s[1:]
	}

	for len(s) > 0 && strings.IndexByte(macroDelims, s[0]) >= 0 {
		t.delims += s[:1]
		s = s[1:]
	}

	if len(s) == 0 || s[0] != '}' {
		return t, "", fmt.Errorf("%w: unterminated macro", ErrMacroSyntax)
	}
	return t, s[1:], nil
}

// apply runs the term's transformers over the raw macro value.
func (t macroTerm) apply(v string) string {
	if t.labels > 0 || t.reverse || t.delims != "" {
		delims := t.delims
		if delims == "" {
			delims = "."
		}
		parts := splitAny(v, delims)
		if t.reverse {
			slices.Reverse(parts)
		}
		if t.labels > 0 && t.labels < len(parts) {
			parts = parts[len(parts)-t.labels:]
		}
		v = strings.Join(parts, ".")
	}
	if t.upper {
		v = urlEscape(v)
	}
	return v
}

// expand expands macros in a macro-string. The exp flag permits the "c",
// "r" and "t" macro letters, which are only valid in explanation text.
//
// Returned errors are either wrapped ErrMacroSyntax for malformed input,
// or a *resultError when evaluation must stop (a DNS budget overrun inside
// the "p" macro).
func (c *checker) expand(ctx context.Context, spec, domain string, exp bool) (string, error) {
	var b strings.Builder
	for spec != "" {
		pct := strings.IndexByte(spec, '%')
		if pct < 0 {
			b.WriteString(spec)
			break
		}
		b.WriteString(spec[:pct])
		spec = spec[pct+1:]
		if spec == "" {
			return "", fmt.Errorf("%w: stray %% at end", ErrMacroSyntax)
		}

		switch spec[0] {
		case '%':
			b.WriteByte('%')
			spec = spec[1:]
		case '_':
			b.WriteByte(' ')
			spec = spec[1:]
		case '-':
			b.WriteString("%20")
			spec = spec[1:]
		case '{':
			term, rest, err := parseMacroTerm(spec[1:])
			if err != nil {
				return "", err
			}
			spec = rest
			v, err := c.macroValue(ctx, term.letter, domain, exp)
			if err != nil {
				return "", err
			}
			b.WriteString(term.apply(v))
		default:
			return "", fmt.Errorf("%w: bad escape %%%c", ErrMacroSyntax, spec[0])
		}
	}
	return b.String(), nil
}

// macroValue resolves a macro letter to its raw, untransformed value.
func (c *checker) macroValue(ctx context.Context, letter byte, domain string, exp bool) (string, error) {
	switch letter {
	case 's':
		if c.senderLocal == "" && c.senderDomain == "" {
			return "", nil
		}
		return c.effectiveLocal() + "@" + c.effectiveDomain(), nil
	case 'l':
		return c.effectiveLocal(), nil
	case 'o':
		return c.effectiveDomain(), nil
	case 'd':
		return domain, nil
	case 'i':
		return expandIP(c.ip), nil
	case 'p':
		name, abort := c.nameOfIP(ctx, domain)
		if abort != nil {
			return "", &resultError{*abort}
		}
		return name, nil
	case 'v':
		if c.ip4 != nil {
			return "in-addr", nil
		}
		return "ip6", nil
	case 'h':
		return c.helo, nil
	case 'c', 'r', 't':
		if !exp {
			return "", fmt.Errorf("%w: %%{%c} outside explanation text", ErrMacroSyntax, letter)
		}
		switch letter {
		case 'c':
			if c.localIP == nil {
				return "", nil
			}
			return c.localIP.String(), nil
		case 'r':
			return c.hostname, nil
		default:
			return strconv.FormatInt(timeNow().Unix(), 10), nil
		}
	}
	return "", fmt.Errorf("%w: unrecognized macro letter %q", ErrMacroSyntax, letter)
}

// expandDomain expands a domain-spec into a DNS name. Over-long expansions
// are truncated by dropping labels from the left. Returns a non-nil Result
// when evaluation must stop.
func (c *checker) expandDomain(ctx context.Context, spec, domain string) (string, *Result) {
	name, err := c.expand(ctx, spec, domain, false)
	if err != nil {
		var rerr *resultError
		if errors.As(err, &rerr) {
			return "", &rerr.result
		}
		return "", &Result{Status: StatusPermerror, Explanation: msgRecordSyntax, Err: err}
	}

	name = strings.TrimSuffix(name, ".")
	for len(name) > 253 {
		dot := strings.IndexByte(name, '.')
		if dot < 0 {
			break
		}
		name = name[dot+1:]
	}
	return name, nil
}

// nameOfIP resolves the validated host name for the connecting IP, for the
// "p" macro. The lookup is charged against the shared DNS budget. Any DNS
// failure yields "unknown".
func (c *checker) nameOfIP(ctx context.Context, domain string) (string, *Result) {
	if res := c.chargeLookup(); res != nil {
		return "", res
	}

	names, err := c.lookupPTR(ctx)
	if errors.Is(err, dns.ErrNotFound) {
		if res := c.chargeVoid(); res != nil {
			return "", res
		}
		return "unknown", nil
	}
	if err != nil {
		return "unknown", nil
	}

	if len(names) > mxPtrLimit {
		names = names[:mxPtrLimit]
	}

	// Candidates ordered by preference: the domain itself, then names
	// ending with it, then anything else. Suffix comparison only, a
	// label boundary is not required.
	target := strings.ToLower(strings.TrimSuffix(domain, "."))
	ranked := make([]string, 0, len(names))
	rank := func(keep func(string) bool) {
		for _, name := range names {
			name = strings.TrimSuffix(name, ".")
			if name != "" && keep(strings.ToLower(name)) {
				ranked = append(ranked, name)
			}
		}
	}
	rank(func(s string) bool { return s == target })
	rank(func(s string) bool { return s != target && strings.HasSuffix(s, target) })
	rank(func(s string) bool { return !strings.HasSuffix(s, target) })

	for _, name := range ranked {
		ok, abort := c.validatePTRName(ctx, name)
		if abort != nil {
			return "", abort
		}
		if ok {
			return name, nil
		}
	}
	return "unknown", nil
}

// validatePTRName checks that a PTR name resolves back to the connecting
// IP. Sub-query failures skip the name; empty answers are charged as void
// lookups.
func (c *checker) validatePTRName(ctx context.Context, name string) (bool, *Result) {
	ips, err := c.lookupHostIPs(ctx, name)
	if errors.Is(err, dns.ErrNotFound) {
		if res := c.chargeVoid(); res != nil {
			return false, res
		}
		return false, nil
	}
	if err != nil {
		return false, nil
	}
	for _, ip := range ips {
		if ip.Equal(c.ip) {
			return true, nil
		}
	}
	return false, nil
}

// expandIP expands an IP address for the "i" macro. IPv6 addresses use
// the dotted nibble format.
func expandIP(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	nibbles := make([]string, 0, 32)
	for _, by := range ip.To16() {
		nibbles = append(nibbles,
			strconv.FormatUint(uint64(by>>4), 16),
			strconv.FormatUint(uint64(by&0xf), 16))
	}
	return strings.Join(nibbles, ".")
}

// splitAny splits s on every occurrence of any character in delims,
// keeping empty segments.
func splitAny(s, delims string) []string {
	var parts []string
	for {
		i := strings.IndexAny(s, delims)
		if i < 0 {
			return append(parts, s)
		}
		parts = append(parts, s[:i])
		s = s[i+1:]
	}
}

// urlEscape percent-escapes everything except RFC 3986 unreserved
// characters, for the uppercase macro letters.
func urlEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
