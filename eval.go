package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/synqronlabs/spf/dns"
)

// Messages carried in evaluation results.
const (
	msgRecordSyntax = "Invalid spf record syntax."
	msgLookupLimit  = "Maximum total DNS lookups exceeded."
	msgVoidLimit    = "Maximum DNS void lookups exceeded."
	msgNoDirectives = "No directives matched."
)

// checker holds the state of a single check, shared across recursive
// evaluation of include and redirect.
type checker struct {
	resolver dns.Resolver
	cfg      Config
	log      *slog.Logger

	ip  net.IP
	ip4 net.IP // Non-nil when ip is IPv4.

	senderLocal   string
	senderDomain  string
	helo          string
	initialDomain string
	hostname      string
	localIP       net.IP

	lookups   int
	voids     int
	authentic bool
}

// resultError carries an evaluation result through error returns, for
// aborts raised inside macro expansion.
type resultError struct {
	result Result
}

func (e *resultError) Error() string {
	return string(e.result.Status) + ": " + e.result.Explanation
}

func (c *checker) effectiveLocal() string {
	if c.senderLocal == "" {
		return "postmaster"
	}
	return c.senderLocal
}

func (c *checker) effectiveDomain() string {
	if c.senderDomain == "" {
		return c.initialDomain
	}
	return c.senderDomain
}

// chargeLookup charges one query against the shared DNS lookup budget.
// Returns a non-nil Result when the budget is exhausted.
func (c *checker) chargeLookup() *Result {
	c.lookups++
	if c.lookups > c.cfg.LookupLimit {
		return &Result{Status: StatusPermerror, Explanation: msgLookupLimit, Err: ErrTooManyDNSRequests}
	}
	return nil
}

// chargeVoid charges one void lookup (a query that returned no records).
func (c *checker) chargeVoid() *Result {
	c.voids++
	if c.voids > c.cfg.VoidLookupLimit {
		return &Result{Status: StatusPermerror, Explanation: msgVoidLimit, Err: ErrTooManyVoidLookups}
	}
	return nil
}

// checkHost runs the check_host algorithm for domain.
func (c *checker) checkHost(ctx context.Context, domain string) Result {
	domain = strings.TrimSuffix(domain, ".")
	if err := validateDomain(domain); err != nil {
		return Result{
			Status:      StatusNone,
			Explanation: "Invalid domain: " + domain,
			Err:         fmt.Errorf("%w: %v", ErrInvalidDomain, err),
		}
	}

	record, res := c.lookupRecord(ctx, domain)
	if res != nil {
		return *res
	}

	return c.evaluate(ctx, domain, record)
}

// lookupRecord fetches and parses the SPF record for domain.
func (c *checker) lookupRecord(ctx context.Context, domain string) (*Record, *Result) {
	result, err := c.resolver.LookupTXT(ctx, domain+".")
	c.authentic = c.authentic && result.Authentic

	if errors.Is(err, dns.ErrNotFound) || errors.Is(err, dns.ErrInvalidName) {
		return nil, &Result{Status: StatusNone, Explanation: "No SPF record found for: " + domain, Err: ErrNoRecord}
	}
	if err != nil {
		return nil, &Result{Status: StatusTemperror, Explanation: "DNS lookup failed for: " + domain, Err: err}
	}

	var spfTxt string
	count := 0
	for _, txt := range result.Records {
		if !isSPFRecord(txt) {
			continue
		}
		count++
		spfTxt = txt
	}

	if count == 0 {
		return nil, &Result{Status: StatusNone, Explanation: "No SPF record found for: " + domain, Err: ErrNoRecord}
	}
	if count > 1 {
		return nil, &Result{Status: StatusPermerror, Explanation: "Multiple SPF records found for: " + domain, Err: ErrMultipleRecords}
	}

	record, _, perr := ParseRecord(spfTxt)
	if perr != nil {
		return nil, &Result{Status: StatusPermerror, Explanation: msgRecordSyntax, Err: perr}
	}
	return record, nil
}

// isSPFRecord reports whether a TXT record carries the SPF version tag.
func isSPFRecord(txt string) bool {
	if len(txt) < 6 || !strings.EqualFold(txt[:6], "v=spf1") {
		return false
	}
	return len(txt) == 6 || txt[6] == ' '
}

// evaluate walks the record's directives in order, then follows redirect.
func (c *checker) evaluate(ctx context.Context, domain string, record *Record) Result {
	for _, d := range record.Directives {
		switch d.Mechanism {
		case "include", "a", "mx", "ptr", "exists":
			if res := c.chargeLookup(); res != nil {
				res.Mechanism = d.String()
				return *res
			}
		}

		var match bool
		var abort *Result

		switch d.Mechanism {
		case "all":
			match = true
		case "ip4":
			if c.ip4 != nil {
				match = c.matchIP(d.IP, d)
			}
		case "ip6":
			if c.ip4 == nil {
				match = c.matchIP(d.IP, d)
			}
		case "a":
			match, abort = c.evalA(ctx, domain, d)
		case "mx":
			match, abort = c.evalMX(ctx, domain, d)
		case "ptr":
			match, abort = c.evalPTR(ctx, domain, d)
		case "exists":
			match, abort = c.evalExists(ctx, domain, d)
		case "include":
			match, abort = c.evalInclude(ctx, domain, d)
		default:
			return Result{Status: StatusPermerror, Explanation: msgRecordSyntax, Err: fmt.Errorf("%w: %q", ErrInvalidMechanism, d.Mechanism)}
		}

		if abort != nil {
			if abort.Mechanism == "" {
				abort.Mechanism = d.String()
			}
			return *abort
		}
		if !match {
			continue
		}

		c.log.Debug("directive matched",
			slog.String("domain", domain),
			slog.String("directive", d.String()))
		return c.matchResult(ctx, domain, record, d)
	}

	// "all" always matches, so a record containing it never gets here and
	// its redirect is never followed.
	if record.Redirect != "" {
		if res := c.chargeLookup(); res != nil {
			return *res
		}
		name, abort := c.expandDomain(ctx, record.Redirect, domain)
		if abort != nil {
			return *abort
		}
		res := c.checkHost(ctx, name)
		if res.Status == StatusNone {
			return Result{Status: StatusPermerror, Explanation: "Redirect domain has no SPF record: " + name, Err: ErrNoRecord}
		}
		return res
	}

	return Result{Status: StatusNeutral, Explanation: msgNoDirectives}
}

// matchResult turns a matched directive into the final result per its
// qualifier. Fail results carry an explanation.
func (c *checker) matchResult(ctx context.Context, domain string, record *Record, d Directive) Result {
	switch d.Qualifier {
	case "", "+":
		return Result{Status: StatusPass, Mechanism: d.String()}
	case "?":
		return Result{Status: StatusNeutral, Mechanism: d.String()}
	case "~":
		return Result{Status: StatusSoftfail, Mechanism: d.String()}
	}

	expl, abort := c.explanation(ctx, domain, record, d)
	if abort != nil {
		return *abort
	}
	return Result{Status: StatusFail, Mechanism: d.String(), Explanation: expl}
}

// explanation computes the explanation string for a fail. The exp= TXT
// lookup is not charged against the DNS budget. Any failure falls back to
// the default explanation, except budget overruns inside macro expansion.
func (c *checker) explanation(ctx context.Context, domain string, record *Record, d Directive) (string, *Result) {
	def := "Matched " + d.String() + "."
	if record.Explanation == "" {
		return def, nil
	}

	name, err := c.expand(ctx, record.Explanation, domain, false)
	if err != nil {
		var rerr *resultError
		if errors.As(err, &rerr) {
			return "", &rerr.result
		}
		return def, nil
	}

	result, err := c.resolver.LookupTXT(ctx, ensureAbsDNS(name))
	c.authentic = c.authentic && result.Authentic
	if err != nil || len(result.Records) == 0 {
		return def, nil
	}

	text, err := c.expand(ctx, result.Records[0], domain, true)
	if err != nil {
		var rerr *resultError
		if errors.As(err, &rerr) {
			return "", &rerr.result
		}
		return def, nil
	}
	if !isASCII(text) {
		return def, nil
	}

	return domain + " explained: " + text, nil
}

// targetName resolves the host a directive applies to: the expanded
// domain-spec, or the current domain when absent.
func (c *checker) targetName(ctx context.Context, domain string, d Directive) (string, *Result) {
	if d.DomainSpec == "" {
		return domain, nil
	}
	return c.expandDomain(ctx, d.DomainSpec, domain)
}

func (c *checker) evalA(ctx context.Context, domain string, d Directive) (bool, *Result) {
	host, abort := c.targetName(ctx, domain, d)
	if abort != nil {
		return false, abort
	}

	ips, err := c.lookupHostIPs(ctx, host)
	if errors.Is(err, dns.ErrNotFound) {
		if res := c.chargeVoid(); res != nil {
			return false, res
		}
		return false, nil
	}
	if errors.Is(err, dns.ErrInvalidName) {
		return false, nil
	}
	if err != nil {
		return false, tempResult(host, err)
	}

	for _, ip := range ips {
		if c.matchIP(ip, d) {
			return true, nil
		}
	}
	return false, nil
}

func (c *checker) evalMX(ctx context.Context, domain string, d Directive) (bool, *Result) {
	host, abort := c.targetName(ctx, domain, d)
	if abort != nil {
		return false, abort
	}

	result, err := c.resolver.LookupMX(ctx, ensureAbsDNS(host))
	c.authentic = c.authentic && result.Authentic
	if errors.Is(err, dns.ErrNotFound) {
		if res := c.chargeVoid(); res != nil {
			return false, res
		}
		return false, nil
	}
	if errors.Is(err, dns.ErrInvalidName) {
		return false, nil
	}
	if err != nil {
		return false, tempResult(host, err)
	}

	// Count distinct targets. "." is the null MX convention.
	var targets []string
	seen := map[string]bool{}
	for _, t := range result.Records {
		t = strings.TrimSuffix(t, ".")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, t)
	}
	if len(targets) > mxPtrLimit {
		return false, &Result{
			Status:      StatusPermerror,
			Explanation: fmt.Sprintf("More than %d MX records for %s", mxPtrLimit, host),
			Err:         ErrTooManyDNSRequests,
		}
	}

	var addrs []net.IP
	for _, t := range targets {
		ips, err := c.lookupHostIPs(ctx, t)
		if errors.Is(err, dns.ErrNotFound) {
			if res := c.chargeVoid(); res != nil {
				return false, res
			}
			continue
		}
		if errors.Is(err, dns.ErrInvalidName) {
			continue
		}
		if err != nil {
			return false, tempResult(t, err)
		}
		addrs = append(addrs, ips...)
	}

	for _, ip := range addrs {
		if c.matchIP(ip, d) {
			return true, nil
		}
	}
	return false, nil
}

// evalPTR matches when a validated reverse name for the connecting IP is
// the target domain or ends with it. The suffix comparison does not
// require a label boundary. A failed PTR query does not match; it is not
// a temporary error. Only the first 10 names are considered.
func (c *checker) evalPTR(ctx context.Context, domain string, d Directive) (bool, *Result) {
	host, abort := c.targetName(ctx, domain, d)
	if abort != nil {
		return false, abort
	}

	names, err := c.lookupPTR(ctx)
	if errors.Is(err, dns.ErrNotFound) {
		if res := c.chargeVoid(); res != nil {
			return false, res
		}
		return false, nil
	}
	if err != nil {
		return false, nil
	}

	if len(names) > mxPtrLimit {
		names = names[:mxPtrLimit]
	}

	// Exact matches are validated before suffix matches.
	target := strings.ToLower(strings.TrimSuffix(host, "."))
	var exact, within []string
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if name == "" {
			continue
		}
		switch lower := strings.ToLower(name); {
		case lower == target:
			exact = append(exact, name)
		case strings.HasSuffix(lower, target):
			within = append(within, name)
		}
	}

	for _, name := range append(exact, within...) {
		ok, abort := c.validatePTRName(ctx, name)
		if abort != nil {
			return false, abort
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// evalExists matches when the expanded name has any A record, regardless
// of the connecting IP's family.
func (c *checker) evalExists(ctx context.Context, domain string, d Directive) (bool, *Result) {
	name, abort := c.expandDomain(ctx, d.DomainSpec, domain)
	if abort != nil {
		return false, abort
	}

	result, err := c.resolver.LookupA(ctx, ensureAbsDNS(name))
	c.authentic = c.authentic && result.Authentic
	if errors.Is(err, dns.ErrNotFound) {
		if res := c.chargeVoid(); res != nil {
			return false, res
		}
		return false, nil
	}
	if errors.Is(err, dns.ErrInvalidName) {
		return false, nil
	}
	if err != nil {
		return false, tempResult(name, err)
	}

	return len(result.Records) > 0, nil
}

// evalInclude recursively evaluates the included domain with the shared
// budget. Pass matches; Fail, Softfail and Neutral do not; errors
// propagate; None becomes a permanent error.
func (c *checker) evalInclude(ctx context.Context, domain string, d Directive) (bool, *Result) {
	name, abort := c.expandDomain(ctx, d.DomainSpec, domain)
	if abort != nil {
		return false, abort
	}

	res := c.checkHost(ctx, name)
	switch res.Status {
	case StatusPass:
		return true, nil
	case StatusFail, StatusSoftfail, StatusNeutral:
		return false, nil
	case StatusTemperror, StatusPermerror:
		return false, &res
	default:
		return false, &Result{
			Status:      StatusPermerror,
			Explanation: "Included domain has no SPF record: " + name,
			Err:         ErrNoRecord,
		}
	}
}

// lookupHostIPs resolves address records for name in the connecting IP's
// family.
func (c *checker) lookupHostIPs(ctx context.Context, name string) ([]net.IP, error) {
	var result dns.Result[net.IP]
	var err error
	if c.ip4 != nil {
		result, err = c.resolver.LookupA(ctx, ensureAbsDNS(name))
	} else {
		result, err = c.resolver.LookupAAAA(ctx, ensureAbsDNS(name))
	}
	c.authentic = c.authentic && result.Authentic
	return result.Records, err
}

func (c *checker) lookupPTR(ctx context.Context) ([]string, error) {
	result, err := c.resolver.LookupPTR(ctx, c.ip)
	c.authentic = c.authentic && result.Authentic
	return result.Records, err
}

// matchIP compares an address record against the connecting IP under the
// directive's CIDR prefix. Absent prefixes mean full-length match.
func (c *checker) matchIP(ip net.IP, d Directive) bool {
	if c.ip4 != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return false
		}
		ones := 32
		if d.IP4CIDRLen != nil {
			ones = *d.IP4CIDRLen
		}
		mask := net.CIDRMask(ones, 32)
		return ip4.Mask(mask).Equal(c.ip4.Mask(mask))
	}

	ip6 := ip.To16()
	if ip6 == nil {
		return false
	}
	ones := 128
	if d.IP6CIDRLen != nil {
		ones = *d.IP6CIDRLen
	}
	mask := net.CIDRMask(ones, 128)
	return ip6.Mask(mask).Equal(c.ip.To16().Mask(mask))
}

func tempResult(name string, err error) *Result {
	return &Result{Status: StatusTemperror, Explanation: "DNS lookup failed for: " + name, Err: err}
}

// validateDomain checks that a domain is usable for check_host: at most
// 255 octets, at least two labels, no empty labels, labels of at most 63
// octets. The caller strips a single trailing dot first.
func validateDomain(domain string) error {
	if len(domain) == 0 {
		return fmt.Errorf("empty domain")
	}
	if len(domain) > 255 {
		return fmt.Errorf("domain too long")
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("need at least two labels")
	}
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("empty label")
		}
		if len(label) > 63 {
			return fmt.Errorf("label too long")
		}
	}
	return nil
}

// ensureAbsDNS ensures a DNS name has a trailing dot.
func ensureAbsDNS(s string) string {
	if !strings.HasSuffix(s, ".") {
		return s + "."
	}
	return s
}
