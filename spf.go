package spf

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/idna"

	"github.com/synqronlabs/spf/dns"
)

// SPF evaluation errors.
var (
	ErrNoRecord           = errors.New("spf: no SPF record found")
	ErrMultipleRecords    = errors.New("spf: multiple SPF records found")
	ErrTooManyDNSRequests = errors.New("spf: exceeded maximum DNS lookups")
	ErrTooManyVoidLookups = errors.New("spf: exceeded maximum void lookups")
	ErrInvalidDomain      = errors.New("spf: invalid domain name")
)

// SPF evaluation limits per RFC 7208.
const (
	// Maximum number of DNS-querying mechanisms and modifiers.
	// This includes: include, a, mx, ptr, exists, redirect.
	dnsRequestsMax = 10

	// Maximum number of "void" lookups (lookups returning no records).
	// This is an anti-abuse measure.
	voidLookupsMax = 2

	// Maximum number of MX targets or PTR names to process per mechanism.
	mxPtrLimit = 10
)

// Status is the result of SPF verification.
type Status string

const (
	// StatusNone indicates no SPF record was found or no domain to check.
	StatusNone Status = "none"

	// StatusNeutral indicates the domain owner has explicitly stated nothing about the IP.
	// Equivalent to "?" qualifier or no match with no default.
	StatusNeutral Status = "neutral"

	// StatusPass indicates the IP is authorized to send mail for the domain.
	StatusPass Status = "pass"

	// StatusFail indicates the IP is explicitly not authorized. "-" qualifier.
	StatusFail Status = "fail"

	// StatusSoftfail indicates weak statement that IP is probably not authorized. "~" qualifier.
	StatusSoftfail Status = "softfail"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout).
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid SPF record).
	StatusPermerror Status = "permerror"
)

// Result is the outcome of a check_host evaluation.
type Result struct {
	// Status is the SPF result code.
	Status Status

	// Mechanism is the directive that determined the result, if any.
	Mechanism string

	// Explanation is a human-readable message: the domain owner's
	// explanation for a fail, or the reason for an error result.
	Explanation string

	// Err classifies error results. Use errors.Is with the package
	// sentinels (ErrNoRecord, ErrTooManyDNSRequests, ...).
	Err error

	// Authentic indicates all DNS responses were DNSSEC-validated.
	Authentic bool
}

// Config contains settings for a Verifier.
type Config struct {
	// LookupLimit is the shared budget of DNS-querying mechanisms and
	// modifiers per check. Default 10.
	LookupLimit int

	// VoidLookupLimit is the shared budget of lookups returning no
	// records per check. Default 2.
	VoidLookupLimit int

	// Hostname is the receiving host's name, used for the "r" macro and
	// the Received-SPF receiver field.
	Hostname string

	// LocalIP is the receiving host's IP, used for the "c" macro.
	LocalIP net.IP

	// Logger for debug output. Default slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the RFC 7208 limits.
func DefaultConfig() Config {
	return Config{
		LookupLimit:     dnsRequestsMax,
		VoidLookupLimit: voidLookupsMax,
	}
}

// Verifier evaluates SPF policies.
type Verifier struct {
	resolver dns.Resolver
	config   Config
	log      *slog.Logger
}

// NewVerifier creates a Verifier using the given resolver. Zero config
// fields take their defaults.
func NewVerifier(resolver dns.Resolver, config Config) *Verifier {
	if config.LookupLimit == 0 {
		config.LookupLimit = dnsRequestsMax
	}
	if config.VoidLookupLimit == 0 {
		config.VoidLookupLimit = voidLookupsMax
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Verifier{
		resolver: resolver,
		config:   config,
		log:      config.Logger,
	}
}

// CheckHost runs the check_host function: it decides whether ip is
// authorized to send mail for domain. The sender is the MAIL FROM mailbox
// ("local@domain", may be empty or "<>"), helo the EHLO/HELO parameter.
func (v *Verifier) CheckHost(ctx context.Context, ip net.IP, domain, sender, helo string) Result {
	log := v.log.With(slog.String("check", ulid.Make().String()))

	domain = normalizeDomain(domain)
	local, senderDomain := splitSender(sender)

	c := &checker{
		resolver:      v.resolver,
		cfg:           v.config,
		log:           log,
		ip:            ip,
		ip4:           ip.To4(),
		senderLocal:   local,
		senderDomain:  senderDomain,
		helo:          helo,
		initialDomain: domain,
		hostname:      v.config.Hostname,
		localIP:       v.config.LocalIP,
		authentic:     true,
	}

	res := c.checkHost(ctx, domain)
	res.Authentic = c.authentic

	log.Info("spf check done",
		slog.String("domain", domain),
		slog.Any("ip", ip),
		slog.String("status", string(res.Status)),
		slog.Int("dnslookups", c.lookups))
	return res
}

// splitSender splits a MAIL FROM mailbox into local part and domain.
// An empty or "<>" sender yields empty parts; the effective values then
// default to "postmaster" and the checked domain during macro expansion.
func splitSender(sender string) (local, domain string) {
	sender = strings.TrimSpace(sender)
	if sender == "" || sender == "<>" {
		return "", ""
	}
	i := strings.LastIndex(sender, "@")
	if i < 0 {
		return "", sender
	}
	return sender[:i], sender[i+1:]
}

// Profile for IDN conversion. Underscored labels like _spf.example.com
// are common in SPF, so strict domain name checking is off.
var idnaProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

// normalizeDomain converts an internationalized domain to its ASCII form.
// ASCII domains pass through unchanged.
func normalizeDomain(domain string) string {
	if isASCII(domain) {
		return domain
	}
	a, err := idnaProfile.ToASCII(domain)
	if err != nil {
		return domain
	}
	return a
}

// Args are the parameters for SPF verification of a message delivery.
type Args struct {
	// RemoteIP is the IP address of the sending server to check.
	RemoteIP net.IP

	// MailFromDomain is the domain from SMTP MAIL FROM.
	// Empty for null reverse-path (bounces).
	MailFromDomain string

	// MailFromLocal is the local-part from SMTP MAIL FROM.
	// Used for macro expansion.
	MailFromLocal string

	// HelloDomain is the domain or IP from SMTP EHLO/HELO command.
	HelloDomain string

	// HelloIsIP indicates if HelloDomain is actually an IP literal.
	HelloIsIP bool
}

// Verify checks if a remote IP is authorized to send email per Args.
//
// The MailFromDomain is the primary identity. If it's empty (null
// reverse-path), the HelloDomain is checked instead with sender
// postmaster@helo.
func (v *Verifier) Verify(ctx context.Context, args Args) (Received, Result) {
	identity := "mailfrom"
	domain := args.MailFromDomain
	local := args.MailFromLocal

	if domain == "" {
		if args.HelloIsIP || args.HelloDomain == "" {
			received := Received{
				Result:   StatusNone,
				Comment:  "no domain to check (MAIL FROM is empty and HELO is empty or an IP literal)",
				ClientIP: args.RemoteIP,
				Helo:     args.HelloDomain,
				Receiver: v.config.Hostname,
				Identity: "helo",
			}
			return received, Result{Status: StatusNone, Explanation: "No domain to check."}
		}
		identity = "helo"
		domain = args.HelloDomain
		local = "postmaster"
	}
	if local == "" {
		local = "postmaster"
	}
	sender := local + "@" + domain

	res := v.CheckHost(ctx, args.RemoteIP, domain, sender, args.HelloDomain)

	comment := "domain " + domain
	if identity == "helo" {
		comment += " (from HELO because MAIL FROM is empty)"
	}

	received := Received{
		Result:       res.Status,
		Comment:      comment,
		ClientIP:     args.RemoteIP,
		EnvelopeFrom: sender,
		Helo:         args.HelloDomain,
		Receiver:     v.config.Hostname,
		Identity:     identity,
		Mechanism:    res.Mechanism,
		Authentic:    res.Authentic,
	}
	if res.Err != nil {
		received.Problem = res.Err.Error()
	}

	return received, res
}

// Verify checks a delivery using the default configuration.
func Verify(ctx context.Context, resolver dns.Resolver, args Args) (Received, Result) {
	return NewVerifier(resolver, DefaultConfig()).Verify(ctx, args)
}
