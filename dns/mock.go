package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to
// values. PTR records are keyed by the IP's string form.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]string

	// Fail contains records that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com." where type is lowercase.
	Fail []string

	// Timeout contains records that will return ErrTimeout.
	// Format: "type name", e.g. "txt example.com."
	Timeout []string

	// Invalid contains records that will return ErrInvalidName.
	// Format: "type name", e.g. "txt example.com."
	Invalid []string

	// AllAuthentic sets the default value for Authentic in responses.
	// Overridden by Authentic and Inauthentic lists.
	AllAuthentic bool

	// Authentic contains records that will have Authentic=true.
	// Format: "type name", e.g. "txt example.com."
	Authentic []string

	// Inauthentic contains records that will have Authentic=false.
	// Format: "type name", e.g. "txt example.com."
	Inauthentic []string
}

var _ Resolver = MockResolver{}

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "txt", "a", "aaaa", "mx", "ptr"
	Name string // FQDN with trailing dot, or IP string for ptr
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

// result checks for failures and returns the authentication status.
func (r MockResolver) result(ctx context.Context, mr mockReq) (Result[string], error) {
	result := Result[string]{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	// Check for configured failures
	if slices.Contains(r.Fail, mr.String()) {
		return result, ErrServFail
	}
	if slices.Contains(r.Timeout, mr.String()) {
		return result, ErrTimeout
	}
	if slices.Contains(r.Invalid, mr.String()) {
		return result, ErrInvalidName
	}

	// Update authentic status
	if slices.Contains(r.Authentic, mr.String()) {
		result.Authentic = true
	}
	if slices.Contains(r.Inauthentic, mr.String()) {
		result.Authentic = false
	}

	return result, nil
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureFQDN(name)

	result, err := r.result(ctx, mockReq{"txt", fqdn})
	if err != nil {
		return result, err
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrNotFound
	}

	result.Records = records
	return result, nil
}

// LookupA returns A records for the given domain.
func (r MockResolver) LookupA(ctx context.Context, name string) (Result[net.IP], error) {
	return r.lookupIP(ctx, "a", r.A, name)
}

// LookupAAAA returns AAAA records for the given domain.
func (r MockResolver) LookupAAAA(ctx context.Context, name string) (Result[net.IP], error) {
	return r.lookupIP(ctx, "aaaa", r.AAAA, name)
}

func (r MockResolver) lookupIP(ctx context.Context, typ string, records map[string][]string, name string) (Result[net.IP], error) {
	fqdn := ensureFQDN(name)

	result, err := r.result(ctx, mockReq{typ, fqdn})
	if err != nil {
		return Result[net.IP]{Authentic: result.Authentic}, err
	}

	var ips []net.IP
	for _, s := range records[fqdn] {
		ips = append(ips, net.ParseIP(s))
	}

	if len(ips) == 0 {
		return Result[net.IP]{Authentic: result.Authentic}, ErrNotFound
	}

	return Result[net.IP]{Records: ips, Authentic: result.Authentic}, nil
}

// LookupMX returns MX target host names for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureFQDN(name)

	result, err := r.result(ctx, mockReq{"mx", fqdn})
	if err != nil {
		return result, err
	}

	records, ok := r.MX[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrNotFound
	}

	result.Records = records
	return result, nil
}

// LookupPTR performs a reverse DNS lookup.
func (r MockResolver) LookupPTR(ctx context.Context, ip net.IP) (Result[string], error) {
	ipStr := ip.String()

	result, err := r.result(ctx, mockReq{"ptr", ipStr})
	if err != nil {
		return result, err
	}

	records, ok := r.PTR[ipStr]
	if !ok || len(records) == 0 {
		return result, ErrNotFound
	}

	names := make([]string, len(records))
	for i, name := range records {
		names[i] = ensureFQDN(name)
	}

	result.Records = names
	return result, nil
}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}
