package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StdResolver implements the Resolver interface using the standard library
// net package. This resolver does not support DNSSEC validation (Authentic
// will always be false). Use DNSResolver for DNSSEC support.
type StdResolver struct {
	resolver *net.Resolver
}

var _ Resolver = (*StdResolver)(nil)

// NewStdResolver creates a resolver using the standard library.
// This is useful when DNSSEC validation is not required.
func NewStdResolver() *StdResolver {
	return &StdResolver{
		resolver: net.DefaultResolver,
	}
}

// NewStdResolverWithDialer creates a resolver using a custom dialer.
// This allows configuring custom DNS servers while using the stdlib interface.
func NewStdResolverWithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{
		resolver: &net.Resolver{
			PreferGo: true,
			Dial:     dial,
		},
	}
}

// LookupTXT retrieves TXT records using the standard library.
func (r *StdResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	if !CheckName(name) {
		return Result[string]{}, ErrInvalidName
	}

	// Strip trailing dot for stdlib compatibility
	name = strings.TrimSuffix(name, ".")

	records, err := r.resolver.LookupTXT(ctx, name)
	if err != nil {
		return Result[string]{}, convertError(err)
	}

	if len(records) == 0 {
		return Result[string]{}, ErrNotFound
	}

	return Result[string]{Records: records, Authentic: false}, nil
}

// LookupA retrieves A records using the standard library.
func (r *StdResolver) LookupA(ctx context.Context, name string) (Result[net.IP], error) {
	return r.lookupIP(ctx, "ip4", name)
}

// LookupAAAA retrieves AAAA records using the standard library.
func (r *StdResolver) LookupAAAA(ctx context.Context, name string) (Result[net.IP], error) {
	return r.lookupIP(ctx, "ip6", name)
}

func (r *StdResolver) lookupIP(ctx context.Context, network, name string) (Result[net.IP], error) {
	if !CheckName(name) {
		return Result[net.IP]{}, ErrInvalidName
	}

	// Strip trailing dot for stdlib compatibility
	name = strings.TrimSuffix(name, ".")

	ips, err := r.resolver.LookupIP(ctx, network, name)
	if err != nil {
		return Result[net.IP]{}, convertError(err)
	}

	if len(ips) == 0 {
		return Result[net.IP]{}, ErrNotFound
	}

	return Result[net.IP]{Records: ips, Authentic: false}, nil
}

// LookupMX retrieves MX target host names using the standard library.
// Targets come back in the order net.Resolver returns them, which is
// sorted by preference, not answer order. Duplicates are kept.
func (r *StdResolver) LookupMX(ctx context.Context, name string) (Result[string], error) {
	if !CheckName(name) {
		return Result[string]{}, ErrInvalidName
	}

	// Strip trailing dot for stdlib compatibility
	name = strings.TrimSuffix(name, ".")

	records, err := r.resolver.LookupMX(ctx, name)
	if err != nil {
		return Result[string]{}, convertError(err)
	}

	if len(records) == 0 {
		return Result[string]{}, ErrNotFound
	}

	targets := make([]string, 0, len(records))
	for _, mx := range records {
		targets = append(targets, mx.Host)
	}

	return Result[string]{Records: targets, Authentic: false}, nil
}

// LookupPTR performs a reverse DNS lookup using the standard library.
func (r *StdResolver) LookupPTR(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address: %w", ErrInvalidName)
	}

	names, err := r.resolver.LookupAddr(ctx, ip.String())
	if err != nil {
		return Result[string]{}, convertError(err)
	}

	if len(names) == 0 {
		return Result[string]{}, ErrNotFound
	}

	// Ensure names are absolute (with trailing dot)
	for i, name := range names {
		if !strings.HasSuffix(name, ".") {
			names[i] = name + "."
		}
	}

	return Result[string]{Records: names, Authentic: false}, nil
}

// convertError converts standard library DNS errors to package errors.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return ErrNotFound
		}
		if dnsErr.IsTimeout {
			return ErrTimeout
		}
		if dnsErr.IsTemporary {
			return ErrServFail
		}
	}

	return fmt.Errorf("dns lookup failed (%v): %w", err, ErrServFail)
}
