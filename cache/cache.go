// Package cache provides a caching layer for SPF TXT lookups backed by
// memcached.
//
// TXT lookups dominate SPF evaluation cost: every check starts with one,
// and include and redirect multiply them. The cache stores both positive
// and negative answers, so repeated checks against the same domains skip
// the network entirely. All other lookup types pass through to the
// underlying resolver unchanged.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/tinylib/msgp/msgp"

	"github.com/synqronlabs/spf/dns"
)

// Memcached limits keys to 250 bytes. Keys beyond this length, after
// prefixing, bypass the cache.
const keyLengthMax = 250

// Config contains settings for a TXTResolver.
type Config struct {
	// Expiration is how long cached answers live. Default 5 minutes.
	Expiration time.Duration

	// KeyPrefix namespaces cache keys. Default "spf/txt/".
	KeyPrefix string

	// Logger for debug output. Default slog.Default().
	Logger *slog.Logger
}

// memcacheClient is the subset of *memcache.Client used by TXTResolver.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// TXTResolver is a dns.Resolver that caches TXT answers in memcached.
// A, AAAA, MX and PTR lookups are forwarded to the wrapped resolver.
type TXTResolver struct {
	resolver dns.Resolver
	client   memcacheClient
	config   Config
	log      *slog.Logger
}

var _ dns.Resolver = (*TXTResolver)(nil)

// NewTXTResolver wraps resolver with a memcached-backed TXT cache talking
// to the given servers ("host:port"). Zero config fields take their
// defaults.
func NewTXTResolver(resolver dns.Resolver, servers []string, config Config) *TXTResolver {
	return newTXTResolver(resolver, memcache.New(servers...), config)
}

func newTXTResolver(resolver dns.Resolver, client memcacheClient, config Config) *TXTResolver {
	if config.Expiration == 0 {
		config.Expiration = 5 * time.Minute
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "spf/txt/"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &TXTResolver{
		resolver: resolver,
		client:   client,
		config:   config,
		log:      config.Logger,
	}
}

// entry is a cached TXT answer. NotFound entries record that the name had
// no TXT records, so absence is cached too.
type entry struct {
	NotFound  bool
	Authentic bool
	Records   []string
}

// encode serializes an entry as a MessagePack array.
func (e entry) encode() []byte {
	b := make([]byte, 0, 64)
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendBool(b, e.NotFound)
	b = msgp.AppendBool(b, e.Authentic)
	b = msgp.AppendArrayHeader(b, uint32(len(e.Records)))
	for _, r := range e.Records {
		b = msgp.AppendString(b, r)
	}
	return b
}

// decodeEntry parses an entry written by encode.
func decodeEntry(b []byte) (entry, error) {
	var e entry

	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return e, fmt.Errorf("reading entry header: %w", err)
	}
	if n != 3 {
		return e, fmt.Errorf("unexpected entry field count %d", n)
	}

	if e.NotFound, b, err = msgp.ReadBoolBytes(b); err != nil {
		return e, fmt.Errorf("reading notfound flag: %w", err)
	}
	if e.Authentic, b, err = msgp.ReadBoolBytes(b); err != nil {
		return e, fmt.Errorf("reading authentic flag: %w", err)
	}

	var cnt uint32
	if cnt, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return e, fmt.Errorf("reading records header: %w", err)
	}
	e.Records = make([]string, 0, cnt)
	for range cnt {
		var r string
		if r, b, err = msgp.ReadStringBytes(b); err != nil {
			return e, fmt.Errorf("reading record: %w", err)
		}
		e.Records = append(e.Records, r)
	}
	return e, nil
}

// LookupTXT returns TXT records for name, consulting the cache first.
// Cache failures are treated as misses.
func (r *TXTResolver) LookupTXT(ctx context.Context, name string) (dns.Result[string], error) {
	key := r.config.KeyPrefix + name
	if len(key) > keyLengthMax {
		return r.resolver.LookupTXT(ctx, name)
	}

	if item, err := r.client.Get(key); err == nil {
		e, derr := decodeEntry(item.Value)
		if derr == nil {
			if e.NotFound {
				return dns.Result[string]{Authentic: e.Authentic}, dns.ErrNotFound
			}
			return dns.Result[string]{Records: e.Records, Authentic: e.Authentic}, nil
		}
		r.log.Debug("discarding undecodable cache entry", slog.String("key", key), slog.Any("err", derr))
	} else if !errors.Is(err, memcache.ErrCacheMiss) {
		r.log.Debug("memcached get failed", slog.String("key", key), slog.Any("err", err))
	}

	result, err := r.resolver.LookupTXT(ctx, name)
	switch {
	case err == nil:
		r.store(key, entry{Records: result.Records, Authentic: result.Authentic})
	case errors.Is(err, dns.ErrNotFound):
		r.store(key, entry{NotFound: true, Authentic: result.Authentic})
	}
	return result, err
}

// store writes an entry to memcached. Failures only produce a debug log,
// the lookup result is already in hand.
func (r *TXTResolver) store(key string, e entry) {
	item := &memcache.Item{
		Key:        key,
		Value:      e.encode(),
		Expiration: int32(r.config.Expiration / time.Second),
	}
	if err := r.client.Set(item); err != nil {
		r.log.Debug("memcached set failed", slog.String("key", key), slog.Any("err", err))
	}
}

// LookupA forwards to the wrapped resolver.
func (r *TXTResolver) LookupA(ctx context.Context, name string) (dns.Result[net.IP], error) {
	return r.resolver.LookupA(ctx, name)
}

// LookupAAAA forwards to the wrapped resolver.
func (r *TXTResolver) LookupAAAA(ctx context.Context, name string) (dns.Result[net.IP], error) {
	return r.resolver.LookupAAAA(ctx, name)
}

// LookupMX forwards to the wrapped resolver.
func (r *TXTResolver) LookupMX(ctx context.Context, name string) (dns.Result[string], error) {
	return r.resolver.LookupMX(ctx, name)
}

// LookupPTR forwards to the wrapped resolver.
func (r *TXTResolver) LookupPTR(ctx context.Context, ip net.IP) (dns.Result[string], error) {
	return r.resolver.LookupPTR(ctx, ip)
}
