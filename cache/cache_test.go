package cache

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/synqronlabs/spf/dns"
)

// fakeClient is an in-memory memcacheClient.
type fakeClient struct {
	items   map[string]*memcache.Item
	getErr  error
	setErr  error
	gets    int
	sets    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: map[string]*memcache.Item{}}
}

func (c *fakeClient) Get(key string) (*memcache.Item, error) {
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	item, ok := c.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return item, nil
}

func (c *fakeClient) Set(item *memcache.Item) error {
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	c.items[item.Key] = item
	return nil
}

// countingResolver wraps a resolver and counts TXT lookups.
type countingResolver struct {
	dns.Resolver
	txtLookups int
}

func (r *countingResolver) LookupTXT(ctx context.Context, name string) (dns.Result[string], error) {
	r.txtLookups++
	return r.Resolver.LookupTXT(ctx, name)
}

func TestEntryRoundtrip(t *testing.T) {
	tests := []entry{
		{},
		{NotFound: true},
		{Authentic: true, Records: []string{"v=spf1 -all"}},
		{Records: []string{"one", "two", "three"}},
	}

	for _, e := range tests {
		got, err := decodeEntry(e.encode())
		if err != nil {
			t.Fatalf("decodeEntry() error = %v", err)
		}
		if got.NotFound != e.NotFound || got.Authentic != e.Authentic {
			t.Errorf("decodeEntry() = %+v, want %+v", got, e)
		}
		if len(got.Records) != len(e.Records) {
			t.Fatalf("decodeEntry() records = %v, want %v", got.Records, e.Records)
		}
		for i := range got.Records {
			if got.Records[i] != e.Records[i] {
				t.Errorf("decodeEntry() records = %v, want %v", got.Records, e.Records)
			}
		}
	}
}

func TestDecodeEntryGarbage(t *testing.T) {
	if _, err := decodeEntry([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Error("decodeEntry() expected error for garbage input")
	}
	if _, err := decodeEntry(nil); err == nil {
		t.Error("decodeEntry() expected error for empty input")
	}
}

func TestLookupTXTCaching(t *testing.T) {
	inner := &countingResolver{Resolver: dns.MockResolver{
		TXT: map[string][]string{
			"example.com.": {"v=spf1 -all"},
		},
	}}
	client := newFakeClient()
	r := newTXTResolver(inner, client, Config{})
	ctx := context.Background()

	result, err := r.LookupTXT(ctx, "example.com.")
	if err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if len(result.Records) != 1 || result.Records[0] != "v=spf1 -all" {
		t.Errorf("LookupTXT() records = %v", result.Records)
	}
	if inner.txtLookups != 1 || client.sets != 1 {
		t.Errorf("lookups = %d, sets = %d, want 1, 1", inner.txtLookups, client.sets)
	}

	// Second lookup is served from the cache.
	result, err = r.LookupTXT(ctx, "example.com.")
	if err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if len(result.Records) != 1 || result.Records[0] != "v=spf1 -all" {
		t.Errorf("cached LookupTXT() records = %v", result.Records)
	}
	if inner.txtLookups != 1 {
		t.Errorf("lookups = %d, want 1 after cache hit", inner.txtLookups)
	}
}

func TestLookupTXTNegativeCaching(t *testing.T) {
	inner := &countingResolver{Resolver: dns.MockResolver{}}
	client := newFakeClient()
	r := newTXTResolver(inner, client, Config{})
	ctx := context.Background()

	if _, err := r.LookupTXT(ctx, "example.com."); !errors.Is(err, dns.ErrNotFound) {
		t.Fatalf("LookupTXT() error = %v, want ErrNotFound", err)
	}
	if _, err := r.LookupTXT(ctx, "example.com."); !errors.Is(err, dns.ErrNotFound) {
		t.Fatalf("cached LookupTXT() error = %v, want ErrNotFound", err)
	}
	if inner.txtLookups != 1 {
		t.Errorf("lookups = %d, want 1 after negative cache hit", inner.txtLookups)
	}
}

func TestLookupTXTErrorsNotCached(t *testing.T) {
	inner := &countingResolver{Resolver: dns.MockResolver{
		Fail: []string{"txt example.com."},
	}}
	client := newFakeClient()
	r := newTXTResolver(inner, client, Config{})
	ctx := context.Background()

	for range 2 {
		if _, err := r.LookupTXT(ctx, "example.com."); !errors.Is(err, dns.ErrServFail) {
			t.Fatalf("LookupTXT() error = %v, want ErrServFail", err)
		}
	}
	if inner.txtLookups != 2 {
		t.Errorf("lookups = %d, want 2: temporary failures must not be cached", inner.txtLookups)
	}
	if client.sets != 0 {
		t.Errorf("sets = %d, want 0", client.sets)
	}
}

func TestLookupTXTCacheFailureIsMiss(t *testing.T) {
	inner := &countingResolver{Resolver: dns.MockResolver{
		TXT: map[string][]string{"example.com.": {"v=spf1 -all"}},
	}}
	client := newFakeClient()
	client.getErr = errors.New("connection refused")
	client.setErr = errors.New("connection refused")
	r := newTXTResolver(inner, client, Config{})

	result, err := r.LookupTXT(context.Background(), "example.com.")
	if err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if len(result.Records) != 1 {
		t.Errorf("LookupTXT() records = %v", result.Records)
	}
}

func TestLookupTXTLongKeyBypassesCache(t *testing.T) {
	name := strings.Repeat("a.", 140) + "example.com."
	inner := &countingResolver{Resolver: dns.MockResolver{
		TXT: map[string][]string{name: {"v=spf1 -all"}},
	}}
	client := newFakeClient()
	r := newTXTResolver(inner, client, Config{})

	if _, err := r.LookupTXT(context.Background(), name); err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if client.gets != 0 || client.sets != 0 {
		t.Errorf("gets = %d, sets = %d, want cache bypass", client.gets, client.sets)
	}
}

func TestLookupTXTUndecodableEntry(t *testing.T) {
	inner := &countingResolver{Resolver: dns.MockResolver{
		TXT: map[string][]string{"example.com.": {"v=spf1 -all"}},
	}}
	client := newFakeClient()
	r := newTXTResolver(inner, client, Config{})
	client.items[r.config.KeyPrefix+"example.com."] = &memcache.Item{Value: []byte("garbage")}

	result, err := r.LookupTXT(context.Background(), "example.com.")
	if err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if len(result.Records) != 1 {
		t.Errorf("LookupTXT() records = %v", result.Records)
	}
	if inner.txtLookups != 1 {
		t.Errorf("lookups = %d, want 1", inner.txtLookups)
	}
}

func TestPassthroughLookups(t *testing.T) {
	inner := dns.MockResolver{
		A:    map[string][]string{"example.com.": {"192.0.2.1"}},
		AAAA: map[string][]string{"example.com.": {"2001:db8::1"}},
		MX:   map[string][]string{"example.com.": {"mail.example.com."}},
		PTR:  map[string][]string{"192.0.2.1": {"example.com"}},
	}
	r := newTXTResolver(inner, newFakeClient(), Config{})
	ctx := context.Background()

	if result, err := r.LookupA(ctx, "example.com."); err != nil || len(result.Records) != 1 {
		t.Errorf("LookupA() = %v, %v", result.Records, err)
	}
	if result, err := r.LookupAAAA(ctx, "example.com."); err != nil || len(result.Records) != 1 {
		t.Errorf("LookupAAAA() = %v, %v", result.Records, err)
	}
	if result, err := r.LookupMX(ctx, "example.com."); err != nil || len(result.Records) != 1 {
		t.Errorf("LookupMX() = %v, %v", result.Records, err)
	}
	if result, err := r.LookupPTR(ctx, net.ParseIP("192.0.2.1")); err != nil || len(result.Records) != 1 {
		t.Errorf("LookupPTR() = %v, %v", result.Records, err)
	}
}
