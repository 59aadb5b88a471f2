package geo

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/radiusdt/leadpulse/internal/metrics"
)

// Info holds geo lookup results.
type Info struct {
	CountryCode string
	Country     string
}

// Provider resolves an IP address to a location.
type Provider interface {
	Lookup(ip string) (*Info, error)
	Close() error
}

// ErrInvalidIP is returned for strings that do not parse as an IP address.
var ErrInvalidIP = errors.New("invalid IP address")

// =============================================
// MaxMind
// =============================================

// MaxMindProvider reads a GeoLite2/GeoIP2 Country or City database.
type MaxMindProvider struct {
	reader *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
}

// NewMaxMindProvider opens the database at dbPath.
func NewMaxMindProvider(dbPath string) (*MaxMindProvider, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

// Lookup returns the country of ip. Addresses absent from the database yield
// an empty Info.
func (m *MaxMindProvider) Lookup(ip string) (*Info, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}

	var record countryRecord
	if err := m.reader.Lookup(parsed, &record); err != nil {
		return nil, err
	}
	return &Info{
		CountryCode: record.Country.ISOCode,
		Country:     record.Country.Names["en"],
	}, nil
}

// Close closes the GeoIP database.
func (m *MaxMindProvider) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}

// =============================================
// Cached resolver
// =============================================

// Resolver caches provider lookups by IP.
type Resolver struct {
	provider Provider
	cache    *cache
	metrics  *metrics.Metrics
}

// NewResolver wraps provider with a bounded TTL cache.
func NewResolver(provider Provider, cacheSize int, cacheTTL time.Duration, m *metrics.Metrics) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &Resolver{
		provider: provider,
		cache: &cache{
			data:    make(map[string]*cacheEntry),
			maxSize: cacheSize,
			ttl:     cacheTTL,
			now:     time.Now,
		},
		metrics: m,
	}
}

// CountryCode returns the upper-case ISO country code of ip, or "" when it
// cannot be resolved.
func (r *Resolver) CountryCode(ip string) string {
	if info := r.Lookup(ip); info != nil {
		return strings.ToUpper(info.CountryCode)
	}
	return ""
}

// Lookup performs a cached lookup. Failed lookups are not cached.
func (r *Resolver) Lookup(ip string) *Info {
	ip = strings.TrimSpace(ip)
	if ip == "" || r == nil || r.provider == nil {
		return nil
	}

	start := time.Now()
	if info, ok := r.cache.get(ip); ok {
		r.metrics.RecordGeoLookup(true, time.Since(start))
		return info
	}

	info, err := r.provider.Lookup(ip)
	if err != nil || info == nil {
		return nil
	}

	r.cache.set(ip, info)
	r.metrics.RecordGeoLookup(false, time.Since(start))
	return info
}

// Close closes the underlying provider.
func (r *Resolver) Close() error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close()
}

type cache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	info      *Info
	expiresAt time.Time
}

func (c *cache) get(ip string) (*Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[ip]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.info, true
}

func (c *cache) set(ip string, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict an arbitrary entry at capacity.
	if _, ok := c.data[ip]; !ok && len(c.data) >= c.maxSize {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	c.data[ip] = &cacheEntry{
		info:      info,
		expiresAt: c.now().Add(c.ttl),
	}
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
