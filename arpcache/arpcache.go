// Package arpcache implements the stack's IPv4-to-MAC address cache: a map
// guarded by a mutex, aged and opportunistically refreshed by a background
// goroutine, with ARP requests for misses and expiring entries emitted onto
// an urgent TxRing slot.
package arpcache

import (
	"context"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/tapstack/tapstack/arp"
	"github.com/tapstack/tapstack/ethernet"
	"github.com/tapstack/tapstack/internal"
	"github.com/tapstack/tapstack/internal/lrucache"
	"github.com/tapstack/tapstack/ring"
)

// Defaults for the aging sweep, named after the configuration options in
// the stack's external interface.
const (
	DefaultEntryMaxAge    = 60 * time.Second
	DefaultEntryRefreshAt = 50 * time.Second // ENTRY_MAX_AGE - REFRESH_WINDOW
	ageSweepInterval      = time.Second

	// missSuppressWindow bounds how often a repeated Find miss for the
	// same unresolved address re-sends a request, so a host hammering a
	// dead destination doesn't flood the wire with broadcasts.
	missSuppressWindow = 500 * time.Millisecond
	missCacheSize      = 32
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// entry is a single cached mapping. hits counts lookups since the last
// refresh attempt (reset to zero the instant a refresh request is sent, not
// when or if a reply arrives — matching the aging sweep's own bookkeeping).
type entry struct {
	mac       [6]byte
	createdAt time.Time
	hits      uint32
}

// Cache maps an IPv4 address to its resolved hardware address. The zero
// value is not usable; construct one with [New].
type Cache struct {
	log *slog.Logger

	stackMAC [6]byte
	stackIP  netip.Addr

	maxAge    time.Duration
	refreshAt time.Duration

	mu      sync.Mutex
	entries map[netip.Addr]*entry

	missMu   sync.Mutex
	missSeen lrucache.Cache[netip.Addr, time.Time]

	txRing *ring.Ring

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.log = l } }

// WithAging overrides the default max age / refresh-window thresholds.
func WithAging(maxAge, refreshAt time.Duration) Option {
	return func(c *Cache) { c.maxAge, c.refreshAt = maxAge, refreshAt }
}

// New creates a Cache bound to the given stack identity and starts its
// background aging goroutine. txRing is used to emit refresh/miss ARP
// requests; it may be nil, in which case misses and refreshes are silent.
func New(stackMAC [6]byte, stackIP netip.Addr, txRing *ring.Ring, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		log:       slog.Default(),
		stackMAC:  stackMAC,
		stackIP:   stackIP,
		maxAge:    DefaultEntryMaxAge,
		refreshAt: DefaultEntryRefreshAt,
		entries:   make(map[netip.Addr]*entry),
		missSeen:  lrucache.New[netip.Addr, time.Time](missCacheSize),
		txRing:    txRing,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.maintain(ctx)
	return c
}

func (c *Cache) maintain(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(ageSweepInterval)
	defer ticker.Stop()
	c.log.Debug("started arp cache")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ageOnce()
		}
	}
}

// ageOnce runs a single aging sweep: evict entries past maxAge, and for
// entries inside the refresh window that have seen a hit since the last
// sweep, zero the hit counter and emit an ARP request to try to refresh
// them before they expire.
func (c *Cache) ageOnce() {
	c.mu.Lock()
	type refresh struct {
		ip netip.Addr
		e  *entry
	}
	var toRefresh []refresh
	now := time.Now()
	for ip, e := range c.entries {
		age := now.Sub(e.createdAt)
		switch {
		case age > c.maxAge:
			delete(c.entries, ip)
			c.log.Debug("discarded expired arp cache entry", slog.String("ip", ip.String()))
		case age > c.refreshAt && e.hits > 0:
			e.hits = 0
			toRefresh = append(toRefresh, refresh{ip, e})
		}
	}
	c.mu.Unlock()

	for _, r := range toRefresh {
		c.log.Debug("refreshing expiring arp cache entry", slog.String("ip", r.ip.String()))
		c.sendRequest(r.ip)
	}
}

// Snapshot is a point-in-time view of one cached mapping, for introspection
// tools like tapmon that shouldn't hold the cache's lock while rendering.
type Snapshot struct {
	IP  netip.Addr
	MAC [6]byte
	Age time.Duration
}

// Snapshot returns every live mapping, sorted by IP, for display.
func (c *Cache) Snapshot() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.entries))
	now := time.Now()
	for ip, e := range c.entries {
		out = append(out, Snapshot{IP: ip, MAC: e.mac, Age: now.Sub(e.createdAt)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// AddEntry adds or refreshes the mapping for ip. Repeated calls with the
// same (ip, mac) collapse to one entry with a fresh createdAt and a reset
// hit counter — idempotent from the caller's point of view.
func (c *Cache) AddEntry(ip netip.Addr, mac [6]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = &entry{mac: mac, createdAt: time.Now()}
}

// Find looks up ip, incrementing its hit counter on success. On a miss it
// emits an ARP request (if a tx ring is bound) and returns ok=false; the
// caller decides whether to drop or queue the packet awaiting resolution.
func (c *Cache) Find(ip netip.Addr) (mac [6]byte, ok bool) {
	c.mu.Lock()
	e, found := c.entries[ip]
	if found {
		e.hits++
		mac = e.mac
	}
	c.mu.Unlock()

	if !found && c.shouldRequestOnMiss(ip) {
		a := ip4(ip)
		internal.LogAttrs(c.log, slog.LevelDebug, "arp cache miss, sending request", internal.SlogAddr4("ip", &a))
		c.sendRequest(ip)
	}
	return mac, found
}

// shouldRequestOnMiss reports whether a miss for ip should trigger a new ARP
// request, suppressing repeats of the same request within missSuppressWindow
// so a caller retrying a dead destination doesn't flood the wire.
func (c *Cache) shouldRequestOnMiss(ip netip.Addr) bool {
	c.missMu.Lock()
	defer c.missMu.Unlock()
	if last, ok := c.missSeen.Get(ip); ok && time.Since(last) < missSuppressWindow {
		return false
	}
	c.missSeen.Push(ip, time.Now())
	return true
}

// sendRequest builds and enqueues (urgently) a broadcast ARP request for
// ip. It is a no-op if no tx ring is bound.
func (c *Cache) sendRequest(ip netip.Addr) {
	if c.txRing == nil {
		return
	}
	const frameLen = 14 + 28 // ethernet header + ARPv4 header
	buf := make([]byte, frameLen)

	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return
	}
	*efrm.DestinationHardwareAddr() = broadcastMAC
	*efrm.SourceHardwareAddr() = c.stackMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		return
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sha, spa := afrm.Sender4()
	*sha = c.stackMAC
	*spa = ip4(c.stackIP)
	tha, tpa := afrm.Target4()
	*tha = [6]byte{}
	*tpa = ip4(ip)

	c.txRing.Enqueue(buf, true)
}

func ip4(a netip.Addr) (out [4]byte) {
	if a.Is4() {
		out = a.As4()
	}
	return out
}

// Close stops the aging goroutine and waits for it to exit.
func (c *Cache) Close() error {
	c.cancel()
	<-c.done
	return nil
}
