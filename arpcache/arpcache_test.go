package arpcache

import (
	"net/netip"
	"testing"
	"time"

	"github.com/tapstack/tapstack/ring"
)

func testCache(t *testing.T) (*Cache, *ring.Ring) {
	t.Helper()
	r := ring.New(8)
	c := New([6]byte{1, 2, 3, 4, 5, 6}, netip.MustParseAddr("192.168.1.1"), r,
		WithAging(60*time.Millisecond, 50*time.Millisecond))
	t.Cleanup(func() { c.Close() })
	return c, r
}

func TestAddEntryThenFindHits(t *testing.T) {
	c, _ := testCache(t)
	ip := netip.MustParseAddr("192.168.1.2")
	want := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	c.AddEntry(ip, want)

	got, ok := c.Find(ip)
	if !ok || got != want {
		t.Fatalf("Find: got %v, %v; want %v, true", got, ok, want)
	}
}

func TestFindMissSendsRequest(t *testing.T) {
	c, r := testCache(t)
	ip := netip.MustParseAddr("192.168.1.99")

	_, ok := c.Find(ip)
	if ok {
		t.Fatal("expected a miss")
	}
	if r.Len() != 1 {
		t.Fatalf("expected one ARP request enqueued on miss, got %d", r.Len())
	}
}

func TestFindRepeatedMissSuppressesRequest(t *testing.T) {
	c, r := testCache(t)
	ip := netip.MustParseAddr("192.168.1.100")

	c.Find(ip)
	c.Find(ip)
	c.Find(ip)
	if r.Len() != 1 {
		t.Fatalf("expected repeated misses within the suppression window to send one request, got %d", r.Len())
	}
}

func TestSnapshotReturnsSortedEntries(t *testing.T) {
	c, _ := testCache(t)
	ipHigh := netip.MustParseAddr("192.168.1.200")
	ipLow := netip.MustParseAddr("192.168.1.5")
	c.AddEntry(ipHigh, [6]byte{1, 1, 1, 1, 1, 1})
	c.AddEntry(ipLow, [6]byte{2, 2, 2, 2, 2, 2})

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].IP != ipLow || snap[1].IP != ipHigh {
		t.Fatalf("expected entries sorted by IP, got %v then %v", snap[0].IP, snap[1].IP)
	}
}

func TestAddEntryIdempotent(t *testing.T) {
	c, _ := testCache(t)
	ip := netip.MustParseAddr("192.168.1.2")
	mac := [6]byte{1, 1, 1, 1, 1, 1}
	c.AddEntry(ip, mac)
	c.AddEntry(ip, mac)

	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one entry after repeated AddEntry, got %d", n)
	}
}

func TestAgingEvictsExpiredEntry(t *testing.T) {
	c, _ := testCache(t)
	// age sweep interval is fixed at 1s in production; directly exercise
	// ageOnce against an artificially old entry instead of waiting on it.
	ip := netip.MustParseAddr("192.168.1.5")
	c.AddEntry(ip, [6]byte{9, 9, 9, 9, 9, 9})
	c.mu.Lock()
	c.entries[ip].createdAt = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	c.ageOnce()

	if _, ok := c.Find(ip); ok {
		t.Fatal("expected entry older than max age to be evicted")
	}
}

func TestAgingRefreshesUsedExpiringEntry(t *testing.T) {
	c, r := testCache(t)
	ip := netip.MustParseAddr("192.168.1.6")
	c.AddEntry(ip, [6]byte{9, 9, 9, 9, 9, 9})
	c.mu.Lock()
	c.entries[ip].createdAt = time.Now().Add(-55 * time.Millisecond)
	c.mu.Unlock()

	c.Find(ip) // record a hit so the refresh path fires
	before := r.Len()
	c.ageOnce()
	if r.Len() <= before {
		t.Fatal("expected a refresh ARP request to be enqueued")
	}

	c.mu.Lock()
	hits := c.entries[ip].hits
	c.mu.Unlock()
	if hits != 0 {
		t.Fatalf("hit counter should reset to 0 on refresh emission, got %d", hits)
	}
}
