package stack

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/tapstack/tapstack/arp"
	"github.com/tapstack/tapstack/ethernet"
)

// pipeDevice is an in-memory [Device] backed by a net.Conn, letting tests
// exercise the stack without a real tap device.
type pipeDevice struct {
	conn net.Conn
	mac  [6]byte
}

func newPipeDevicePair(mac1, mac2 [6]byte) (*pipeDevice, *pipeDevice) {
	a, b := net.Pipe()
	return &pipeDevice{conn: a, mac: mac1}, &pipeDevice{conn: b, mac: mac2}
}

func (d *pipeDevice) Read(p []byte) (int, error)         { return d.conn.Read(p) }
func (d *pipeDevice) Write(p []byte) (int, error)        { return d.conn.Write(p) }
func (d *pipeDevice) Close() error                       { return d.conn.Close() }
func (d *pipeDevice) HardwareAddress6() ([6]byte, error) { return d.mac, nil }
func (d *pipeDevice) MTU() (int, error)                  { return 1500, nil }

func newTestStack(t *testing.T, ip netip.Addr) (*Stack, *pipeDevice) {
	t.Helper()
	devA, devB := newPipeDevicePair([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{9, 9, 9, 9, 9, 9})
	t.Cleanup(func() { devB.Close() })
	s := New(DefaultConfig(ip), devA)
	t.Cleanup(func() {
		s.arp.Close()
		s.timer.Close()
		s.rxRing.Close()
		s.txRing.Close()
		devA.Close()
	})
	return s, devB
}

func TestNewStackResolvesHardwareAddress(t *testing.T) {
	s, _ := newTestStack(t, netip.MustParseAddr("10.0.0.1"))
	if s.mac != [6]byte{1, 2, 3, 4, 5, 6} {
		t.Fatalf("expected stack to pick up the device's hardware address, got %v", s.mac)
	}
}

func TestClaimAddressSendsProbesAndAnnouncement(t *testing.T) {
	s, _ := newTestStack(t, netip.MustParseAddr("10.0.0.1"))
	s.cfg.ProbeCount = 2
	s.cfg.ProbeIntervalMS = 1

	s.claimAddress(context.Background())

	if !s.Claimed() {
		t.Fatal("expected Claimed() to be true once the probe/announce sequence finishes")
	}
	if s.txRing.Len() != s.cfg.ProbeCount+1 {
		t.Fatalf("expected %d probes + 1 announcement queued, got %d", s.cfg.ProbeCount+1, s.txRing.Len())
	}
}

func TestHandleARPConflictReplyAbortsClaim(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	s, _ := newTestStack(t, ip)

	otherMAC := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}

	buf := make([]byte, 14+28)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = s.mac
	*efrm.SourceHardwareAddr() = otherMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	sha, spa := afrm.Sender4()
	*sha = otherMAC
	*spa = ip.As4()
	tha, _ := afrm.Target4()
	*tha = s.mac

	s.handleARP(efrm)

	if !s.Conflicted() {
		t.Fatal("expected Conflicted() to be true after a reply claiming our probed address")
	}
	if s.Claimed() {
		t.Fatal("expected Claimed() to remain false once a conflict is detected")
	}

	s.cfg.ProbeCount = 1
	s.cfg.ProbeIntervalMS = 1
	s.claimAddress(context.Background())
	if s.Claimed() {
		t.Fatal("expected claimAddress to abort once a conflict was flagged")
	}
}

func TestHandleARPRequestForOwnIPRepliesAndLearnsSender(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	s, _ := newTestStack(t, ip)

	remoteMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	remoteIP := netip.MustParseAddr("10.0.0.2")

	buf := make([]byte, 14+28)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = s.mac
	*efrm.SourceHardwareAddr() = remoteMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sha, spa := afrm.Sender4()
	*sha = remoteMAC
	*spa = remoteIP.As4()
	_, tpa := afrm.Target4()
	*tpa = ip.As4()

	before := s.txRing.Len()
	s.handleARP(efrm)
	if s.txRing.Len() != before+1 {
		t.Fatalf("expected an ARP reply to be queued, got ring len %d", s.txRing.Len())
	}
	if mac, ok := s.arp.Find(remoteIP); !ok || mac != remoteMAC {
		t.Fatalf("expected the sender's address to be learned, got %v, %v", mac, ok)
	}
}

func TestHandleARPRequestForOtherHostDoesNotLearn(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	s, _ := newTestStack(t, ip)

	remoteMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	remoteIP := netip.MustParseAddr("10.0.0.2")
	otherIP := netip.MustParseAddr("10.0.0.3")

	buf := make([]byte, 14+28)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = remoteMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sha, spa := afrm.Sender4()
	*sha = remoteMAC
	*spa = remoteIP.As4()
	_, tpa := afrm.Target4()
	*tpa = otherIP.As4() // not our IP

	before := s.txRing.Len()
	s.handleARP(efrm)
	if s.txRing.Len() != before {
		t.Fatalf("expected no reply for a request targeting another host, ring grew to %d", s.txRing.Len())
	}
	if _, ok := s.arp.Find(remoteIP); ok {
		t.Fatal("expected no cache entry learned from a request addressed to another host")
	}
}

func TestHandleARPReplyToOtherHostDoesNotLearn(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	s, _ := newTestStack(t, ip)

	remoteMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	remoteIP := netip.MustParseAddr("10.0.0.2")
	otherMAC := [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	buf := make([]byte, 14+28)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = otherMAC // not addressed to us
	*efrm.SourceHardwareAddr() = remoteMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	sha, spa := afrm.Sender4()
	*sha = remoteMAC
	*spa = remoteIP.As4()
	tha, tpa := afrm.Target4()
	*tha = otherMAC
	*tpa = ip.As4()

	s.handleARP(efrm)
	if _, ok := s.arp.Find(remoteIP); ok {
		t.Fatal("expected no cache entry learned from a reply addressed to another host")
	}
}

func TestHandleARPGratuitousReplyLearnsWhenEnabled(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	s, _ := newTestStack(t, ip)

	remoteMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	remoteIP := netip.MustParseAddr("10.0.0.2")

	buf := make([]byte, 14+28)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = remoteMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	sha, spa := afrm.Sender4()
	*sha = remoteMAC
	*spa = remoteIP.As4()
	_, tpa := afrm.Target4()
	*tpa = remoteIP.As4() // gratuitous: sender == target

	s.handleARP(efrm)
	if mac, ok := s.arp.Find(remoteIP); !ok || mac != remoteMAC {
		t.Fatalf("expected a gratuitous reply to be learned when enabled, got %v, %v", mac, ok)
	}
}

func TestHandleARPGratuitousReplyIgnoredWhenDisabled(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.1")
	s, _ := newTestStack(t, ip)
	s.cfg.LearnFromGratuitousReply = false

	remoteMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	remoteIP := netip.MustParseAddr("10.0.0.2")

	buf := make([]byte, 14+28)
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = remoteMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, err := arp.NewFrame(buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	sha, spa := afrm.Sender4()
	*sha = remoteMAC
	*spa = remoteIP.As4()
	_, tpa := afrm.Target4()
	*tpa = remoteIP.As4()

	s.handleARP(efrm)
	if _, ok := s.arp.Find(remoteIP); ok {
		t.Fatal("expected gratuitous reply learning to be suppressed when disabled")
	}
}
