// Package stack wires every other package together into one running
// TCP/IP stack: a tap device, two frame rings, a stack timer, an ARP
// cache and a TCP session table, behind a single RX dispatch loop and an
// address-claim procedure run once at startup.
package stack

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/tapstack/tapstack/arp"
	"github.com/tapstack/tapstack/arpcache"
	"github.com/tapstack/tapstack/dhcpv4"
	"github.com/tapstack/tapstack/ethernet"
	"github.com/tapstack/tapstack/internal"
	"github.com/tapstack/tapstack/ipv4"
	"github.com/tapstack/tapstack/ipv4/icmpv4"
	"github.com/tapstack/tapstack/ring"
	"github.com/tapstack/tapstack/tcp"
	"github.com/tapstack/tapstack/timer"
	"github.com/tapstack/tapstack/udp"
	"github.com/tapstack/tapstack/wire"
)

// Device is the minimal frame transport a Stack runs over: a tap device or
// raw AF_PACKET bridge, both satisfied by [internal.Tap] and
// [internal.Bridge].
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	HardwareAddress6() ([6]byte, error)
	MTU() (int, error)
}

// Config bundles every tunable named in the stack's external interface.
type Config struct {
	IP     netip.Addr
	TCP    tcp.Config
	RingSize int

	ProbeCount    int
	ProbeIntervalMS int64

	// LearnFromDirectRequest adds an ARP cache entry for the sender of a
	// request addressed to our own IP (we already had to learn who to
	// reply to; this just keeps it).
	LearnFromDirectRequest bool
	// LearnFromGratuitousReply adds an ARP cache entry from a broadcast
	// reply whose sender and target protocol address are the same (a
	// host announcing its own mapping unprompted).
	LearnFromGratuitousReply bool

	Logger *slog.Logger
}

// DefaultConfig returns the literal defaults named by the stack's
// configuration list.
func DefaultConfig(ip netip.Addr) Config {
	return Config{
		IP:                       ip,
		TCP:                      tcp.DefaultConfig(),
		RingSize:                 256,
		ProbeCount:               3,
		ProbeIntervalMS:          1000,
		LearnFromDirectRequest:   true,
		LearnFromGratuitousReply: true,
	}
}

// Stack is a complete userspace TCP/IP stack bound to one [Device]. The
// zero value is not usable; construct one with [New].
type Stack struct {
	cfg Config
	log *slog.Logger
	dev Device
	mac [6]byte

	rxRing *ring.Ring
	txRing *ring.Ring

	timer *timer.Stack
	arp   *arpcache.Cache
	tcp   *tcp.Table

	claimedMu  sync.RWMutex
	claimed    bool
	conflicted bool
	conflict   chan struct{}

	ipIDMu sync.Mutex
	ipID   uint16

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// nextIPID advances and returns the IPv4 identification field counter using
// the same xorshift generator the rest of the stack uses for pseudo-random
// sequencing, seeded off the previous value so successive datagrams don't
// repeat an identification field while a fragment from an earlier one could
// still be in flight.
func (s *Stack) nextIPID() uint16 {
	s.ipIDMu.Lock()
	defer s.ipIDMu.Unlock()
	s.ipID = internal.Prand16(s.ipID + 1)
	return s.ipID
}

// New builds a Stack over dev, but does not start any goroutines — call
// [Stack.Run].
func New(cfg Config, dev Device) *Stack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = 256
	}
	mac, err := dev.HardwareAddress6()
	if err != nil {
		cfg.Logger.Warn("failed to read device hardware address", slog.Any("error", err))
	}
	s := &Stack{
		cfg:    cfg,
		log:    cfg.Logger,
		dev:    dev,
		mac:    mac,
		rxRing:   ring.New(cfg.RingSize),
		txRing:   ring.New(cfg.RingSize),
		conflict: make(chan struct{}, 1),
		ipID:     uint16(time.Now().UnixNano()),
	}
	s.timer = timer.New(timer.WithLogger(s.log))
	s.arp = arpcache.New(s.mac, cfg.IP, s.txRing, arpcache.WithLogger(s.log))
	s.tcp = tcp.NewTable(cfg.TCP, s.timer, s)
	return s
}

// ARPCache exposes the stack's ARP cache for introspection (e.g. the
// tapmon TUI).
func (s *Stack) ARPCache() *arpcache.Cache { return s.arp }

// Sessions exposes the stack's TCP session table for introspection.
func (s *Stack) Sessions() *tcp.Table { return s.tcp }

// Listen creates a listening TCP session on port.
func (s *Stack) Listen(port uint16) *tcp.Session { return s.tcp.Listen(s.cfg.IP, port) }

// Dial creates (but does not connect) a TCP session to remote:port from
// an ephemeral local port.
func (s *Stack) Dial(remote netip.Addr, port uint16) *tcp.Session {
	local := uint16(1024 + rand.Intn(64512))
	id := tcp.ID{LocalIP: s.cfg.IP, LocalPort: local, RemoteIP: remote, RemotePort: port}
	return s.tcp.Dial(id)
}

// Run starts the background goroutines (device read, RX dispatch, TX
// drain, TCP tick), runs the address claim, and blocks until ctx is
// canceled. Device read errors are retried with backoff and do not end Run.
func (s *Stack) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	errCh := make(chan error, 1)
	s.wg.Add(4)
	go s.rxLoop(ctx, errCh)
	go s.dispatchLoop(ctx)
	go s.txLoop(ctx)
	go s.tickLoop(ctx)

	s.claimAddress(ctx)

	select {
	case <-ctx.Done():
		s.wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		cancel()
		s.wg.Wait()
		return err
	}
}

// Close stops every background goroutine and closes the underlying
// device, ARP cache and timer.
func (s *Stack) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.arp.Close()
	s.timer.Close()
	s.rxRing.Close()
	s.txRing.Close()
	return s.dev.Close()
}

func (s *Stack) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(timer.Tick * 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tcp.Tick()
		}
	}
}

// txLoop drains the tx ring onto the device, the only writer of dev.Write.
func (s *Stack) txLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		frm, err := s.txRing.DequeueContext(ctx)
		if err != nil {
			return
		}
		if _, err := s.dev.Write(frm.Data); err != nil {
			s.log.Warn("tap write failed", slog.Any("error", err))
		}
	}
}

// rxLoop reads frames off the device and enqueues them onto the rx ring,
// retrying every read error with an exponential backoff. Decoupling the
// device read from frame processing lets a slow dispatch cycle absorb a
// burst of arrivals instead of stalling the read syscall loop.
func (s *Stack) rxLoop(ctx context.Context, errCh chan<- error) {
	defer s.wg.Done()
	backoff := internal.NewBackoff(internal.BackoffCriticalPath)
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := s.dev.Read(buf)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			backoff.Miss()
			continue
		}
		backoff.Hit()
		cp := append([]byte(nil), buf[:n]...)
		if err := s.rxRing.Enqueue(cp, false); err != nil {
			return
		}
	}
}

// dispatchLoop drains the rx ring and runs each frame through protocol
// dispatch, the only reader of rxRing.
func (s *Stack) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		frm, err := s.rxRing.DequeueContext(ctx)
		if err != nil {
			return
		}
		s.handleFrame(frm.Data)
	}
}

func (s *Stack) handleFrame(buf []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("rx dispatch panic recovered", slog.Any("panic", r))
		}
	}()

	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return
	}
	var v wire.Validator
	efrm.ValidateSize(&v)
	if v.Err() != nil {
		s.log.Debug("dropped malformed ethernet frame", slog.Any("error", v.Err()))
		return
	}

	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		s.handleARP(efrm)
	case ethernet.TypeIPv4:
		s.handleIPv4(efrm)
	}
}

func (s *Stack) handleARP(efrm ethernet.Frame) {
	afrm, err := arp.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	sha, spa := afrm.Sender4()
	tha, tpa := afrm.Target4()
	senderIP := netip.AddrFrom4(*spa)
	targetIP := netip.AddrFrom4(*tpa)

	if afrm.Operation() == arp.OpRequest {
		if targetIP != s.cfg.IP {
			return
		}
		s.replyARP(afrm, *sha, senderIP)
		if s.cfg.LearnFromDirectRequest {
			s.arp.AddEntry(senderIP, *sha)
		}
		return
	}

	if afrm.Operation() != arp.OpReply {
		return
	}

	// A reply naming our own IP as sender, addressed to the probe we sent
	// (our MAC, target protocol address still 0.0.0.0) while we haven't
	// finished claiming it yet means another host already holds it.
	if !s.Claimed() && senderIP == s.cfg.IP && *tha == s.mac && targetIP == netip.IPv4Unspecified() {
		s.log.Warn("address conflict detected during claim", slog.String("ip", senderIP.String()),
			slog.String("conflicting_mac", macString(*sha)))
		s.claimedMu.Lock()
		s.conflicted = true
		s.claimedMu.Unlock()
		select {
		case s.conflict <- struct{}{}:
		default:
		}
		return
	}

	// A reply directed at us: always learn the mapping.
	if *efrm.DestinationHardwareAddr() == s.mac {
		s.arp.AddEntry(senderIP, *sha)
		return
	}

	// A gratuitous reply (broadcast, sender == target): learn only if
	// enabled.
	if s.cfg.LearnFromGratuitousReply && efrm.IsBroadcast() && senderIP == targetIP {
		s.arp.AddEntry(senderIP, *sha)
	}
}

func macString(mac [6]byte) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 17)
	for i, b := range mac {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hex[b>>4], hex[b&0xf])
	}
	return string(buf)
}

func (s *Stack) replyARP(req arp.Frame, requesterMAC [6]byte, requesterIP netip.Addr) {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = requesterMAC
	*efrm.SourceHardwareAddr() = s.mac
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(buf[14:])
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	sha, spa := afrm.Sender4()
	*sha = s.mac
	*spa = s.cfg.IP.As4()
	tha, tpa := afrm.Target4()
	*tha = requesterMAC
	*tpa = requesterIP.As4()

	s.txRing.Enqueue(buf, false)
}

func (s *Stack) handleIPv4(efrm ethernet.Frame) {
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	var v wire.Validator
	ifrm.ValidateSize(&v)
	if v.Err() != nil {
		return
	}
	dst := netip.AddrFrom4(*ifrm.DestinationAddr())
	if dst != s.cfg.IP && !dst.IsMulticast() {
		return
	}

	switch ifrm.Protocol() {
	case wire.IPProtoICMP:
		s.handleICMP(ifrm)
	case wire.IPProtoUDP:
		s.handleUDP(ifrm)
	case wire.IPProtoTCP:
		s.handleTCP(ifrm)
	}
}

func (s *Stack) handleICMP(ifrm ipv4.Frame) {
	icfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	if icfrm.Type() != icmpv4.TypeEcho {
		return
	}
	s.replyEcho(ifrm, icmpv4.FrameEcho{Frame: icfrm})
}

func (s *Stack) handleUDP(ifrm ipv4.Frame) {
	ufrm, err := udp.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	// No UDP application protocol is served; DHCP traffic is only logged
	// for diagnostics, everything else is dropped after parsing.
	if ufrm.DestinationPort() == dhcpv4.DefaultClientPort || ufrm.DestinationPort() == dhcpv4.DefaultServerPort {
		s.logDHCP(ufrm)
	}
}

func (s *Stack) logDHCP(ufrm udp.Frame) {
	dfrm, err := dhcpv4.NewFrame(ufrm.Payload())
	if err != nil {
		return
	}
	s.log.Debug("observed dhcp datagram", slog.String("op", dfrm.Op().String()),
		slog.Uint64("xid", uint64(dfrm.XID())), slog.String("ciaddr", netip.AddrFrom4(*dfrm.CIAddr()).String()))
}

func (s *Stack) handleTCP(ifrm ipv4.Frame) {
	tfrm, err := tcp.NewFrame(ifrm.Payload())
	if err != nil {
		return
	}
	var v wire.Validator
	tfrm.ValidateExceptCRC(&v)
	if v.Err() != nil {
		return
	}

	srcIP := netip.AddrFrom4(*ifrm.SourceAddr())
	id := tcp.ID{
		LocalIP:    s.cfg.IP,
		LocalPort:  tfrm.DestinationPort(),
		RemoteIP:   srcIP,
		RemotePort: tfrm.SourcePort(),
	}
	_, flags := tfrm.OffsetAndFlags()
	mss, _ := tfrm.ParseMSSOption()
	seg := tcp.Segment{
		Seq:   tfrm.Seq(),
		Ack:   tfrm.Ack(),
		Flags: flags,
		Data:  append([]byte(nil), tfrm.Payload()...),
		Win:   tfrm.WindowSize(),
		MSS:   mss,
	}
	s.tcp.Dispatch(id, seg)
}

// SendTCP implements [tcp.Transmitter]: it resolves the peer's hardware
// address via the ARP cache, synthesizes Ethernet/IPv4/TCP headers and
// enqueues the result on the tx ring.
func (s *Stack) SendTCP(id tcp.ID, seq, ack tcp.Seq, flags tcp.Flags, win, mss uint16, data []byte) error {
	destMAC, ok := s.arp.Find(id.RemoteIP)
	if !ok {
		return errNoRoute
	}

	headerLen := 20
	optLen := 0
	if flags.HasAny(tcp.FlagSYN) && mss != 0 {
		optLen = 4
	}
	total := 14 + 20 + headerLen + optLen + len(data)
	buf := make([]byte, total)

	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = destMAC
	*efrm.SourceHardwareAddr() = s.mac
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + headerLen + optLen + len(data)))
	ifrm.SetID(s.nextIPID())
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	*ifrm.SourceAddr() = id.LocalIP.As4()
	*ifrm.DestinationAddr() = id.RemoteIP.As4()
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	tfrm, _ := tcp.NewFrame(buf[14+20:])
	tfrm.ClearHeader()
	tfrm.SetSourcePort(id.LocalPort)
	tfrm.SetDestinationPort(id.RemotePort)
	tfrm.SetSeq(seq)
	tfrm.SetAck(ack)
	tfrm.SetOffsetAndFlags(uint8(5+optLen/4), flags)
	tfrm.SetWindowSize(win)
	if optLen != 0 {
		tfrm.SetMSSOption(mss)
	}
	copy(tfrm.RawData()[headerLen+optLen:], data)

	var crc wire.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	crc.Write(tfrm.RawData())
	tfrm.SetCRC(crc.Sum16())

	s.txRing.Enqueue(buf, false)
	return nil
}

var errNoRoute = errors.New("stack: no ARP entry for destination, request sent")

func (s *Stack) replyEcho(reqIP ipv4.Frame, echo icmpv4.FrameEcho) {
	payload := echo.Data()
	total := 14 + 20 + 8 + len(payload)
	buf := make([]byte, total)

	destMAC, ok := s.arp.Find(netip.AddrFrom4(*reqIP.SourceAddr()))
	if !ok {
		return
	}

	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = destMAC
	*efrm.SourceHardwareAddr() = s.mac
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + 8 + len(payload)))
	ifrm.SetID(s.nextIPID())
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoICMP)
	*ifrm.SourceAddr() = s.cfg.IP.As4()
	*ifrm.DestinationAddr() = *reqIP.SourceAddr()
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	replyICMP, _ := icmpv4.NewFrame(buf[14+20:])
	replyEcho := icmpv4.FrameEcho{Frame: replyICMP}
	replyICMP.SetType(icmpv4.TypeEchoReply)
	replyICMP.SetCode(0)
	replyEcho.SetIdentifier(echo.Identifier())
	replyEcho.SetSequenceNumber(echo.SequenceNumber())
	copy(replyEcho.Data(), payload)
	var crc wire.CRC791
	replyICMP.CRCWrite(&crc)
	replyICMP.SetCRC(crc.Sum16())

	s.txRing.Enqueue(buf, false)
}

// claimAddress runs the RFC 5227-style probe/announce sequence: send
// ProbeCount ARP probes (sender IP zero) at ProbeIntervalMS apart,
// watching for a conflicting reply, then a gratuitous ARP announcement.
// Claiming aborts (leaving Claimed() false and Conflicted() true) if a
// probe reply reveals the address is already in use — this requires the
// dispatch loop to already be running, so [Stack.Run] starts it before
// calling claimAddress.
func (s *Stack) claimAddress(ctx context.Context) {
	interval := time.Duration(s.cfg.ProbeIntervalMS) * time.Millisecond
	for i := 0; i < s.cfg.ProbeCount; i++ {
		s.sendProbe()
		select {
		case <-ctx.Done():
			return
		case <-s.conflict:
			s.log.Warn("aborting address claim due to conflict", slog.String("ip", s.cfg.IP.String()))
			return
		case <-time.After(interval):
		}
	}
	if s.Conflicted() {
		s.log.Warn("aborting address claim due to conflict", slog.String("ip", s.cfg.IP.String()))
		return
	}
	s.sendAnnouncement()
	s.claimedMu.Lock()
	s.claimed = true
	s.claimedMu.Unlock()
	s.log.Info("claimed address", slog.String("ip", s.cfg.IP.String()))
}

// Claimed reports whether the address-claim sequence has completed.
func (s *Stack) Claimed() bool {
	s.claimedMu.RLock()
	defer s.claimedMu.RUnlock()
	return s.claimed
}

// Conflicted reports whether an address conflict was detected during the
// claim sequence; replies arriving after the address is claimed are not
// checked.
func (s *Stack) Conflicted() bool {
	s.claimedMu.RLock()
	defer s.claimedMu.RUnlock()
	return s.conflicted
}

func (s *Stack) sendProbe() {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	*efrm.SourceHardwareAddr() = s.mac
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(buf[14:])
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sha, _ := afrm.Sender4()
	*sha = s.mac
	_, tpa := afrm.Target4()
	*tpa = s.cfg.IP.As4()

	s.txRing.Enqueue(buf, true)
}

func (s *Stack) sendAnnouncement() {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	*efrm.SourceHardwareAddr() = s.mac
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(buf[14:])
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sha, spa := afrm.Sender4()
	*sha = s.mac
	*spa = s.cfg.IP.As4()
	_, tpa := afrm.Target4()
	*tpa = s.cfg.IP.As4()

	s.txRing.Enqueue(buf, true)
}
