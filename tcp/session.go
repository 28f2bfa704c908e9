// Package tcp implements the TCP segment codec and the per-flow session
// state machine: an RFC 9293 finite state machine driven by inbound
// segments, local syscalls (listen/connect/send/receive/close) and timer
// ticks, each serialized through the session's FSM mutex.
package tcp

import (
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/tapstack/tapstack/internal"
	"github.com/tapstack/tapstack/timer"
)

// Config bundles the tunable parameters of a Session, named after the
// configuration options in the stack's external interface.
type Config struct {
	LocalWin      uint16
	LocalMSS      uint16
	MTU           int
	DelayedAckMS  int64
	TimeWaitMS    int64
	ResendDelayMS int64
	ResendCount   uint8
	UseRemoteWin  bool
	TxBufferSize  int
	RxBufferSize  int

	Logger *slog.Logger
}

// DefaultConfig returns the literal defaults named by the spec's
// configuration list.
func DefaultConfig() Config {
	return Config{
		LocalWin:      65535,
		LocalMSS:      1460,
		MTU:           1500,
		DelayedAckMS:  200,
		TimeWaitMS:    15000,
		ResendDelayMS: 1000,
		ResendCount:   4,
		UseRemoteWin:  true,
		TxBufferSize:  64 * 1024,
		RxBufferSize:  64 * 1024,
	}
}

// ID is the 4-tuple that keys a session in a [Table].
type ID struct {
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
}

// Segment is the already-parsed representation of an inbound TCP segment,
// produced by the caller (typically the stack's IPv4/TCP dispatch path)
// from a [Frame].
type Segment struct {
	Seq   Seq
	Ack   Seq
	Flags Flags
	Data  []byte
	Win   uint16
	MSS   uint16 // 0 if absent

	// From is the concrete 4-tuple the segment arrived on, used only by a
	// LISTEN session to mint the forked session's id.
	From ID
}

// Transmitter emits a fully-formed outbound TCP segment for id, handling
// IPv4/Ethernet encapsulation, checksum and MAC resolution. Implemented by
// the owning stack's dispatch layer.
type Transmitter interface {
	SendTCP(id ID, seq, ack Seq, flags Flags, win, mss uint16, data []byte) error
}

// Session is the per-flow TCP state machine, send/receive buffers and
// blocking-capable user API. The zero value is not usable; construct one
// with [NewSession].
type Session struct {
	id ID

	cfg  Config
	log  *slog.Logger
	tmr  *timer.Stack
	tx   Transmitter
	tbl  *Table

	state     State
	stateInit bool

	localSeqInit, localSeqSent, localSeqAckd Seq
	localSeqFin                              Seq
	haveFin                                  bool

	remoteSeqInit, remoteSeqRcvd, remoteSeqAckd Seq
	haveRemote                                  bool

	localWin, localMSS   uint16
	remoteWin, remoteMSS uint16

	txMu           sync.Mutex
	txBuffer       internal.Ring
	txBufferSeqMod Seq

	rxMu     sync.Mutex
	rxBuffer internal.Ring

	fsmMu sync.Mutex

	connectOnce   sync.Once
	connectSignal chan struct{}
	rxSignal      chan struct{}

	synResendCount uint8

	// accepted receives sessions forked off a LISTEN session the instant
	// they reach ESTABLISHED, so Accept can hand them to callers.
	accepted chan *Session
}

// NewSession creates a Session in state CLOSED, bound to id. tmr holds the
// session's named timers; timer ticks reach its FSM through [Table.Tick].
// tx is used to emit every outbound segment; tbl is the table this session
// is (or will be) registered in, needed to fork new sessions on LISTEN.
func NewSession(id ID, cfg Config, tmr *timer.Stack, tx Transmitter, tbl *Table) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		id:             id,
		cfg:            cfg,
		log:            cfg.Logger,
		tmr:            tmr,
		tx:             tx,
		tbl:            tbl,
		localSeqInit:   Seq(rand.Uint32()),
		localWin:       cfg.LocalWin,
		localMSS:       cfg.LocalMSS,
		connectSignal:  make(chan struct{}),
		rxSignal:       make(chan struct{}, 1),
		accepted:       make(chan *Session, 16),
	}
	s.localSeqSent = s.localSeqInit
	s.localSeqAckd = s.localSeqInit
	s.txBufferSeqMod = s.localSeqInit.Add(1)
	s.txBuffer.Buf = make([]byte, cfg.TxBufferSize)
	s.rxBuffer.Buf = make([]byte, cfg.RxBufferSize)
	s.changeState(StateClosed)
	return s
}

// ID returns the session's 4-tuple.
func (s *Session) ID() ID { return s.id }

// State returns the session's current FSM state.
func (s *Session) State() State {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.state
}

func (s *Session) changeState(state State) {
	old := s.state
	s.state = state
	s.stateInit = true
	if old != state {
		s.log.Info("tcp state changed", slog.Any("local", s.id.LocalPort), slog.Any("remote", s.id.RemotePort),
			slog.String("from", old.String()), slog.String("to", state.String()))
		if state == StateClosed && s.id.RemotePort != 0 {
			s.tbl.Remove(s.id)
		}
	}
}

func (s *Session) timerName(suffix string) string {
	return s.id.LocalIP.String() + ":" + strconv.Itoa(int(s.id.LocalPort)) + ":" +
		s.id.RemoteIP.String() + ":" + strconv.Itoa(int(s.id.RemotePort)) + ":" + suffix
}

// sendPacket emits one outbound segment and performs the sequence
// accounting in spec §4.5 ("Sequence accounting on send"). seq is used
// only when explicitSeq is set; otherwise the segment goes out at
// localSeqSent.
func (s *Session) sendPacket(seq Seq, explicitSeq bool, syn, ack, fin, rst bool, data []byte) {
	effSeq := s.localSeqSent
	if explicitSeq {
		effSeq = seq
	}
	var ackField Seq
	if ack {
		ackField = s.remoteSeqRcvd
	}
	var flags Flags
	if syn {
		flags |= FlagSYN
	}
	if ack {
		flags |= FlagACK
	}
	if fin {
		flags |= FlagFIN
	}
	if rst {
		flags |= FlagRST
	}
	var mss uint16
	if syn {
		mss = s.localMSS
	}
	if s.tx != nil {
		s.tx.SendTCP(s.id, effSeq, ackField, flags, s.localWin, mss, data)
	}

	s.remoteSeqAckd = s.remoteSeqRcvd
	adv := uint32(len(data))
	if syn {
		adv++
	}
	if fin {
		adv++
	}
	s.localSeqSent = effSeq.Add(adv)
	if fin {
		s.localSeqFin = s.localSeqSent
		s.haveFin = true
	}
	if s.state == StateEstablished {
		s.tmr.RegisterTimer(s.timerName("delayed_ack"), s.cfg.DelayedAckMS)
	}
	s.traceSeq("sent segment")
}

// enqueueRxBuffer appends data to rx_buffer and signals any blocked
// Receive call — but only if the signal isn't already posted, matching the
// binary-semaphore behavior of the source (multiple enqueues before a
// Receive collapse into a single wakeup).
func (s *Session) enqueueRxBuffer(data []byte) {
	if len(data) == 0 {
		return
	}
	s.rxMu.Lock()
	s.rxBuffer.Write(data)
	s.rxMu.Unlock()
	s.postRxSignal()
}

func (s *Session) postRxSignal() {
	select {
	case s.rxSignal <- struct{}{}:
	default:
	}
}

// processAck implements spec §4.5's "Sequence accounting on ACK receipt".
func (s *Session) processAck(pkt Segment, sendAck bool) {
	if pkt.Ack.GreaterThan(s.localSeqAckd) {
		s.localSeqAckd = pkt.Ack
	}
	adv := uint32(len(pkt.Data))
	if pkt.Flags.HasAny(FlagSYN) {
		adv++
	}
	if pkt.Flags.HasAny(FlagFIN) {
		adv++
	}
	s.remoteSeqRcvd = pkt.Seq.Add(adv)
	s.traceSeq("processed ack")

	if len(pkt.Data) != 0 {
		s.enqueueRxBuffer(pkt.Data)
		if sendAck {
			s.sendPacket(0, false, false, true, false, false, nil)
		}
	}

	s.txMu.Lock()
	offsetAckd := int(s.localSeqAckd.Sub(s.txBufferSeqMod))
	if offsetAckd > 0 {
		if offsetAckd > s.txBuffer.Buffered() {
			offsetAckd = s.txBuffer.Buffered()
		}
		s.txBuffer.ReadDiscard(offsetAckd)
		s.txBufferSeqMod = s.txBufferSeqMod.Add(uint32(offsetAckd))
	}
	s.txMu.Unlock()
}

// sendData implements the sliding-window sender, invoked on every
// ESTABLISHED/CLOSE_WAIT timer tick.
func (s *Session) sendData() {
	s.txMu.Lock()
	offsetSent := int(s.localSeqSent.Sub(s.txBufferSeqMod))
	offsetAckd := int(s.localSeqAckd.Sub(s.txBufferSeqMod))
	unsent := s.txBuffer.Buffered() - offsetSent
	if unsent <= 0 {
		s.txMu.Unlock()
		return
	}
	winLeft := offsetAckd + int(s.remoteWin) - offsetSent
	if winLeft <= 0 {
		s.txMu.Unlock()
		return
	}
	n := min(int(s.remoteMSS), winLeft, unsent)
	if n <= 0 {
		s.txMu.Unlock()
		return
	}
	buf := make([]byte, n)
	s.txBuffer.ReadAt(buf, int64(offsetSent))
	s.txMu.Unlock()

	s.sendPacket(0, false, false, true, false, false, buf)
}

// delayedAck implements the delayed-ACK coalescing mechanism.
func (s *Session) delayedAck() {
	name := s.timerName("delayed_ack")
	if s.tmr.TimerExpired(name) {
		if s.remoteSeqRcvd.GreaterThan(s.remoteSeqAckd) {
			s.sendPacket(0, false, false, true, false, false, nil)
		}
		s.tmr.RegisterTimer(name, s.cfg.DelayedAckMS)
	}
}

func min(vs ...int) int {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

var errNotConnected = errors.New("tcp: send outside ESTABLISHED/CLOSE_WAIT")

// Listen enters LISTEN synchronously and returns immediately.
func (s *Session) Listen() {
	s.FSM(nil, SyscallListen, false)
}

// Connect enters SYN_SENT, then blocks until the connection completes
// (successfully or not), returning true iff the final state is
// ESTABLISHED.
func (s *Session) Connect() bool {
	s.FSM(nil, SyscallConnect, false)
	<-s.connectSignal
	return s.State() == StateEstablished
}

// Send appends data to tx_buffer; legal only in ESTABLISHED and
// CLOSE_WAIT. Never blocks.
func (s *Session) Send(data []byte) (int, error) {
	state := s.State()
	if state != StateEstablished && state != StateCloseWait {
		return 0, errNotConnected
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	n, err := s.txBuffer.Write(data)
	return n, err
}

// Receive blocks until bytes are available or a remote close was observed,
// returning up to maxBytes bytes (all available data if maxBytes<=0), or
// nil with ok=false on EOF (remote closed and rx_buffer drained).
func (s *Session) Receive(maxBytes int) (data []byte, ok bool) {
	<-s.rxSignal

	closeWait := s.State() == StateCloseWait

	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	buffered := s.rxBuffer.Buffered()
	if buffered == 0 && closeWait {
		return nil, false
	}
	n := buffered
	if maxBytes > 0 && maxBytes < n {
		n = maxBytes
	}
	out := make([]byte, n)
	s.rxBuffer.Read(out)

	if s.rxBuffer.Buffered() > 0 || closeWait {
		s.postRxSignal()
	}
	return out, true
}

// Close spins until tx_buffer drains, then injects syscall CLOSE.
func (s *Session) Close() {
	for {
		s.txMu.Lock()
		buffered := s.txBuffer.Buffered()
		s.txMu.Unlock()
		if buffered == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	s.FSM(nil, SyscallClose, false)
}

// Syscall enumerates the local operations that can drive the FSM alongside
// inbound packets and timer ticks.
type Syscall uint8

const (
	SyscallNone Syscall = iota
	SyscallListen
	SyscallConnect
	SyscallClose
)

// FSM is the single entry point driving the session's state machine: it
// acquires the FSM mutex and dispatches to the current state's handler.
func (s *Session) FSM(pkt *Segment, syscall Syscall, isTimer bool) {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()

	switch s.state {
	case StateClosed:
		s.handleClosed(pkt, syscall, isTimer)
	case StateListen:
		s.handleListen(pkt, syscall, isTimer)
	case StateSynSent:
		s.handleSynSent(pkt, syscall, isTimer)
	case StateSynRcvd:
		s.handleSynRcvd(pkt, syscall, isTimer)
	case StateEstablished:
		s.handleEstablished(pkt, syscall, isTimer)
	case StateFinWait1:
		s.handleFinWait1(pkt, syscall, isTimer)
	case StateFinWait2:
		s.handleFinWait2(pkt, syscall, isTimer)
	case StateClosing:
		s.handleClosing(pkt, syscall, isTimer)
	case StateCloseWait:
		s.handleCloseWait(pkt, syscall, isTimer)
	case StateLastAck:
		s.handleLastAck(pkt, syscall, isTimer)
	case StateTimeWait:
		s.handleTimeWait(pkt, syscall, isTimer)
	}
}

func sane(pkt *Segment, allow Flags, deny Flags) bool {
	return pkt != nil && pkt.Flags.HasAll(allow) && !pkt.Flags.HasAny(deny)
}

func (s *Session) handleClosed(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
	}
	switch syscall {
	case SyscallConnect:
		s.sendPacket(0, false, true, false, false, false, nil)
		s.changeState(StateSynSent)
	case SyscallListen:
		s.changeState(StateListen)
	}
}

func (s *Session) handleListen(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
	}
	if sane(pkt, FlagSYN, FlagACK|FlagFIN|FlagRST) && pkt.Ack == 0 && len(pkt.Data) == 0 {
		child := s.tbl.fork(pkt.From)
		child.remoteMSS = clampMSS(pkt.MSS, s.cfg.MTU)
		if s.cfg.UseRemoteWin {
			child.remoteWin = pkt.Win
		} else {
			child.remoteWin = child.remoteMSS
		}
		child.remoteSeqInit = pkt.Seq
		child.haveRemote = true
		child.remoteSeqRcvd = pkt.Seq.Add(1)
		child.sendPacket(0, false, true, true, false, false, nil)
		child.changeState(StateSynRcvd)
		return
	}
	if syscall == SyscallClose {
		s.changeState(StateClosed)
	}
}

func clampMSS(peerMSS uint16, mtu int) uint16 {
	ceiling := uint16(mtu - 80)
	if peerMSS == 0 || peerMSS > ceiling {
		return ceiling
	}
	return peerMSS
}

func (s *Session) handleSynSent(pkt *Segment, syscall Syscall, isTimer bool) {
	name := s.timerName("syn_sent")
	if s.stateInit {
		s.stateInit = false
		s.synResendCount = 0
		s.tmr.RegisterTimer(name, s.cfg.ResendDelayMS)
	}

	if isTimer && s.tmr.TimerExpired(name) && s.localSeqAckd.LessThan(s.localSeqSent) {
		if s.synResendCount >= s.cfg.ResendCount {
			s.changeState(StateClosed)
			s.signalConnect()
			return
		}
		s.sendPacket(s.localSeqAckd, true, true, false, false, false, nil)
		s.synResendCount++
		s.tmr.RegisterTimer(name, s.cfg.ResendDelayMS<<s.synResendCount)
		return
	}

	if sane(pkt, FlagSYN|FlagACK, FlagFIN|FlagRST) && pkt.Ack == s.localSeqSent && len(pkt.Data) == 0 {
		s.processAck(*pkt, false)
		s.remoteMSS = clampMSS(pkt.MSS, s.cfg.MTU)
		if s.cfg.UseRemoteWin {
			s.remoteWin = pkt.Win
		} else {
			s.remoteWin = s.remoteMSS
		}
		s.remoteSeqInit = pkt.Seq
		s.haveRemote = true
		s.sendPacket(0, false, false, true, false, false, nil)
		s.changeState(StateEstablished)
		s.signalConnect()
		return
	}

	if sane(pkt, FlagSYN, FlagACK|FlagFIN) && pkt.Ack == 0 && len(pkt.Data) == 0 {
		s.sendPacket(0, false, true, true, false, false, nil)
		s.changeState(StateSynRcvd)
		return
	}

	if sane(pkt, FlagRST, FlagFIN|FlagSYN) {
		s.changeState(StateClosed)
		s.signalConnect()
		return
	}

	if syscall == SyscallClose {
		s.changeState(StateClosed)
	}
}

func (s *Session) handleSynRcvd(pkt *Segment, syscall Syscall, isTimer bool) {
	name := s.timerName("syn_rcvd")
	if s.stateInit {
		s.stateInit = false
		s.synResendCount = 0
		s.tmr.RegisterTimer(name, s.cfg.ResendDelayMS)
	}

	if isTimer && s.tmr.TimerExpired(name) && s.localSeqAckd.LessThan(s.localSeqSent) {
		if s.synResendCount >= s.cfg.ResendCount {
			s.changeState(StateClosed)
			return
		}
		s.sendPacket(s.localSeqAckd, true, true, true, false, false, nil)
		s.synResendCount++
		s.tmr.RegisterTimer(name, s.cfg.ResendDelayMS<<s.synResendCount)
		return
	}

	if sane(pkt, FlagACK, FlagSYN|FlagFIN|FlagRST) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack == s.localSeqSent && len(pkt.Data) == 0 {
		s.processAck(*pkt, false)
		s.changeState(StateEstablished)
		// Run ESTABLISHED's state-init now so Accept sees the session at once.
		s.handleEstablished(nil, SyscallNone, false)
		return
	}

	if syscall == SyscallClose {
		s.sendPacket(0, false, true, false, true, false, nil)
		s.changeState(StateFinWait1)
	}
}

func (s *Session) handleEstablished(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
		s.signalConnect()
		select {
		case s.accepted <- s:
		default:
		}
	}

	if isTimer {
		s.sendData()
		s.delayedAck()
		return
	}

	if sane(pkt, FlagACK, FlagSYN|FlagRST|FlagFIN) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack.LessEqual(s.localSeqSent) {
		s.processAck(*pkt, false)
		return
	}

	if sane(pkt, FlagFIN|FlagACK, FlagSYN|FlagRST) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack.LessEqual(s.localSeqSent) {
		s.processAck(*pkt, true)
		s.postRxSignal()
		s.changeState(StateCloseWait)
		return
	}

	if syscall == SyscallClose {
		s.sendPacket(0, false, true, false, true, false, nil)
		s.changeState(StateFinWait1)
		return
	}

	// Anything else — duplicate/reordered/out-of-window segments included
	// — is silently dropped; no active RST synthesis against a
	// synchronized session.
}

func (s *Session) signalConnect() {
	s.connectOnce.Do(func() { close(s.connectSignal) })
}

func (s *Session) handleFinWait1(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
	}

	if sane(pkt, FlagACK, FlagSYN|FlagRST|FlagFIN) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack.LessEqual(s.localSeqSent) {
		s.processAck(*pkt, true)
		if s.haveFin && s.localSeqFin.LessEqual(pkt.Ack) {
			s.changeState(StateFinWait2)
		}
		return
	}

	if sane(pkt, FlagFIN|FlagACK, FlagSYN|FlagRST) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack.LessEqual(s.localSeqSent) {
		s.processAck(*pkt, false)
		s.sendPacket(0, false, false, true, false, false, nil)
		if s.haveFin && s.localSeqFin.LessEqual(pkt.Ack) {
			s.changeState(StateTimeWait)
		} else {
			s.changeState(StateClosing)
		}
		return
	}
}

func (s *Session) handleFinWait2(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
	}
	if sane(pkt, FlagACK, FlagSYN|FlagRST|FlagFIN) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack.LessEqual(s.localSeqSent) {
		s.processAck(*pkt, true)
		return
	}
	if sane(pkt, FlagFIN|FlagACK, FlagSYN|FlagRST) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack.LessEqual(s.localSeqSent) {
		s.processAck(*pkt, false)
		s.sendPacket(0, false, false, true, false, false, nil)
		s.changeState(StateTimeWait)
		return
	}
}

func (s *Session) handleClosing(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
	}
	if sane(pkt, FlagACK, FlagFIN|FlagSYN|FlagRST) && pkt.Ack == s.localSeqSent {
		s.localSeqAckd = pkt.Ack
		s.changeState(StateTimeWait)
	}
}

func (s *Session) handleCloseWait(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
	}
	if isTimer {
		s.sendData()
		s.delayedAck()
		return
	}
	if sane(pkt, FlagACK, FlagSYN|FlagRST|FlagFIN) && pkt.Seq == s.remoteSeqRcvd && pkt.Ack.LessEqual(s.localSeqSent) && len(pkt.Data) == 0 {
		s.processAck(*pkt, false)
		return
	}
	if syscall == SyscallClose {
		s.sendPacket(0, false, true, false, true, false, nil)
		s.changeState(StateLastAck)
		return
	}
	if sane(pkt, FlagRST, FlagSYN|FlagFIN|FlagACK) && pkt.Ack == 0 && pkt.Seq == s.remoteSeqRcvd {
		s.changeState(StateClosed)
	}
}

func (s *Session) handleLastAck(pkt *Segment, syscall Syscall, isTimer bool) {
	if s.stateInit {
		s.stateInit = false
	}
	if sane(pkt, FlagACK, FlagSYN|FlagFIN|FlagRST) && pkt.Ack == s.localSeqSent {
		s.changeState(StateClosed)
		return
	}
	if sane(pkt, FlagRST, FlagSYN|FlagFIN|FlagACK) && pkt.Ack == 0 && pkt.Seq == s.remoteSeqRcvd {
		s.changeState(StateClosed)
	}
}

func (s *Session) handleTimeWait(pkt *Segment, syscall Syscall, isTimer bool) {
	name := s.timerName("time_wait")
	if s.stateInit {
		s.stateInit = false
		s.tmr.RegisterTimer(name, s.cfg.TimeWaitMS)
	}
	if isTimer && s.tmr.TimerExpired(name) {
		s.changeState(StateClosed)
	}
}

// Accept blocks until a session forked off this (listening) session
// reaches ESTABLISHED, returning it.
func (s *Session) Accept() *Session {
	return <-s.accepted
}
