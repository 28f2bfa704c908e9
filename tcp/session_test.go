package tcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/tapstack/tapstack/timer"
)

// recordingTransmitter captures every segment handed to SendTCP and can
// optionally feed it straight back to a peer table, letting tests drive
// two sessions against each other without a real network.
type recordingTransmitter struct {
	sent []sentSegment
	peer *Table
}

type sentSegment struct {
	id   ID
	seq  Seq
	ack  Seq
	fl   Flags
	win  uint16
	mss  uint16
	data []byte
}

func (r *recordingTransmitter) SendTCP(id ID, seq, ack Seq, flags Flags, win, mss uint16, data []byte) error {
	cp := append([]byte(nil), data...)
	r.sent = append(r.sent, sentSegment{id, seq, ack, flags, win, mss, cp})
	if r.peer != nil {
		reverse := ID{LocalIP: id.RemoteIP, LocalPort: id.RemotePort, RemoteIP: id.LocalIP, RemotePort: id.LocalPort}
		r.peer.Dispatch(reverse, Segment{Seq: seq, Ack: ack, Flags: flags, Data: cp, Win: win, MSS: mss})
	}
	return nil
}

func (r *recordingTransmitter) last() sentSegment { return r.sent[len(r.sent)-1] }

func testTimer(t *testing.T) *timer.Stack {
	t.Helper()
	tmr := timer.New()
	t.Cleanup(func() { tmr.Close() })
	return tmr
}

var (
	ipA = netip.MustParseAddr("10.0.0.1")
	ipB = netip.MustParseAddr("10.0.0.2")
)

func TestHandshakeActiveOpenReachesEstablished(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)

	id := ID{LocalIP: ipA, LocalPort: 1234, RemoteIP: ipB, RemotePort: 80}
	s := tbl.Dial(id)
	s.FSM(nil, SyscallConnect, false)

	if s.State() != StateSynSent {
		t.Fatalf("expected SYN-SENT after connect, got %s", s.State())
	}
	if len(tx.sent) != 1 || !tx.sent[0].fl.HasAll(FlagSYN) {
		t.Fatalf("expected a single SYN segment, got %+v", tx.sent)
	}

	synack := Segment{Seq: 5000, Ack: s.localSeqSent, Flags: FlagSYN | FlagACK, Win: 65535}
	s.FSM(&synack, SyscallNone, false)

	if s.State() != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %s", s.State())
	}
	if got := tx.last(); !got.fl.HasAll(FlagACK) || got.fl.HasAny(FlagSYN) {
		t.Fatalf("expected a bare ACK finishing the handshake, got %+v", got)
	}
}

func TestListenForksSessionOnSyn(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)

	listener := tbl.Listen(ipA, 80)
	if listener.State() != StateListen {
		t.Fatalf("expected LISTEN, got %s", listener.State())
	}

	remote := ID{LocalIP: ipA, LocalPort: 80, RemoteIP: ipB, RemotePort: 4444}
	ok := tbl.Dispatch(remote, Segment{Seq: 100, Flags: FlagSYN, Win: 65535})
	if !ok {
		t.Fatal("expected the wildcard listener to claim the inbound SYN")
	}

	child := tbl.Lookup(remote)
	if child == nil || child == listener {
		t.Fatalf("expected a distinct forked session, got %v", child)
	}
	if child.State() != StateSynRcvd {
		t.Fatalf("expected forked session in SYN-RCVD, got %s", child.State())
	}
	if len(tx.sent) != 1 || !tx.sent[0].fl.HasAll(FlagSYN | FlagACK) {
		t.Fatalf("expected a SYN-ACK reply, got %+v", tx.sent)
	}

	ack := Segment{Seq: 101, Ack: child.localSeqSent, Flags: FlagACK}
	child.FSM(&ack, SyscallNone, false)
	if child.State() != StateEstablished {
		t.Fatalf("expected forked session to reach ESTABLISHED, got %s", child.State())
	}

	accepted := listener.Accept()
	if accepted != child {
		t.Fatalf("expected Accept to hand back the forked session")
	}
}

func TestPeerInitiatedCloseReachesCloseWait(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)
	id := ID{LocalIP: ipA, LocalPort: 1234, RemoteIP: ipB, RemotePort: 80}
	s := tbl.Dial(id)

	s.state = StateEstablished
	s.remoteSeqRcvd = 500
	s.remoteSeqAckd = 500
	s.localSeqSent = 1000
	s.localSeqAckd = 1000

	fin := Segment{Seq: 500, Ack: 1000, Flags: FlagFIN | FlagACK}
	s.FSM(&fin, SyscallNone, false)

	if s.State() != StateCloseWait {
		t.Fatalf("expected CLOSE-WAIT after peer FIN, got %s", s.State())
	}
	if s.remoteSeqRcvd != 501 {
		t.Fatalf("expected remote seq advanced past FIN, got %d", s.remoteSeqRcvd)
	}
}

func TestOrderedReceiveDeliversAppendedData(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)
	id := ID{LocalIP: ipA, LocalPort: 1234, RemoteIP: ipB, RemotePort: 80}
	s := tbl.Dial(id)
	s.state = StateEstablished
	s.remoteSeqRcvd = 10
	s.localSeqSent = 100
	s.localSeqAckd = 100

	data := Segment{Seq: 10, Ack: 100, Flags: FlagACK, Data: []byte("hello")}
	s.FSM(&data, SyscallNone, false)

	got, ok := s.Receive(0)
	if !ok {
		t.Fatal("expected data, got EOF")
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestSendOutsideEstablishedFails(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)
	id := ID{LocalIP: ipA, LocalPort: 1234, RemoteIP: ipB, RemotePort: 80}
	s := tbl.Dial(id)

	if _, err := s.Send([]byte("x")); err == nil {
		t.Fatal("expected an error sending before the handshake completes")
	}
}

func TestSynSentRetransmitsThenGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResendDelayMS = 1
	cfg.ResendCount = 2
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(cfg, tmr, tx)
	id := ID{LocalIP: ipA, LocalPort: 1234, RemoteIP: ipB, RemotePort: 80}
	s := tbl.Dial(id)
	s.FSM(nil, SyscallConnect, false)

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		tbl.Tick()
	}
	if s.State() != StateClosed {
		t.Fatalf("expected session to give up and return to CLOSED, got %s", s.State())
	}
	if len(tx.sent) < 3 {
		t.Fatalf("expected the initial SYN plus at least 2 retransmits, got %d", len(tx.sent))
	}
}

func TestSeqWraparoundComparisons(t *testing.T) {
	var a Seq = 0xfffffff0
	b := a.Add(32)
	if !a.LessThan(b) {
		t.Fatalf("expected %d < %d across wraparound", a, b)
	}
	if b.Sub(a) != 32 {
		t.Fatalf("expected distance 32, got %d", b.Sub(a))
	}
}
