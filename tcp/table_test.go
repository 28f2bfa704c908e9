package tcp

import "testing"

func TestDispatchFallsBackToWildcardListener(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)
	tbl.Listen(ipA, 80)

	remote := ID{LocalIP: ipA, LocalPort: 80, RemoteIP: ipB, RemotePort: 1111}
	if !tbl.Dispatch(remote, Segment{Flags: FlagSYN, Seq: 1}) {
		t.Fatal("expected the wildcard listener to accept the SYN")
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected listener + forked session, got %d entries", tbl.Len())
	}
}

func TestDispatchUnknownFlowReturnsFalse(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)

	remote := ID{LocalIP: ipA, LocalPort: 80, RemoteIP: ipB, RemotePort: 1111}
	if tbl.Dispatch(remote, Segment{Flags: FlagACK}) {
		t.Fatal("expected no session to claim an unrelated flow")
	}
}

func TestForkIsIdempotentForRetransmittedSyn(t *testing.T) {
	tmr := testTimer(t)
	tx := &recordingTransmitter{}
	tbl := NewTable(DefaultConfig(), tmr, tx)
	tbl.Listen(ipA, 80)
	remote := ID{LocalIP: ipA, LocalPort: 80, RemoteIP: ipB, RemotePort: 1111}

	tbl.Dispatch(remote, Segment{Flags: FlagSYN, Seq: 1})
	first := tbl.Lookup(remote)

	tbl.Dispatch(remote, Segment{Flags: FlagSYN, Seq: 1})
	second := tbl.Lookup(remote)

	if first != second {
		t.Fatal("expected a retransmitted SYN to route to the already-forked session")
	}
}
