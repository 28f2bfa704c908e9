package tcp

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/tapstack/tapstack/internal"
	"github.com/tapstack/tapstack/timer"
)

// Table is the set of live sessions for one stack instance, keyed by
// 4-tuple, with a separate wildcard slot per listening (local_ip,
// local_port) pair (remote left zero), mirroring a conventional
// listen-socket/accept-socket split.
type Table struct {
	mu       sync.Mutex
	sessions map[ID]*Session

	cfg Config
	tmr *timer.Stack
	tx  Transmitter
	log *slog.Logger

	tickScratch []*Session
}

// NewTable constructs an empty session table. tx is shared by every
// session created through it for emitting outbound segments.
func NewTable(cfg Config, tmr *timer.Stack, tx Transmitter) *Table {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		sessions: make(map[ID]*Session),
		cfg:      cfg,
		tmr:      tmr,
		tx:       tx,
		log:      cfg.Logger,
	}
}

func wildcard(localIP netip.Addr, localPort uint16) ID {
	return ID{LocalIP: localIP, LocalPort: localPort}
}

// Listen creates (or returns the existing) listening session bound to
// localIP:localPort and puts it in state LISTEN.
func (t *Table) Listen(localIP netip.Addr, localPort uint16) *Session {
	id := wildcard(localIP, localPort)
	t.mu.Lock()
	if s, ok := t.sessions[id]; ok {
		t.mu.Unlock()
		return s
	}
	s := NewSession(id, t.cfg, t.tmr, t.tx, t)
	t.sessions[id] = s
	t.mu.Unlock()
	s.Listen()
	return s
}

// Dial creates a new session in state CLOSED bound to the given 4-tuple,
// registers it, and returns it without connecting — call [Session.Connect]
// to drive the handshake.
func (t *Table) Dial(id ID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := NewSession(id, t.cfg, t.tmr, t.tx, t)
	t.sessions[id] = s
	return s
}

// Lookup returns the session exactly matching id, or the listening
// wildcard session for id's local half if no exact match exists, or
// nil if neither is registered.
func (t *Table) Lookup(id ID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s
	}
	if s, ok := t.sessions[wildcard(id.LocalIP, id.LocalPort)]; ok {
		return s
	}
	return nil
}

// fork creates a new concrete session for id, inheriting the listening
// session's config/timer/transmitter, and registers it in the table. It is
// called only from a LISTEN session's FSM handler upon a valid inbound SYN.
func (t *Table) fork(id ID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.sessions[id]; ok {
		return existing
	}
	listener, ok := t.sessions[wildcard(id.LocalIP, id.LocalPort)]
	child := NewSession(id, t.cfg, t.tmr, t.tx, t)
	if ok {
		child.accepted = listener.accepted
	}
	t.sessions[id] = child
	return child
}

// Remove deregisters id, typically called once a session reaches CLOSED
// for good (i.e. not a LISTEN socket meant to persist).
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Tick drives every registered session's FSM with a timer pulse, letting
// retransmission, delayed ACK, sliding-window send and TIME-WAIT expiry
// all progress without new inbound packets.
func (t *Table) Tick() {
	t.mu.Lock()
	internal.SliceReuse(&t.tickScratch, len(t.sessions))
	for _, s := range t.sessions {
		t.tickScratch = append(t.tickScratch, s)
	}
	sessions := t.tickScratch
	t.mu.Unlock()
	for _, s := range sessions {
		s.FSM(nil, SyscallNone, true)
	}
}

// Dispatch routes an inbound segment to the matching session's FSM,
// returning false if no session (exact or listening) claims id.
func (t *Table) Dispatch(id ID, seg Segment) bool {
	seg.From = id
	s := t.Lookup(id)
	if s == nil {
		return false
	}
	s.FSM(&seg, SyscallNone, false)
	return true
}

// Len reports the number of registered sessions, for diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
