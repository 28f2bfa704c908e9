package tcp

import (
	"log/slog"

	"github.com/tapstack/tapstack/internal"
)

func (s *Session) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (s.log != nil && internal.LogEnabled(s.log, lvl))
}

func (s *Session) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.log, lvl, msg, attrs...)
}

func (s *Session) trace(msg string, attrs ...slog.Attr) {
	s.logattrs(internal.LevelTrace, msg, attrs...)
}

// traceSeq logs the session's sequence-number bookkeeping, gated behind
// [internal.LevelTrace] so the attrs aren't built on the common path.
func (s *Session) traceSeq(msg string) {
	if !s.logenabled(internal.LevelTrace) {
		return
	}
	s.trace(msg,
		slog.String("state", s.state.String()),
		slog.Uint64("local.sent", uint64(s.localSeqSent)),
		slog.Uint64("local.ackd", uint64(s.localSeqAckd)),
		slog.Uint64("remote.rcvd", uint64(s.remoteSeqRcvd)),
		slog.Uint64("remote.ackd", uint64(s.remoteSeqAckd)),
	)
}
