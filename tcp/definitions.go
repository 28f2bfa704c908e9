package tcp

import "math/bits"

// Flags is a TCP flags bit-masked implementation i.e: SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo.
	FlagCWR                   // FlagCWR - Congestion Window Reduced.
	FlagNS                    // FlagNS  - Nonce Sum flag (see RFC 3540).
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny checks if one or more mask bits are set in the receiver flags.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (f Flags) Mask() Flags { return f & flagMask }

// String returns a human readable flag string, e.g. "[SYN,ACK]".
func (f Flags) String() string {
	switch f {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+3*bits.OnesCount16(uint16(f)))
	buf = append(buf, '[')
	buf = f.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b, returning the
// extended buffer.
func (f Flags) AppendFormat(b []byte) []byte {
	if f == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	for f != 0 {
		i := bits.TrailingZeros16(uint16(f))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		f &= ^(1 << i)
	}
	return b
}

// State enumerates the states a TCP connection progresses through during
// its lifetime. See RFC 9293 figure 5.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynRcvd
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynRcvd:
		return "SYN-RCVD"
	case StateSynSent:
		return "SYN-SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	default:
		return "UNKNOWN"
	}
}

// IsPreestablished reports whether s is a state a connection passes through
// before reaching ESTABLISHED.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent || s == StateListen
}

// IsClosing reports whether s is on the connection-teardown side of
// ESTABLISHED.
func (s State) IsClosing() bool {
	return s > StateEstablished
}

// IsClosed reports whether s is a fully or effectively closed state.
func (s State) IsClosed() bool {
	return s == StateClosed || s == StateTimeWait
}

// IsSynchronized reports whether the connection has completed its
// handshake (ESTABLISHED or any state reachable only from it).
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}
