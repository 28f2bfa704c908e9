package tcp

// Seq is a TCP sequence or acknowledgment number. Arithmetic and comparison
// on Seq must treat the space as a modulo-2^32 ring — these helpers are the
// only sanctioned way to compare or advance one, so a plain < or > on a
// uint32 never creeps into the session logic.
type Seq uint32

// Add returns s advanced by delta octets, wrapping as needed.
func (s Seq) Add(delta uint32) Seq { return s + Seq(delta) }

// Sub returns the signed distance s-other in sequence space, wrapping as
// needed so the result is meaningful even across a 2^32 rollover.
func (s Seq) Sub(other Seq) int32 { return int32(s - other) }

// LessThan reports whether s precedes other in sequence space (s < other
// per RFC 793 §3.3's modulo arithmetic, not raw integer comparison).
func (s Seq) LessThan(other Seq) bool { return s.Sub(other) < 0 }

// LessEqual reports whether s precedes or equals other in sequence space.
func (s Seq) LessEqual(other Seq) bool { return s.Sub(other) <= 0 }

// GreaterThan reports whether s follows other in sequence space.
func (s Seq) GreaterThan(other Seq) bool { return s.Sub(other) > 0 }

// Max returns the sequence-space maximum of s and other.
func (s Seq) Max(other Seq) Seq {
	if s.GreaterThan(other) {
		return s
	}
	return other
}

// InWindow reports whether s falls in [start, start+size) in sequence space.
func (s Seq) InWindow(start Seq, size uint32) bool {
	return s.Sub(start) >= 0 && uint32(s.Sub(start)) < size
}
