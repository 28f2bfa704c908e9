package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/tapstack/tapstack/wire"
)

const sizeHeaderTCP = 20

// NewFrame returns a Frame with data set to buf. An error is returned if
// the buffer size is smaller than 20. Users should still call
// [Frame.ValidateSize] before working with options/payload to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{buf: nil}, wire.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a TCP segment and provides methods
// for manipulating, validating and retrieving fields and payload data.
// See [RFC9293].
//
// [RFC9293]: https://datatracker.ietf.org/doc/html/rfc9293
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

// SourcePort identifies the sending port of the TCP packet. Must be non-zero.
func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }

// SetSourcePort sets the TCP source port. See [Frame.SourcePort].
func (tfrm Frame) SetSourcePort(src uint16) { binary.BigEndian.PutUint16(tfrm.buf[0:2], src) }

// DestinationPort identifies the receiving port for the TCP packet. Must be non-zero.
func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }

// SetDestinationPort sets the TCP destination port. See [Frame.DestinationPort].
func (tfrm Frame) SetDestinationPort(dst uint16) { binary.BigEndian.PutUint16(tfrm.buf[2:4], dst) }

// Seq returns the sequence number of the first data octet in this segment
// (except when SYN is present, in which case this is the ISN and the first
// data octet is ISN+1).
func (tfrm Frame) Seq() Seq { return Seq(binary.BigEndian.Uint32(tfrm.buf[4:8])) }

// SetSeq sets the Seq field. See [Frame.Seq].
func (tfrm Frame) SetSeq(v Seq) { binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v)) }

// Ack is the next sequence number the sender is expecting to receive (when
// ACK is set).
func (tfrm Frame) Ack() Seq { return Seq(binary.BigEndian.Uint32(tfrm.buf[8:12])) }

// SetAck sets the Ack field. See [Frame.Ack].
func (tfrm Frame) SetAck(v Seq) { binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v)) }

// OffsetAndFlags returns the data offset (in 32-bit words, including
// options) and flags fields of the TCP header.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	offset = uint8(v >> 12)
	flags = Flags(v).Mask()
	return offset, flags
}

// SetOffsetAndFlags sets the offset and flags fields. See [Frame.OffsetAndFlags].
func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength uses the Offset field to compute the total header length in
// bytes, including options. Performs no validation.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

// WindowSize returns the advertised receive window in octets.
func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }

// SetWindowSize sets the advertised receive window. See [Frame.WindowSize].
func (tfrm Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(tfrm.buf[14:16], v) }

// CRC returns the checksum field of the TCP header.
func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }

// SetCRC sets the checksum field. See [Frame.CRC].
func (tfrm Frame) SetCRC(checksum uint16) { binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum) }

func (tfrm Frame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Payload returns the data section of the segment, excluding TCP options.
// Call [Frame.ValidateSize] beforehand to avoid a panic.
func (tfrm Frame) Payload() []byte { return tfrm.buf[tfrm.HeaderLength():] }

// Options returns the TCP option buffer portion of the frame. May be zero
// length. Call [Frame.ValidateSize] beforehand to avoid a panic.
func (tfrm Frame) Options() []byte { return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()] }

// ClearHeader zeros out the fixed (non-option) header contents.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

// SetMSSOption writes a single MSS option (kind=2 len=4) at the start of
// the options area and sets the offset field to 6 (a 24-byte header). The
// frame's buffer must be at least 24 bytes.
func (tfrm Frame) SetMSSOption(mss uint16) {
	opts := tfrm.buf[sizeHeaderTCP:24]
	opts[0] = 2 // kind: MSS
	opts[1] = 4 // length
	binary.BigEndian.PutUint16(opts[2:4], mss)
	offset, flags := tfrm.OffsetAndFlags()
	_ = offset
	tfrm.SetOffsetAndFlags(6, flags) // 24 bytes / 4
}

// ParseMSSOption scans the option area for an MSS option (kind 2) and
// returns its value, or ok=false if absent.
func (tfrm Frame) ParseMSSOption() (mss uint16, ok bool) {
	opts := tfrm.Options()
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case 0: // end of option list
			return 0, false
		case 1: // no-op
			i++
			continue
		}
		if i+1 >= len(opts) {
			return 0, false
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return 0, false
		}
		if kind == 2 && length == 4 {
			return binary.BigEndian.Uint16(opts[i+2 : i+4]), true
		}
		i += length
	}
	return 0, false
}

func (tfrm Frame) String() string {
	src, dst := tfrm.SourcePort(), tfrm.DestinationPort()
	_, flags := tfrm.OffsetAndFlags()
	return fmt.Sprintf("TCP :%d -> :%d seq=%d ack=%d %s", src, dst, tfrm.Seq(), tfrm.Ack(), flags)
}

// ValidateSize checks the frame's size fields against the actual buffer.
// It adds an error to v on finding an inconsistency.
func (tfrm Frame) ValidateSize(v *wire.Validator) {
	off := tfrm.HeaderLength()
	if off < sizeHeaderTCP {
		v.AddBitPosErr(12*8, 4, wire.ErrInvalidLengthField)
	}
	if off > len(tfrm.RawData()) {
		v.AddBitPosErr(12*8, 4, wire.ErrInvalidLengthField)
	}
}

// ValidateExceptCRC runs ValidateSize plus every check except the checksum,
// which depends on the enclosing IPv4 pseudo-header and is validated by
// the caller.
func (tfrm Frame) ValidateExceptCRC(v *wire.Validator) {
	tfrm.ValidateSize(v)
	if tfrm.DestinationPort() == 0 {
		v.AddBitPosErr(2*8, 16, wire.ErrZeroDestination)
	}
	if tfrm.SourcePort() == 0 {
		v.AddBitPosErr(0, 16, wire.ErrZeroSource)
	}
}
