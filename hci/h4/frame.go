package h4

import (
	"github.com/corelink/bthost"
)

// Packet types on the host-controller transport.
const (
	PktTypeCommand byte = 0x01
	PktTypeACLData byte = 0x02
	PktTypeSCOData byte = 0x03
	PktTypeEvent   byte = 0x04
	PktTypeVendor  byte = 0xFF
)

// Header sizes per packet type, including the type byte.
const (
	cmdHeaderLen = 4 // type + opcode (2) + param len (1)
	aclHeaderLen = 5 // type + handle/flags (2) + data len (2)
	evtHeaderLen = 3 // type + event code (1) + param len (1)
)

// DefaultMaxFrame bounds the accepted frame size. L2CAP reassembly has its
// own, higher limit; a single transport frame never legitimately approaches
// this.
const DefaultMaxFrame = 4096

// Encode produces the wire framing for one packet: the type byte followed
// by the already-marshaled header+payload bytes.
func Encode(typ byte, b []byte) []byte {
	out := make([]byte, 0, 1+len(b))
	out = append(out, typ)
	return append(out, b...)
}

// Decoder reassembles type-tagged, length-prefixed frames from arbitrarily
// fragmented stream chunks. It is stateful across Write calls and restarts
// cleanly after an error.
type Decoder struct {
	maxFrame int
	buf      []byte
	skip     int
	frames   [][]byte
}

func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{maxFrame: maxFrame}
}

// Write feeds raw transport bytes into the decoder. Completed frames become
// available via Next. A frame whose declared length exceeds the configured
// maximum is skipped and reported as a FramingError; decoding resumes at
// the following frame boundary.
func (d *Decoder) Write(b []byte) error {
	var ferr error

	for len(b) > 0 {
		// finish skipping an oversized frame
		if d.skip > 0 {
			n := d.skip
			if n > len(b) {
				n = len(b)
			}
			d.skip -= n
			b = b[n:]
			continue
		}

		if len(d.buf) == 0 {
			i, err := findStart(b)
			if err != nil {
				ferr = err
				b = nil
				break
			}
			b = b[i:]
		}

		d.buf = append(d.buf, b...)
		b = nil

		for {
			need, err := d.frameLen()
			if err != nil {
				// header incomplete
				break
			}
			if need > d.maxFrame {
				ferr = &bthost.FramingError{Reason: "frame exceeds maximum", Length: need}
				if need <= len(d.buf) {
					d.buf = d.buf[need:]
				} else {
					d.skip = need - len(d.buf)
					d.buf = nil
				}
				if len(d.buf) == 0 {
					break
				}
				continue
			}
			if need > len(d.buf) {
				break
			}

			out := make([]byte, need)
			copy(out, d.buf[:need])
			d.frames = append(d.frames, out)
			d.buf = d.buf[need:]
			if len(d.buf) == 0 {
				d.buf = nil
				break
			}
		}
	}

	return ferr
}

// Next returns the next completed frame, or nil when none is pending.
func (d *Decoder) Next() []byte {
	if len(d.frames) == 0 {
		return nil
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f
}

// frameLen returns the total length of the frame at the head of the
// buffer, or an error when the header is not complete yet.
func (d *Decoder) frameLen() (int, error) {
	if len(d.buf) == 0 {
		return 0, errShort
	}
	switch d.buf[0] {
	case PktTypeCommand:
		if len(d.buf) < cmdHeaderLen {
			return 0, errShort
		}
		return cmdHeaderLen + int(d.buf[3]), nil
	case PktTypeACLData:
		if len(d.buf) < aclHeaderLen {
			return 0, errShort
		}
		return aclHeaderLen + (int(d.buf[3]) | int(d.buf[4])<<8), nil
	case PktTypeEvent:
		if len(d.buf) < evtHeaderLen {
			return 0, errShort
		}
		return evtHeaderLen + int(d.buf[2]), nil
	default:
		// cannot happen, findStart filters types
		return 0, errShort
	}
}

var errShort = &bthost.FramingError{Reason: "short header"}

// findStart locates the first valid packet-type byte, the way the serial
// assembler resynchronizes after garbage on the line.
func findStart(b []byte) (int, error) {
	for i, v := range b {
		switch v {
		case PktTypeCommand, PktTypeACLData, PktTypeEvent:
			return i, nil
		}
	}
	return 0, &bthost.FramingError{Reason: "no frame boundary", Length: len(b)}
}
