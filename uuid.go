package bthost

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// baseUUID is the Bluetooth base UUID; 16-bit attribute types are shorthand
// for 0000xxxx-0000-1000-8000-00805F9B34FB.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

// UUID identifies an attribute type. On the wire it is either 2 or 16
// bytes, little-endian.
type UUID []byte

// UUID16 returns a 16-bit UUID.
func UUID16(v uint16) UUID {
	u := make(UUID, 2)
	binary.LittleEndian.PutUint16(u, v)
	return u
}

// MustParseUUID parses a canonical UUID string, shortening it to 16-bit
// form when it lies inside the Bluetooth base UUID range.
func MustParseUUID(s string) UUID {
	u := uuid.MustParse(s)
	b := u[:]

	var base [16]byte
	copy(base[:], baseUUID[:])
	base[2], base[3] = b[2], b[3]
	if base == u {
		return UUID16(binary.BigEndian.Uint16(b[2:4]))
	}

	// wire order is the reverse of the textual order
	out := make(UUID, 16)
	for i := range b {
		out[i] = b[15-i]
	}
	return out
}

func (u UUID) Len() int { return len(u) }

// Equal compares two UUIDs after expanding 16-bit shorthands.
func (u UUID) Equal(v UUID) bool {
	if len(u) == len(v) {
		for i := range u {
			if u[i] != v[i] {
				return false
			}
		}
		return true
	}
	return u.expand().Equal(v.expand())
}

func (u UUID) expand() UUID {
	if len(u) != 2 {
		return u
	}
	out := make(UUID, 16)
	for i := range baseUUID {
		out[i] = baseUUID[15-i]
	}
	out[12] = u[0]
	out[13] = u[1]
	return out
}

func (u UUID) String() string {
	if len(u) == 2 {
		return fmt.Sprintf("%04x", binary.LittleEndian.Uint16(u))
	}
	e := u.expand()
	var b [16]byte
	for i := range e {
		b[i] = e[15-i]
	}
	return uuid.UUID(b).String()
}
