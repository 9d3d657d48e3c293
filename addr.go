package bthost

import (
	"encoding/hex"
	"strings"
)

// Addr is a peer device address (48-bit, colon separated in string form).
type Addr interface {
	String() string
	Bytes() []byte
}

// NewAddr creates an Addr from a string such as "11:22:33:44:55:66".
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

// AddrFromBytes creates an Addr from raw little-endian address bytes as
// they appear on the wire in connection events.
func AddrFromBytes(b []byte) Addr {
	ss := make([]string, 0, len(b))
	for i := len(b) - 1; i >= 0; i-- {
		ss = append(ss, hex.EncodeToString(b[i:i+1]))
	}
	return addr(strings.Join(ss, ":"))
}

type addr string

func (a addr) String() string {
	return string(a)
}

func (a addr) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		GetLogger().Error("error decoding address:", err, a.String())
	}

	return out
}
