package smp

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

// The toolkit functions take their arguments most significant byte first,
// matching the reference sample data. The wire carries values least
// significant byte first; swapBuf converts.
func swapBuf(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func xorBuf(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "entropy")
	}
	return b, nil
}

// e is the 128-bit AES block function of the legacy toolkit.
func e(key, plaintext []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	c.Encrypt(out, plaintext)
	return out, nil
}

func aesCMAC(key, msg []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, c, aes.BlockSize)
}

// smpC1 is the legacy confirm value generation function.
func smpC1(k, r, preq, pres []byte, iat, rat byte, ia, ra []byte) ([]byte, error) {
	p1 := make([]byte, 0, 16)
	p1 = append(p1, pres...)
	p1 = append(p1, preq...)
	p1 = append(p1, rat, iat)

	p2 := make([]byte, 0, 16)
	p2 = append(p2, 0, 0, 0, 0)
	p2 = append(p2, ia...)
	p2 = append(p2, ra...)

	inner, err := e(k, xorBuf(r, p1))
	if err != nil {
		return nil, err
	}
	return e(k, xorBuf(inner, p2))
}

// smpS1 is the legacy short term key generation function.
func smpS1(k, r1, r2 []byte) ([]byte, error) {
	r := make([]byte, 0, 16)
	r = append(r, r1[8:16]...)
	r = append(r, r2[8:16]...)
	return e(k, r)
}

// smpF4 is the secure-connections confirm value function.
func smpF4(u, v, x []byte, z byte) ([]byte, error) {
	m := make([]byte, 0, 65)
	m = append(m, u...)
	m = append(m, v...)
	m = append(m, z)
	return aesCMAC(x, m)
}

var f5Salt = []byte{
	0x6C, 0x88, 0x83, 0x91, 0xAA, 0xF5, 0xA5, 0x38,
	0x60, 0x37, 0x0B, 0xDB, 0x5A, 0x60, 0x83, 0xBE,
}

var f5KeyID = []byte{0x62, 0x74, 0x6C, 0x65} // "btle"

// smpF5 derives MacKey and LTK from the shared secret.
func smpF5(w, n1, n2, a1, a2 []byte) (macKey, ltk []byte, err error) {
	t, err := aesCMAC(f5Salt, w)
	if err != nil {
		return nil, nil, err
	}

	m := make([]byte, 0, 53)
	m = append(m, 0x00)
	m = append(m, f5KeyID...)
	m = append(m, n1...)
	m = append(m, n2...)
	m = append(m, a1...)
	m = append(m, a2...)
	m = append(m, 0x01, 0x00)

	macKey, err = aesCMAC(t, m)
	if err != nil {
		return nil, nil, err
	}

	m[0] = 0x01
	ltk, err = aesCMAC(t, m)
	if err != nil {
		return nil, nil, err
	}
	return macKey, ltk, nil
}

// smpF6 is the secure-connections check value function.
func smpF6(w, n1, n2, r, ioCap, a1, a2 []byte) ([]byte, error) {
	m := make([]byte, 0, 65)
	m = append(m, n1...)
	m = append(m, n2...)
	m = append(m, r...)
	m = append(m, ioCap...)
	m = append(m, a1...)
	m = append(m, a2...)
	return aesCMAC(w, m)
}

// smpG2 is the numeric comparison value function; the user sees the
// result modulo 10^6.
func smpG2(u, v, x, y []byte) (uint32, error) {
	m := make([]byte, 0, 80)
	m = append(m, u...)
	m = append(m, v...)
	m = append(m, y...)
	out, err := aesCMAC(x, m)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(out[12:16]), nil
}

// passkeyBit extracts bit i of the passkey as the f4 Z argument for
// secure-connections passkey entry, 0x80 or 0x81.
func passkeyBit(passkey uint32, i int) byte {
	return 0x80 | byte((passkey>>uint(i))&1)
}
