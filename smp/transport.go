package smp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Identity is one side's address as used by the pairing toolkit: type
// byte plus the 6 address bytes, most significant first.
type Identity struct {
	AddrType byte
	Addr     [6]byte
}

// crypto7 is the 56-bit address form of the key derivation functions.
func (i Identity) crypto7() []byte {
	out := make([]byte, 0, 7)
	out = append(out, i.AddrType)
	out = append(out, i.Addr[:]...)
	return out
}

// Config is the local pairing feature set.
type Config struct {
	IOCap             byte
	Bonding           bool
	MITM              bool
	SecureConnections bool
	MaxKeySize        int
}

func (c Config) authReq() byte {
	var a byte
	if c.Bonding {
		a |= authReqBonding
	}
	if c.MITM {
		a |= authReqMITM
	}
	if c.SecureConnections {
		a |= authReqSC
	}
	return a
}

func (c Config) keySize() byte {
	if c.MaxKeySize < minKeySize || c.MaxKeySize > maxKeySize {
		return maxKeySize
	}
	return byte(c.MaxKeySize)
}

// buildPairingPDU builds a Pairing Request or Response body.
func buildPairingPDU(code byte, cfg Config, oob bool, initKeyDist, rspKeyDist byte) []byte {
	oobFlag := byte(0)
	if oob {
		oobFlag = 1
	}
	return []byte{code, cfg.IOCap, oobFlag, cfg.authReq(), cfg.keySize(), initKeyDist, rspKeyDist}
}

// pairingFeatures are the decoded fields of a request or response.
type pairingFeatures struct {
	ioCap       byte
	oob         bool
	authReq     byte
	maxKeySize  byte
	initKeyDist byte
	rspKeyDist  byte
}

func parsePairingPDU(b []byte) (pairingFeatures, error) {
	if len(b) != 7 {
		return pairingFeatures{}, errors.New("malformed pairing feature PDU")
	}
	return pairingFeatures{
		ioCap:       b[1],
		oob:         b[2] != 0,
		authReq:     b[3],
		maxKeySize:  b[4],
		initKeyDist: b[5],
		rspKeyDist:  b[6],
	}, nil
}

// send128 sends a code followed by a 128-bit value, converted to wire
// order.
func (m *Manager) send128(code byte, v []byte) error {
	return m.write(append([]byte{code}, swapBuf(v)...))
}

func (m *Manager) sendPublicKey(x, y []byte) error {
	b := make([]byte, 0, 65)
	b = append(b, PairingPublicKey)
	b = append(b, swapBuf(x)...)
	b = append(b, swapBuf(y)...)
	return m.write(b)
}

func (m *Manager) sendFailed(reason byte) {
	if err := m.write([]byte{PairingFailed, reason}); err != nil {
		m.log.Debug("send pairing failed:", err)
	}
}

func (m *Manager) sendMasterIdentification(ediv uint16, rand uint64) error {
	b := make([]byte, 11)
	b[0] = MasterIdentification
	binary.LittleEndian.PutUint16(b[1:3], ediv)
	binary.LittleEndian.PutUint64(b[3:11], rand)
	return m.write(b)
}

func (m *Manager) sendIdentityAddress(id Identity) error {
	b := make([]byte, 8)
	b[0] = IdentityAddressInformation
	b[1] = id.AddrType
	copy(b[2:8], swapBuf(id.Addr[:]))
	return m.write(b)
}
