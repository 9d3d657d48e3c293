package smp

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/pkg/errors"
	ecdh "github.com/wsddn/go-ecdh"
)

// keyPair holds one side's P-256 key pair for secure connections.
type keyPair struct {
	ecdh    ecdh.ECDH
	private crypto.PrivateKey
	public  crypto.PublicKey
}

func newKeyPair() (*keyPair, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	priv, pub, err := e.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate P-256 key pair")
	}
	return &keyPair{ecdh: e, private: priv, public: pub}, nil
}

// publicXY returns the public key coordinates, 32 bytes each, most
// significant byte first.
func (k *keyPair) publicXY() (x, y []byte) {
	b := k.ecdh.Marshal(k.public)
	// uncompressed point: 0x04 || X || Y
	return b[1:33], b[33:65]
}

// sharedSecret computes the DH key from the peer's public coordinates.
// The all-zero check rejects a peer reflecting a point of small order.
func (k *keyPair) sharedSecret(peerX, peerY []byte) ([]byte, error) {
	raw := make([]byte, 0, 65)
	raw = append(raw, 0x04)
	raw = append(raw, peerX...)
	raw = append(raw, peerY...)

	pub, ok := k.ecdh.Unmarshal(raw)
	if !ok {
		return nil, errors.New("peer public key not on curve")
	}
	secret, err := k.ecdh.GenerateSharedSecret(k.private, pub)
	if err != nil {
		return nil, errors.Wrap(err, "shared secret")
	}

	zero := true
	for _, b := range secret {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil, errors.New("degenerate shared secret")
	}
	return secret, nil
}

// samePoint reports whether the peer sent back our own public key, which
// a legitimate peer never does.
func (k *keyPair) samePoint(peerX, peerY []byte) bool {
	x, y := k.publicXY()
	if len(peerX) != len(x) || len(peerY) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != peerX[i] {
			return false
		}
	}
	for i := range y {
		if y[i] != peerY[i] {
			return false
		}
	}
	return true
}
