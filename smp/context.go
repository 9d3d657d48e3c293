package smp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const passkeyRounds = 20

// pairingContext is the working state of one pairing attempt. It is
// discarded when the attempt ends, whichever way.
type pairingContext struct {
	initiator bool
	legacy    bool
	method    PairingMethod

	// raw feature PDUs as they went over the wire, code byte included
	preq []byte
	pres []byte

	// confirm/random exchange; 128-bit values MSB first
	localRand     []byte
	remoteRand    []byte
	localConfirm  []byte
	remoteConfirm []byte

	// legacy
	tk  []byte
	stk []byte

	// secure connections
	keys     *keyPair
	remoteX  []byte
	remoteY  []byte
	dhkey    []byte
	macKey   []byte
	ltk      []byte
	passkey  uint32
	round    int
	na       []byte
	nb       []byte
	checkRcv []byte

	negKeySize int
	rspKeyDist byte
	expectKeys int

	// keys received from the peer
	peerLTK  []byte
	peerEDiv uint16
	peerRand uint64
	peerIRK  []byte
}

// c1Input assembles the legacy confirm inputs from the context: the
// feature PDUs swapped to MSB order and both identities.
func (ctx *pairingContext) c1(m *Manager, r []byte) ([]byte, error) {
	var init, rsp Identity
	if ctx.initiator {
		init, rsp = m.local, m.remote
	} else {
		init, rsp = m.remote, m.local
	}
	return smpC1(ctx.tk, r,
		swapBuf(ctx.preq), swapBuf(ctx.pres),
		init.AddrType, rsp.AddrType,
		init.Addr[:], rsp.Addr[:])
}

// legacyTK derives the temporary key for the selected method.
func (ctx *pairingContext) legacyTK(passkey uint32, oob []byte) ([]byte, error) {
	tk := make([]byte, 16)
	switch ctx.method {
	case MethodJustWorks, MethodNumericComparison:
		return tk, nil
	case MethodOOB:
		if len(oob) != 16 {
			return nil, errors.New("no out of band data")
		}
		return append([]byte(nil), oob...), nil
	default:
		// passkey entry: the 6-digit number in the low bytes
		binary.BigEndian.PutUint32(tk[12:16], passkey)
		return tk, nil
	}
}

// scConfirmZ is the f4 Z argument for the current exchange: zero for
// numeric methods, a passkey bit per round for passkey entry.
func (ctx *pairingContext) scConfirmZ() byte {
	switch ctx.method {
	case MethodPasskeyInitiatorInputs, MethodPasskeyResponderInputs, MethodPasskeyBothInput:
		return passkeyBit(ctx.passkey, ctx.round)
	default:
		return 0x00
	}
}

func (ctx *pairingContext) isPasskey() bool {
	switch ctx.method {
	case MethodPasskeyInitiatorInputs, MethodPasskeyResponderInputs, MethodPasskeyBothInput:
		return true
	default:
		return false
	}
}

// dhKeyCheckR is the f6 R argument: the passkey for passkey entry, zero
// otherwise.
func (ctx *pairingContext) dhKeyCheckR() []byte {
	r := make([]byte, 16)
	if ctx.isPasskey() {
		binary.BigEndian.PutUint32(r[12:16], ctx.passkey)
	}
	return r
}

// ioCap3 is the f6 IOcap argument of one side: AuthReq, OOB flag, IO
// capability.
func ioCap3(featurePDU []byte) []byte {
	return []byte{featurePDU[3], featurePDU[2], featurePDU[1]}
}

// deriveSC runs f5 over the shared secret and the final nonces.
func (ctx *pairingContext) deriveSC(m *Manager) error {
	var a1, a2 []byte
	if ctx.initiator {
		a1, a2 = m.local.crypto7(), m.remote.crypto7()
	} else {
		a1, a2 = m.remote.crypto7(), m.local.crypto7()
	}
	mac, ltk, err := smpF5(ctx.dhkey, ctx.na, ctx.nb, a1, a2)
	if err != nil {
		return errors.Wrap(err, "key derivation")
	}
	ctx.macKey, ctx.ltk = mac, ltk
	return nil
}

// localCheck computes our DH key check value.
func (ctx *pairingContext) localCheck(m *Manager) ([]byte, error) {
	r := ctx.dhKeyCheckR()
	if ctx.initiator {
		return smpF6(ctx.macKey, ctx.na, ctx.nb, r, ioCap3(ctx.preq),
			m.local.crypto7(), m.remote.crypto7())
	}
	return smpF6(ctx.macKey, ctx.nb, ctx.na, r, ioCap3(ctx.pres),
		m.local.crypto7(), m.remote.crypto7())
}

// remoteCheck computes what the peer's DH key check value must be.
func (ctx *pairingContext) remoteCheck(m *Manager) ([]byte, error) {
	r := ctx.dhKeyCheckR()
	if ctx.initiator {
		return smpF6(ctx.macKey, ctx.nb, ctx.na, r, ioCap3(ctx.pres),
			m.remote.crypto7(), m.local.crypto7())
	}
	return smpF6(ctx.macKey, ctx.na, ctx.nb, r, ioCap3(ctx.preq),
		m.remote.crypto7(), m.local.crypto7())
}

// compareValue is the 6-digit number shown to the user for numeric
// comparison.
func (ctx *pairingContext) compareValue() (uint32, error) {
	var u, v []byte
	if ctx.initiator {
		ux, _ := ctx.keys.publicXY()
		u, v = ux, ctx.remoteX
	} else {
		vx, _ := ctx.keys.publicXY()
		u, v = ctx.remoteX, vx
	}
	g, err := smpG2(u, v, ctx.na, ctx.nb)
	if err != nil {
		return 0, err
	}
	return g % 1000000, nil
}

func equal128(a, b []byte) bool {
	if len(a) != 16 || len(b) != 16 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
