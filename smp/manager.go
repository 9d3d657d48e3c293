package smp

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corelink/bthost"
)

// Encrypter starts link encryption with given key material; *hci.Conn
// satisfies it through a thin adapter in the stack layer.
type Encrypter interface {
	StartEncryption(bi bthost.BondInfo, level bthost.SecurityLevel) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(l bthost.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithBondManager installs the bond persistence collaborator.
func WithBondManager(bm bthost.BondManager) Option {
	return func(m *Manager) { m.bonds = bm }
}

// WithEncrypter installs the link encryption starter.
func WithEncrypter(e Encrypter) Option {
	return func(m *Manager) { m.encrypter = e }
}

// WithAuthData supplies user pairing input (passkey, out of band data).
func WithAuthData(a bthost.AuthData) Option {
	return func(m *Manager) { m.authData = a }
}

// Manager runs the security manager protocol for one connection.
type Manager struct {
	cfg   Config
	write func([]byte) error
	log   bthost.Logger

	local      Identity
	remote     Identity
	peerString string

	bonds     bthost.BondManager
	encrypter Encrypter
	authData  bthost.AuthData

	// called when a pairing attempt ends, either way
	onPaired func(bthost.BondInfo, error)
	// called when the peer sends a Security Request
	onSecurityRequest func(authReq byte)

	mu     sync.Mutex
	state  State
	ctx    *pairingContext
	result chan error
	// terminal failure of this session; pairing is not retried
	sessionErr error
}

// NewManager ...
func NewManager(cfg Config, write func([]byte) error, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		write: write,
		state: StateIdle,
		log:   bthost.GetLogger().ChildLogger(map[string]interface{}{"layer": "smp"}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetIdentities installs both sides' addresses; peer is the bond store
// key for the remote device.
func (m *Manager) SetIdentities(local, remote Identity, peer string) {
	m.local = local
	m.remote = remote
	m.peerString = peer
}

// SetPairedHandler installs the observer for pairing completion.
func (m *Manager) SetPairedHandler(f func(bthost.BondInfo, error)) {
	m.onPaired = f
}

// SetSecurityRequestHandler installs the observer for peer initiated
// security requests.
func (m *Manager) SetSecurityRequestHandler(f func(authReq byte)) {
	m.onSecurityRequest = f
}

// State returns the pairing engine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Method returns the selected pairing method, valid once the feature
// exchange is done.
func (m *Manager) Method() (PairingMethod, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return 0, false
	}
	return m.ctx.method, true
}

// Pair runs a pairing as initiator and blocks until it completes or
// fails. A session that has already failed is not retried.
func (m *Manager) Pair() error {
	m.mu.Lock()
	if m.sessionErr != nil {
		err := m.sessionErr
		m.mu.Unlock()
		return err
	}
	if m.state != StateIdle && m.state != StateBonded {
		m.mu.Unlock()
		return errors.Errorf("pairing already in progress (%s)", m.state)
	}

	m.ctx = &pairingContext{initiator: true}
	m.state = StateFeatureExchange
	m.result = make(chan error, 1)
	result := m.result

	rspKeyDist := byte(0)
	if m.cfg.Bonding {
		rspKeyDist = keyDistEncKey | keyDistIDKey
	}
	req := buildPairingPDU(PairingRequest, m.cfg, len(m.authData.OOBData) == 16, 0, rspKeyDist)
	m.ctx.preq = req

	if err := m.write(req); err != nil {
		m.state = StateIdle
		m.ctx = nil
		m.mu.Unlock()
		return errors.Wrap(err, "pairing request")
	}
	m.mu.Unlock()

	select {
	case err := <-result:
		return err
	case <-time.After(pairingTimeout):
		m.mu.Lock()
		m.failLocked(ReasonUnspecified, errors.New("pairing timed out"), true)
		m.mu.Unlock()
		return errors.New("pairing timed out")
	}
}

// RequestSecurity sends a Security Request asking the central to pair or
// re-encrypt.
func (m *Manager) RequestSecurity() error {
	return m.write([]byte{SecurityRequest, m.cfg.authReq()})
}

// StartEncryption re-encrypts the link from a stored bond instead of
// pairing again.
func (m *Manager) StartEncryption() error {
	if m.bonds == nil || m.encrypter == nil {
		return errors.New("no bond store or encrypter wired")
	}
	bi, err := m.bonds.Find(m.peerString)
	if err != nil {
		return errors.Wrap(err, "bond lookup")
	}
	level := bthost.SecurityEncrypted
	if bi.Authenticated() {
		level = bthost.SecurityAuthenticated
	}
	return m.encrypter.StartEncryption(bi, level)
}

// KeyForLTKRequest answers a controller long term key request raised
// while a pairing is waiting for link encryption: the STK (legacy) or
// LTK (secure connections) of the attempt in progress, in controller
// byte order. Such requests carry zero ediv and rand; anything else
// belongs to a stored bond, not to this attempt.
func (m *Manager) KeyForLTKRequest(rand uint64, ediv uint16) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil || m.state != StateKeyDistribution {
		return nil
	}
	if rand != 0 || ediv != 0 {
		return nil
	}
	key := m.ctx.ltk
	if m.ctx.legacy {
		key = m.ctx.stk
	}
	if len(key) != 16 {
		return nil
	}
	return swapBuf(key)
}

// HandlePDU consumes one inbound security manager PDU.
func (m *Manager) HandlePDU(b []byte) {
	if len(b) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	switch b[0] {
	case PairingRequest:
		err = m.handlePairingRequest(b)
	case PairingResponse:
		err = m.handlePairingResponse(b)
	case PairingConfirm:
		err = m.handlePairingConfirm(b)
	case PairingRandom:
		err = m.handlePairingRandom(b)
	case PairingPublicKey:
		err = m.handlePublicKey(b)
	case PairingDHKeyCheck:
		err = m.handleDHKeyCheck(b)
	case PairingFailed:
		m.handlePairingFailed(b)
	case EncryptionInformation, MasterIdentification,
		IdentityInformation, IdentityAddressInformation, SigningInformation:
		err = m.handleKeyDistribution(b)
	case SecurityRequest:
		if len(b) == 2 && m.onSecurityRequest != nil {
			f := m.onSecurityRequest
			authReq := b[1]
			go f(authReq)
		}
	case PairingKeypress:
		// informational only
	default:
		m.log.Debugf("unsupported code 0x%02X", b[0])
		m.sendFailed(ReasonCommandNotSupported)
	}

	if err != nil {
		reason := byte(ReasonUnspecified)
		if ae, ok := err.(*bthost.AuthenticationError); ok {
			reason = ae.Reason
		}
		m.failLocked(reason, err, true)
	}
}

// --- feature exchange ---

func (m *Manager) handlePairingRequest(b []byte) error {
	if m.state != StateIdle && m.state != StateBonded {
		return errors.New("pairing request while busy")
	}
	if m.sessionErr != nil {
		m.sendFailed(ReasonRepeatedAttempts)
		return nil
	}

	req, err := parsePairingPDU(b)
	if err != nil {
		return err
	}

	m.ctx = &pairingContext{initiator: false, preq: append([]byte(nil), b...)}
	m.state = StateFeatureExchange

	// accept only key distributions we can produce
	rspKeyDist := req.rspKeyDist & (keyDistEncKey | keyDistIDKey)
	if !m.cfg.Bonding {
		rspKeyDist = 0
	}
	rsp := buildPairingPDU(PairingResponse, m.cfg, len(m.authData.OOBData) == 16, 0, rspKeyDist)
	m.ctx.pres = rsp

	if err := m.write(rsp); err != nil {
		return errors.Wrap(err, "pairing response")
	}
	return m.negotiate()
}

func (m *Manager) handlePairingResponse(b []byte) error {
	if m.state != StateFeatureExchange || m.ctx == nil || !m.ctx.initiator {
		return errors.New("unexpected pairing response")
	}
	m.ctx.pres = append([]byte(nil), b...)
	if err := m.negotiate(); err != nil {
		return err
	}
	return m.startPhase2()
}

// negotiate derives the shared pairing parameters from both feature PDUs.
func (m *Manager) negotiate() error {
	ctx := m.ctx
	req, err := parsePairingPDU(ctx.preq)
	if err != nil {
		return err
	}
	rsp, err := parsePairingPDU(ctx.pres)
	if err != nil {
		return err
	}

	if req.maxKeySize < minKeySize || rsp.maxKeySize < minKeySize {
		return &bthost.AuthenticationError{Reason: ReasonEncryptionKeySize}
	}
	ctx.negKeySize = int(req.maxKeySize)
	if int(rsp.maxKeySize) < ctx.negKeySize {
		ctx.negKeySize = int(rsp.maxKeySize)
	}

	ctx.legacy = req.authReq&authReqSC == 0 || rsp.authReq&authReqSC == 0
	ctx.method = selectMethod(!ctx.legacy, req.oob, rsp.oob, req.authReq, rsp.authReq, req.ioCap, rsp.ioCap)

	// a side that insists on MITM protection cannot accept just works
	if m.cfg.MITM && ctx.method == MethodJustWorks {
		m.sendFailed(ReasonAuthRequirements)
		m.state = StateFailed
		m.sessionErr = bthost.ErrMethodMismatch
		m.finishLocked(nil, bthost.ErrMethodMismatch)
		return nil
	}

	ctx.rspKeyDist = rsp.rspKeyDist
	ctx.expectKeys = 0
	if ctx.legacy && ctx.rspKeyDist&keyDistEncKey != 0 {
		ctx.expectKeys += 2 // LTK + master identification
	}
	if ctx.rspKeyDist&keyDistIDKey != 0 {
		ctx.expectKeys += 2 // IRK + identity address
	}

	if ctx.isPasskey() {
		ctx.passkey = uint32(m.authData.Passkey)
	}

	if ctx.legacy {
		m.state = StateLegacyPairing
	} else {
		m.state = StateSecureConnections
	}
	return nil
}

// startPhase2 kicks authentication off on the initiator side.
func (m *Manager) startPhase2() error {
	ctx := m.ctx
	if ctx == nil || m.state == StateFailed || m.state == StateIdle {
		return nil
	}

	if ctx.legacy {
		m.state = StateLegacyPairing
		tk, err := ctx.legacyTK(ctx.passkey, m.authData.OOBData)
		if err != nil {
			return err
		}
		ctx.tk = tk

		r, err := randBytes(16)
		if err != nil {
			return err
		}
		ctx.localRand = r
		conf, err := ctx.c1(m, r)
		if err != nil {
			return err
		}
		ctx.localConfirm = conf
		return m.send128(PairingConfirm, conf)
	}

	m.state = StateSecureConnections
	keys, err := newKeyPair()
	if err != nil {
		return err
	}
	ctx.keys = keys
	x, y := keys.publicXY()
	return m.sendPublicKey(x, y)
}

// --- secure connections ---

func (m *Manager) handlePublicKey(b []byte) error {
	ctx := m.ctx
	if ctx == nil || ctx.legacy || m.state != StateSecureConnections {
		return errors.New("unexpected public key")
	}
	if len(b) != 65 {
		return errors.New("malformed public key")
	}
	ctx.remoteX = swapBuf(b[1:33])
	ctx.remoteY = swapBuf(b[33:65])

	if ctx.keys == nil {
		// responder computes its pair on demand
		keys, err := newKeyPair()
		if err != nil {
			return err
		}
		ctx.keys = keys
	}
	if ctx.keys.samePoint(ctx.remoteX, ctx.remoteY) {
		// a reflected key means the peer is replaying ours
		return &bthost.AuthenticationError{Reason: ReasonInvalidParameters}
	}

	dh, err := ctx.keys.sharedSecret(ctx.remoteX, ctx.remoteY)
	if err != nil {
		return &bthost.AuthenticationError{Reason: ReasonInvalidParameters}
	}
	ctx.dhkey = dh

	if !ctx.initiator {
		x, y := ctx.keys.publicXY()
		if err := m.sendPublicKey(x, y); err != nil {
			return err
		}
		if !ctx.isPasskey() {
			// numeric methods: the responder confirms first
			return m.sendSCConfirm()
		}
		// passkey entry: the initiator's round confirm comes first
		return nil
	}

	if ctx.isPasskey() {
		return m.sendSCConfirm()
	}
	// initiator waits for the responder's confirm
	return nil
}

// sendSCConfirm computes and sends this side's confirm for the current
// round.
func (m *Manager) sendSCConfirm() error {
	ctx := m.ctx
	r, err := randBytes(16)
	if err != nil {
		return err
	}
	ctx.localRand = r

	localX, _ := ctx.keys.publicXY()
	conf, err := smpF4(localX, ctx.remoteX, r, ctx.scConfirmZ())
	if err != nil {
		return err
	}
	ctx.localConfirm = conf
	return m.send128(PairingConfirm, conf)
}

// verifySCConfirm checks the peer's confirm against the random it later
// revealed.
func (m *Manager) verifySCConfirm() error {
	ctx := m.ctx
	conf, err := smpF4(ctx.remoteX, mustPublicX(ctx.keys), ctx.remoteRand, ctx.scConfirmZ())
	if err != nil {
		return err
	}
	if !equal128(conf, ctx.remoteConfirm) {
		return &bthost.AuthenticationError{Reason: ReasonConfirmValueFailed}
	}
	return nil
}

func mustPublicX(k *keyPair) []byte {
	x, _ := k.publicXY()
	return x
}

func (m *Manager) handlePairingConfirm(b []byte) error {
	ctx := m.ctx
	if ctx == nil || len(b) != 17 {
		return errors.New("unexpected pairing confirm")
	}
	ctx.remoteConfirm = swapBuf(b[1:17])

	if ctx.legacy {
		if ctx.initiator {
			// responder's confirm received, reveal our random
			return m.send128(PairingRandom, ctx.localRand)
		}
		// responder: answer with our own confirm
		tk, err := ctx.legacyTK(ctx.passkey, m.authData.OOBData)
		if err != nil {
			return err
		}
		ctx.tk = tk
		r, err := randBytes(16)
		if err != nil {
			return err
		}
		ctx.localRand = r
		conf, err := ctx.c1(m, r)
		if err != nil {
			return err
		}
		ctx.localConfirm = conf
		return m.send128(PairingConfirm, conf)
	}

	// secure connections
	if ctx.initiator {
		if ctx.isPasskey() {
			// responder's round confirm; reveal our round random
			return m.send128(PairingRandom, ctx.localRand)
		}
		// numeric methods: responder confirmed, reveal our random
		r, err := randBytes(16)
		if err != nil {
			return err
		}
		ctx.localRand = r
		return m.send128(PairingRandom, r)
	}

	// responder, passkey entry: initiator's round confirm arrived, send
	// ours back
	if ctx.isPasskey() {
		return m.sendSCConfirm()
	}
	return errors.New("unexpected pairing confirm")
}

func (m *Manager) handlePairingRandom(b []byte) error {
	ctx := m.ctx
	if ctx == nil || len(b) != 17 {
		return errors.New("unexpected pairing random")
	}
	ctx.remoteRand = swapBuf(b[1:17])

	if ctx.legacy {
		return m.handleLegacyRandom()
	}
	return m.handleSCRandom()
}

// --- legacy phase 2 ---

func (m *Manager) handleLegacyRandom() error {
	ctx := m.ctx

	conf, err := ctx.c1(m, ctx.remoteRand)
	if err != nil {
		return err
	}
	if !equal128(conf, ctx.remoteConfirm) {
		return &bthost.AuthenticationError{Reason: ReasonConfirmValueFailed}
	}

	if ctx.initiator {
		// Srand verified; STK = s1(TK, Srand, Mrand)
		stk, err := smpS1(ctx.tk, ctx.remoteRand, ctx.localRand)
		if err != nil {
			return err
		}
		ctx.stk = stk
		return m.phase2Complete()
	}

	// responder: Mrand verified, reveal Srand and derive
	if err := m.send128(PairingRandom, ctx.localRand); err != nil {
		return err
	}
	stk, err := smpS1(ctx.tk, ctx.localRand, ctx.remoteRand)
	if err != nil {
		return err
	}
	ctx.stk = stk
	return m.phase2Complete()
}

// --- secure connections phase 2 ---

func (m *Manager) handleSCRandom() error {
	ctx := m.ctx

	if ctx.isPasskey() {
		if ctx.initiator {
			// responder's round random; verify its round confirm
			if err := m.verifySCConfirm(); err != nil {
				return err
			}
			ctx.round++
			if ctx.round < passkeyRounds {
				return m.sendSCConfirm()
			}
			ctx.na, ctx.nb = ctx.localRand, ctx.remoteRand
			return m.sendDHKeyCheck()
		}

		// responder: initiator's round random; verify, then reveal ours
		if err := m.verifySCConfirm(); err != nil {
			return err
		}
		if err := m.send128(PairingRandom, ctx.localRand); err != nil {
			return err
		}
		ctx.round++
		if ctx.round >= passkeyRounds {
			ctx.na, ctx.nb = ctx.remoteRand, ctx.localRand
			return ctx.deriveSC(m)
		}
		return nil
	}

	// numeric methods
	if ctx.initiator {
		// responder's random; its confirm promised this value
		if err := m.verifySCConfirm(); err != nil {
			return err
		}
		ctx.na, ctx.nb = ctx.localRand, ctx.remoteRand
		m.logCompareValue()
		return m.sendDHKeyCheck()
	}

	// responder: initiator's random arrived, reveal ours
	if err := m.send128(PairingRandom, ctx.localRand); err != nil {
		return err
	}
	ctx.na, ctx.nb = ctx.remoteRand, ctx.localRand
	m.logCompareValue()
	return ctx.deriveSC(m)
}

func (m *Manager) logCompareValue() {
	ctx := m.ctx
	if ctx.method != MethodNumericComparison {
		return
	}
	if v, err := ctx.compareValue(); err == nil {
		m.log.Infof("numeric comparison value: %06d", v)
	}
}

func (m *Manager) sendDHKeyCheck() error {
	ctx := m.ctx
	if err := ctx.deriveSC(m); err != nil {
		return err
	}
	check, err := ctx.localCheck(m)
	if err != nil {
		return err
	}
	return m.send128(PairingDHKeyCheck, check)
}

func (m *Manager) handleDHKeyCheck(b []byte) error {
	ctx := m.ctx
	if ctx == nil || ctx.legacy || len(b) != 17 {
		return errors.New("unexpected DH key check")
	}
	rcv := swapBuf(b[1:17])

	want, err := ctx.remoteCheck(m)
	if err != nil {
		return err
	}
	if !equal128(want, rcv) {
		return &bthost.AuthenticationError{Reason: ReasonDHKeyCheckFailed}
	}

	if !ctx.initiator {
		// answer with our own check
		check, err := ctx.localCheck(m)
		if err != nil {
			return err
		}
		if err := m.send128(PairingDHKeyCheck, check); err != nil {
			return err
		}
	}
	return m.phase2Complete()
}

// --- phase 3 ---

// phase2Complete moves on to encryption and key distribution. Without a
// wired controller the keys flow immediately; otherwise distribution
// waits for the encryption change event.
func (m *Manager) phase2Complete() error {
	m.state = StateKeyDistribution

	if m.encrypter != nil {
		if m.ctx.initiator {
			key := m.ctx.ltk
			if m.ctx.legacy {
				key = m.ctx.stk
			}
			bi := bthost.NewBondInfo(swapBuf(key), 0, 0, m.ctx.legacy)
			if err := m.encrypter.StartEncryption(bi, m.levelAfterPairing()); err != nil {
				return errors.Wrap(err, "start encryption")
			}
		}
		return nil
	}
	return m.continueAfterEncryption()
}

// HandleEncryptionChange feeds the controller's encryption outcome into
// an in-progress pairing.
func (m *Manager) HandleEncryptionChange(status uint8, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil || m.state != StateKeyDistribution {
		return
	}
	if status != 0 || !enabled {
		m.failLocked(ReasonUnspecified, errors.New("link encryption failed"), false)
		return
	}
	if err := m.continueAfterEncryption(); err != nil {
		m.failLocked(ReasonUnspecified, err, true)
	}
}

func (m *Manager) continueAfterEncryption() error {
	ctx := m.ctx
	if !ctx.initiator {
		return m.distributeKeys()
	}
	if ctx.expectKeys == 0 {
		return m.completePairing()
	}
	// initiator waits for the responder's keys
	return nil
}

// distributeKeys sends the responder's negotiated keys and completes.
func (m *Manager) distributeKeys() error {
	ctx := m.ctx

	if ctx.legacy && ctx.rspKeyDist&keyDistEncKey != 0 {
		ltk, err := randBytes(ctx.negKeySize)
		if err != nil {
			return err
		}
		full := make([]byte, 16)
		copy(full, ltk)
		ediv16, err := randBytes(2)
		if err != nil {
			return err
		}
		rand8, err := randBytes(8)
		if err != nil {
			return err
		}
		ediv := binary.LittleEndian.Uint16(ediv16)
		rand := binary.LittleEndian.Uint64(rand8)

		ctx.peerLTK = full
		ctx.peerEDiv = ediv
		ctx.peerRand = rand

		if err := m.send128(EncryptionInformation, swapBuf(full)); err != nil {
			return err
		}
		if err := m.sendMasterIdentification(ediv, rand); err != nil {
			return err
		}
	}

	if ctx.rspKeyDist&keyDistIDKey != 0 {
		irk, err := randBytes(16)
		if err != nil {
			return err
		}
		if err := m.send128(IdentityInformation, irk); err != nil {
			return err
		}
		if err := m.sendIdentityAddress(m.local); err != nil {
			return err
		}
	}

	return m.completePairing()
}

func (m *Manager) handleKeyDistribution(b []byte) error {
	ctx := m.ctx
	if ctx == nil || m.state != StateKeyDistribution || !ctx.initiator {
		return errors.New("unexpected key distribution")
	}

	switch b[0] {
	case EncryptionInformation:
		if len(b) != 17 {
			return errors.New("malformed encryption information")
		}
		ctx.peerLTK = append([]byte(nil), b[1:17]...)
	case MasterIdentification:
		if len(b) != 11 {
			return errors.New("malformed master identification")
		}
		ctx.peerEDiv = binary.LittleEndian.Uint16(b[1:3])
		ctx.peerRand = binary.LittleEndian.Uint64(b[3:11])
	case IdentityInformation:
		if len(b) != 17 {
			return errors.New("malformed identity information")
		}
		ctx.peerIRK = append([]byte(nil), b[1:17]...)
	case IdentityAddressInformation, SigningInformation:
		// consumed, nothing retained beyond the bond
	}

	ctx.expectKeys--
	if ctx.expectKeys <= 0 {
		return m.completePairing()
	}
	return nil
}

func (m *Manager) levelAfterPairing() bthost.SecurityLevel {
	if m.ctx != nil && m.ctx.method.Authenticated() {
		return bthost.SecurityAuthenticated
	}
	return bthost.SecurityEncrypted
}

// completePairing builds the bond, hands it to the bond store, and
// resolves the attempt. The working context is dropped either way.
func (m *Manager) completePairing() error {
	ctx := m.ctx

	var ltk []byte
	var ediv uint16
	var rand uint64
	if ctx.legacy {
		ltk, ediv, rand = ctx.peerLTK, ctx.peerEDiv, ctx.peerRand
	} else {
		ltk = swapBuf(ctx.ltk)
	}

	var bi bthost.BondInfo
	if len(ltk) == 16 {
		if ctx.method.Authenticated() {
			bi = bthost.NewAuthenticatedBondInfo(ltk, ediv, rand, ctx.legacy, ctx.peerIRK)
		} else {
			bi = bthost.NewBondInfo(ltk, ediv, rand, ctx.legacy)
		}
		if m.bonds != nil && m.peerString != "" {
			if err := m.bonds.Save(m.peerString, bi); err != nil {
				m.log.Error("save bond:", err)
			}
		}
	}

	m.state = StateBonded
	m.finishLocked(bi, nil)
	return nil
}

// --- failure ---

func (m *Manager) handlePairingFailed(b []byte) {
	reason := byte(ReasonUnspecified)
	if len(b) >= 2 {
		reason = b[1]
	}
	m.failLocked(reason, &bthost.AuthenticationError{Reason: reason}, false)
}

func (m *Manager) failLocked(reason byte, err error, notifyPeer bool) {
	if m.state == StateFailed {
		return
	}
	if notifyPeer {
		m.sendFailed(reason)
	}
	m.state = StateFailed
	m.sessionErr = err
	m.log.Warn("pairing failed:", err)
	m.finishLocked(nil, err)
}

// finishLocked resolves the waiter and fires the observer; the working
// context and its key material are dropped.
func (m *Manager) finishLocked(bi bthost.BondInfo, err error) {
	m.ctx = nil
	if m.result != nil {
		select {
		case m.result <- err:
		default:
		}
		m.result = nil
	}
	if m.onPaired != nil {
		f := m.onPaired
		go f(bi, err)
	}
}
