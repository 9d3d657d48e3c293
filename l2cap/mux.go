package l2cap

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corelink/bthost"
)

// Conn is the ACL transport a Mux runs over. *hci.Conn satisfies it; tests
// substitute a loopback.
type Conn interface {
	ReadPDU() <-chan []byte
	WritePDU(pdu []byte) (int, error)
	Disconnected() <-chan struct{}
	SecurityLevel() bthost.SecurityLevel
}

// CoCConfig carries the locally offered credit-based channel parameters.
type CoCConfig struct {
	MTU            uint16
	MPS            uint16
	InitialCredits uint16
	SigTimeout     time.Duration
}

// DefaultCoCConfig ...
func DefaultCoCConfig() CoCConfig {
	return CoCConfig{
		MTU:            DefaultCoCMTU,
		MPS:            DefaultCoCMPS,
		InitialCredits: DefaultCoCInitialCredits,
		SigTimeout:     defaultSigTimeout,
	}
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithCoCConfig overrides the channel parameter defaults.
func WithCoCConfig(cfg CoCConfig) MuxOption {
	return func(m *Mux) { m.cfg = cfg }
}

// WithMuxLogger overrides the default logger.
func WithMuxLogger(l bthost.Logger) MuxOption {
	return func(m *Mux) { m.log = l }
}

type sigResponse struct {
	code byte
	data []byte
}

// Server accepts inbound credit-based channels on one PSM.
type Server struct {
	psm      uint16
	sec      bthost.SecurityLevel
	chAccept chan *Channel
}

// PSM ...
func (s *Server) PSM() uint16 { return s.psm }

// Accept delivers channels the peer opened toward this PSM. The channel
// closes when the connection goes away.
func (s *Server) Accept() <-chan *Channel { return s.chAccept }

// Mux dispatches inbound PDUs to fixed channels, the signaling handler
// and dynamic channels, and drives the signaling procedures.
type Mux struct {
	conn Conn
	cfg  CoCConfig
	log  bthost.Logger

	muFixed sync.Mutex
	fixed   map[uint16]func([]byte)

	muChans sync.Mutex
	chans   map[uint16]*Channel
	servers map[uint16]*Server

	muSig      sync.Mutex
	sigPending map[uint8]chan sigResponse
	sigID      uint8

	onOpened func(*Channel)
	onClosed func(*Channel, error)

	once   sync.Once
	chDone chan struct{}
}

// NewMux starts a multiplexer over the connection. It runs until the
// connection's PDU stream ends.
func NewMux(conn Conn, opts ...MuxOption) *Mux {
	m := &Mux{
		conn:       conn,
		cfg:        DefaultCoCConfig(),
		fixed:      map[uint16]func([]byte){},
		chans:      map[uint16]*Channel{},
		servers:    map[uint16]*Server{},
		sigPending: map[uint8]chan sigResponse{},
		chDone:     make(chan struct{}),
		log:        bthost.GetLogger().ChildLogger(map[string]interface{}{"layer": "l2cap"}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

// Conn exposes the underlying transport, mainly for security level checks
// by the protocols on the fixed channels.
func (m *Mux) Conn() Conn { return m.conn }

// Done closes when the mux has torn down.
func (m *Mux) Done() <-chan struct{} { return m.chDone }

// SetChannelHandlers installs observers for dynamic channel lifecycle.
// Must be called before channels are opened.
func (m *Mux) SetChannelHandlers(opened func(*Channel), closed func(*Channel, error)) {
	m.onOpened = opened
	m.onClosed = closed
}

// RegisterFixed installs the payload handler for a fixed channel.
func (m *Mux) RegisterFixed(cid uint16, h func([]byte)) {
	m.muFixed.Lock()
	m.fixed[cid] = h
	m.muFixed.Unlock()
}

// WriteFixed sends a payload on a fixed channel.
func (m *Mux) WriteFixed(cid uint16, payload []byte) error {
	return m.writeCID(cid, payload)
}

func (m *Mux) writeCID(cid uint16, payload []byte) error {
	pdu := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(pdu[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(pdu[2:4], cid)
	copy(pdu[4:], payload)
	_, err := m.conn.WritePDU(pdu)
	return err
}

func (m *Mux) run() {
	defer m.teardown()

	for {
		var pdu []byte
		var ok bool
		select {
		case <-m.conn.Disconnected():
			return
		case pdu, ok = <-m.conn.ReadPDU():
			if !ok {
				return
			}
		}

		if len(pdu) < 4 {
			m.log.Warn("dropping short PDU")
			continue
		}
		dlen := int(binary.LittleEndian.Uint16(pdu[0:2]))
		cid := binary.LittleEndian.Uint16(pdu[2:4])
		if dlen != len(pdu[4:]) {
			m.log.Warnf("dropping PDU with bad length on CID %04X", cid)
			continue
		}
		payload := pdu[4:]

		if cid == CIDSignal {
			m.handleSignal(payload)
			continue
		}

		m.muFixed.Lock()
		fh := m.fixed[cid]
		m.muFixed.Unlock()
		if fh != nil {
			fh(payload)
			continue
		}

		m.muChans.Lock()
		ch := m.chans[cid]
		m.muChans.Unlock()
		if ch == nil {
			m.log.Warnf("dropping PDU for unknown CID %04X", cid)
			continue
		}
		if err := ch.handleFrame(payload); err != nil {
			m.log.Errorf("channel %04X: %v", cid, err)
			go m.closeChannel(ch, err)
		}
	}
}

// --- signaling ---

func (m *Mux) sendSig(id uint8, s sigCmd) error {
	data := s.Marshal()
	b := make([]byte, 4+len(data))
	b[0] = byte(s.Code())
	b[1] = id
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(data)))
	copy(b[4:], data)
	return m.writeCID(CIDSignal, b)
}

// sigRequest sends a signaling request and waits for the peer's response
// correlated by identifier.
func (m *Mux) sigRequest(s sigCmd) (sigResponse, error) {
	ch := make(chan sigResponse, 1)

	m.muSig.Lock()
	m.sigID++
	if m.sigID == 0 {
		m.sigID = 1
	}
	id := m.sigID
	m.sigPending[id] = ch
	m.muSig.Unlock()

	defer func() {
		m.muSig.Lock()
		delete(m.sigPending, id)
		m.muSig.Unlock()
	}()

	if err := m.sendSig(id, s); err != nil {
		return sigResponse{}, err
	}

	timeout := m.cfg.SigTimeout
	if timeout <= 0 {
		timeout = defaultSigTimeout
	}
	select {
	case r := <-ch:
		return r, nil
	case <-time.After(timeout):
		return sigResponse{}, errors.Errorf("signaling request 0x%02X timed out", s.Code())
	case <-m.chDone:
		return sigResponse{}, bthost.ErrLinkLost
	}
}

func (m *Mux) resolveSig(id uint8, code byte, data []byte) {
	m.muSig.Lock()
	ch := m.sigPending[id]
	m.muSig.Unlock()
	if ch == nil {
		m.log.Warnf("signaling response 0x%02X with unknown identifier %d", code, id)
		return
	}
	select {
	case ch <- sigResponse{code: code, data: data}:
	default:
	}
}

func (m *Mux) handleSignal(b []byte) {
	if len(b) > sigMTU {
		var mtu [2]byte
		binary.LittleEndian.PutUint16(mtu[:], sigMTU)
		m.sendSig(b[1], &CommandReject{Reason: rejectSignalingMTUExceed, Data: mtu[:]})
		return
	}

	for len(b) >= 4 {
		code, id := b[0], b[1]
		l := int(binary.LittleEndian.Uint16(b[2:4]))
		if 4+l > len(b) {
			m.log.Warn("truncated signaling command")
			return
		}
		data := b[4 : 4+l]
		b = b[4+l:]

		switch code {
		case sigCommandReject, sigDisconnectResponse,
			sigLECreditBasedConnectionRsp, sigConnParamUpdateResponse:
			m.resolveSig(id, code, data)

		case sigLECreditBasedConnectionRequest:
			m.handleConnReq(id, data)

		case sigDisconnectRequest:
			m.handleDisconnectReq(id, data)

		case sigLEFlowControlCredit:
			m.handleFlowControlCredit(data)

		case sigConnParamUpdateRequest:
			m.sendSig(id, &ConnectionParameterUpdateResponse{Result: 0})

		default:
			m.sendSig(id, &CommandReject{Reason: rejectNotUnderstood})
		}
	}
}

// --- channel open ---

// Serve registers a PSM for inbound credit-based channels. Channels only
// open for peers meeting the required security level.
func (m *Mux) Serve(psm uint16, sec bthost.SecurityLevel) (*Server, error) {
	m.muChans.Lock()
	defer m.muChans.Unlock()
	if _, ok := m.servers[psm]; ok {
		return nil, errors.Errorf("PSM 0x%04X already served", psm)
	}
	s := &Server{psm: psm, sec: sec, chAccept: make(chan *Channel, 8)}
	m.servers[psm] = s
	return s, nil
}

// Connect opens a credit-based channel toward the peer's PSM.
func (m *Mux) Connect(psm uint16) (*Channel, error) {
	m.muChans.Lock()
	cid, ok := m.allocCIDLocked()
	if !ok {
		m.muChans.Unlock()
		return nil, errors.New("no dynamic channel identifiers left")
	}
	c := newChannel(m, psm, cid)
	c.state = StateConfigRequested
	m.chans[cid] = c
	m.muChans.Unlock()

	rsp, err := m.sigRequest(&LECreditBasedConnectionRequest{
		LEPSM:          psm,
		SourceCID:      cid,
		MTU:            m.cfg.MTU,
		MPS:            m.cfg.MPS,
		InitialCredits: m.cfg.InitialCredits,
	})
	if err != nil {
		m.releaseChannel(c, err)
		return nil, err
	}
	if rsp.code == sigCommandReject {
		m.releaseChannel(c, nil)
		return nil, errors.New("connection request rejected by peer")
	}

	var r LECreditBasedConnectionResponse
	if err := r.Unmarshal(rsp.data); err != nil {
		m.releaseChannel(c, err)
		return nil, errors.Wrap(err, "connection response")
	}
	if r.Result != ResultSuccess {
		m.releaseChannel(c, nil)
		return nil, errors.Errorf("channel open refused: %s", resultString(r.Result))
	}

	c.mu.Lock()
	c.remoteCID = r.DestinationCID
	c.peerMTU = r.MTU
	c.peerMPS = r.MPS
	c.txCredits = r.InitialCredits
	c.state = StateOpen
	c.mu.Unlock()

	if m.onOpened != nil {
		m.onOpened(c)
	}
	return c, nil
}

func (m *Mux) handleConnReq(id uint8, data []byte) {
	var req LECreditBasedConnectionRequest
	if err := req.Unmarshal(data); err != nil {
		m.sendSig(id, &CommandReject{Reason: rejectNotUnderstood})
		return
	}

	refuse := func(result uint16) {
		m.sendSig(id, &LECreditBasedConnectionResponse{Result: result})
	}

	m.muChans.Lock()
	srv := m.servers[req.LEPSM]
	m.muChans.Unlock()
	if srv == nil {
		refuse(ResultPSMNotSupported)
		return
	}

	if srv.sec > m.conn.SecurityLevel() {
		if srv.sec == bthost.SecurityAuthenticated {
			refuse(ResultInsufficientAuthentication)
		} else {
			refuse(ResultInsufficientEncryption)
		}
		return
	}

	if req.SourceCID < cidDynamicBase {
		refuse(ResultInvalidSourceCID)
		return
	}

	m.muChans.Lock()
	for _, c := range m.chans {
		if c.remoteCID == req.SourceCID {
			m.muChans.Unlock()
			refuse(ResultSourceCIDAlreadyAllocated)
			return
		}
	}
	cid, ok := m.allocCIDLocked()
	if !ok {
		m.muChans.Unlock()
		refuse(ResultNoResources)
		return
	}
	c := newChannel(m, req.LEPSM, cid)
	c.remoteCID = req.SourceCID
	c.peerMTU = req.MTU
	c.peerMPS = req.MPS
	c.txCredits = req.InitialCredits
	c.state = StateOpen
	m.chans[cid] = c
	m.muChans.Unlock()

	m.sendSig(id, &LECreditBasedConnectionResponse{
		DestinationCID: cid,
		MTU:            m.cfg.MTU,
		MPS:            m.cfg.MPS,
		InitialCredits: m.cfg.InitialCredits,
		Result:         ResultSuccess,
	})

	select {
	case srv.chAccept <- c:
	default:
		m.log.Warnf("accept queue full for PSM 0x%04X, closing channel", req.LEPSM)
		go m.closeChannel(c, errors.New("accept queue full"))
		return
	}

	if m.onOpened != nil {
		m.onOpened(c)
	}
}

// --- channel close ---

// disconnectChannel runs the orderly disconnect handshake for a channel
// already moved out of the open state.
func (m *Mux) disconnectChannel(c *Channel) error {
	_, err := m.sigRequest(&DisconnectRequest{
		DestinationCID: c.remoteCID,
		SourceCID:      c.localCID,
	})
	// the CID is released whether or not the peer answered
	m.releaseChannel(c, nil)
	return err
}

// closeChannel tears a channel down after a protocol violation, keeping
// the connection up.
func (m *Mux) closeChannel(c *Channel, cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDisconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.mu.Unlock()

	m.sigRequest(&DisconnectRequest{
		DestinationCID: c.remoteCID,
		SourceCID:      c.localCID,
	})
	m.releaseChannel(c, cause)
}

func (m *Mux) handleDisconnectReq(id uint8, data []byte) {
	var req DisconnectRequest
	if err := req.Unmarshal(data); err != nil {
		m.sendSig(id, &CommandReject{Reason: rejectNotUnderstood})
		return
	}

	m.muChans.Lock()
	c := m.chans[req.DestinationCID]
	m.muChans.Unlock()
	if c == nil || c.remoteCID != req.SourceCID {
		var cids [4]byte
		binary.LittleEndian.PutUint16(cids[0:2], req.DestinationCID)
		binary.LittleEndian.PutUint16(cids[2:4], req.SourceCID)
		m.sendSig(id, &CommandReject{Reason: rejectInvalidCID, Data: cids[:]})
		return
	}

	m.sendSig(id, &DisconnectResponse{
		DestinationCID: req.DestinationCID,
		SourceCID:      req.SourceCID,
	})
	m.releaseChannel(c, nil)
}

func (m *Mux) handleFlowControlCredit(data []byte) {
	var s LEFlowControlCredit
	if err := s.Unmarshal(data); err != nil {
		return
	}

	m.muChans.Lock()
	var c *Channel
	for _, ch := range m.chans {
		if ch.remoteCID == s.CID {
			c = ch
			break
		}
	}
	m.muChans.Unlock()
	if c == nil {
		m.log.Warnf("credits for unknown remote CID %04X", s.CID)
		return
	}

	if err := c.addCredits(s.Credits); err != nil {
		m.log.Errorf("channel %04X: %v", c.localCID, err)
		go m.closeChannel(c, err)
	}
}

func (m *Mux) sendFlowControlCredit(localCID uint16, credits uint16) {
	if credits == 0 {
		return
	}
	m.muSig.Lock()
	m.sigID++
	if m.sigID == 0 {
		m.sigID = 1
	}
	id := m.sigID
	m.muSig.Unlock()

	m.sendSig(id, &LEFlowControlCredit{CID: localCID, Credits: credits})
}

// releaseChannel removes a channel from the table, making its CID
// reusable, and finishes it.
func (m *Mux) releaseChannel(c *Channel, cause error) {
	m.muChans.Lock()
	delete(m.chans, c.localCID)
	m.muChans.Unlock()

	wasOpen := c.State() != StateClosed
	c.teardown(cause)
	if wasOpen && m.onClosed != nil {
		m.onClosed(c, cause)
	}
}

func (m *Mux) allocCIDLocked() (uint16, bool) {
	for cid := cidDynamicBase; cid <= cidDynamicEnd; cid++ {
		if _, used := m.chans[cid]; !used {
			return cid, true
		}
	}
	return 0, false
}

// teardown force-closes every channel; channel closed notifications fire
// before the mux reports done.
func (m *Mux) teardown() {
	m.once.Do(func() {
		m.muChans.Lock()
		chans := make([]*Channel, 0, len(m.chans))
		for _, c := range m.chans {
			chans = append(chans, c)
		}
		m.chans = map[uint16]*Channel{}
		servers := make([]*Server, 0, len(m.servers))
		for _, s := range m.servers {
			servers = append(servers, s)
		}
		m.muChans.Unlock()

		for _, c := range chans {
			wasOpen := c.State() != StateClosed
			c.teardown(bthost.ErrLinkLost)
			if wasOpen && m.onClosed != nil {
				m.onClosed(c, bthost.ErrLinkLost)
			}
		}
		for _, s := range servers {
			close(s.chAccept)
		}

		close(m.chDone)
	})
}

func resultString(r uint16) string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultPSMNotSupported:
		return "PSM not supported"
	case ResultNoResources:
		return "no resources available"
	case ResultInsufficientAuthentication:
		return "insufficient authentication"
	case ResultInsufficientAuthorization:
		return "insufficient authorization"
	case ResultInsufficientEncryptionKeySize:
		return "insufficient encryption key size"
	case ResultInsufficientEncryption:
		return "insufficient encryption"
	case ResultInvalidSourceCID:
		return "invalid source CID"
	case ResultSourceCIDAlreadyAllocated:
		return "source CID already allocated"
	case ResultUnacceptableParameters:
		return "unacceptable parameters"
	default:
		return "unknown result"
	}
}
