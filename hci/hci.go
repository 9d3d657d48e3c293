// Package hci implements the controller link: command issue with a strict
// single-command-in-flight FIFO discipline, event dispatch, and the table
// of live connections multiplexed over one transport.
package hci

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corelink/bthost"
	"github.com/corelink/bthost/hci/cmd"
	"github.com/corelink/bthost/hci/evt"
	"github.com/corelink/bthost/hci/h4"
)

// Command is an HCI command: opcode, marshaled parameter length, and
// parameter serialization.
type Command interface {
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// CommandRP unmarshals a command's return parameters.
type CommandRP interface {
	Unmarshal(b []byte) error
}

type handlerFn func(b []byte) error

type cmdResult struct {
	b   []byte
	err error
}

type cmdPkt struct {
	cmd Command
	// resolved by the matching Command Complete/Status event
	done chan []byte
	// resolved toward the caller by the command loop
	out chan cmdResult
}

// Option configures an HCI instance.
type Option func(h *HCI)

// WithCommandTimeout overrides the in-flight command deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(h *HCI) { h.cmdTimeout = d }
}

// WithMaxFrame overrides the maximum accepted transport frame size.
func WithMaxFrame(n int) Option {
	return func(h *HCI) { h.maxFrame = n }
}

// WithLogger overrides the default logger.
func WithLogger(l bthost.Logger) Option {
	return func(h *HCI) { h.log = l }
}

// WithErrorHandler installs a handler for asynchronous link errors.
func WithErrorHandler(f func(error)) Option {
	return func(h *HCI) { h.errorHandler = f }
}

// NewHCI returns a controller link over the given transport stream. Init
// must be called before use.
func NewHCI(skt io.ReadWriteCloser, opts ...Option) *HCI {
	h := &HCI{
		skt:        skt,
		cmdTimeout: defaultCmdTimeout,
		maxFrame:   h4.DefaultMaxFrame,

		chCmdQueue: make(chan *cmdPkt, cmdQueueSize),

		evth: map[int]handlerFn{},
		subh: map[int]handlerFn{},

		conns:  make(map[uint16]*Conn),
		chConn: make(chan *Conn, 4),

		done:      make(chan struct{}),
		sktRxChan: make(chan []byte, 16),

		log: bthost.GetLogger().ChildLogger(map[string]interface{}{"layer": "hci"}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HCI owns one physical or virtual controller link.
type HCI struct {
	skt io.ReadWriteCloser

	cmdTimeout time.Duration
	maxFrame   int

	// Host to controller command flow control: commands are queued and
	// issued strictly FIFO, one in flight at a time.
	chCmdQueue chan *cmdPkt
	muCur      sync.Mutex
	cur        *cmdPkt

	// serializes writes to the transport
	muWrite sync.Mutex

	// event dispatch tables; subh holds LE meta subevent handlers
	evth map[int]handlerFn
	subh map[int]handlerFn

	// controller data buffer accounting
	bufSize  int
	txTokens chan struct{}

	addr net.HardwareAddr

	muConns sync.Mutex
	conns   map[uint16]*Conn
	chConn  chan *Conn

	errorHandler func(error)
	muErr        sync.Mutex
	err          error

	muClose sync.Mutex
	done    chan struct{}

	sktRxChan chan []byte

	log bthost.Logger
}

// Init wires the event handlers, starts the receive loops and brings the
// controller to a known state.
func (h *HCI) Init() error {
	h.evth[evt.CommandCompleteCode] = h.handleCommandComplete
	h.evth[evt.CommandStatusCode] = h.handleCommandStatus
	h.evth[evt.DisconnectionCompleteCode] = h.handleDisconnectionComplete
	h.evth[evt.NumberOfCompletedPacketsCode] = h.handleNumberOfCompletedPackets
	h.evth[evt.EncryptionChangeCode] = h.handleEncryptionChange
	h.evth[evt.LEMetaCode] = h.handleLEMeta

	h.subh[evt.LEConnectionCompleteSubCode] = h.handleLEConnectionComplete
	h.subh[evt.LELongTermKeyRequestSubCode] = h.handleLELongTermKeyRequest
	h.subh[evt.LEConnectionUpdateCompleteSubCode] = func([]byte) error { return nil }

	go h.sktReadLoop()
	go h.sktProcessLoop()
	go h.cmdLoop()

	return h.init()
}

func (h *HCI) init() error {
	if err := h.Send(&cmd.Reset{}, nil); err != nil {
		return errors.Wrap(err, "reset")
	}

	ReadBDADDRRP := cmd.ReadBDADDRRP{}
	if err := h.Send(&cmd.ReadBDADDR{}, &ReadBDADDRRP); err != nil {
		return errors.Wrap(err, "read bdaddr")
	}
	a := ReadBDADDRRP.BDADDR
	h.addr = net.HardwareAddr([]byte{a[5], a[4], a[3], a[2], a[1], a[0]})

	bufCnt, bufSize := 0, 0
	ReadBufferSizeRP := cmd.ReadBufferSizeRP{}
	if err := h.Send(&cmd.ReadBufferSize{}, &ReadBufferSizeRP); err == nil {
		bufCnt = int(ReadBufferSizeRP.HCTotalNumACLDataPackets)
		bufSize = int(ReadBufferSizeRP.HCACLDataPacketLength)
	}

	LEReadBufferSizeRP := cmd.LEReadBufferSizeRP{}
	if err := h.Send(&cmd.LEReadBufferSize{}, &LEReadBufferSizeRP); err != nil {
		return errors.Wrap(err, "le read buffer size")
	}
	if LEReadBufferSizeRP.HCTotalNumLEDataPackets != 0 {
		// LE-U has its own buffers
		bufCnt = int(LEReadBufferSizeRP.HCTotalNumLEDataPackets)
		bufSize = int(LEReadBufferSizeRP.HCLEDataPacketLength)
	}
	if bufCnt == 0 {
		bufCnt = 8
	}
	if bufSize == 0 {
		bufSize = DefaultACLBufferSize
	}
	h.bufSize = bufSize
	h.txTokens = make(chan struct{}, bufCnt)
	for i := 0; i < bufCnt; i++ {
		h.txTokens <- struct{}{}
	}

	h.Send(&cmd.SetEventMask{EventMask: 0x3dbff807fffbffff}, nil)
	h.Send(&cmd.LESetEventMask{LEEventMask: 0x000000000000001F}, nil)
	h.Send(&cmd.WriteLEHostSupport{LESupportedHost: 1, SimultaneousLEHost: 0}, nil)

	return h.Error()
}

// Addr returns the controller's own address.
func (h *HCI) Addr() bthost.Addr {
	return bthost.NewAddr(h.addr.String())
}

// Accept delivers connections as the controller reports them established.
func (h *HCI) Accept() <-chan *Conn {
	return h.chConn
}

// Connection looks a live connection up by handle.
func (h *HCI) Connection(handle uint16) (*Conn, bool) {
	h.muConns.Lock()
	defer h.muConns.Unlock()
	c, ok := h.conns[handle]
	return c, ok
}

// Subscribe registers a handler for a spontaneous event code. Handlers for
// LE meta subevents use SubscribeLE.
func (h *HCI) Subscribe(code int, f handlerFn) {
	h.evth[code] = f
}

// SubscribeLE registers a handler for an LE meta subevent code.
func (h *HCI) SubscribeLE(subcode int, f handlerFn) {
	h.subh[subcode] = f
}

// Send issues a command and suspends the caller until the correlated
// Command Complete or Command Status event arrives, the configured timeout
// fires, or the link goes away. Commands queue strictly FIFO behind the
// one in flight.
func (h *HCI) Send(c Command, r CommandRP) error {
	b, err := h.send(c)
	if err != nil {
		return err
	}
	if len(b) > 0 && b[0] != 0x00 {
		return ErrCommand(b[0])
	}
	if r != nil {
		return r.Unmarshal(b)
	}
	return nil
}

func (h *HCI) send(c Command) ([]byte, error) {
	if err := h.Error(); err != nil {
		return nil, err
	}

	p := &cmdPkt{
		cmd:  c,
		done: make(chan []byte, 1),
		out:  make(chan cmdResult, 1),
	}

	select {
	case <-h.done:
		return nil, bthost.ErrLinkLost
	case h.chCmdQueue <- p:
	}

	select {
	case <-h.done:
		return nil, bthost.ErrLinkLost
	case r := <-p.out:
		return r.b, r.err
	}
}

// cmdLoop enforces the single-command-in-flight discipline: the next
// queued command is not transmitted until the in-flight one resolves.
func (h *HCI) cmdLoop() {
	for {
		var p *cmdPkt
		select {
		case <-h.done:
			h.failQueued()
			return
		case p = <-h.chCmdQueue:
		}

		b := make([]byte, 3+p.cmd.Len())
		b[0] = byte(p.cmd.OpCode())
		b[1] = byte(p.cmd.OpCode() >> 8)
		b[2] = byte(p.cmd.Len())
		if err := p.cmd.Marshal(b[3:]); err != nil {
			p.out <- cmdResult{err: errors.Wrap(err, "marshal cmd")}
			continue
		}

		h.muCur.Lock()
		h.cur = p
		h.muCur.Unlock()

		h.muWrite.Lock()
		_, err := h.skt.Write(h4.Encode(h4.PktTypeCommand, b))
		h.muWrite.Unlock()
		if err != nil {
			h.clearCur()
			p.out <- cmdResult{err: errors.Wrap(err, "write cmd")}
			h.close(errors.Wrap(err, "transport write"))
			continue
		}

		select {
		case rsp := <-p.done:
			h.clearCur()
			p.out <- cmdResult{b: rsp}
		case <-time.After(h.cmdTimeout):
			h.clearCur()
			h.log.Errorf("no response to command 0x%04X", p.cmd.OpCode())
			p.out <- cmdResult{err: bthost.ErrCommandTimeout}
			h.dispatchError(bthost.ErrCommandTimeout)
		case <-h.done:
			h.clearCur()
			p.out <- cmdResult{err: bthost.ErrLinkLost}
			h.failQueued()
			return
		}
	}
}

func (h *HCI) clearCur() {
	h.muCur.Lock()
	h.cur = nil
	h.muCur.Unlock()
}

// failQueued resolves every not-yet-issued command with ErrLinkLost.
func (h *HCI) failQueued() {
	for {
		select {
		case p := <-h.chCmdQueue:
			p.out <- cmdResult{err: bthost.ErrLinkLost}
		default:
			return
		}
	}
}

func (h *HCI) sktReadLoop() {
	defer close(h.sktRxChan)

	b := make([]byte, 4096)
	for {
		n, err := h.skt.Read(b)

		switch {
		case n == 0 && err == nil:
			// read timeout on the transport
			select {
			case <-h.done:
				return
			default:
				continue
			}

		case err != nil:
			h.setErr(bthost.ErrLinkLost)
			return

		default:
			p := make([]byte, n)
			copy(p, b)
			select {
			case h.sktRxChan <- p:
			case <-h.done:
				return
			}
		}
	}
}

func (h *HCI) sktProcessLoop() {
	defer h.cleanup()

	dec := h4.NewDecoder(h.maxFrame)

	for {
		var b []byte
		var ok bool

		select {
		case <-h.done:
			h.setErr(io.EOF)
			return
		case b, ok = <-h.sktRxChan:
			if !ok {
				return
			}
		}

		if err := dec.Write(b); err != nil {
			// the offending frame was dropped; the link survives
			h.log.Warn("dropping frame:", err)
			h.dispatchError(err)
		}
		for f := dec.Next(); f != nil; f = dec.Next() {
			if err := h.handleFrame(f); err != nil {
				h.log.Error("frame handling:", err)
			}
		}
	}
}

func (h *HCI) handleFrame(b []byte) error {
	t, b := b[0], b[1:]
	switch t {
	case h4.PktTypeACLData:
		return h.handleACL(b)
	case h4.PktTypeEvent:
		return h.handleEvt(b)
	default:
		return errors.Errorf("unsupported packet type 0x%02X", t)
	}
}

func (h *HCI) handleACL(b []byte) error {
	handle := aclPacket(b).handle()

	h.muConns.Lock()
	c, ok := h.conns[handle]
	h.muConns.Unlock()

	if !ok {
		h.log.Warn("ACL packet for unknown connection handle", handle)
		return nil
	}

	select {
	case c.chInPkt <- b:
	case <-c.chDone:
	}
	return nil
}

func (h *HCI) handleEvt(b []byte) error {
	if len(b) < 2 {
		return errors.New("truncated event packet")
	}
	code, plen := int(b[0]), int(b[1])
	if plen != len(b[2:]) {
		return errors.Errorf("invalid event packet length (%d != %d)", plen, len(b[2:]))
	}

	if f := h.evth[code]; f != nil {
		return f(b[2:])
	}
	if code == int(evt.VendorCode) {
		// ignore vendor events
		return nil
	}
	return errors.Errorf("unsupported event 0x%02X", code)
}

func (h *HCI) handleLEMeta(b []byte) error {
	subcode := int(b[0])
	if f := h.subh[subcode]; f != nil {
		return f(b)
	}
	return errors.Errorf("unsupported LE meta subevent 0x%02X", subcode)
}

func (h *HCI) handleCommandComplete(b []byte) error {
	e := evt.CommandComplete(b)

	// NOP, used for command flow control only
	if e.CommandOpcode() == 0x0000 {
		return nil
	}

	h.muCur.Lock()
	p := h.cur
	h.muCur.Unlock()

	if p == nil || p.cmd.OpCode() != int(e.CommandOpcode()) {
		return errors.Errorf("command complete with no matching command: 0x%04X", e.CommandOpcode())
	}

	select {
	case p.done <- e.ReturnParameters():
	default:
	}
	return nil
}

func (h *HCI) handleCommandStatus(b []byte) error {
	e := evt.CommandStatus(b)
	if !e.Valid() {
		return errors.New("invalid command status event")
	}

	h.muCur.Lock()
	p := h.cur
	h.muCur.Unlock()

	if p == nil || p.cmd.OpCode() != int(e.CommandOpcode()) {
		return errors.Errorf("command status with no matching command: 0x%04X", e.CommandOpcode())
	}

	select {
	case p.done <- []byte{e.Status()}:
	default:
	}
	return nil
}

func (h *HCI) handleLEConnectionComplete(b []byte) error {
	e := evt.LEConnectionComplete(b)

	if e.Status() != 0 {
		h.log.Warnf("connection failed: status 0x%02X", e.Status())
		return nil
	}

	c := newConn(h, e)
	h.muConns.Lock()
	h.conns[e.ConnectionHandle()] = c
	h.muConns.Unlock()

	h.log.Debugf("connection complete, handle %04X peer %s", c.Handle(), c.RemoteAddr())

	select {
	case h.chConn <- c:
	case <-h.done:
		go c.Close()
	}
	return nil
}

func (h *HCI) handleDisconnectionComplete(b []byte) error {
	e := evt.DisconnectionComplete(b)
	return h.cleanupConnectionHandle(e.ConnectionHandle(), e.Reason())
}

func (h *HCI) cleanupConnectionHandle(handle uint16, reason uint8) error {
	h.muConns.Lock()
	c, found := h.conns[handle]
	if found {
		delete(h.conns, handle)
	}
	h.muConns.Unlock()

	if !found {
		return nil
	}

	h.log.Debugf("cleaning up connection handle %04X (reason 0x%02X)", handle, reason)
	c.cleanup(reason)
	return nil
}

func (h *HCI) handleEncryptionChange(b []byte) error {
	e := evt.EncryptionChange(b)

	h.muConns.Lock()
	c, found := h.conns[e.ConnectionHandle()]
	h.muConns.Unlock()
	if !found {
		return errors.Errorf("encryption change for unknown handle %04X", e.ConnectionHandle())
	}

	c.handleEncryptionChanged(e.Status(), e.EncryptionEnabled() != 0)
	return nil
}

func (h *HCI) handleNumberOfCompletedPackets(b []byte) error {
	e := evt.NumberOfCompletedPackets(b)

	h.muConns.Lock()
	defer h.muConns.Unlock()
	for i := 0; i < int(e.NumberOfHandles()); i++ {
		c, found := h.conns[e.ConnectionHandle(i)]
		if !found {
			continue
		}
		for j := 0; j < int(e.HCNumOfCompletedPackets(i)); j++ {
			c.completePacket()
		}
	}
	return nil
}

func (h *HCI) handleLELongTermKeyRequest(b []byte) error {
	e := evt.LELongTermKeyRequest(b)

	h.muConns.Lock()
	c, found := h.conns[e.ConnectionHandle()]
	h.muConns.Unlock()

	// the reply's completion event arrives on this very loop, so Send
	// must run off it
	go func() {
		if found && c.ltkFunc != nil {
			if ltk := c.ltkFunc(e.RandomNumber(), e.EncryptedDiversifier()); len(ltk) == 16 {
				m := cmd.LELongTermKeyRequestReply{ConnectionHandle: e.ConnectionHandle()}
				copy(m.LongTermKey[:], ltk)
				if err := h.Send(&m, nil); err != nil {
					h.log.Warn("long term key reply:", err)
				}
				return
			}
		}
		if err := h.Send(&cmd.LELongTermKeyRequestNegativeReply{
			ConnectionHandle: e.ConnectionHandle(),
		}, nil); err != nil {
			h.log.Warn("long term key negative reply:", err)
		}
	}()
	return nil
}

// Close tears the link down. Pending commands and all connections fail
// with ErrLinkLost.
func (h *HCI) Close() error {
	h.muClose.Lock()
	defer h.muClose.Unlock()

	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}

func (h *HCI) close(err error) {
	h.setErr(err)
	h.skt.Close()
	h.Close()
}

// Error returns the first fatal link error, if any.
func (h *HCI) Error() error {
	h.muErr.Lock()
	defer h.muErr.Unlock()
	return h.err
}

func (h *HCI) setErr(err error) {
	h.muErr.Lock()
	if h.err == nil {
		h.err = err
	}
	h.muErr.Unlock()
}

func (h *HCI) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// cleanup runs when the process loop exits: every connection on this link
// is torn down without a disconnect handshake.
func (h *HCI) cleanup() {
	h.Close()
	h.skt.Close()

	h.muConns.Lock()
	cc := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		cc = append(cc, c)
	}
	h.conns = make(map[uint16]*Conn)
	h.muConns.Unlock()

	h.log.Debugf("cleanup: tearing down %d connections", len(cc))
	for _, c := range cc {
		c.cleanup(0)
	}
	close(h.chConn)
}

func (h *HCI) dispatchError(e error) {
	switch {
	case h.errorHandler == nil:
		h.log.Error(e)
	case !h.isOpen():
		h.log.Debug("link closing:", e)
	default:
		h.errorHandler(e)
	}
}
