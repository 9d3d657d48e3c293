package l2cap

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/corelink/bthost"
)

// ChannelState is the lifecycle state of a dynamic channel.
type ChannelState int

const (
	StateClosed ChannelState = iota
	StateConfigRequested
	StateOpen
	StateDisconnecting
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConfigRequested:
		return "configRequested"
	case StateOpen:
		return "open"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Channel is one LE credit-based channel. Send segments an SDU into
// K-frames and blocks while the peer has granted no credits; inbound
// K-frames reassemble into SDUs delivered on Receive.
type Channel struct {
	m   *Mux
	psm uint16

	localCID  uint16
	remoteCID uint16

	// peer's receive parameters bound outbound traffic
	peerMTU uint16
	peerMPS uint16

	// our receive parameters offered at open
	localMTU uint16
	localMPS uint16

	mu        sync.Mutex
	state     ChannelState
	txCredits uint16
	grant     chan struct{}

	// reassembly in progress
	sdu       []byte
	sduLen    int
	sduFrames uint16

	chIn   chan []byte
	chDone chan struct{}
	once   sync.Once

	closeErr error
}

func newChannel(m *Mux, psm, localCID uint16) *Channel {
	return &Channel{
		m:        m,
		psm:      psm,
		localCID: localCID,
		localMTU: m.cfg.MTU,
		localMPS: m.cfg.MPS,
		grant:    make(chan struct{}, 1),
		chIn:     make(chan []byte, 8),
		chDone:   make(chan struct{}),
	}
}

// PSM returns the protocol/service multiplexer the channel was opened to.
func (c *Channel) PSM() uint16 { return c.psm }

// LocalCID returns our endpoint identifier.
func (c *Channel) LocalCID() uint16 { return c.localCID }

// RemoteCID returns the peer's endpoint identifier.
func (c *Channel) RemoteCID() uint16 { return c.remoteCID }

// MTU returns the largest SDU the peer accepts.
func (c *Channel) MTU() uint16 { return c.peerMTU }

// State returns the channel's lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Receive delivers reassembled SDUs. The channel closes when the channel
// is disconnected or the connection goes away.
func (c *Channel) Receive() <-chan []byte { return c.chIn }

// Done closes when the channel leaves the open state for good.
func (c *Channel) Done() <-chan struct{} { return c.chDone }

// Err returns why the channel closed, nil for an orderly local close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send transmits one SDU. An SDU larger than the peer's MTU is refused
// with PayloadTooLargeError and the channel remains usable. With no
// credits available the call blocks until the peer grants more or the
// channel closes.
func (c *Channel) Send(sdu []byte) error {
	if st := c.State(); st != StateOpen {
		return errors.Wrapf(bthost.ErrClosed, "send on %s channel", st)
	}
	if len(sdu) > int(c.peerMTU) {
		return &bthost.PayloadTooLargeError{Declared: len(sdu), Max: int(c.peerMTU)}
	}

	// first K-frame carries the SDU length prefix
	first := true
	rest := sdu
	for first || len(rest) > 0 {
		if err := c.takeCredit(); err != nil {
			return err
		}

		max := int(c.peerMPS)
		var frame []byte
		if first {
			n := max - 2
			if n > len(rest) {
				n = len(rest)
			}
			frame = make([]byte, 2+n)
			binary.LittleEndian.PutUint16(frame, uint16(len(sdu)))
			copy(frame[2:], rest[:n])
			rest = rest[n:]
			first = false
		} else {
			n := max
			if n > len(rest) {
				n = len(rest)
			}
			frame = rest[:n]
			rest = rest[n:]
		}

		if err := c.m.writeCID(c.remoteCID, frame); err != nil {
			return errors.Wrap(err, "send K-frame")
		}
	}
	return nil
}

// takeCredit consumes one TX credit, blocking on the peer's grant.
func (c *Channel) takeCredit() error {
	for {
		c.mu.Lock()
		if c.state != StateOpen {
			c.mu.Unlock()
			return errors.Wrap(bthost.ErrClosed, "channel closed while waiting for credits")
		}
		if c.txCredits > 0 {
			c.txCredits--
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-c.grant:
		case <-c.chDone:
			return errors.Wrap(bthost.ErrClosed, "channel closed while waiting for credits")
		}
	}
}

// addCredits applies a peer's Flow Control Credit grant. Exceeding the
// protocol ceiling is a violation that closes the channel.
func (c *Channel) addCredits(n uint16) error {
	c.mu.Lock()
	if uint32(c.txCredits)+uint32(n) > maxCredits {
		c.mu.Unlock()
		return errors.New("credit count overflow")
	}
	c.txCredits += n
	c.mu.Unlock()

	select {
	case c.grant <- struct{}{}:
	default:
	}
	return nil
}

// handleFrame consumes one inbound K-frame. A declared SDU length beyond
// our MTU is a violation surfaced as PayloadTooLargeError; the mux closes
// the channel over the signaling handshake and the connection stays up.
func (c *Channel) handleFrame(b []byte) error {
	c.mu.Lock()

	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}

	if c.sdu == nil {
		if len(b) < 2 {
			c.mu.Unlock()
			return errors.New("K-frame shorter than SDU length prefix")
		}
		c.sduLen = int(binary.LittleEndian.Uint16(b))
		if c.sduLen > int(c.localMTU) {
			declared := c.sduLen
			c.sduLen = 0
			c.mu.Unlock()
			return &bthost.PayloadTooLargeError{Declared: declared, Max: int(c.localMTU)}
		}
		c.sdu = make([]byte, 0, c.sduLen)
		b = b[2:]
	}

	if len(c.sdu)+len(b) > c.sduLen {
		c.sdu, c.sduFrames = nil, 0
		c.mu.Unlock()
		return errors.New("SDU payload exceeds declared length")
	}
	c.sdu = append(c.sdu, b...)
	c.sduFrames++

	if len(c.sdu) < c.sduLen {
		c.mu.Unlock()
		return nil
	}

	sdu := c.sdu
	frames := c.sduFrames
	c.sdu, c.sduFrames = nil, 0
	c.mu.Unlock()

	select {
	case c.chIn <- sdu:
	case <-c.chDone:
		return nil
	}

	// return the credits this SDU consumed
	go c.m.sendFlowControlCredit(c.localCID, frames)
	return nil
}

// Close disconnects the channel with the signaling handshake. The local
// CID becomes reusable once the peer responds.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	c.mu.Unlock()

	return c.m.disconnectChannel(c)
}

// teardown finishes the channel without further signaling.
func (c *Channel) teardown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeErr = err
		c.mu.Unlock()
		close(c.chDone)
		close(c.chIn)
	})
}
