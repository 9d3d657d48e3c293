package hci

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/corelink/bthost"
	"github.com/corelink/bthost/hci/cmd"
	"github.com/corelink/bthost/hci/evt"
	"github.com/corelink/bthost/hci/h4"
)

// Conn is one established link to a peer. Inbound ACL fragments are
// recombined into complete L2CAP PDUs; outbound PDUs are fragmented to
// the controller's buffer size and paced by its buffer tokens.
type Conn struct {
	hci *HCI

	handle uint16
	role   uint8
	peer   bthost.Addr

	chInPkt chan aclPacket
	chInPDU chan []byte

	// serializes outbound PDUs; fragments of distinct PDUs must not
	// interleave on the link [Vol 3, Part A, 7.2.1]
	muTx sync.Mutex

	// number of controller buffers this connection currently occupies
	muSent   sync.Mutex
	sentPkts int

	muEnc      sync.Mutex
	encrypted  bool
	secLevel   bthost.SecurityLevel
	pendingSec bthost.SecurityLevel
	encFunc    func(status uint8, enabled bool)

	// consulted when the controller asks for a long term key
	ltkFunc func(rand uint64, ediv uint16) []byte

	closeOnce sync.Once
	chDone    chan struct{}
	reason    uint8
}

func newConn(h *HCI, e evt.LEConnectionComplete) *Conn {
	pa := e.PeerAddress()
	c := &Conn{
		hci:     h,
		handle:  e.ConnectionHandle(),
		role:    e.Role(),
		peer:    bthost.AddrFromBytes(pa[:]),
		chInPkt: make(chan aclPacket, connInPktChanSize),
		chInPDU: make(chan []byte, connInPDUChanSize),
		chDone:  make(chan struct{}),
	}
	go c.recombineLoop()
	return c
}

// Handle returns the controller's connection handle.
func (c *Conn) Handle() uint16 { return c.handle }

// Role reports whether the local device is master or slave on this link.
func (c *Conn) Role() uint8 { return c.role }

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() bthost.Addr { return c.peer }

// LocalAddr returns the controller's own address.
func (c *Conn) LocalAddr() bthost.Addr { return c.hci.Addr() }

// ReadPDU delivers recombined L2CAP PDUs, basic header included. The
// channel closes when the connection is gone.
func (c *Conn) ReadPDU() <-chan []byte { return c.chInPDU }

// Disconnected closes when the connection is torn down, whether by a
// Disconnection Complete event or by transport loss.
func (c *Conn) Disconnected() <-chan struct{} { return c.chDone }

// DisconnectReason returns the controller's reason code after the
// connection is gone, zero for transport loss.
func (c *Conn) DisconnectReason() uint8 { return c.reason }

// recombineLoop reassembles ACL fragments into L2CAP PDUs. The first
// fragment of a PDU carries the basic header with the payload length; the
// PDU is complete once that many payload bytes have arrived.
func (c *Conn) recombineLoop() {
	defer close(c.chInPDU)

	var pdu []byte
	var want int

	for {
		var p aclPacket
		var ok bool
		select {
		case <-c.chDone:
			return
		case p, ok = <-c.chInPkt:
			if !ok {
				return
			}
		}

		if !p.valid() {
			c.hci.log.Warnf("dropping malformed ACL packet on handle %04X", c.handle)
			continue
		}

		if p.pbf()&pbfContinuing == 0 {
			if pdu != nil {
				c.hci.log.Warnf("dropping incomplete PDU on handle %04X", c.handle)
			}
			d := p.data()
			if len(d) < 4 {
				c.hci.log.Warnf("dropping short PDU fragment on handle %04X", c.handle)
				pdu, want = nil, 0
				continue
			}
			want = 4 + (int(d[0]) | int(d[1])<<8)
			pdu = append([]byte(nil), d...)
		} else {
			if pdu == nil {
				c.hci.log.Warnf("dropping continuation without start on handle %04X", c.handle)
				continue
			}
			pdu = append(pdu, p.data()...)
		}

		if len(pdu) > want {
			c.hci.log.Warnf("dropping overlong PDU on handle %04X", c.handle)
			pdu, want = nil, 0
			continue
		}
		if len(pdu) == want {
			select {
			case c.chInPDU <- pdu:
			case <-c.chDone:
				return
			}
			pdu, want = nil, 0
		}
	}
}

// WritePDU fragments a complete L2CAP PDU to the controller's ACL buffer
// size and transmits the fragments. Each fragment consumes one controller
// buffer token; the call blocks while the controller's buffers are full.
func (c *Conn) WritePDU(pdu []byte) (int, error) {
	c.muTx.Lock()
	defer c.muTx.Unlock()

	sent := 0
	pbf := pbfHostToControllerStart

	for len(pdu) > 0 {
		select {
		case <-c.chDone:
			return sent, errors.Wrap(bthost.ErrLinkLost, "write PDU")
		case <-c.hci.done:
			return sent, errors.Wrap(bthost.ErrLinkLost, "write PDU")
		case <-c.hci.txTokens:
		}

		n := len(pdu)
		if n > c.hci.bufSize {
			n = c.hci.bufSize
		}

		c.muSent.Lock()
		c.sentPkts++
		c.muSent.Unlock()

		if _, err := c.hci.writeACL(buildACL(c.handle, pbf, pdu[:n])); err != nil {
			return sent, err
		}
		sent += n
		pdu = pdu[n:]
		pbf = pbfContinuing
	}
	return sent, nil
}

func (h *HCI) writeACL(b []byte) (int, error) {
	h.muWrite.Lock()
	defer h.muWrite.Unlock()
	return h.skt.Write(h4.Encode(h4.PktTypeACLData, b))
}

// completePacket returns one controller buffer token after the controller
// reports a packet completed.
func (c *Conn) completePacket() {
	c.muSent.Lock()
	defer c.muSent.Unlock()
	if c.sentPkts == 0 {
		return
	}
	c.sentPkts--
	select {
	case c.hci.txTokens <- struct{}{}:
	default:
	}
}

// SetLTKRequestFunc installs the long term key lookup consulted when the
// controller raises an LE Long Term Key Request for this connection.
func (c *Conn) SetLTKRequestFunc(f func(rand uint64, ediv uint16) []byte) {
	c.ltkFunc = f
}

// SetEncryptionChangedFunc installs the observer for Encryption Change
// events on this connection.
func (c *Conn) SetEncryptionChangedFunc(f func(status uint8, enabled bool)) {
	c.muEnc.Lock()
	c.encFunc = f
	c.muEnc.Unlock()
}

// StartEncryption asks the controller to encrypt the link with the given
// bond's long term key. The outcome arrives as an Encryption Change event.
func (c *Conn) StartEncryption(bi bthost.BondInfo, level bthost.SecurityLevel) error {
	m := cmd.LEStartEncryption{ConnectionHandle: c.handle}
	if bi.Legacy() {
		m.RandomNumber = bi.Random()
		m.EncryptedDiversifier = bi.EDiv()
	}
	copy(m.LongTermKey[:], bi.LongTermKey())

	c.muEnc.Lock()
	c.pendingSec = level
	c.muEnc.Unlock()

	return c.hci.Send(&m, nil)
}

func (c *Conn) handleEncryptionChanged(status uint8, enabled bool) {
	c.muEnc.Lock()
	c.encrypted = status == 0 && enabled
	if c.encrypted {
		if c.pendingSec > bthost.SecurityNone {
			c.secLevel = c.pendingSec
		} else {
			c.secLevel = bthost.SecurityEncrypted
		}
	} else {
		c.secLevel = bthost.SecurityNone
	}
	c.pendingSec = bthost.SecurityNone
	f := c.encFunc
	c.muEnc.Unlock()

	// the observer may write PDUs, which blocks on controller buffers
	// only the event loop replenishes
	if f != nil {
		go f(status, enabled)
	}
}

// SetSecurityLevel records the level reached by pairing over this link.
func (c *Conn) SetSecurityLevel(l bthost.SecurityLevel) {
	c.muEnc.Lock()
	c.secLevel = l
	if l > bthost.SecurityNone {
		c.encrypted = true
	}
	c.muEnc.Unlock()
}

// Encrypted reports whether the link is currently encrypted.
func (c *Conn) Encrypted() bool {
	c.muEnc.Lock()
	defer c.muEnc.Unlock()
	return c.encrypted
}

// SecurityLevel reports the link's current security level.
func (c *Conn) SecurityLevel() bthost.SecurityLevel {
	c.muEnc.Lock()
	defer c.muEnc.Unlock()
	return c.secLevel
}

// Close requests an orderly disconnect. Teardown completes when the
// controller reports Disconnection Complete.
func (c *Conn) Close() error {
	select {
	case <-c.chDone:
		return nil
	default:
	}
	return c.hci.Send(&cmd.Disconnect{
		ConnectionHandle: c.handle,
		Reason:           reasonRemoteUserTerminated,
	}, nil)
}

// cleanup finishes the connection: buffer tokens held by in-flight
// fragments are returned and readers observe closed channels.
func (c *Conn) cleanup(reason uint8) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.chDone)

		c.muSent.Lock()
		n := c.sentPkts
		c.sentPkts = 0
		c.muSent.Unlock()
		for i := 0; i < n; i++ {
			select {
			case c.hci.txTokens <- struct{}{}:
			default:
			}
		}
	})
}
