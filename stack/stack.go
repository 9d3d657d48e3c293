// Package stack ties the protocol layers together per connection: the
// channel multiplexer, the attribute server and client on the attribute
// channel, and the security manager on the security channel. It keeps a
// registry of live sessions keyed by connection handle and surfaces
// lifecycle events on a bus.
package stack

import (
	"sync"

	"github.com/corelink/bthost"
	"github.com/corelink/bthost/att"
	"github.com/corelink/bthost/cache"
	"github.com/corelink/bthost/hci"
	"github.com/corelink/bthost/l2cap"
	"github.com/corelink/bthost/smp"
)

// Link is the connection surface a session is built on. *hci.Conn
// satisfies it; tests substitute a loopback.
type Link interface {
	l2cap.Conn
	Handle() uint16
	RemoteAddr() bthost.Addr
	LocalAddr() bthost.Addr
	StartEncryption(bi bthost.BondInfo, level bthost.SecurityLevel) error
	SetLTKRequestFunc(f func(rand uint64, ediv uint16) []byte)
	SetEncryptionChangedFunc(f func(status uint8, enabled bool))
	SetSecurityLevel(l bthost.SecurityLevel)
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger overrides the default logger.
func WithLogger(l bthost.Logger) Option {
	return func(s *Stack) { s.log = l }
}

// WithBondManager installs bond persistence, shared by every session.
func WithBondManager(bm bthost.BondManager) Option {
	return func(s *Stack) { s.bonds = bm }
}

// WithSMPConfig sets the local pairing feature set.
func WithSMPConfig(cfg smp.Config) Option {
	return func(s *Stack) { s.smpCfg = cfg }
}

// WithAuthData supplies user pairing input.
func WithAuthData(a bthost.AuthData) Option {
	return func(s *Stack) { s.authData = a }
}

// WithATTMTU sets the attribute MTU granted to peers in an MTU
// exchange.
func WithATTMTU(n int) Option {
	return func(s *Stack) { s.attMTU = n }
}

// WithCoCConfig sets the credit-based channel parameters offered on new
// connections.
func WithCoCConfig(cfg l2cap.CoCConfig) Option {
	return func(s *Stack) { s.cocCfg = cfg }
}

// WithGattCache installs a discovery cache consulted by Session.Discover.
func WithGattCache(c cache.GattCache) Option {
	return func(s *Stack) { s.gatt = c }
}

// Stack is the per-device session registry.
type Stack struct {
	hci *hci.HCI
	db  *att.DB
	bus *bthost.EventBus
	log bthost.Logger

	bonds    bthost.BondManager
	gatt     cache.GattCache
	smpCfg   smp.Config
	authData bthost.AuthData
	cocCfg   l2cap.CoCConfig
	attMTU   int

	mu       sync.Mutex
	sessions map[uint16]*Session
}

// New builds a stack over an initialized controller link. Run must be
// called to start accepting connections.
func New(h *hci.HCI, db *att.DB, opts ...Option) *Stack {
	s := &Stack{
		hci:      h,
		db:       db,
		bus:      bthost.NewEventBus(),
		sessions: make(map[uint16]*Session),
		smpCfg:   smp.Config{IOCap: smp.IOCapNoInputNoOutput, Bonding: true, SecureConnections: true, MaxKeySize: 16},
		cocCfg:   l2cap.DefaultCoCConfig(),
		attMTU:   att.MaxMTU,
		log:      bthost.GetLogger().ChildLogger(map[string]interface{}{"layer": "stack"}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bus is the stack's event surface.
func (s *Stack) Bus() *bthost.EventBus { return s.bus }

// Run attaches a session to every connection the controller reports. It
// returns when the controller link closes.
func (s *Stack) Run() {
	for c := range s.hci.Accept() {
		s.Attach(c)
	}
}

// Session looks a live session up by connection handle.
func (s *Stack) Session(handle uint16) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.sessions[handle]
	return sn, ok
}

// Sessions snapshots the live sessions.
func (s *Stack) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sn := range s.sessions {
		out = append(out, sn)
	}
	return out
}

// Close shuts the controller link down; sessions tear down through the
// normal disconnect path.
func (s *Stack) Close() error {
	return s.hci.Close()
}

// Attach builds the per-connection protocol sessions and registers them.
// Run calls it for controller connections; virtual transports may attach
// directly.
func (s *Stack) Attach(c Link) *Session {
	handle := c.Handle()
	peer := c.RemoteAddr()

	sn := &Session{stack: s, conn: c}

	sn.mux = l2cap.NewMux(c, l2cap.WithCoCConfig(s.cocCfg))

	sn.server = att.NewServer(s.db,
		func(b []byte) error { return sn.mux.WriteFixed(l2cap.CIDAtt, b) },
		att.WithServerMTU(s.attMTU),
		att.WithSecuritySource(c.SecurityLevel),
		att.WithWriteObserver(func(h uint16, v []byte) {
			s.bus.Publish(bthost.Event{
				Kind:       bthost.EvtAttributeChanged,
				ConnHandle: handle,
				Peer:       peer,
				Handle:     h,
				Value:      v,
			})
		}))

	sn.client = att.NewClient(func(b []byte) error {
		return sn.mux.WriteFixed(l2cap.CIDAtt, b)
	})
	sn.client.SetNotificationHandler(func(h uint16, v []byte) {
		s.bus.Publish(bthost.Event{
			Kind:       bthost.EvtAttributeChanged,
			ConnHandle: handle,
			Peer:       peer,
			Handle:     h,
			Value:      v,
		})
	})
	sn.client.SetIndicationHandler(func(h uint16, v []byte) {
		s.bus.Publish(bthost.Event{
			Kind:       bthost.EvtAttributeChanged,
			ConnHandle: handle,
			Peer:       peer,
			Handle:     h,
			Value:      v,
			Indicate:   true,
		})
	})

	smpOpts := []smp.Option{smp.WithEncrypter(c), smp.WithAuthData(s.authData)}
	if s.bonds != nil {
		smpOpts = append(smpOpts, smp.WithBondManager(s.bonds))
	}
	sn.smp = smp.NewManager(s.smpCfg,
		func(b []byte) error { return sn.mux.WriteFixed(l2cap.CIDSMP, b) },
		smpOpts...)
	sn.smp.SetIdentities(identityOf(c.LocalAddr()), identityOf(peer), peer.String())
	sn.smp.SetPairedHandler(func(bi bthost.BondInfo, err error) {
		kind := bthost.EvtPairingCompleted
		if err != nil {
			kind = bthost.EvtPairingFailed
		}
		s.bus.Publish(bthost.Event{
			Kind:       kind,
			ConnHandle: handle,
			Peer:       peer,
			Err:        err,
		})
	})

	sn.smp.SetSecurityRequestHandler(func(authReq byte) {
		if err := sn.raiseSecurity(); err != nil {
			s.log.Warnf("security request from %s not satisfied: %v", peer, err)
		}
	})

	c.SetEncryptionChangedFunc(sn.smp.HandleEncryptionChange)

	bonds := s.bonds
	peerStr := peer.String()
	c.SetLTKRequestFunc(func(rand uint64, ediv uint16) []byte {
		// an in-progress pairing owns the key until the bond is stored
		if key := sn.smp.KeyForLTKRequest(rand, ediv); key != nil {
			return key
		}
		if bonds == nil {
			return nil
		}
		bi, err := bonds.Find(peerStr)
		if err != nil {
			return nil
		}
		if bi.Legacy() && (bi.EDiv() != ediv || bi.Random() != rand) {
			return nil
		}
		return bi.LongTermKey()
	})

	sn.mux.SetChannelHandlers(
		func(ch *l2cap.Channel) {
			s.bus.Publish(bthost.Event{
				Kind:       bthost.EvtChannelOpened,
				ConnHandle: handle,
				Peer:       peer,
				ChannelCID: ch.LocalCID(),
			})
		},
		func(ch *l2cap.Channel, cause error) {
			s.bus.Publish(bthost.Event{
				Kind:       bthost.EvtChannelClosed,
				ConnHandle: handle,
				Peer:       peer,
				ChannelCID: ch.LocalCID(),
				Err:        cause,
			})
		})

	sn.mux.RegisterFixed(l2cap.CIDAtt, sn.dispatchATT)
	sn.mux.RegisterFixed(l2cap.CIDSMP, sn.smp.HandlePDU)

	s.mu.Lock()
	s.sessions[handle] = sn
	s.mu.Unlock()

	s.bus.Publish(bthost.Event{
		Kind:       bthost.EvtConnectionEstablished,
		ConnHandle: handle,
		Peer:       peer,
	})
	s.log.Infof("session attached: handle 0x%04X peer %s", handle, peer)

	go s.watch(sn)
	return sn
}

// watch tears the session down when the connection goes away: pending
// attribute requests fail first, then the channels close, then the
// connection-lost event fires.
func (s *Stack) watch(sn *Session) {
	<-sn.conn.Disconnected()

	sn.client.Close(bthost.ErrLinkLost)
	<-sn.mux.Done()

	handle := sn.conn.Handle()
	s.mu.Lock()
	delete(s.sessions, handle)
	s.mu.Unlock()

	s.bus.Publish(bthost.Event{
		Kind:       bthost.EvtConnectionLost,
		ConnHandle: handle,
		Peer:       sn.conn.RemoteAddr(),
	})
	s.log.Infof("session detached: handle 0x%04X", handle)
}

// identityOf converts an address to the pairing toolkit form. Public
// address type; the registry does not track random addresses.
func identityOf(a bthost.Addr) smp.Identity {
	id := smp.Identity{AddrType: 0x00}
	copy(id.Addr[:], a.Bytes())
	return id
}
