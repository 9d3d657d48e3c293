package stack

import (
	"github.com/corelink/bthost"
	"github.com/corelink/bthost/att"
	"github.com/corelink/bthost/cache"
	"github.com/corelink/bthost/hci"
	"github.com/corelink/bthost/l2cap"
	"github.com/corelink/bthost/smp"
)

// Session is the protocol state of one connection.
type Session struct {
	stack *Stack
	conn  Link

	mux    *l2cap.Mux
	server *att.Server
	client *att.Client
	smp    *smp.Manager
}

// Handle is the connection handle this session is keyed by.
func (s *Session) Handle() uint16 { return s.conn.Handle() }

// Peer is the remote device address.
func (s *Session) Peer() bthost.Addr { return s.conn.RemoteAddr() }

// Mux is the channel multiplexer.
func (s *Session) Mux() *l2cap.Mux { return s.mux }

// Server is the local attribute server.
func (s *Session) Server() *att.Server { return s.server }

// Client is the attribute client toward the peer.
func (s *Session) Client() *att.Client { return s.client }

// Security is the security manager for this connection.
func (s *Session) Security() *smp.Manager { return s.smp }

// Conn returns the underlying controller connection, if the session runs
// over one.
func (s *Session) Conn() (*hci.Conn, bool) {
	c, ok := s.conn.(*hci.Conn)
	return c, ok
}

// dispatchATT routes an inbound attribute PDU: responses, notifications
// and indications go to the client, everything else to the server.
func (s *Session) dispatchATT(b []byte) {
	if len(b) == 0 {
		return
	}
	switch op := b[0]; {
	case op == att.HandleValueNotificationCode, op == att.HandleValueIndicationCode:
		s.client.HandlePDU(b)
	case op == att.HandleValueConfirmationCode:
		s.server.HandlePDU(b)
	case op&0x01 == 1:
		// response opcodes are odd, error response included
		s.client.HandlePDU(b)
	default:
		s.server.HandlePDU(b)
	}
}

// Pair runs a pairing as initiator.
func (s *Session) Pair() error {
	return s.smp.Pair()
}

// Encrypt re-encrypts the link from a stored bond.
func (s *Session) Encrypt() error {
	return s.smp.StartEncryption()
}

// ReadSecure reads an attribute, raising link security and retrying once
// when the server demands more than the link currently has.
func (s *Session) ReadSecure(handle uint16) ([]byte, error) {
	v, err := s.client.Read(handle)
	if !needsSecurity(err) {
		return v, err
	}
	if perr := s.raiseSecurity(); perr != nil {
		return nil, perr
	}
	return s.client.Read(handle)
}

// WriteSecure mirrors ReadSecure for writes.
func (s *Session) WriteSecure(handle uint16, value []byte) error {
	err := s.client.Write(handle, value)
	if !needsSecurity(err) {
		return err
	}
	if perr := s.raiseSecurity(); perr != nil {
		return perr
	}
	return s.client.Write(handle, value)
}

// raiseSecurity prefers re-encryption from a stored bond and falls back
// to a fresh pairing.
func (s *Session) raiseSecurity() error {
	if s.stack.bonds != nil && s.stack.bonds.Exists(s.conn.RemoteAddr().String()) {
		if err := s.smp.StartEncryption(); err == nil {
			return nil
		}
	}
	return s.smp.Pair()
}

// Discover enumerates the peer's services, characteristics and
// descriptors. With a cache installed a known peer's profile is served
// from it; a fresh discovery replaces the cached record.
func (s *Session) Discover() (cache.Profile, error) {
	peer := s.conn.RemoteAddr().String()
	if s.stack.gatt != nil {
		if p, err := s.stack.gatt.Load(peer); err == nil {
			return p, nil
		}
	}

	svcs, err := s.client.DiscoverServices()
	if err != nil {
		return cache.Profile{}, err
	}

	var p cache.Profile
	for _, svc := range svcs {
		entry := cache.Service{Service: svc}
		chars, err := s.client.DiscoverCharacteristics(svc)
		if err != nil {
			return cache.Profile{}, err
		}
		for i, ch := range chars {
			rec := cache.Characteristic{Characteristic: ch}
			// descriptors live between the value handle and the next
			// declaration (or the end of the service)
			start := ch.ValueHandle + 1
			end := svc.EndHandle
			if i+1 < len(chars) {
				end = chars[i+1].DeclHandle - 1
			}
			if start <= end {
				dd, err := s.client.DiscoverDescriptors(start, end)
				if err != nil {
					return cache.Profile{}, err
				}
				rec.Descriptors = dd
			}
			entry.Characteristics = append(entry.Characteristics, rec)
		}
		p.Services = append(p.Services, entry)
	}

	if s.stack.gatt != nil {
		if err := s.stack.gatt.Store(peer, p, true); err != nil {
			s.stack.log.Warn("store gatt cache:", err)
		}
	}
	return p, nil
}

func needsSecurity(err error) bool {
	ae, ok := err.(*att.Error)
	if !ok {
		return false
	}
	return ae.Code == att.ErrInsufficientAuthen || ae.Code == att.ErrInsufficientEncrypt
}
