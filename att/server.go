package att

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corelink/bthost"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger overrides the default logger.
func WithServerLogger(l bthost.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerMTU caps what the server grants in an MTU exchange.
func WithServerMTU(n int) ServerOption {
	return func(s *Server) {
		if n >= DefaultMTU && n <= MaxMTU {
			s.maxMTU = n
		}
	}
}

// WithSecuritySource installs the link security level lookup used for
// permission checks.
func WithSecuritySource(f func() bthost.SecurityLevel) ServerOption {
	return func(s *Server) { s.secLevel = f }
}

// WithWriteObserver installs an observer called after every accepted
// write, before the response goes out.
func WithWriteObserver(f func(handle uint16, value []byte)) ServerOption {
	return func(s *Server) { s.onWrite = f }
}

// Server answers attribute protocol requests against a database. Feed
// inbound channel payloads to HandlePDU; responses go out through the
// writer it was built with.
type Server struct {
	db    *DB
	write func([]byte) error
	log   bthost.Logger

	secLevel func() bthost.SecurityLevel
	onWrite  func(handle uint16, value []byte)

	muMTU  sync.Mutex
	mtu    int
	maxMTU int

	// one indication outstanding at a time
	muInd     sync.Mutex
	muConfirm sync.Mutex
	confirm   chan struct{}
}

// NewServer ...
func NewServer(db *DB, write func([]byte) error, opts ...ServerOption) *Server {
	s := &Server{
		db:       db,
		write:    write,
		mtu:      DefaultMTU,
		maxMTU:   MaxMTU,
		secLevel: func() bthost.SecurityLevel { return bthost.SecurityNone },
		log:      bthost.GetLogger().ChildLogger(map[string]interface{}{"layer": "att", "role": "server"}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MTU returns the negotiated attribute MTU.
func (s *Server) MTU() int {
	s.muMTU.Lock()
	defer s.muMTU.Unlock()
	return s.mtu
}

func (s *Server) setMTU(n int) {
	s.muMTU.Lock()
	s.mtu = n
	s.muMTU.Unlock()
}

// HandlePDU consumes one inbound attribute PDU.
func (s *Server) HandlePDU(b []byte) {
	if len(b) == 0 {
		return
	}
	op := b[0]

	var rsp []byte
	switch op {
	case ExchangeMTUReqCode:
		rsp = s.handleExchangeMTU(b)
	case FindInformationReqCode:
		rsp = s.handleFindInformation(b)
	case FindByTypeValueReqCode:
		rsp = s.handleFindByTypeValue(b)
	case ReadByGroupTypeReqCode:
		rsp = s.handleReadByGroupType(b)
	case ReadByTypeReqCode:
		rsp = s.handleReadByType(b)
	case ReadReqCode:
		rsp = s.handleRead(b)
	case ReadBlobReqCode:
		rsp = s.handleReadBlob(b)
	case WriteReqCode:
		rsp = s.handleWrite(b)
	case WriteCmdCode:
		s.handleWriteCmd(b)
		return
	case HandleValueConfirmationCode:
		s.handleConfirmation()
		return
	default:
		if op&0x40 != 0 {
			// unknown command, silently dropped
			return
		}
		rsp = errRsp(op, 0, ErrReqNotSupported)
	}

	if rsp != nil {
		if err := s.write(rsp); err != nil {
			s.log.Error("write response:", err)
		}
	}
}

func errRsp(req byte, h uint16, code byte) []byte {
	return []byte{ErrorRspCode, req, byte(h), byte(h >> 8), code}
}

// accessErr maps a failed security check to the matching protocol error.
func accessErr(required bthost.SecurityLevel) byte {
	if required >= bthost.SecurityAuthenticated {
		return ErrInsufficientAuthen
	}
	return ErrInsufficientEncrypt
}

func (s *Server) checkRead(a *Attribute) byte {
	if !a.Readable {
		return ErrReadNotPermitted
	}
	if a.Security > s.secLevel() {
		return accessErr(a.Security)
	}
	return 0
}

func (s *Server) checkWrite(a *Attribute) byte {
	if !a.Writable {
		return ErrWriteNotPermitted
	}
	if a.Security > s.secLevel() {
		return accessErr(a.Security)
	}
	return 0
}

func (s *Server) handleExchangeMTU(b []byte) []byte {
	if len(b) != 3 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	client := int(binary.LittleEndian.Uint16(b[1:3]))
	if client < DefaultMTU {
		client = DefaultMTU
	}
	mtu := client
	if mtu > s.maxMTU {
		mtu = s.maxMTU
	}
	s.setMTU(mtu)

	rsp := make([]byte, 3)
	rsp[0] = ExchangeMTURspCode
	binary.LittleEndian.PutUint16(rsp[1:3], uint16(s.maxMTU))
	return rsp
}

func (s *Server) handleFindInformation(b []byte) []byte {
	if len(b) != 5 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(b[1:3])
	end := binary.LittleEndian.Uint16(b[3:5])
	if start == 0 || start > end {
		return errRsp(b[0], start, ErrInvalidHandle)
	}

	rsp := []byte{FindInformationRspCode, 0}
	uuidLen := 0
	s.db.Range(start, end, func(a *Attribute) bool {
		if uuidLen == 0 {
			uuidLen = a.Type.Len()
			if uuidLen == 2 {
				rsp[1] = 0x01
			} else {
				rsp[1] = 0x02
			}
		}
		if a.Type.Len() != uuidLen {
			return false
		}
		if len(rsp)+2+uuidLen > s.MTU() {
			return false
		}
		rsp = append(rsp, byte(a.Handle), byte(a.Handle>>8))
		rsp = append(rsp, a.Type...)
		return true
	})

	if len(rsp) == 2 {
		return errRsp(b[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) handleFindByTypeValue(b []byte) []byte {
	if len(b) < 7 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(b[1:3])
	end := binary.LittleEndian.Uint16(b[3:5])
	typ := bthost.UUID(b[5:7])
	sought := b[7:]
	if start == 0 || start > end {
		return errRsp(b[0], start, ErrInvalidHandle)
	}

	rsp := []byte{FindByTypeValueRspCode}
	s.db.Range(start, end, func(a *Attribute) bool {
		if !a.Type.Equal(typ) {
			return true
		}
		if !bytes.Equal(a.value(), sought) {
			return true
		}
		if len(rsp)+4 > s.MTU() {
			return false
		}
		group := a.EndGroup
		if group == 0 {
			group = a.Handle
		}
		rsp = append(rsp, byte(a.Handle), byte(a.Handle>>8))
		rsp = append(rsp, byte(group), byte(group>>8))
		return true
	})

	if len(rsp) == 1 {
		return errRsp(b[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) handleReadByGroupType(b []byte) []byte {
	if len(b) != 7 && len(b) != 21 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(b[1:3])
	end := binary.LittleEndian.Uint16(b[3:5])
	group := bthost.UUID(b[5:])
	if start == 0 || start > end {
		return errRsp(b[0], start, ErrInvalidHandle)
	}
	if !group.Equal(TypePrimaryService) && !group.Equal(TypeSecondaryService) {
		return errRsp(b[0], start, ErrUnsupportedGroupType)
	}

	rsp := []byte{ReadByGroupTypeRspCode, 0}
	entryLen := 0
	s.db.Range(start, end, func(a *Attribute) bool {
		if !a.Type.Equal(group) {
			return true
		}
		v := a.value()
		if entryLen == 0 {
			entryLen = 4 + len(v)
			rsp[1] = byte(entryLen)
		}
		if 4+len(v) != entryLen {
			// uniform entries only; the next round picks this one up
			return false
		}
		if len(rsp)+entryLen > s.MTU() {
			return false
		}
		rsp = append(rsp, byte(a.Handle), byte(a.Handle>>8))
		rsp = append(rsp, byte(a.EndGroup), byte(a.EndGroup>>8))
		rsp = append(rsp, v...)
		return true
	})

	if len(rsp) == 2 {
		return errRsp(b[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) handleReadByType(b []byte) []byte {
	if len(b) != 7 && len(b) != 21 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	start := binary.LittleEndian.Uint16(b[1:3])
	end := binary.LittleEndian.Uint16(b[3:5])
	typ := bthost.UUID(b[5:])
	if start == 0 || start > end {
		return errRsp(b[0], start, ErrInvalidHandle)
	}

	rsp := []byte{ReadByTypeRspCode, 0}
	entryLen := 0
	var denied byte
	var deniedHandle uint16
	s.db.Range(start, end, func(a *Attribute) bool {
		if !a.Type.Equal(typ) {
			return true
		}
		if code := s.checkRead(a); code != 0 {
			if len(rsp) == 2 {
				denied, deniedHandle = code, a.Handle
			}
			return false
		}
		v := a.value()
		// a value may at most fill the remaining entry space
		max := s.MTU() - 4
		if len(v) > max {
			v = v[:max]
		}
		if entryLen == 0 {
			entryLen = 2 + len(v)
			rsp[1] = byte(entryLen)
		}
		if 2+len(v) != entryLen {
			return false
		}
		if len(rsp)+entryLen > s.MTU() {
			return false
		}
		rsp = append(rsp, byte(a.Handle), byte(a.Handle>>8))
		rsp = append(rsp, v...)
		return true
	})

	if denied != 0 {
		return errRsp(b[0], deniedHandle, denied)
	}
	if len(rsp) == 2 {
		return errRsp(b[0], start, ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) handleRead(b []byte) []byte {
	if len(b) != 3 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(b[1:3])
	a, ok := s.db.At(h)
	if !ok {
		return errRsp(b[0], h, ErrInvalidHandle)
	}
	if code := s.checkRead(a); code != 0 {
		return errRsp(b[0], h, code)
	}

	v := a.value()
	if len(v) > s.MTU()-1 {
		v = v[:s.MTU()-1]
	}
	return append([]byte{ReadRspCode}, v...)
}

func (s *Server) handleReadBlob(b []byte) []byte {
	if len(b) != 5 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(b[1:3])
	offset := int(binary.LittleEndian.Uint16(b[3:5]))
	a, ok := s.db.At(h)
	if !ok {
		return errRsp(b[0], h, ErrInvalidHandle)
	}
	if code := s.checkRead(a); code != 0 {
		return errRsp(b[0], h, code)
	}

	v := a.value()
	if offset > len(v) {
		return errRsp(b[0], h, ErrInvalidOffset)
	}
	v = v[offset:]
	if len(v) > s.MTU()-1 {
		v = v[:s.MTU()-1]
	}
	return append([]byte{ReadBlobRspCode}, v...)
}

func (s *Server) handleWrite(b []byte) []byte {
	if len(b) < 3 {
		return errRsp(b[0], 0, ErrInvalidPDU)
	}
	h := binary.LittleEndian.Uint16(b[1:3])
	value := b[3:]

	a, ok := s.db.At(h)
	if !ok {
		return errRsp(b[0], h, ErrInvalidHandle)
	}
	if code := s.checkWrite(a); code != 0 {
		return errRsp(b[0], h, code)
	}
	if err := s.applyWrite(a, value); err != nil {
		return errRsp(b[0], h, ErrUnlikely)
	}
	return []byte{WriteRspCode}
}

func (s *Server) handleWriteCmd(b []byte) {
	if len(b) < 3 {
		return
	}
	h := binary.LittleEndian.Uint16(b[1:3])
	a, ok := s.db.At(h)
	if !ok || s.checkWrite(a) != 0 {
		return
	}
	if err := s.applyWrite(a, b[3:]); err != nil {
		s.log.Debugf("write command on 0x%04X rejected: %v", h, err)
	}
}

func (s *Server) applyWrite(a *Attribute, value []byte) error {
	v := append([]byte(nil), value...)
	if a.OnWrite != nil {
		if err := a.OnWrite(v); err != nil {
			return err
		}
	} else {
		a.Value = v
	}
	if s.onWrite != nil {
		s.onWrite(a.Handle, v)
	}
	return nil
}

// Notify sends a handle value notification, fire and forget. The value is
// truncated to the MTU.
func (s *Server) Notify(handle uint16, value []byte) error {
	if len(value) > s.MTU()-3 {
		value = value[:s.MTU()-3]
	}
	b := make([]byte, 3+len(value))
	b[0] = HandleValueNotificationCode
	binary.LittleEndian.PutUint16(b[1:3], handle)
	copy(b[3:], value)
	return s.write(b)
}

// Indicate sends a handle value indication and waits for the peer's
// confirmation. Only one indication is outstanding at a time.
func (s *Server) Indicate(handle uint16, value []byte) error {
	s.muInd.Lock()
	defer s.muInd.Unlock()

	if len(value) > s.MTU()-3 {
		value = value[:s.MTU()-3]
	}
	b := make([]byte, 3+len(value))
	b[0] = HandleValueIndicationCode
	binary.LittleEndian.PutUint16(b[1:3], handle)
	copy(b[3:], value)

	confirm := make(chan struct{}, 1)
	s.muConfirm.Lock()
	s.confirm = confirm
	s.muConfirm.Unlock()

	if err := s.write(b); err != nil {
		return err
	}

	select {
	case <-confirm:
		return nil
	case <-time.After(indicationTimeout):
		return errors.New("indication not confirmed")
	}
}

func (s *Server) handleConfirmation() {
	s.muConfirm.Lock()
	c := s.confirm
	s.confirm = nil
	s.muConfirm.Unlock()
	if c != nil {
		select {
		case c <- struct{}{}:
		default:
		}
	} else {
		s.log.Debug("unexpected handle value confirmation")
	}
}
