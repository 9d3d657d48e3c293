package att

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corelink/bthost"
)

// Service is one discovered service group.
type Service struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        bthost.UUID
}

// Characteristic is one discovered characteristic declaration.
type Characteristic struct {
	DeclHandle  uint16
	ValueHandle uint16
	Properties  byte
	UUID        bthost.UUID
}

// Descriptor is one discovered attribute handle/type pair.
type Descriptor struct {
	Handle uint16
	UUID   bthost.UUID
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the default logger.
func WithClientLogger(l bthost.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// Client drives the attribute protocol against a remote server. Requests
// are serialized: one outstanding per channel, responses correlated by
// ordering.
type Client struct {
	write func([]byte) error
	log   bthost.Logger

	muMTU sync.Mutex
	mtu   int

	// serializes requests
	muReq sync.Mutex
	muRsp sync.Mutex
	rsp   chan []byte

	muHandlers sync.Mutex
	onNotify   func(handle uint16, value []byte)
	onIndicate func(handle uint16, value []byte)

	once     sync.Once
	chDone   chan struct{}
	closeErr error
}

// NewClient ...
func NewClient(write func([]byte) error, opts ...ClientOption) *Client {
	c := &Client{
		write:  write,
		mtu:    DefaultMTU,
		chDone: make(chan struct{}),
		log:    bthost.GetLogger().ChildLogger(map[string]interface{}{"layer": "att", "role": "client"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MTU returns the negotiated attribute MTU.
func (c *Client) MTU() int {
	c.muMTU.Lock()
	defer c.muMTU.Unlock()
	return c.mtu
}

// SetNotificationHandler ...
func (c *Client) SetNotificationHandler(f func(handle uint16, value []byte)) {
	c.muHandlers.Lock()
	c.onNotify = f
	c.muHandlers.Unlock()
}

// SetIndicationHandler installs the indication observer; confirmations go
// out automatically after the handler returns.
func (c *Client) SetIndicationHandler(f func(handle uint16, value []byte)) {
	c.muHandlers.Lock()
	c.onIndicate = f
	c.muHandlers.Unlock()
}

// Close fails the pending request and all future ones with the given
// cause.
func (c *Client) Close(cause error) {
	c.once.Do(func() {
		c.closeErr = cause
		close(c.chDone)
	})
}

// HandlePDU consumes one inbound attribute PDU.
func (c *Client) HandlePDU(b []byte) {
	if len(b) == 0 {
		return
	}
	switch b[0] {
	case HandleValueNotificationCode:
		if len(b) < 3 {
			return
		}
		c.muHandlers.Lock()
		f := c.onNotify
		c.muHandlers.Unlock()
		if f != nil {
			f(binary.LittleEndian.Uint16(b[1:3]), b[3:])
		}

	case HandleValueIndicationCode:
		if len(b) < 3 {
			return
		}
		c.muHandlers.Lock()
		f := c.onIndicate
		c.muHandlers.Unlock()
		if f != nil {
			f(binary.LittleEndian.Uint16(b[1:3]), b[3:])
		}
		if err := c.write([]byte{HandleValueConfirmationCode}); err != nil {
			c.log.Error("confirm indication:", err)
		}

	default:
		c.muRsp.Lock()
		ch := c.rsp
		c.muRsp.Unlock()
		if ch == nil {
			c.log.Debugf("unsolicited response 0x%02X dropped", b[0])
			return
		}
		select {
		case ch <- b:
		default:
		}
	}
}

// request sends one request and waits for its response.
func (c *Client) request(req []byte, wantRsp byte) ([]byte, error) {
	c.muReq.Lock()
	defer c.muReq.Unlock()

	select {
	case <-c.chDone:
		return nil, c.doneErr()
	default:
	}

	ch := make(chan []byte, 1)
	c.muRsp.Lock()
	c.rsp = ch
	c.muRsp.Unlock()
	defer func() {
		c.muRsp.Lock()
		c.rsp = nil
		c.muRsp.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	select {
	case rsp := <-ch:
		if rsp[0] == ErrorRspCode {
			if len(rsp) < 5 {
				return nil, errors.New("truncated error response")
			}
			return nil, &Error{
				Request: rsp[1],
				Handle:  binary.LittleEndian.Uint16(rsp[2:4]),
				Code:    rsp[4],
			}
		}
		if rsp[0] != wantRsp {
			return nil, errors.Errorf("unexpected response 0x%02X to request 0x%02X", rsp[0], req[0])
		}
		return rsp, nil
	case <-time.After(rspTimeout):
		return nil, errors.Errorf("request 0x%02X timed out", req[0])
	case <-c.chDone:
		return nil, c.doneErr()
	}
}

func (c *Client) doneErr() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return bthost.ErrClosed
}

// ExchangeMTU negotiates the attribute MTU; the effective value is the
// smaller of both sides.
func (c *Client) ExchangeMTU(mtu uint16) (int, error) {
	req := make([]byte, 3)
	req[0] = ExchangeMTUReqCode
	binary.LittleEndian.PutUint16(req[1:3], mtu)

	rsp, err := c.request(req, ExchangeMTURspCode)
	if err != nil {
		return 0, err
	}
	if len(rsp) != 3 {
		return 0, errors.New("malformed exchange MTU response")
	}
	server := int(binary.LittleEndian.Uint16(rsp[1:3]))
	eff := server
	if int(mtu) < eff {
		eff = int(mtu)
	}
	if eff < DefaultMTU {
		eff = DefaultMTU
	}
	c.muMTU.Lock()
	c.mtu = eff
	c.muMTU.Unlock()
	return eff, nil
}

// DiscoverServices enumerates all primary services by paginating Read By
// Group Type requests until the server reports Attribute Not Found.
func (c *Client) DiscoverServices() ([]Service, error) {
	var out []Service
	start := uint16(0x0001)

	for {
		req := make([]byte, 7)
		req[0] = ReadByGroupTypeReqCode
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], 0xFFFF)
		copy(req[5:], TypePrimaryService)

		rsp, err := c.request(req, ReadByGroupTypeRspCode)
		if err != nil {
			if isNotFound(err) {
				return out, nil
			}
			return nil, err
		}
		if len(rsp) < 2 {
			return nil, errors.New("malformed read by group type response")
		}
		entryLen := int(rsp[1])
		if entryLen < 6 || (len(rsp)-2)%entryLen != 0 {
			return nil, errors.New("malformed read by group type response")
		}

		last := uint16(0)
		for b := rsp[2:]; len(b) > 0; b = b[entryLen:] {
			svc := Service{
				StartHandle: binary.LittleEndian.Uint16(b[0:2]),
				EndHandle:   binary.LittleEndian.Uint16(b[2:4]),
				UUID:        append(bthost.UUID(nil), b[4:entryLen]...),
			}
			out = append(out, svc)
			last = svc.EndHandle
		}
		if last == 0xFFFF || last < start {
			return out, nil
		}
		start = last + 1
	}
}

// DiscoverServicesByUUID enumerates the primary services with the given
// type by paginating Find By Type Value requests. Entries come back as
// handle ranges only; the sought type fills in the UUID.
func (c *Client) DiscoverServicesByUUID(u bthost.UUID) ([]Service, error) {
	var out []Service
	start := uint16(0x0001)

	for {
		req := make([]byte, 7+len(u))
		req[0] = FindByTypeValueReqCode
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], 0xFFFF)
		copy(req[5:7], TypePrimaryService)
		copy(req[7:], u)

		rsp, err := c.request(req, FindByTypeValueRspCode)
		if err != nil {
			if isNotFound(err) {
				return out, nil
			}
			return nil, err
		}
		if len(rsp) < 5 || (len(rsp)-1)%4 != 0 {
			return nil, errors.New("malformed find by type value response")
		}

		last := uint16(0)
		for b := rsp[1:]; len(b) > 0; b = b[4:] {
			svc := Service{
				StartHandle: binary.LittleEndian.Uint16(b[0:2]),
				EndHandle:   binary.LittleEndian.Uint16(b[2:4]),
				UUID:        append(bthost.UUID(nil), u...),
			}
			out = append(out, svc)
			last = svc.EndHandle
		}
		if last == 0xFFFF || last < start {
			return out, nil
		}
		start = last + 1
	}
}

// DiscoverCharacteristics enumerates the characteristic declarations of a
// service range with paginated Read By Type requests.
func (c *Client) DiscoverCharacteristics(svc Service) ([]Characteristic, error) {
	var out []Characteristic
	start := svc.StartHandle

	for start <= svc.EndHandle {
		rsp, err := c.readByType(start, svc.EndHandle, TypeCharacteristic)
		if err != nil {
			if isNotFound(err) {
				return out, nil
			}
			return nil, err
		}
		entryLen := int(rsp[1])
		if entryLen < 7 || (len(rsp)-2)%entryLen != 0 {
			return nil, errors.New("malformed characteristic entry")
		}

		last := uint16(0)
		for b := rsp[2:]; len(b) > 0; b = b[entryLen:] {
			ch := Characteristic{
				DeclHandle:  binary.LittleEndian.Uint16(b[0:2]),
				Properties:  b[2],
				ValueHandle: binary.LittleEndian.Uint16(b[3:5]),
				UUID:        append(bthost.UUID(nil), b[5:entryLen]...),
			}
			out = append(out, ch)
			last = ch.DeclHandle
		}
		if last == 0xFFFF || last < start {
			return out, nil
		}
		start = last + 1
	}
	return out, nil
}

func (c *Client) readByType(start, end uint16, typ bthost.UUID) ([]byte, error) {
	req := make([]byte, 5+len(typ))
	req[0] = ReadByTypeReqCode
	binary.LittleEndian.PutUint16(req[1:3], start)
	binary.LittleEndian.PutUint16(req[3:5], end)
	copy(req[5:], typ)
	return c.request(req, ReadByTypeRspCode)
}

// DiscoverDescriptors enumerates handle/type pairs in a range with
// paginated Find Information requests.
func (c *Client) DiscoverDescriptors(start, end uint16) ([]Descriptor, error) {
	var out []Descriptor

	for start <= end {
		req := make([]byte, 5)
		req[0] = FindInformationReqCode
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], end)

		rsp, err := c.request(req, FindInformationRspCode)
		if err != nil {
			if isNotFound(err) {
				return out, nil
			}
			return nil, err
		}
		if len(rsp) < 2 {
			return nil, errors.New("malformed find information response")
		}
		uuidLen := 2
		if rsp[1] == 0x02 {
			uuidLen = 16
		}
		entryLen := 2 + uuidLen
		if (len(rsp)-2)%entryLen != 0 {
			return nil, errors.New("malformed find information response")
		}

		last := uint16(0)
		for b := rsp[2:]; len(b) > 0; b = b[entryLen:] {
			d := Descriptor{
				Handle: binary.LittleEndian.Uint16(b[0:2]),
				UUID:   append(bthost.UUID(nil), b[2:entryLen]...),
			}
			out = append(out, d)
			last = d.Handle
		}
		if last == 0xFFFF || last < start {
			return out, nil
		}
		start = last + 1
	}
	return out, nil
}

// Read reads an attribute value, at most MTU-1 bytes of it.
func (c *Client) Read(handle uint16) ([]byte, error) {
	req := make([]byte, 3)
	req[0] = ReadReqCode
	binary.LittleEndian.PutUint16(req[1:3], handle)

	rsp, err := c.request(req, ReadRspCode)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rsp[1:]...), nil
}

// ReadLong reads an attribute value of any length, following up with Read
// Blob requests while full fragments keep coming.
func (c *Client) ReadLong(handle uint16) ([]byte, error) {
	v, err := c.Read(handle)
	if err != nil {
		return nil, err
	}

	for len(v)%(c.MTU()-1) == 0 && len(v) > 0 {
		req := make([]byte, 5)
		req[0] = ReadBlobReqCode
		binary.LittleEndian.PutUint16(req[1:3], handle)
		binary.LittleEndian.PutUint16(req[3:5], uint16(len(v)))

		rsp, err := c.request(req, ReadBlobRspCode)
		if err != nil {
			if ae, ok := err.(*Error); ok && (ae.Code == ErrInvalidOffset || ae.Code == ErrAttrNotLong) {
				return v, nil
			}
			return nil, err
		}
		if len(rsp) == 1 {
			return v, nil
		}
		v = append(v, rsp[1:]...)
	}
	return v, nil
}

// Write writes an attribute value and waits for the acknowledgement.
func (c *Client) Write(handle uint16, value []byte) error {
	req := make([]byte, 3+len(value))
	req[0] = WriteReqCode
	binary.LittleEndian.PutUint16(req[1:3], handle)
	copy(req[3:], value)

	_, err := c.request(req, WriteRspCode)
	return err
}

// WriteCommand writes without acknowledgement.
func (c *Client) WriteCommand(handle uint16, value []byte) error {
	b := make([]byte, 3+len(value))
	b[0] = WriteCmdCode
	binary.LittleEndian.PutUint16(b[1:3], handle)
	copy(b[3:], value)
	return c.write(b)
}

func isNotFound(err error) bool {
	ae, ok := err.(*Error)
	return ok && ae.Code == ErrAttrNotFound
}
