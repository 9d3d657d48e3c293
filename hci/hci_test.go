package hci

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/corelink/bthost"
	"github.com/corelink/bthost/hci/evt"
	"github.com/corelink/bthost/hci/h4"
)

// ctrl is a scripted virtual controller on the far end of a pipe
// transport.
type ctrl struct {
	t   *testing.T
	skt io.ReadWriteCloser
	rx  chan []byte
}

func newCtrl(t *testing.T, skt io.ReadWriteCloser) *ctrl {
	c := &ctrl{t: t, skt: skt, rx: make(chan []byte, 32)}
	go c.readLoop()
	return c
}

func (c *ctrl) readLoop() {
	dec := h4.NewDecoder(0)
	b := make([]byte, 4096)
	for {
		n, err := c.skt.Read(b)
		if err != nil {
			close(c.rx)
			return
		}
		dec.Write(b[:n])
		for f := dec.Next(); f != nil; f = dec.Next() {
			c.rx <- f
		}
	}
}

func (c *ctrl) nextFrame(timeout time.Duration) []byte {
	select {
	case f := <-c.rx:
		return f
	case <-time.After(timeout):
		return nil
	}
}

func (c *ctrl) nextCmd(timeout time.Duration) (uint16, []byte) {
	f := c.nextFrame(timeout)
	if f == nil {
		c.t.Fatal("expected a command frame, got none")
	}
	if f[0] != h4.PktTypeCommand {
		c.t.Fatalf("expected a command frame, got type 0x%02X", f[0])
	}
	return binary.LittleEndian.Uint16(f[1:3]), f[4:]
}

func (c *ctrl) sendEvt(code byte, params []byte) {
	b := append([]byte{code, byte(len(params))}, params...)
	c.skt.Write(h4.Encode(h4.PktTypeEvent, b))
}

func (c *ctrl) complete(opcode uint16, rp []byte) {
	params := []byte{1, byte(opcode), byte(opcode >> 8)}
	c.sendEvt(evt.CommandCompleteCode, append(params, rp...))
}

func (c *ctrl) sendACL(handle uint16, pbf int, data []byte) {
	b := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(b[0:2], handle&0x0FFF|uint16(pbf)<<12)
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(data)))
	copy(b[4:], data)
	c.skt.Write(h4.Encode(h4.PktTypeACLData, b))
}

// serveInit answers the bring-up command sequence. Buffer geometry: three
// 27-byte LE buffers.
func (c *ctrl) serveInit() {
	for {
		op, _ := c.nextCmd(time.Second)
		switch op {
		case 0x1009: // Read BD_ADDR
			c.complete(op, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
		case 0x1005: // Read Buffer Size
			c.complete(op, []byte{0x00, 0x20, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00})
		case 0x2002: // LE Read Buffer Size
			c.complete(op, []byte{0x00, 0x1B, 0x00, 0x03})
		default:
			c.complete(op, []byte{0x00})
		}
		if op == 0x0C6D { // Write LE Host Support ends bring-up
			return
		}
	}
}

func (c *ctrl) connect(handle uint16) {
	params := []byte{
		evt.LEConnectionCompleteSubCode,
		0x00, // status
		byte(handle), byte(handle >> 8),
		RoleSlave,
		0x00,                               // peer address type
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, // peer address
		0x28, 0x00, // interval
		0x00, 0x00, // latency
		0xC8, 0x00, // supervision timeout
		0x00, // master clock accuracy
	}
	c.sendEvt(evt.LEMetaCode, params)
}

func (c *ctrl) disconnect(handle uint16, reason byte) {
	c.sendEvt(evt.DisconnectionCompleteCode, []byte{
		0x00, byte(handle), byte(handle >> 8), reason,
	})
}

func (c *ctrl) ltkRequest(handle uint16, rand uint64, ediv uint16) {
	params := make([]byte, 13)
	params[0] = evt.LELongTermKeyRequestSubCode
	binary.LittleEndian.PutUint16(params[1:3], handle)
	binary.LittleEndian.PutUint64(params[3:11], rand)
	binary.LittleEndian.PutUint16(params[11:13], ediv)
	c.sendEvt(evt.LEMetaCode, params)
}

func (c *ctrl) completedPackets(handle uint16, n uint16) {
	c.sendEvt(evt.NumberOfCompletedPacketsCode, []byte{
		0x01, byte(handle), byte(handle >> 8), byte(n), byte(n >> 8),
	})
}

func newTestHCI(t *testing.T, opts ...Option) (*HCI, *ctrl) {
	host, peer := h4.NewPipe()
	c := newCtrl(t, peer)
	go c.serveInit()

	h := NewHCI(host, opts...)
	if err := h.Init(); err != nil {
		t.Fatal("init:", err)
	}
	return h, c
}

type vendorCmd struct {
	opcode int
}

func (c *vendorCmd) OpCode() int            { return c.opcode }
func (c *vendorCmd) Len() int               { return 0 }
func (c *vendorCmd) Marshal(b []byte) error { return nil }

func TestCommandsIssueOneAtATime(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	errA := make(chan error, 1)
	errB := make(chan error, 1)

	go func() { errA <- h.Send(&vendorCmd{opcode: 0xFC01}, nil) }()

	op, _ := c.nextCmd(time.Second)
	if op != 0xFC01 {
		t.Fatalf("expected opcode FC01, got %04X", op)
	}

	// queue a second command while the first is unanswered
	go func() { errB <- h.Send(&vendorCmd{opcode: 0xFC02}, nil) }()

	if f := c.nextFrame(100 * time.Millisecond); f != nil {
		t.Fatalf("second command transmitted before first completed: % X", f)
	}

	c.complete(0xFC01, []byte{0x00})
	if err := <-errA; err != nil {
		t.Fatal("first command:", err)
	}

	op, _ = c.nextCmd(time.Second)
	if op != 0xFC02 {
		t.Fatalf("expected opcode FC02, got %04X", op)
	}
	c.complete(0xFC02, []byte{0x00})
	if err := <-errB; err != nil {
		t.Fatal("second command:", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	h, c := newTestHCI(t, WithCommandTimeout(50*time.Millisecond))
	defer h.Close()

	err := h.Send(&vendorCmd{opcode: 0xFC01}, nil)
	if errorsCause(err) != bthost.ErrCommandTimeout {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	_ = c
}

func TestCommandErrorStatus(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	done := make(chan error, 1)
	go func() { done <- h.Send(&vendorCmd{opcode: 0xFC01}, nil) }()

	c.nextCmd(time.Second)
	c.complete(0xFC01, []byte{0x0C})

	err := <-done
	if _, ok := err.(ErrCommand); !ok {
		t.Fatalf("expected ErrCommand, got %v", err)
	}
	if err.(ErrCommand) != 0x0C {
		t.Fatalf("expected status 0x0C, got %v", err)
	}
}

func TestLinkLossFailsPendingCommand(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	done := make(chan error, 1)
	go func() { done <- h.Send(&vendorCmd{opcode: 0xFC01}, nil) }()

	c.nextCmd(time.Second)
	c.skt.Close()

	select {
	case err := <-done:
		if errorsCause(err) != bthost.ErrLinkLost {
			t.Fatalf("expected ErrLinkLost, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending command never failed after transport loss")
	}

	// subsequent sends fail immediately
	if err := h.Send(&vendorCmd{opcode: 0xFC02}, nil); errorsCause(err) != bthost.ErrLinkLost {
		t.Fatalf("expected ErrLinkLost on dead link, got %v", err)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	c.connect(0x0040)

	var conn *Conn
	select {
	case conn = <-h.Accept():
	case <-time.After(time.Second):
		t.Fatal("no connection delivered")
	}
	if conn.Handle() != 0x0040 {
		t.Fatalf("handle = %04X", conn.Handle())
	}
	if got := conn.RemoteAddr().String(); got != "66:55:44:33:22:11" {
		t.Fatalf("peer address = %s", got)
	}

	c.disconnect(0x0040, 0x13)

	select {
	case <-conn.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("disconnection not observed")
	}
	if conn.DisconnectReason() != 0x13 {
		t.Fatalf("reason = %02X", conn.DisconnectReason())
	}
	if _, ok := h.Connection(0x0040); ok {
		t.Fatal("connection still registered after disconnect")
	}
}

func TestRecombineFragmentedPDU(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	c.connect(0x0040)
	conn := <-h.Accept()

	payload := bytes.Repeat([]byte{0xA5}, 40)
	pdu := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(pdu[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(pdu[2:4], 0x0004)
	copy(pdu[4:], payload)

	c.sendACL(0x0040, pbfControllerToHostStart, pdu[:10])
	c.sendACL(0x0040, pbfContinuing, pdu[10:27])
	c.sendACL(0x0040, pbfContinuing, pdu[27:])

	select {
	case got := <-conn.ReadPDU():
		if !bytes.Equal(got, pdu) {
			t.Fatalf("recombined PDU mismatch:\n got % X\nwant % X", got, pdu)
		}
	case <-time.After(time.Second):
		t.Fatal("no PDU recombined")
	}
}

func TestWritePDUFlowControl(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	c.connect(0x0040)
	conn := <-h.Accept()

	// 64-byte PDU against 27-byte buffers: three fragments, consuming
	// all three controller buffers
	pdu := make([]byte, 64)
	binary.LittleEndian.PutUint16(pdu[0:2], 60)
	binary.LittleEndian.PutUint16(pdu[2:4], 0x0040)
	for i := 4; i < len(pdu); i++ {
		pdu[i] = byte(i)
	}

	if _, err := conn.WritePDU(pdu); err != nil {
		t.Fatal("write:", err)
	}

	var got []byte
	sizes := []int{27, 27, 10}
	for i, want := range sizes {
		f := c.nextFrame(time.Second)
		if f == nil {
			t.Fatalf("fragment %d missing", i)
		}
		a := aclPacket(f[1:])
		if len(a.data()) != want {
			t.Fatalf("fragment %d length = %d, want %d", i, len(a.data()), want)
		}
		wantPbf := pbfContinuing
		if i == 0 {
			wantPbf = pbfHostToControllerStart
		}
		if a.pbf() != wantPbf {
			t.Fatalf("fragment %d pbf = %d, want %d", i, a.pbf(), wantPbf)
		}
		got = append(got, a.data()...)
	}
	if !bytes.Equal(got, pdu) {
		t.Fatal("fragments do not reassemble to the original PDU")
	}

	// all buffers in use now; the next write must stall
	small := make([]byte, 12)
	binary.LittleEndian.PutUint16(small[0:2], 8)
	binary.LittleEndian.PutUint16(small[2:4], 0x0040)

	wrote := make(chan error, 1)
	go func() {
		_, err := conn.WritePDU(small)
		wrote <- err
	}()

	if f := c.nextFrame(100 * time.Millisecond); f != nil {
		t.Fatalf("write proceeded with exhausted controller buffers: % X", f)
	}

	c.completedPackets(0x0040, 2)

	if f := c.nextFrame(time.Second); f == nil {
		t.Fatal("write did not resume after buffers freed")
	}
	if err := <-wrote; err != nil {
		t.Fatal("stalled write:", err)
	}
}

func TestLongTermKeyReplyDoesNotStallEvents(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	c.connect(0x0040)
	conn := <-h.Accept()

	key := bytes.Repeat([]byte{0x5A}, 16)
	conn.SetLTKRequestFunc(func(rand uint64, ediv uint16) []byte {
		if rand != 0x1122334455667788 || ediv != 0x9ABC {
			t.Errorf("ltk lookup got rand %016X ediv %04X", rand, ediv)
		}
		return key
	})

	// a disconnection right behind the key request must be processed
	// while the reply is still waiting for its completion event
	c.ltkRequest(0x0040, 0x1122334455667788, 0x9ABC)
	c.disconnect(0x0040, 0x13)

	select {
	case <-conn.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("disconnection held up behind the pending key reply")
	}

	op, params := c.nextCmd(time.Second)
	if op != 0x201A {
		t.Fatalf("expected key reply 0x201A, got %04X", op)
	}
	if got := binary.LittleEndian.Uint16(params[0:2]); got != 0x0040 {
		t.Fatalf("key reply handle = %04X", got)
	}
	if !bytes.Equal(params[2:18], key) {
		t.Fatalf("key reply carries % X, want % X", params[2:18], key)
	}
	c.complete(op, []byte{0x00, 0x40, 0x00})
}

func TestLongTermKeyRequestWithoutKey(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	c.connect(0x0040)
	<-h.Accept()

	c.ltkRequest(0x0040, 0, 0)

	op, params := c.nextCmd(time.Second)
	if op != 0x201B {
		t.Fatalf("expected negative reply 0x201B, got %04X", op)
	}
	if got := binary.LittleEndian.Uint16(params[0:2]); got != 0x0040 {
		t.Fatalf("negative reply handle = %04X", got)
	}
	c.complete(op, []byte{0x00, 0x40, 0x00})
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	h, c := newTestHCI(t)
	defer h.Close()

	c.connect(0x0040)
	conn := <-h.Accept()

	build := func(fill byte) []byte {
		pdu := make([]byte, 64)
		binary.LittleEndian.PutUint16(pdu[0:2], 60)
		binary.LittleEndian.PutUint16(pdu[2:4], 0x0040)
		for i := 4; i < len(pdu); i++ {
			pdu[i] = fill
		}
		return pdu
	}
	pduA, pduB := build(0xAA), build(0xBB)

	wrote := make(chan error, 2)
	go func() { _, err := conn.WritePDU(pduA); wrote <- err }()
	go func() { _, err := conn.WritePDU(pduB); wrote <- err }()

	// three 27-byte buffers against two 3-fragment PDUs; returning one
	// token per received frame keeps both writers contending
	frames := make([]aclPacket, 0, 6)
	for i := 0; i < 6; i++ {
		f := c.nextFrame(time.Second)
		if f == nil {
			t.Fatalf("fragment %d missing", i)
		}
		frames = append(frames, aclPacket(f[1:]))
		c.completedPackets(0x0040, 1)
	}
	for i := 0; i < 2; i++ {
		if err := <-wrote; err != nil {
			t.Fatal("write:", err)
		}
	}

	var cur []byte
	remain := 0
	for i, a := range frames {
		if remain == 0 {
			if a.pbf() != pbfHostToControllerStart {
				t.Fatalf("fragment %d: continuation without a start", i)
			}
			d := a.data()
			cur = append([]byte(nil), d...)
			remain = 4 + int(binary.LittleEndian.Uint16(d[0:2])) - len(d)
			continue
		}
		if a.pbf() != pbfContinuing {
			t.Fatalf("fragment %d: new PDU started mid-transfer", i)
		}
		cur = append(cur, a.data()...)
		remain -= len(a.data())
		if remain == 0 {
			want := pduA
			if cur[4] == 0xBB {
				want = pduB
			}
			if !bytes.Equal(cur, want) {
				t.Fatalf("reassembled PDU corrupted:\n got % X\nwant % X", cur, want)
			}
		}
	}
}

// errorsCause unwinds pkg/errors wrapping.
func errorsCause(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return err
}
