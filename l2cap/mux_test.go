package l2cap

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/corelink/bthost"
)

// pipeConn is an in-process ACL connection; PDUs written on one end
// arrive on the other.
type pipeConn struct {
	in   chan []byte
	peer *pipeConn
	sec  bthost.SecurityLevel

	once sync.Once
	done chan struct{}
}

func newConnPair() (*pipeConn, *pipeConn) {
	a := &pipeConn{in: make(chan []byte, 32), done: make(chan struct{})}
	b := &pipeConn{in: make(chan []byte, 32), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) ReadPDU() <-chan []byte { return p.in }

func (p *pipeConn) WritePDU(pdu []byte) (int, error) {
	out := append([]byte(nil), pdu...)
	select {
	case p.peer.in <- out:
		return len(pdu), nil
	case <-p.done:
		return 0, bthost.ErrLinkLost
	case <-p.peer.done:
		return 0, bthost.ErrLinkLost
	}
}

func (p *pipeConn) Disconnected() <-chan struct{} { return p.done }

func (p *pipeConn) SecurityLevel() bthost.SecurityLevel { return p.sec }

func (p *pipeConn) close() {
	p.once.Do(func() { close(p.done) })
	p.peer.once.Do(func() { close(p.peer.done) })
}

func muxPair(t *testing.T, aCfg, bCfg CoCConfig) (*Mux, *Mux, *pipeConn) {
	t.Helper()
	ca, cb := newConnPair()
	a := NewMux(ca, WithCoCConfig(aCfg))
	b := NewMux(cb, WithCoCConfig(bCfg))
	t.Cleanup(ca.close)
	return a, b, ca
}

func cfg(mtu, mps, credits uint16) CoCConfig {
	return CoCConfig{MTU: mtu, MPS: mps, InitialCredits: credits, SigTimeout: time.Second}
}

func acceptOne(t *testing.T, s *Server) *Channel {
	t.Helper()
	select {
	case c := <-s.Accept():
		return c
	case <-time.After(time.Second):
		t.Fatal("no inbound channel accepted")
		return nil
	}
}

func recvOne(t *testing.T, c *Channel) []byte {
	t.Helper()
	select {
	case sdu, ok := <-c.Receive():
		if !ok {
			t.Fatal("receive channel closed")
		}
		return sdu
	case <-time.After(time.Second):
		t.Fatal("no SDU received")
		return nil
	}
}

func TestChannelOpenRefusedUnknownPSM(t *testing.T) {
	a, _, _ := muxPair(t, cfg(100, 23, 4), cfg(100, 23, 4))

	if _, err := a.Connect(0x0080); err == nil {
		t.Fatal("expected refusal for unregistered PSM")
	}
}

func TestSegmentationRoundTrip(t *testing.T) {
	a, b, _ := muxPair(t, cfg(200, 23, 10), cfg(200, 23, 10))

	srv, err := b.Serve(0x0080, bthost.SecurityNone)
	if err != nil {
		t.Fatal(err)
	}

	ach, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal("connect:", err)
	}
	bch := acceptOne(t, srv)

	if ach.State() != StateOpen || bch.State() != StateOpen {
		t.Fatalf("states = %s/%s, want open/open", ach.State(), bch.State())
	}
	if ach.RemoteCID() != bch.LocalCID() || bch.RemoteCID() != ach.LocalCID() {
		t.Fatal("endpoint identifiers do not cross-match")
	}

	// spans multiple K-frames in both directions
	sdu := make([]byte, 150)
	for i := range sdu {
		sdu[i] = byte(i)
	}
	if err := ach.Send(sdu); err != nil {
		t.Fatal("send:", err)
	}
	if got := recvOne(t, bch); !bytes.Equal(got, sdu) {
		t.Fatal("reassembled SDU does not match")
	}

	if err := bch.Send(sdu[:60]); err != nil {
		t.Fatal("reverse send:", err)
	}
	if got := recvOne(t, ach); !bytes.Equal(got, sdu[:60]) {
		t.Fatal("reverse SDU does not match")
	}
}

func TestSendOversizedSDUKeepsChannelUsable(t *testing.T) {
	a, b, _ := muxPair(t, cfg(100, 23, 10), cfg(50, 23, 10))

	srv, _ := b.Serve(0x0080, bthost.SecurityNone)
	ach, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal(err)
	}
	bch := acceptOne(t, srv)

	// peer accepts at most 50 bytes
	err = ach.Send(make([]byte, 51))
	ptl, ok := err.(*bthost.PayloadTooLargeError)
	if !ok {
		t.Fatalf("expected PayloadTooLargeError, got %v", err)
	}
	if ptl.Declared != 51 || ptl.Max != 50 {
		t.Fatalf("declared/max = %d/%d", ptl.Declared, ptl.Max)
	}

	if err := ach.Send([]byte("still works")); err != nil {
		t.Fatal("channel unusable after refused SDU:", err)
	}
	if got := recvOne(t, bch); string(got) != "still works" {
		t.Fatalf("got %q", got)
	}
}

func TestCreditExhaustionBackpressure(t *testing.T) {
	// the responder grants only two initial credits
	a, b, _ := muxPair(t, cfg(200, 23, 10), cfg(200, 23, 2))

	srv, _ := b.Serve(0x0080, bthost.SecurityNone)
	ach, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal(err)
	}
	bch := acceptOne(t, srv)

	// 60 bytes over 23-byte frames: 21+23+16, needing three credits
	sdu := make([]byte, 60)
	sent := make(chan error, 1)
	go func() { sent <- ach.Send(sdu) }()

	select {
	case err := <-sent:
		t.Fatalf("send completed with exhausted credits: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	b.sendFlowControlCredit(bch.LocalCID(), 1)

	select {
	case err := <-sent:
		if err != nil {
			t.Fatal("send:", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not resume after credit grant")
	}
	if got := recvOne(t, bch); !bytes.Equal(got, sdu) {
		t.Fatal("SDU corrupted across backpressure")
	}

	// delivery replenished the consumed credits one for one, so the
	// next SDU flows without a manual grant
	if err := ach.Send(sdu); err != nil {
		t.Fatal("second send:", err)
	}
	if got := recvOne(t, bch); !bytes.Equal(got, sdu) {
		t.Fatal("second SDU corrupted")
	}
}

func TestReceiveOversizedSDUClosesChannelOnly(t *testing.T) {
	a, b, _ := muxPair(t, cfg(200, 23, 10), cfg(50, 23, 10))

	srv, _ := b.Serve(0x0080, bthost.SecurityNone)
	ach, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal(err)
	}
	bch := acceptOne(t, srv)
	firstCID := ach.LocalCID()

	// a K-frame declaring an SDU beyond the responder's MTU, sent
	// around the size check
	frame := []byte{0xE8, 0x03, 0xAA, 0xBB} // declares 1000 bytes
	if err := a.writeCID(ach.RemoteCID(), frame); err != nil {
		t.Fatal(err)
	}

	select {
	case <-bch.Done():
	case <-time.After(time.Second):
		t.Fatal("responder channel not closed after oversized SDU")
	}
	if _, ok := bch.Err().(*bthost.PayloadTooLargeError); !ok {
		t.Fatalf("expected PayloadTooLargeError cause, got %v", bch.Err())
	}

	// the disconnect handshake reaches the initiator too
	select {
	case <-ach.Done():
	case <-time.After(time.Second):
		t.Fatal("initiator channel not closed")
	}

	// the connection survives and the identifier is reusable
	ach2, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal("reopen after violation:", err)
	}
	if ach2.LocalCID() != firstCID {
		t.Fatalf("identifier not reused: %04X vs %04X", ach2.LocalCID(), firstCID)
	}
	bch2 := acceptOne(t, srv)
	if err := ach2.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := recvOne(t, bch2); string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestDisconnectHandshake(t *testing.T) {
	a, b, _ := muxPair(t, cfg(100, 23, 4), cfg(100, 23, 4))

	srv, _ := b.Serve(0x0080, bthost.SecurityNone)
	ach, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal(err)
	}
	bch := acceptOne(t, srv)

	if err := ach.Close(); err != nil {
		t.Fatal("close:", err)
	}

	select {
	case <-bch.Done():
	case <-time.After(time.Second):
		t.Fatal("peer did not observe disconnect")
	}
	if ach.State() != StateClosed || bch.State() != StateClosed {
		t.Fatalf("states after close: %s/%s", ach.State(), bch.State())
	}
	if bch.Err() != nil {
		t.Fatalf("orderly close carries cause %v", bch.Err())
	}
}

func TestConnectionLossClosesChannels(t *testing.T) {
	a, b, ca := muxPair(t, cfg(100, 23, 4), cfg(100, 23, 4))

	var mu sync.Mutex
	var closedCIDs []uint16
	a.SetChannelHandlers(nil, func(c *Channel, err error) {
		mu.Lock()
		closedCIDs = append(closedCIDs, c.LocalCID())
		mu.Unlock()
	})

	srv, _ := b.Serve(0x0080, bthost.SecurityNone)
	ach1, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal(err)
	}
	acceptOne(t, srv)
	ach2, err := a.Connect(0x0080)
	if err != nil {
		t.Fatal(err)
	}
	acceptOne(t, srv)

	ca.close()

	for _, ch := range []*Channel{ach1, ach2} {
		select {
		case <-ch.Done():
		case <-time.After(time.Second):
			t.Fatal("channel not closed on connection loss")
		}
		if ch.Err() != bthost.ErrLinkLost {
			t.Fatalf("cause = %v, want ErrLinkLost", ch.Err())
		}
	}

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("mux did not tear down")
	}

	mu.Lock()
	n := len(closedCIDs)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("channel closed notifications = %d, want 2", n)
	}
}
