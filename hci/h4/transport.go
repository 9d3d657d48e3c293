package h4

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// NewSerial opens a UART-attached controller. The returned stream delivers
// raw, arbitrarily fragmented transport bytes; framing is the Decoder's job.
func NewSerial(path string, baud uint) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:              path,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "can't open serial port")
	}
	return sp, nil
}

// NewSocket connects to a controller exposed over TCP (an emulator or a
// remote virtual controller). Reads and writes carry the given deadline.
func NewSocket(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "can't dial h4 socket")
	}
	if timeout <= 0 {
		return c, nil
	}
	return &connWithTimeout{c: c, timeout: timeout}, nil
}

type connWithTimeout struct {
	c       net.Conn
	timeout time.Duration
}

func (cwt *connWithTimeout) Read(b []byte) (int, error) {
	cwt.c.SetReadDeadline(time.Now().Add(cwt.timeout))
	return cwt.c.Read(b)
}

func (cwt *connWithTimeout) Write(b []byte) (int, error) {
	cwt.c.SetWriteDeadline(time.Now().Add(cwt.timeout))
	return cwt.c.Write(b)
}

func (cwt *connWithTimeout) Close() error {
	return cwt.c.Close()
}

// NewPipe returns two connected in-process streams. One side plays the
// host, the other a virtual controller; tests and emulators use this.
func NewPipe() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a2b := newPipeHalf()
	b2a := newPipeHalf()
	return &pipeEnd{r: b2a, w: a2b}, &pipeEnd{r: a2b, w: b2a}
}

type pipeHalf struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	avail  chan struct{}
}

func newPipeHalf() *pipeHalf {
	return &pipeHalf{avail: make(chan struct{}, 1)}
}

func (p *pipeHalf) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	select {
	case p.avail <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (p *pipeHalf) read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			p.mu.Unlock()
			return n, nil
		}
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		p.mu.Unlock()

		if _, ok := <-p.avail; !ok {
			// drain whatever arrived before close
			continue
		}
	}
}

func (p *pipeHalf) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.avail)
	}
	p.mu.Unlock()
}

type pipeEnd struct {
	r, w *pipeHalf
}

func (e *pipeEnd) Read(b []byte) (int, error)  { return e.r.read(b) }
func (e *pipeEnd) Write(b []byte) (int, error) { return e.w.write(b) }

func (e *pipeEnd) Close() error {
	e.r.close()
	e.w.close()
	return nil
}
