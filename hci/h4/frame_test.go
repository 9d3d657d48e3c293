package h4

import (
	"bytes"
	"testing"

	"github.com/corelink/bthost"
)

func evtFrame(code byte, params []byte) []byte {
	b := []byte{code, byte(len(params))}
	return Encode(PktTypeEvent, append(b, params...))
}

func aclFrame(handle uint16, payload []byte) []byte {
	b := []byte{byte(handle), byte(handle >> 8), byte(len(payload)), byte(len(payload) >> 8)}
	return Encode(PktTypeACLData, append(b, payload...))
}

func cmdFrame(opcode uint16, params []byte) []byte {
	b := []byte{byte(opcode), byte(opcode >> 8), byte(len(params))}
	return Encode(PktTypeCommand, append(b, params...))
}

func TestDecodeRoundTrip(t *testing.T) {
	frames := [][]byte{
		evtFrame(0x0E, []byte{1, 0x03, 0x0C, 0x00}),
		aclFrame(0x0040, []byte{5, 0, 4, 0, 1, 2, 3, 4, 5}),
		cmdFrame(0x0C03, nil),
		evtFrame(0x3E, []byte{0x01, 0x00}),
	}

	d := NewDecoder(0)
	for _, f := range frames {
		if err := d.Write(f); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range frames {
		got := d.Next()
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %x want %x", i, got, want)
		}
	}
	if d.Next() != nil {
		t.Fatal("unexpected extra frame")
	}
}

func TestDecodeByteWise(t *testing.T) {
	frames := [][]byte{
		aclFrame(0x0001, bytes.Repeat([]byte{0xAB}, 300)),
		evtFrame(0x05, []byte{0x00, 0x40, 0x00, 0x13}),
	}

	d := NewDecoder(0)
	for _, f := range frames {
		for _, c := range f {
			if err := d.Write([]byte{c}); err != nil {
				t.Fatal(err)
			}
		}
	}

	for i, want := range frames {
		if got := d.Next(); !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestDecodeSplitAcrossChunks(t *testing.T) {
	one := aclFrame(0x0002, bytes.Repeat([]byte{1}, 50))
	two := evtFrame(0x13, []byte{1, 2, 0, 1, 0})
	stream := append(append([]byte{}, one...), two...)

	// split in the middle of the second frame's header
	cut := len(one) + 2
	d := NewDecoder(0)
	if err := d.Write(stream[:cut]); err != nil {
		t.Fatal(err)
	}
	if err := d.Write(stream[cut:]); err != nil {
		t.Fatal(err)
	}

	if got := d.Next(); !bytes.Equal(got, one) {
		t.Fatalf("first frame mismatch: %x", got)
	}
	if got := d.Next(); !bytes.Equal(got, two) {
		t.Fatalf("second frame mismatch: %x", got)
	}
}

func TestDecodeOversizedFrame(t *testing.T) {
	d := NewDecoder(64)

	big := aclFrame(0x0003, bytes.Repeat([]byte{7}, 100))
	err := d.Write(big)
	if err == nil {
		t.Fatal("expected framing error")
	}
	if _, ok := err.(*bthost.FramingError); !ok {
		t.Fatalf("want FramingError, got %T", err)
	}
	if d.Next() != nil {
		t.Fatal("oversized frame must be dropped")
	}

	// decoding resumes at the next frame boundary
	ok := evtFrame(0x0E, []byte{1, 0, 0, 0})
	if err := d.Write(ok); err != nil {
		t.Fatal(err)
	}
	if got := d.Next(); !bytes.Equal(got, ok) {
		t.Fatalf("decoder did not recover: %x", got)
	}
}

func TestDecodeResync(t *testing.T) {
	d := NewDecoder(0)

	// leading garbage with no valid type byte
	if err := d.Write([]byte{0x00, 0x99, 0x77}); err == nil {
		t.Fatal("expected framing error on garbage")
	}

	want := evtFrame(0x0F, []byte{0x00, 0x01, 0x03, 0x0C})
	if err := d.Write(want); err != nil {
		t.Fatal(err)
	}
	if got := d.Next(); !bytes.Equal(got, want) {
		t.Fatalf("resync failed: %x", got)
	}
}
