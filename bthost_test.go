package bthost

import (
	"bytes"
	"testing"
)

func TestAddrFromWireBytes(t *testing.T) {
	// little-endian on the wire, most significant octet first in text
	a := AddrFromBytes([]byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11})
	if a.String() != "11:22:33:44:55:66" {
		t.Fatalf("addr = %s", a)
	}
	if !bytes.Equal(a.Bytes(), []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}) {
		t.Fatalf("bytes = %x", a.Bytes())
	}
}

func TestAddrStringNormalized(t *testing.T) {
	if NewAddr("AA:BB:CC:DD:EE:FF").String() != "aa:bb:cc:dd:ee:ff" {
		t.Fatal("address not normalized to lower case")
	}
}

func TestUUID16Equality(t *testing.T) {
	short := UUID16(0x180D)
	long := MustParseUUID("0000180d-0000-1000-8000-00805f9b34fb")
	if len(long) != 2 {
		t.Fatalf("base-range UUID not shortened, len %d", len(long))
	}
	if !short.Equal(long) {
		t.Fatal("short and parsed forms differ")
	}

	full := MustParseUUID("f000aa00-0451-4000-b000-000000000000")
	if len(full) != 16 {
		t.Fatalf("vendor UUID length %d", len(full))
	}
	if short.Equal(full) {
		t.Fatal("unrelated UUIDs compare equal")
	}
	// 16-bit shorthand expands for mixed-length comparison
	if !short.expand().Equal(short) {
		t.Fatal("expanded form does not match its shorthand")
	}
}

func TestUUIDString(t *testing.T) {
	if s := UUID16(0x2A19).String(); s != "2a19" {
		t.Fatalf("short form = %s", s)
	}
	long := MustParseUUID("f000aa00-0451-4000-b000-000000000000")
	if s := long.String(); s != "f000aa00-0451-4000-b000-000000000000" {
		t.Fatalf("long form = %s", s)
	}
}

func TestEventBusRouting(t *testing.T) {
	bus := NewEventBus()

	var got []Event
	bus.Subscribe(EvtChannelOpened, 0x0040, func(e Event) { got = append(got, e) })
	bus.Subscribe(EvtChannelOpened, AllConnections, func(e Event) { got = append(got, e) })

	bus.Publish(Event{Kind: EvtChannelOpened, ConnHandle: 0x0040, ChannelCID: 0x0041})
	if len(got) != 2 {
		t.Fatalf("handlers fired = %d, want 2", len(got))
	}

	// other connections only reach the wildcard subscriber
	got = nil
	bus.Publish(Event{Kind: EvtChannelOpened, ConnHandle: 0x0041})
	if len(got) != 1 {
		t.Fatalf("handlers fired = %d, want 1", len(got))
	}

	// other kinds reach nobody
	got = nil
	bus.Publish(Event{Kind: EvtChannelClosed, ConnHandle: 0x0040})
	if len(got) != 0 {
		t.Fatal("unexpected delivery")
	}

	bus.Unsubscribe(EvtChannelOpened, AllConnections)
	got = nil
	bus.Publish(Event{Kind: EvtChannelOpened, ConnHandle: 0x0041})
	if len(got) != 0 {
		t.Fatal("delivery after unsubscribe")
	}
}
