// Package cmd defines the HCI commands the host issues to the controller.
// Each command knows its opcode, its marshaled parameter length and how to
// serialize itself; response structures unmarshal return parameters.
package cmd

import (
	"bytes"
	"encoding/binary"
)

func marshal(v interface{}, b []byte) error {
	buf := bytes.NewBuffer(b[:0])
	return binary.Write(buf, binary.LittleEndian, v)
}

func unmarshal(v interface{}, b []byte) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// Reset implements Reset (0x0C03).
type Reset struct{}

func (c *Reset) OpCode() int            { return 0x0C03 }
func (c *Reset) Len() int               { return 0 }
func (c *Reset) Marshal(b []byte) error { return nil }

// ReadBDADDR implements Read BD_ADDR (0x1009).
type ReadBDADDR struct{}

func (c *ReadBDADDR) OpCode() int            { return 0x1009 }
func (c *ReadBDADDR) Len() int               { return 0 }
func (c *ReadBDADDR) Marshal(b []byte) error { return nil }

// ReadBDADDRRP returns the controller's public address.
type ReadBDADDRRP struct {
	Status uint8
	BDADDR [6]byte
}

func (c *ReadBDADDRRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// ReadBufferSize implements Read Buffer Size (0x1005).
type ReadBufferSize struct{}

func (c *ReadBufferSize) OpCode() int            { return 0x1005 }
func (c *ReadBufferSize) Len() int               { return 0 }
func (c *ReadBufferSize) Marshal(b []byte) error { return nil }

// ReadBufferSizeRP ...
type ReadBufferSizeRP struct {
	Status                   uint8
	HCACLDataPacketLength    uint16
	HCSCODataPacketLength    uint8
	HCTotalNumACLDataPackets uint16
	HCTotalNumSCODataPackets uint16
}

func (c *ReadBufferSizeRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LEReadBufferSize implements LE Read Buffer Size (0x2002).
type LEReadBufferSize struct{}

func (c *LEReadBufferSize) OpCode() int            { return 0x2002 }
func (c *LEReadBufferSize) Len() int               { return 0 }
func (c *LEReadBufferSize) Marshal(b []byte) error { return nil }

// LEReadBufferSizeRP ...
type LEReadBufferSizeRP struct {
	Status                  uint8
	HCLEDataPacketLength    uint16
	HCTotalNumLEDataPackets uint8
}

func (c *LEReadBufferSizeRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// SetEventMask implements Set Event Mask (0x0C01).
type SetEventMask struct {
	EventMask uint64
}

func (c *SetEventMask) OpCode() int            { return 0x0C01 }
func (c *SetEventMask) Len() int               { return 8 }
func (c *SetEventMask) Marshal(b []byte) error { return marshal(*c, b) }

// SetEventMaskRP ...
type SetEventMaskRP struct {
	Status uint8
}

func (c *SetEventMaskRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LESetEventMask implements LE Set Event Mask (0x2001).
type LESetEventMask struct {
	LEEventMask uint64
}

func (c *LESetEventMask) OpCode() int            { return 0x2001 }
func (c *LESetEventMask) Len() int               { return 8 }
func (c *LESetEventMask) Marshal(b []byte) error { return marshal(*c, b) }

// LESetEventMaskRP ...
type LESetEventMaskRP struct {
	Status uint8
}

func (c *LESetEventMaskRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// WriteLEHostSupport implements Write LE Host Support (0x0C6D).
type WriteLEHostSupport struct {
	LESupportedHost    uint8
	SimultaneousLEHost uint8
}

func (c *WriteLEHostSupport) OpCode() int            { return 0x0C6D }
func (c *WriteLEHostSupport) Len() int               { return 2 }
func (c *WriteLEHostSupport) Marshal(b []byte) error { return marshal(*c, b) }

// WriteLEHostSupportRP ...
type WriteLEHostSupportRP struct {
	Status uint8
}

func (c *WriteLEHostSupportRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// Disconnect implements Disconnect (0x0406). Completion is reported by the
// Disconnection Complete event, not by Command Complete.
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c *Disconnect) OpCode() int            { return 0x0406 }
func (c *Disconnect) Len() int               { return 3 }
func (c *Disconnect) Marshal(b []byte) error { return marshal(*c, b) }

// LEStartEncryption implements LE Start Encryption (0x2019).
type LEStartEncryption struct {
	ConnectionHandle     uint16
	RandomNumber         uint64
	EncryptedDiversifier uint16
	LongTermKey          [16]byte
}

func (c *LEStartEncryption) OpCode() int            { return 0x2019 }
func (c *LEStartEncryption) Len() int               { return 28 }
func (c *LEStartEncryption) Marshal(b []byte) error { return marshal(*c, b) }

// LELongTermKeyRequestReply implements LE Long Term Key Request Reply (0x201A).
type LELongTermKeyRequestReply struct {
	ConnectionHandle uint16
	LongTermKey      [16]byte
}

func (c *LELongTermKeyRequestReply) OpCode() int            { return 0x201A }
func (c *LELongTermKeyRequestReply) Len() int               { return 18 }
func (c *LELongTermKeyRequestReply) Marshal(b []byte) error { return marshal(*c, b) }

// LELongTermKeyRequestReplyRP ...
type LELongTermKeyRequestReplyRP struct {
	Status           uint8
	ConnectionHandle uint16
}

func (c *LELongTermKeyRequestReplyRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LELongTermKeyRequestNegativeReply implements LE Long Term Key Request
// Negative Reply (0x201B).
type LELongTermKeyRequestNegativeReply struct {
	ConnectionHandle uint16
}

func (c *LELongTermKeyRequestNegativeReply) OpCode() int            { return 0x201B }
func (c *LELongTermKeyRequestNegativeReply) Len() int               { return 2 }
func (c *LELongTermKeyRequestNegativeReply) Marshal(b []byte) error { return marshal(*c, b) }
