// Package evt wraps raw HCI event payloads with typed accessors. An event
// value is the payload bytes after the event code and length header.
package evt

import (
	"encoding/binary"
	"fmt"
)

// Event codes dispatched by the controller link.
const (
	DisconnectionCompleteCode    = 0x05
	EncryptionChangeCode         = 0x08
	CommandCompleteCode          = 0x0E
	CommandStatusCode            = 0x0F
	NumberOfCompletedPacketsCode = 0x13
	EncryptionKeyRefreshCode     = 0x30
	LEMetaCode                   = 0x3E
	VendorCode                   = 0xFF
)

// LE meta subevent codes.
const (
	LEConnectionCompleteSubCode       = 0x01
	LEConnectionUpdateCompleteSubCode = 0x03
	LELongTermKeyRequestSubCode       = 0x05
)

type CommandComplete []byte

func (e CommandComplete) NumHCICommandPackets() uint8 {
	v, _ := getByte(e, 0, 0)
	return v
}

func (e CommandComplete) CommandOpcode() uint16 {
	v, _ := getUint16LE(e, 1, 0xffff)
	return v
}

func (e CommandComplete) ReturnParameters() []byte {
	v, _ := getBytes(e, 3, -1)
	return v
}

type CommandStatus []byte

func (e CommandStatus) Valid() bool {
	return len(e) >= 4
}

func (e CommandStatus) Status() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e CommandStatus) NumHCICommandPackets() uint8 {
	v, _ := getByte(e, 1, 0)
	return v
}

func (e CommandStatus) CommandOpcode() uint16 {
	v, _ := getUint16LE(e, 2, 0xffff)
	return v
}

type DisconnectionComplete []byte

func (e DisconnectionComplete) Status() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e DisconnectionComplete) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 1, 0xffff)
	return v
}

func (e DisconnectionComplete) Reason() uint8 {
	v, _ := getByte(e, 3, 0)
	return v
}

type NumberOfCompletedPackets []byte

func (e NumberOfCompletedPackets) NumberOfHandles() uint8 {
	v, _ := getByte(e, 0, 0)
	return v
}

func (e NumberOfCompletedPackets) ConnectionHandle(i int) uint16 {
	v, _ := getUint16LE(e, 1+(i*4), 0xffff)
	return v
}

func (e NumberOfCompletedPackets) HCNumOfCompletedPackets(i int) uint16 {
	v, _ := getUint16LE(e, 1+(i*4)+2, 0)
	return v
}

type EncryptionChange []byte

func (e EncryptionChange) Status() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e EncryptionChange) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 1, 0xffff)
	return v
}

func (e EncryptionChange) EncryptionEnabled() uint8 {
	v, _ := getByte(e, 3, 0)
	return v
}

// LEConnectionComplete includes the subevent code at offset 0.
type LEConnectionComplete []byte

func (e LEConnectionComplete) SubeventCode() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e LEConnectionComplete) Status() uint8 {
	v, _ := getByte(e, 1, 0xff)
	return v
}

func (e LEConnectionComplete) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 2, 0xffff)
	return v
}

func (e LEConnectionComplete) Role() uint8 {
	v, _ := getByte(e, 4, 0xff)
	return v
}

func (e LEConnectionComplete) PeerAddressType() uint8 {
	v, _ := getByte(e, 5, 0xff)
	return v
}

func (e LEConnectionComplete) PeerAddress() [6]byte {
	bb, err := getBytes(e, 6, 6)
	out := [6]byte{}
	if err != nil {
		return out
	}
	copy(out[:], bb)
	return out
}

func (e LEConnectionComplete) ConnInterval() uint16 {
	v, _ := getUint16LE(e, 12, 0)
	return v
}

func (e LEConnectionComplete) ConnLatency() uint16 {
	v, _ := getUint16LE(e, 14, 0)
	return v
}

func (e LEConnectionComplete) SupervisionTimeout() uint16 {
	v, _ := getUint16LE(e, 16, 0)
	return v
}

type LELongTermKeyRequest []byte

func (e LELongTermKeyRequest) SubeventCode() uint8 {
	v, _ := getByte(e, 0, 0xff)
	return v
}

func (e LELongTermKeyRequest) ConnectionHandle() uint16 {
	v, _ := getUint16LE(e, 1, 0xffff)
	return v
}

func (e LELongTermKeyRequest) RandomNumber() uint64 {
	bb, err := getBytes(e, 3, 8)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(bb)
}

func (e LELongTermKeyRequest) EncryptedDiversifier() uint16 {
	v, _ := getUint16LE(e, 11, 0)
	return v
}

//get or default
func getByte(b []byte, i int, def byte) (byte, error) {
	bb, err := getBytes(b, i, 1)
	if err != nil {
		return def, err
	}
	return bb[0], nil
}

//get or default
func getUint16LE(b []byte, i int, def uint16) (uint16, error) {
	bb, err := getBytes(b, i, 2)
	if err != nil {
		return def, err
	}
	return binary.LittleEndian.Uint16(bb), nil
}

func getBytes(bytes []byte, start int, count int) ([]byte, error) {
	if bytes == nil || start >= len(bytes) {
		return nil, fmt.Errorf("index error")
	}

	if count < 0 {
		return bytes[start:], nil
	}

	end := start + count
	//end is non-inclusive
	if end > len(bytes) {
		return nil, fmt.Errorf("index error")
	}

	return bytes[start:end], nil
}
