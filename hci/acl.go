package hci

import "encoding/binary"

// aclPacket is a raw ACL data packet without the H4 type byte: a 4-byte
// header (handle plus flags, then data length) followed by the fragment.
type aclPacket []byte

func (a aclPacket) handle() uint16 {
	if len(a) < 2 {
		return 0xFFFF
	}
	return binary.LittleEndian.Uint16(a[0:2]) & 0x0FFF
}

func (a aclPacket) pbf() int {
	if len(a) < 2 {
		return 0
	}
	return int(binary.LittleEndian.Uint16(a[0:2])>>12) & 0x3
}

func (a aclPacket) dlen() int {
	if len(a) < 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint16(a[2:4]))
}

func (a aclPacket) data() []byte {
	if len(a) < 4 {
		return nil
	}
	return a[4:]
}

func (a aclPacket) valid() bool {
	return len(a) >= 4 && a.dlen() == len(a.data())
}

// buildACL assembles an ACL packet for one outbound fragment.
func buildACL(handle uint16, pbf int, data []byte) []byte {
	b := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(b[0:2], handle&0x0FFF|uint16(pbf)<<12)
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(data)))
	copy(b[4:], data)
	return b
}
