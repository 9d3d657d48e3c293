package l2cap

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// A signaling command carried on CID 0x0005: code, identifier, length,
// then the command-specific fields, all little endian.
type sigCmd interface {
	Code() int
	Marshal() []byte
}

func sigMarshal(v interface{}) []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func sigUnmarshal(v interface{}, b []byte) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// CommandReject ...
type CommandReject struct {
	Reason uint16
	Data   []byte
}

func (s *CommandReject) Code() int { return sigCommandReject }

func (s *CommandReject) Marshal() []byte {
	b := make([]byte, 2+len(s.Data))
	binary.LittleEndian.PutUint16(b, s.Reason)
	copy(b[2:], s.Data)
	return b
}

func (s *CommandReject) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return errors.New("truncated command reject")
	}
	s.Reason = binary.LittleEndian.Uint16(b)
	s.Data = b[2:]
	return nil
}

// DisconnectRequest ...
type DisconnectRequest struct {
	DestinationCID uint16
	SourceCID      uint16
}

func (s *DisconnectRequest) Code() int                { return sigDisconnectRequest }
func (s *DisconnectRequest) Marshal() []byte          { return sigMarshal(*s) }
func (s *DisconnectRequest) Unmarshal(b []byte) error { return sigUnmarshal(s, b) }

// DisconnectResponse ...
type DisconnectResponse struct {
	DestinationCID uint16
	SourceCID      uint16
}

func (s *DisconnectResponse) Code() int                { return sigDisconnectResponse }
func (s *DisconnectResponse) Marshal() []byte          { return sigMarshal(*s) }
func (s *DisconnectResponse) Unmarshal(b []byte) error { return sigUnmarshal(s, b) }

// LECreditBasedConnectionRequest opens a credit-based channel toward a
// registered PSM.
type LECreditBasedConnectionRequest struct {
	LEPSM          uint16
	SourceCID      uint16
	MTU            uint16
	MPS            uint16
	InitialCredits uint16
}

func (s *LECreditBasedConnectionRequest) Code() int                { return sigLECreditBasedConnectionRequest }
func (s *LECreditBasedConnectionRequest) Marshal() []byte          { return sigMarshal(*s) }
func (s *LECreditBasedConnectionRequest) Unmarshal(b []byte) error { return sigUnmarshal(s, b) }

// LECreditBasedConnectionResponse ...
type LECreditBasedConnectionResponse struct {
	DestinationCID uint16
	MTU            uint16
	MPS            uint16
	InitialCredits uint16
	Result         uint16
}

func (s *LECreditBasedConnectionResponse) Code() int                { return sigLECreditBasedConnectionRsp }
func (s *LECreditBasedConnectionResponse) Marshal() []byte          { return sigMarshal(*s) }
func (s *LECreditBasedConnectionResponse) Unmarshal(b []byte) error { return sigUnmarshal(s, b) }

// LEFlowControlCredit grants the peer additional K-frame credits on an
// open channel. CID names the sender's endpoint.
type LEFlowControlCredit struct {
	CID     uint16
	Credits uint16
}

func (s *LEFlowControlCredit) Code() int                { return sigLEFlowControlCredit }
func (s *LEFlowControlCredit) Marshal() []byte          { return sigMarshal(*s) }
func (s *LEFlowControlCredit) Unmarshal(b []byte) error { return sigUnmarshal(s, b) }

// ConnectionParameterUpdateRequest is accepted and acknowledged; the host
// does not renegotiate link parameters itself.
type ConnectionParameterUpdateRequest struct {
	IntervalMin       uint16
	IntervalMax       uint16
	SlaveLatency      uint16
	TimeoutMultiplier uint16
}

func (s *ConnectionParameterUpdateRequest) Code() int                { return sigConnParamUpdateRequest }
func (s *ConnectionParameterUpdateRequest) Marshal() []byte          { return sigMarshal(*s) }
func (s *ConnectionParameterUpdateRequest) Unmarshal(b []byte) error { return sigUnmarshal(s, b) }

// ConnectionParameterUpdateResponse ...
type ConnectionParameterUpdateResponse struct {
	Result uint16
}

func (s *ConnectionParameterUpdateResponse) Code() int                { return sigConnParamUpdateResponse }
func (s *ConnectionParameterUpdateResponse) Marshal() []byte          { return sigMarshal(*s) }
func (s *ConnectionParameterUpdateResponse) Unmarshal(b []byte) error { return sigUnmarshal(s, b) }
