// Package l2cap multiplexes logical channels over one ACL connection:
// fixed channels for the attribute and security protocols, a signaling
// channel, and dynamic LE credit-based channels.
package l2cap

import "time"

// Fixed channel identifiers on an LE link.
const (
	CIDAtt    uint16 = 0x0004
	CIDSignal uint16 = 0x0005
	CIDSMP    uint16 = 0x0006
)

// Dynamic channel identifier range for LE credit-based channels.
const (
	cidDynamicBase uint16 = 0x0040
	cidDynamicEnd  uint16 = 0x007F
)

// Signaling command codes.
const (
	sigCommandReject                  = 0x01
	sigDisconnectRequest              = 0x06
	sigDisconnectResponse             = 0x07
	sigConnParamUpdateRequest         = 0x12
	sigConnParamUpdateResponse        = 0x13
	sigLECreditBasedConnectionRequest = 0x14
	sigLECreditBasedConnectionRsp     = 0x15
	sigLEFlowControlCredit            = 0x16
)

// LE credit based connection response result codes.
const (
	ResultSuccess                       uint16 = 0x0000
	ResultPSMNotSupported               uint16 = 0x0002
	ResultNoResources                   uint16 = 0x0004
	ResultInsufficientAuthentication    uint16 = 0x0005
	ResultInsufficientAuthorization     uint16 = 0x0006
	ResultInsufficientEncryptionKeySize uint16 = 0x0007
	ResultInsufficientEncryption        uint16 = 0x0008
	ResultInvalidSourceCID              uint16 = 0x0009
	ResultSourceCIDAlreadyAllocated     uint16 = 0x000A
	ResultUnacceptableParameters        uint16 = 0x000B
)

// Command Reject reason codes.
const (
	rejectNotUnderstood      uint16 = 0x0000
	rejectSignalingMTUExceed uint16 = 0x0001
	rejectInvalidCID         uint16 = 0x0002
)

const (
	// minimum MTU of the LE signaling channel
	sigMTU = 23

	// maxCredits is the protocol ceiling for a channel's credit count.
	maxCredits = 0xFFFF

	defaultSigTimeout = 10 * time.Second
)

// Defaults for locally offered credit-based channel parameters.
const (
	DefaultCoCMTU            uint16 = 512
	DefaultCoCMPS            uint16 = 247
	DefaultCoCInitialCredits uint16 = 4
)
