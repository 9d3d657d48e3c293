// Package att implements the attribute protocol: a server publishing a
// handle-ordered attribute database and a client driving discovery,
// reads and writes over the fixed attribute channel.
package att

import "time"

// Attribute protocol opcodes.
const (
	ErrorRspCode                = 0x01
	ExchangeMTUReqCode          = 0x02
	ExchangeMTURspCode          = 0x03
	FindInformationReqCode      = 0x04
	FindInformationRspCode      = 0x05
	FindByTypeValueReqCode      = 0x06
	FindByTypeValueRspCode      = 0x07
	ReadByTypeReqCode           = 0x08
	ReadByTypeRspCode           = 0x09
	ReadReqCode                 = 0x0A
	ReadRspCode                 = 0x0B
	ReadBlobReqCode             = 0x0C
	ReadBlobRspCode             = 0x0D
	ReadByGroupTypeReqCode      = 0x10
	ReadByGroupTypeRspCode      = 0x11
	WriteReqCode                = 0x12
	WriteRspCode                = 0x13
	WriteCmdCode                = 0x52
	HandleValueNotificationCode = 0x1B
	HandleValueIndicationCode   = 0x1D
	HandleValueConfirmationCode = 0x1E
)

// Attribute protocol error codes.
const (
	ErrInvalidHandle          = 0x01
	ErrReadNotPermitted       = 0x02
	ErrWriteNotPermitted      = 0x03
	ErrInvalidPDU             = 0x04
	ErrInsufficientAuthen     = 0x05
	ErrReqNotSupported        = 0x06
	ErrInvalidOffset          = 0x07
	ErrInsufficientAuthor     = 0x08
	ErrPrepareQueueFull       = 0x09
	ErrAttrNotFound           = 0x0A
	ErrAttrNotLong            = 0x0B
	ErrInsufficientKeySize    = 0x0C
	ErrInvalidAttrValueLength = 0x0D
	ErrUnlikely               = 0x0E
	ErrInsufficientEncrypt    = 0x0F
	ErrUnsupportedGroupType   = 0x10
	ErrInsufficientResources  = 0x11
)

const (
	// DefaultMTU is the attribute channel MTU before an exchange.
	DefaultMTU = 23

	// MaxMTU bounds what the server will grant in an MTU exchange.
	MaxMTU = 517

	rspTimeout        = 10 * time.Second
	indicationTimeout = 30 * time.Second
)
