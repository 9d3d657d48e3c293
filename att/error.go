package att

import "fmt"

// Error is an attribute protocol Error Response: which request failed, on
// which handle, and why.
type Error struct {
	Request byte
	Handle  uint16
	Code    byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("att: request 0x%02X on handle 0x%04X: %s", e.Request, e.Handle, errName(e.Code))
}

func errName(code byte) string {
	if s, ok := errNames[code]; ok {
		return s
	}
	return fmt.Sprintf("error 0x%02X", code)
}

var errNames = map[byte]string{
	ErrInvalidHandle:          "invalid handle",
	ErrReadNotPermitted:       "read not permitted",
	ErrWriteNotPermitted:      "write not permitted",
	ErrInvalidPDU:             "invalid PDU",
	ErrInsufficientAuthen:     "insufficient authentication",
	ErrReqNotSupported:        "request not supported",
	ErrInvalidOffset:          "invalid offset",
	ErrInsufficientAuthor:     "insufficient authorization",
	ErrPrepareQueueFull:       "prepare queue full",
	ErrAttrNotFound:           "attribute not found",
	ErrAttrNotLong:            "attribute not long",
	ErrInsufficientKeySize:    "insufficient encryption key size",
	ErrInvalidAttrValueLength: "invalid attribute value length",
	ErrUnlikely:               "unlikely error",
	ErrInsufficientEncrypt:    "insufficient encryption",
	ErrUnsupportedGroupType:   "unsupported group type",
	ErrInsufficientResources:  "insufficient resources",
}
