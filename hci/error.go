package hci

import "fmt"

// ErrCommand is a controller error status returned in a Command Complete
// or Command Status event.
type ErrCommand byte

func (e ErrCommand) Error() string {
	if s, ok := errCmd[byte(e)]; ok {
		return s
	}
	return fmt.Sprintf("command error (0x%02X)", byte(e))
}

const (
	ErrConnID    ErrCommand = 0x02
	ErrACLConn   ErrCommand = 0x0B
	ErrLocalHost ErrCommand = 0x16
)

var errCmd = map[byte]string{
	0x01: "unknown command",
	0x02: "unknown connection identifier",
	0x03: "hardware failure",
	0x04: "page timeout",
	0x05: "authentication failure",
	0x06: "pin or key missing",
	0x07: "memory capacity exceeded",
	0x08: "connection timeout",
	0x09: "connection limit exceeded",
	0x0B: "connection already exists",
	0x0C: "command disallowed",
	0x0D: "connection rejected: limited resources",
	0x0E: "connection rejected: security reasons",
	0x12: "invalid command parameters",
	0x13: "remote user terminated connection",
	0x16: "connection terminated by local host",
	0x1F: "unspecified error",
	0x22: "LMP response timeout",
	0x28: "instant passed",
	0x3D: "connection failed to be established",
}
