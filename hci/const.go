package hci

import "time"

// Packet boundary flags of the ACL data header [Vol 2, Part E, 5.4.2].
const (
	pbfHostToControllerStart = 0x00
	pbfContinuing            = 0x01
	pbfControllerToHostStart = 0x02
)

const (
	RoleMaster = 0x00
	RoleSlave  = 0x01
)

const (
	// defaultCmdTimeout bounds how long a caller waits for the
	// controller to answer the in-flight command.
	defaultCmdTimeout = 3 * time.Second

	// cmdQueueSize bounds how many commands may be queued behind the
	// in-flight one before Send blocks.
	cmdQueueSize = 16

	connInPktChanSize = 16
	connInPDUChanSize = 16
)

// Minimum ACL payload a controller must accept: 4 bytes of L2CAP header
// plus the 23-byte default MTU.
const DefaultACLBufferSize = 27

const reasonRemoteUserTerminated = 0x13
