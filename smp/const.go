// Package smp implements the security manager protocol: feature exchange,
// legacy and secure-connections pairing, key distribution and
// re-encryption from stored bonds.
package smp

import "time"

// Security manager protocol codes.
const (
	PairingRequest            = 0x01
	PairingResponse           = 0x02
	PairingConfirm            = 0x03
	PairingRandom             = 0x04
	PairingFailed             = 0x05
	EncryptionInformation     = 0x06
	MasterIdentification      = 0x07
	IdentityInformation       = 0x08
	IdentityAddressInformation = 0x09
	SigningInformation        = 0x0A
	SecurityRequest           = 0x0B
	PairingPublicKey          = 0x0C
	PairingDHKeyCheck         = 0x0D
	PairingKeypress           = 0x0E
)

// IO capabilities.
const (
	IOCapDisplayOnly     = 0x00
	IOCapDisplayYesNo    = 0x01
	IOCapKeyboardOnly    = 0x02
	IOCapNoInputNoOutput = 0x03
	IOCapKeyboardDisplay = 0x04
)

// AuthReq bits.
const (
	authReqBonding  = 0x01
	authReqMITM     = 0x04
	authReqSC       = 0x08
	authReqKeypress = 0x10
)

// Key distribution bits.
const (
	keyDistEncKey  = 0x01
	keyDistIDKey   = 0x02
	keyDistSignKey = 0x04
)

// Pairing Failed reasons.
const (
	ReasonPasskeyEntryFailed   = 0x01
	ReasonOOBNotAvailable      = 0x02
	ReasonAuthRequirements     = 0x03
	ReasonConfirmValueFailed   = 0x04
	ReasonPairingNotSupported  = 0x05
	ReasonEncryptionKeySize    = 0x06
	ReasonCommandNotSupported  = 0x07
	ReasonUnspecified          = 0x08
	ReasonRepeatedAttempts     = 0x09
	ReasonInvalidParameters    = 0x0A
	ReasonDHKeyCheckFailed     = 0x0B
	ReasonNumericCompFailed    = 0x0C
)

const (
	minKeySize = 7
	maxKeySize = 16

	pairingTimeout = 30 * time.Second
)

// State is the pairing engine state.
type State int

const (
	StateIdle State = iota
	StateFeatureExchange
	StateLegacyPairing
	StateSecureConnections
	StateKeyDistribution
	StateBonded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFeatureExchange:
		return "featureExchange"
	case StateLegacyPairing:
		return "legacyPairing"
	case StateSecureConnections:
		return "secureConnections"
	case StateKeyDistribution:
		return "keyDistribution"
	case StateBonded:
		return "bonded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PairingMethod is the user interaction model selected from both sides'
// capabilities.
type PairingMethod int

const (
	MethodJustWorks PairingMethod = iota
	MethodNumericComparison
	MethodPasskeyInitiatorInputs
	MethodPasskeyResponderInputs
	MethodPasskeyBothInput
	MethodOOB
)

func (m PairingMethod) String() string {
	switch m {
	case MethodJustWorks:
		return "justWorks"
	case MethodNumericComparison:
		return "numericComparison"
	case MethodPasskeyInitiatorInputs:
		return "passkeyInitiatorInputs"
	case MethodPasskeyResponderInputs:
		return "passkeyResponderInputs"
	case MethodPasskeyBothInput:
		return "passkeyBothInput"
	case MethodOOB:
		return "oob"
	default:
		return "unknown"
	}
}

// Authenticated reports whether the method defends against MITM, which
// decides the resulting security level.
func (m PairingMethod) Authenticated() bool {
	return m != MethodJustWorks
}
