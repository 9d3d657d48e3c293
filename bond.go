package bthost

// BondInfo is the key material and peer identity produced by a completed
// pairing. The security manager hands it to the BondManager collaborator
// at pairing completion and does not retain it afterwards.
type BondInfo interface {
	LongTermKey() []byte
	EDiv() uint16
	Random() uint64
	Legacy() bool
	Authenticated() bool
	KeySize() int
	IdentityKey() []byte
}

// BondManager is the persistence boundary. The core never touches storage
// directly; it looks bonds up by peer address at connection start and saves
// new ones at pairing completion.
type BondManager interface {
	Exists(addr string) bool
	Find(addr string) (BondInfo, error)
	Save(addr string, bond BondInfo) error
	Delete(addr string) error
}

type bondInfo struct {
	longTermKey   []byte
	eDiv          uint16
	randVal       uint64
	legacy        bool
	authenticated bool
	keySize       int
	identityKey   []byte
}

// NewBondInfo builds a BondInfo from pairing output.
func NewBondInfo(ltk []byte, eDiv uint16, randVal uint64, legacy bool) BondInfo {
	return &bondInfo{
		longTermKey: ltk,
		eDiv:        eDiv,
		randVal:     randVal,
		legacy:      legacy,
		keySize:     len(ltk),
	}
}

// NewAuthenticatedBondInfo marks a bond as produced by an authenticated
// pairing method (passkey, numeric comparison or OOB).
func NewAuthenticatedBondInfo(ltk []byte, eDiv uint16, randVal uint64, legacy bool, identityKey []byte) BondInfo {
	return &bondInfo{
		longTermKey:   ltk,
		eDiv:          eDiv,
		randVal:       randVal,
		legacy:        legacy,
		authenticated: true,
		keySize:       len(ltk),
		identityKey:   identityKey,
	}
}

func (b *bondInfo) LongTermKey() []byte { return b.longTermKey }
func (b *bondInfo) EDiv() uint16        { return b.eDiv }
func (b *bondInfo) Random() uint64      { return b.randVal }
func (b *bondInfo) Legacy() bool        { return b.legacy }
func (b *bondInfo) Authenticated() bool { return b.authenticated }
func (b *bondInfo) KeySize() int        { return b.keySize }
func (b *bondInfo) IdentityKey() []byte { return b.identityKey }

// AuthData carries user supplied pairing input, if any.
type AuthData struct {
	Passkey int
	OOBData []byte
}

// SecurityLevel is the security state of a connection, in increasing order.
type SecurityLevel int

const (
	SecurityNone SecurityLevel = iota
	SecurityEncrypted
	SecurityAuthenticated
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityNone:
		return "none"
	case SecurityEncrypted:
		return "encrypted"
	case SecurityAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}
