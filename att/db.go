package att

import (
	"github.com/pkg/errors"

	"github.com/corelink/bthost"
)

// Well-known attribute types.
var (
	TypePrimaryService   = bthost.UUID16(0x2800)
	TypeSecondaryService = bthost.UUID16(0x2801)
	TypeCharacteristic   = bthost.UUID16(0x2803)
	TypeCCCD             = bthost.UUID16(0x2902)
)

// Attribute is one row of the server database. Value is the static value;
// OnRead/OnWrite, when set, take over access to it.
type Attribute struct {
	Handle uint16
	Type   bthost.UUID
	Value  []byte

	// for group attributes (services), the last handle of the group
	EndGroup uint16

	Readable bool
	Writable bool

	// minimum link security for any access
	Security bthost.SecurityLevel

	OnRead  func() []byte
	OnWrite func(value []byte) error
}

func (a *Attribute) value() []byte {
	if a.OnRead != nil {
		return a.OnRead()
	}
	return a.Value
}

// DB is an attribute database with ascending, contiguous handles starting
// at 0x0001.
type DB struct {
	attrs []*Attribute
	byH   map[uint16]*Attribute
}

// NewDB validates handle ordering and builds the lookup table.
func NewDB(attrs []*Attribute) (*DB, error) {
	byH := make(map[uint16]*Attribute, len(attrs))
	next := uint16(0x0001)
	for _, a := range attrs {
		if a.Handle != next {
			return nil, errors.Errorf("attribute handles must be contiguous from 0x0001, got 0x%04X want 0x%04X", a.Handle, next)
		}
		if a.EndGroup != 0 && a.EndGroup < a.Handle {
			return nil, errors.Errorf("attribute 0x%04X: group ends before it starts", a.Handle)
		}
		byH[a.Handle] = a
		next++
	}
	return &DB{attrs: attrs, byH: byH}, nil
}

// At looks one attribute up by handle.
func (db *DB) At(h uint16) (*Attribute, bool) {
	a, ok := db.byH[h]
	return a, ok
}

// Range calls f for each attribute with start <= handle <= end, in handle
// order, until f returns false.
func (db *DB) Range(start, end uint16, f func(*Attribute) bool) {
	if start == 0 {
		start = 1
	}
	for _, a := range db.attrs {
		if a.Handle < start {
			continue
		}
		if a.Handle > end {
			return
		}
		if !f(a) {
			return
		}
	}
}

// Len returns the number of attributes.
func (db *DB) Len() int { return len(db.attrs) }

// Builder assembles a database with automatic handle assignment, the way
// a GATT table is usually declared: services as groups, characteristics
// as declaration+value pairs.
type Builder struct {
	attrs  []*Attribute
	curSvc *Attribute
}

// NewBuilder ...
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) nextHandle() uint16 { return uint16(len(b.attrs) + 1) }

// AddService opens a new primary service group.
func (b *Builder) AddService(svcUUID bthost.UUID) *Builder {
	b.closeService()
	a := &Attribute{
		Handle:   b.nextHandle(),
		Type:     TypePrimaryService,
		Value:    append([]byte(nil), svcUUID...),
		Readable: true,
	}
	b.curSvc = a
	b.attrs = append(b.attrs, a)
	return b
}

// CharProps are the characteristic property bits carried in the
// declaration.
const (
	PropRead     = 0x02
	PropWriteNR  = 0x04
	PropWrite    = 0x08
	PropNotify   = 0x10
	PropIndicate = 0x20
)

// AddCharacteristic appends a characteristic declaration and its value
// attribute, returning the value handle.
func (b *Builder) AddCharacteristic(charUUID bthost.UUID, props byte, value []byte, sec bthost.SecurityLevel) uint16 {
	declHandle := b.nextHandle()
	valueHandle := declHandle + 1

	decl := make([]byte, 3+len(charUUID))
	decl[0] = props
	decl[1] = byte(valueHandle)
	decl[2] = byte(valueHandle >> 8)
	copy(decl[3:], charUUID)

	b.attrs = append(b.attrs, &Attribute{
		Handle:   declHandle,
		Type:     TypeCharacteristic,
		Value:    decl,
		Readable: true,
	})
	b.attrs = append(b.attrs, &Attribute{
		Handle:   valueHandle,
		Type:     append(bthost.UUID(nil), charUUID...),
		Value:    append([]byte(nil), value...),
		Readable: props&PropRead != 0,
		Writable: props&(PropWrite|PropWriteNR) != 0,
		Security: sec,
	})

	if props&(PropNotify|PropIndicate) != 0 {
		b.attrs = append(b.attrs, &Attribute{
			Handle:   b.nextHandle(),
			Type:     TypeCCCD,
			Value:    []byte{0x00, 0x00},
			Readable: true,
			Writable: true,
		})
	}
	return valueHandle
}

// AddDescriptor appends a descriptor attribute to the current
// characteristic, returning its handle.
func (b *Builder) AddDescriptor(descUUID bthost.UUID, value []byte, readable, writable bool) uint16 {
	h := b.nextHandle()
	b.attrs = append(b.attrs, &Attribute{
		Handle:   h,
		Type:     append(bthost.UUID(nil), descUUID...),
		Value:    append([]byte(nil), value...),
		Readable: readable,
		Writable: writable,
	})
	return h
}

func (b *Builder) closeService() {
	if b.curSvc != nil {
		b.curSvc.EndGroup = uint16(len(b.attrs))
		b.curSvc = nil
	}
}

// Build closes the open service group and validates the table.
func (b *Builder) Build() (*DB, error) {
	b.closeService()
	return NewDB(b.attrs)
}
