package bthost

import "sync"

// EventKind enumerates the events the stack surfaces to the profile or
// application layer.
type EventKind int

const (
	EvtConnectionEstablished EventKind = iota
	EvtConnectionLost
	EvtChannelOpened
	EvtChannelClosed
	EvtAttributeChanged
	EvtPairingCompleted
	EvtPairingFailed
)

func (k EventKind) String() string {
	switch k {
	case EvtConnectionEstablished:
		return "connection-established"
	case EvtConnectionLost:
		return "connection-lost"
	case EvtChannelOpened:
		return "channel-opened"
	case EvtChannelClosed:
		return "channel-closed"
	case EvtAttributeChanged:
		return "attribute-changed"
	case EvtPairingCompleted:
		return "pairing-completed"
	case EvtPairingFailed:
		return "pairing-failed"
	default:
		return "unknown"
	}
}

// Event is one discrete stack event. Events for the same connection are
// delivered in order; no ordering is implied across connections.
type Event struct {
	Kind       EventKind
	ConnHandle uint16
	Peer       Addr

	// ChannelCID is set for channel events.
	ChannelCID uint16

	// Handle and Value are set for attribute-changed events. Indicate is
	// true when the change was delivered as an indication.
	Handle   uint16
	Value    []byte
	Indicate bool

	// Err is set for failure events.
	Err error
}

// EventHandler receives stack events. Handlers run on the dispatching
// connection's goroutine and must not block.
type EventHandler func(Event)

type subscriberKey struct {
	kind EventKind
	// 0xFFFF subscribes to all connections
	handle uint16
}

// AllConnections subscribes a handler to an event kind regardless of
// connection.
const AllConnections uint16 = 0xFFFF

// EventBus is an explicit publish/subscribe registry keyed by event kind
// and connection handle.
type EventBus struct {
	mu   sync.Mutex
	subs map[subscriberKey][]EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[subscriberKey][]EventHandler)}
}

// Subscribe registers h for events of the given kind on the given
// connection handle (or AllConnections).
func (b *EventBus) Subscribe(kind EventKind, handle uint16, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := subscriberKey{kind, handle}
	b.subs[k] = append(b.subs[k], h)
}

// Unsubscribe removes every handler for the given kind/handle pair.
func (b *EventBus) Unsubscribe(kind EventKind, handle uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subscriberKey{kind, handle})
}

// Publish delivers e to handlers subscribed to its kind, both for the
// specific connection and for AllConnections.
func (b *EventBus) Publish(e Event) {
	b.mu.Lock()
	hh := make([]EventHandler, 0, 4)
	hh = append(hh, b.subs[subscriberKey{e.Kind, e.ConnHandle}]...)
	hh = append(hh, b.subs[subscriberKey{e.Kind, AllConnections}]...)
	b.mu.Unlock()

	for _, h := range hh {
		h(e)
	}
}
