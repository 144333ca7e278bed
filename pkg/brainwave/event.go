package brainwave

// EventKind names the events pushed down a node's connection.
type EventKind string

const (
	EventNodeJoined       EventKind = "node_joined"
	EventNodeLeft         EventKind = "node_left"
	EventNodeInactive     EventKind = "node_inactive"
	EventNetworkState     EventKind = "network_state"
	EventMessageDelivered EventKind = "message_delivered"
	EventMessagePending   EventKind = "message_pending"
	EventError            EventKind = "error"
	EventBrainwave        EventKind = "brainwave_message"
	EventSystemMessage    EventKind = "system_message"
)

// DeliveryStatus is reported to the sender of a DIRECT message.
type DeliveryStatus string

const (
	StatusDelivered      DeliveryStatus = "DELIVERED"
	StatusOfflineStorage DeliveryStatus = "OFFLINE_STORAGE"
)

// Receipt confirms what happened to a DIRECT message.
type Receipt struct {
	MessageID  string         `json:"messageId" cbor:"messageId"`
	ReceiverID uint32         `json:"receiverId" cbor:"receiverId"`
	Timestamp  int64          `json:"timestamp" cbor:"timestamp"`
	Status     DeliveryStatus `json:"status" cbor:"status"`
}

// Event is a single server-to-node notification. Exactly one payload
// field is set, matching Kind.
type Event struct {
	Kind    EventKind     `json:"kind" cbor:"kind"`
	Message *Message      `json:"message,omitempty" cbor:"message,omitempty"`
	Node    *Node         `json:"node,omitempty" cbor:"node,omitempty"`
	State   *NetworkState `json:"state,omitempty" cbor:"state,omitempty"`
	Receipt *Receipt      `json:"receipt,omitempty" cbor:"receipt,omitempty"`
	Error   *ErrorInfo    `json:"error,omitempty" cbor:"error,omitempty"`
}

// MessageEvent wraps a routed message. SYSTEM messages surface as system_message.
func MessageEvent(m Message) Event {
	kind := EventBrainwave
	if m.Type == System {
		kind = EventSystemMessage
	}
	return Event{Kind: kind, Message: &m}
}

// NodeEvent wraps a presence change.
func NodeEvent(kind EventKind, n Node) Event {
	return Event{Kind: kind, Node: &n}
}

// StateEvent wraps a network state snapshot.
func StateEvent(s NetworkState) Event {
	return Event{Kind: EventNetworkState, State: &s}
}

// ReceiptEvent builds message_delivered or message_pending from a receipt.
func ReceiptEvent(r Receipt) Event {
	kind := EventMessageDelivered
	if r.Status == StatusOfflineStorage {
		kind = EventMessagePending
	}
	return Event{Kind: kind, Receipt: &r}
}

// ErrorEvent converts err into an error event for the originating connection.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Error: InfoOf(err)}
}
