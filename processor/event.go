package processor

import (
	"encoding/json"
	"fmt"
)

// EventKind is the normalized update variant.
type EventKind string

const (
	KindAccount           EventKind = "account"
	KindTransaction       EventKind = "transaction"
	KindTransactionStatus EventKind = "transaction_status"
	KindSlot              EventKind = "slot"
	KindBlock             EventKind = "block"
	KindBlockMeta         EventKind = "block_meta"
	KindEntry             EventKind = "entry"
	KindPing              EventKind = "ping"
	KindPong              EventKind = "pong"
	KindUnknown           EventKind = "unknown"
)

// Event is the canonical, broker-ready form of one upstream update. It is
// built, serialized and published per update and never stored.
//
// The json tags define the wire envelope consumers read; optional fields are
// emitted as null, never omitted.
type Event struct {
	// EventID is stable across redelivery of the same update and doubles as
	// the message key.
	EventID       string    `json:"event_id"`
	Kind          EventKind `json:"event_type"`
	Slot          *uint64   `json:"slot"`
	Signature     *string   `json:"signature"`
	ProgramIDs    []string  `json:"program_ids"`
	FilterTags    []string  `json:"filters"`
	CreatedAt     *string   `json:"created_at"`
	AccountPubkey *string   `json:"account_pubkey"`
	AccountOwner  *string   `json:"account_owner"`
	// RawPayload is the protobuf encoding of the update; it is rendered as
	// standard base64.
	RawPayload []byte `json:"raw_base64"`
}

// MarshalEnvelope serializes the event into the JSON document published to
// every destination topic.
func (e Event) MarshalEnvelope() ([]byte, error) {
	if e.ProgramIDs == nil {
		e.ProgramIDs = []string{}
	}
	if e.FilterTags == nil {
		e.FilterTags = []string{}
	}
	if e.RawPayload == nil {
		e.RawPayload = []byte{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling event %s: %w", e.EventID, err)
	}
	return data, nil
}

// RoutedEvent is what the router hands to sinks: the event, its destination
// topics and the serialized envelope shared by all of them.
type RoutedEvent struct {
	Event   Event
	Topics  []string
	Payload []byte
}

// Key returns the broker message key.
func (r *RoutedEvent) Key() string {
	return r.Event.EventID
}
