package bus

import (
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Event kinds fanned out over topics.
const (
	KindMessage  = "message"
	KindPresence = "presence"
	KindSignal   = "signal"
	KindNodeLost = "node_lost"
	KindKeyOffer = "key_offer"
	KindKeyDone  = "key_done"
)

// Event is one unit of fanout. Delivery is at-least-once across processes;
// the ID is the consumer's dedupe key when exactly-once matters.
type Event struct {
	ID        string `msgpack:"id"`
	Topic     string `msgpack:"topic"`
	Kind      string `msgpack:"kind"`
	Publisher string `msgpack:"publisher,omitempty"`
	// Origin is the gateway process that published the event. Receipts from
	// our own process are skipped: local delivery already happened inline.
	Origin  string `msgpack:"origin"`
	Payload []byte `msgpack:"payload"`
}

func NewEvent(topic, kind, publisher, origin string, payload []byte) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Kind:      kind,
		Publisher: publisher,
		Origin:    origin,
		Payload:   payload,
	}
}

func (e *Event) encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
