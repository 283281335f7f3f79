package amqp

import (
	"encoding/json"
	"fmt"

	"tally/internal/ledger"
)

// EncodeEvent converts a ledger event to a message body.
func EncodeEvent(e ledger.Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEvent parses and validates a message body.
func DecodeEvent(data []byte) (ledger.Event, error) {
	var e ledger.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return ledger.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return ledger.Event{}, err
	}
	return e, nil
}
