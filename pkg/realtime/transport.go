// Package realtime implements room based fan-out of thread events to
// connected browser clients.
package realtime

import (
	"context"
	"encoding/json"
)

// Transport is the contract the broadcast router depends on: emit to a room
// and enumerate the rooms that currently have listeners.
type Transport interface {
	Emit(ctx context.Context, room, event string, payload interface{}) error
	Rooms(ctx context.Context, prefix string) ([]string, error)
}

// Subscriber attaches a client to exactly one room.
type Subscriber interface {
	Subscribe(ctx context.Context, room string) (*Subscription, error)
}

// Message is one event as delivered to a subscriber.
type Message struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encode(room, event string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Room: room, Event: event, Data: data}, nil
}
