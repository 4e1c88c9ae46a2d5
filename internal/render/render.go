package render

import (
	"encoding/json"
	"fmt"

	"chainwatch/internal/model"
)

// Payload is a rendered notification ready for delivery.
type Payload struct {
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Renderer turns a decoded event into a deliverable payload. Human-readable
// rendering lives outside this module; implementations here stay minimal.
type Renderer interface {
	Render(event model.DecodedEvent) (Payload, error)
}

// JSONRenderer emits the event's arguments as a JSON body. It is the default
// renderer so the watcher binary is usable without an external renderer.
type JSONRenderer struct{}

func (JSONRenderer) Render(event model.DecodedEvent) (Payload, error) {
	body, err := json.Marshal(event.Args)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal args: %w", err)
	}
	return Payload{
		Title: event.Name,
		Body:  string(body),
		Fields: map[string]string{
			"contract": event.Contract,
			"tx_hash":  event.TxHash,
		},
	}, nil
}
