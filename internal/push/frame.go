package push

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrStaleRecipient means the addressed connection token no longer maps
// to a live socket. Callers treat the recipient as gone and compensate.
var ErrStaleRecipient = errors.New("recipient connection is stale")

// Action names the client-side handler a frame invokes
type Action struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Meta addresses a frame to one connection. It never goes on the wire
// unless the client asked for it.
type Meta struct {
	ConnectionID string `json:"connectionId"`
	Endpoint     string `json:"endpoint,omitempty"`
}

// Frame is one outbound push payload
type Frame struct {
	Namespace string `json:"namespace"`
	Action    Action `json:"action"`
	Data      any    `json:"data"`
	Meta      Meta   `json:"-"`
}

// NewFrame builds a frame invoking the named client action
func NewFrame(namespace, name string, data any) Frame {
	return Frame{
		Namespace: namespace,
		Action:    Action{Type: "action", Name: name},
		Data:      data,
	}
}

// Encode marshals the frame, optionally exposing the addressing meta to
// the recipient
func (f Frame) Encode(includeMeta bool) ([]byte, error) {
	if !includeMeta {
		return json.Marshal(f)
	}
	return json.Marshal(struct {
		Namespace string `json:"namespace"`
		Action    Action `json:"action"`
		Data      any    `json:"data"`
		Meta      Meta   `json:"meta"`
	}{f.Namespace, f.Action, f.Data, f.Meta})
}

// Sender delivers a frame to the connection named in its meta
type Sender interface {
	Send(ctx context.Context, frame Frame) error
}
