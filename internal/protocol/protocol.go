// Package protocol defines the JSON frames exchanged between the session hub
// and the remote agent backend over a duplex websocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType is the discriminator of a wire frame.
type FrameType string

const (
	// Client -> Server
	FrameInvocation FrameType = "invocation"

	// Server -> Client
	FrameCompletion FrameType = "completion"
	FrameEvent      FrameType = "event"
)

// Remote methods. Names are fixed by the backend.
const (
	MethodSubscribeToAgent   = "SubscribeToAgent"
	MethodGetThreadHistory   = "GetThreadHistory"
	MethodSendInboundMessage = "SendInboundMessage"
)

// Push events registered by the hub.
const (
	EventReceiveMessage   = "ReceiveMessage"
	EventInboundProcessed = "InboundProcessed"
	EventThreadHistory    = "ThreadHistory"
)

// Frame is a single websocket message.
type Frame struct {
	Type         FrameType         `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// NewInvocation builds an invocation frame for target with the given arguments.
func NewInvocation(id, target string, args ...any) (*Frame, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", target, err)
	}
	return &Frame{
		Type:         FrameInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    encoded,
	}, nil
}

// NewCompletion builds a completion frame. A non-nil callErr is sent as the
// frame error and result is ignored.
func NewCompletion(id string, result any, callErr error) (*Frame, error) {
	frame := &Frame{Type: FrameCompletion, InvocationID: id}
	if callErr != nil {
		frame.Error = callErr.Error()
		return frame, nil
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode completion result: %w", err)
		}
		frame.Result = data
	}
	return frame, nil
}

// NewEvent builds a push event frame.
func NewEvent(target string, args ...any) (*Frame, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s arguments: %w", target, err)
	}
	return &Frame{
		Type:      FrameEvent,
		Target:    target,
		Arguments: encoded,
	}, nil
}

// Decode parses a single frame.
func Decode(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame type is required")
	}
	return &frame, nil
}

// Encode serializes a frame.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Arg decodes the i-th argument into v.
func (f *Frame) Arg(i int, v any) error {
	if i >= len(f.Arguments) {
		return fmt.Errorf("%s: missing argument %d", f.Target, i)
	}
	if err := json.Unmarshal(f.Arguments[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", f.Target, i, err)
	}
	return nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	encoded := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, data)
	}
	return encoded, nil
}
