package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the discriminator of a metadata envelope.
type MessageType string

const (
	MessageTypeUIUpdate         MessageType = "UI_UPDATE"
	MessageTypeAgentStatus      MessageType = "AGENT_STATUS"
	MessageTypeTypingIndicator  MessageType = "TYPING_INDICATOR"
	MessageTypeHandover         MessageType = "HANDOVER"
	MessageTypeWorkflowProgress MessageType = "WORKFLOW_PROGRESS"
)

// Known reports whether the message type has a typed envelope.
func (t MessageType) Known() bool {
	switch t {
	case MessageTypeUIUpdate, MessageTypeAgentStatus, MessageTypeTypingIndicator,
		MessageTypeHandover, MessageTypeWorkflowProgress:
		return true
	}
	return false
}

// Envelope is a typed control message. It is never stored as chat history.
// The set of implementations is closed: only types embedding EnvelopeHeader
// satisfy it.
type Envelope interface {
	MessageType() MessageType
	Channel() ChannelID
	Header() EnvelopeHeader
	sealed()
}

// EnvelopeHeader carries the routing fields shared by all envelopes.
type EnvelopeHeader struct {
	ChannelID  ChannelID `json:"channelId"`
	ThreadID   string    `json:"threadId,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func (h EnvelopeHeader) Channel() ChannelID     { return h.ChannelID }
func (h EnvelopeHeader) Header() EnvelopeHeader { return h }
func (EnvelopeHeader) sealed()                  {}

// UIUpdate asks a UI component to change its state.
type UIUpdate struct {
	EnvelopeHeader
	Component string         `json:"component"`
	Action    string         `json:"action,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
}

func (UIUpdate) MessageType() MessageType { return MessageTypeUIUpdate }

// AgentStatus reports what the remote agent is currently doing.
type AgentStatus struct {
	EnvelopeHeader
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (AgentStatus) MessageType() MessageType { return MessageTypeAgentStatus }

// TypingIndicator reports that a participant started or stopped typing.
type TypingIndicator struct {
	EnvelopeHeader
	ParticipantID string `json:"participantId"`
	Typing        bool   `json:"typing"`
}

func (TypingIndicator) MessageType() MessageType { return MessageTypeTypingIndicator }

// Handover announces a transfer of the conversation between agents.
type Handover struct {
	EnvelopeHeader
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (Handover) MessageType() MessageType { return MessageTypeHandover }

// WorkflowProgress reports progress of a long-running workflow step.
type WorkflowProgress struct {
	EnvelopeHeader
	Step    string  `json:"step"`
	Percent float64 `json:"percent"`
	Done    bool    `json:"done"`
}

func (WorkflowProgress) MessageType() MessageType { return MessageTypeWorkflowProgress }

// DecodeEnvelope validates the discriminator and decodes payload into the
// matching envelope type.
func DecodeEnvelope(t MessageType, header EnvelopeHeader, payload json.RawMessage) (Envelope, error) {
	if t == "" {
		return nil, ErrMissingMessageType
	}

	var (
		env    Envelope
		target any
	)
	switch t {
	case MessageTypeUIUpdate:
		v := &UIUpdate{}
		target, env = v, v
	case MessageTypeAgentStatus:
		v := &AgentStatus{}
		target, env = v, v
	case MessageTypeTypingIndicator:
		v := &TypingIndicator{}
		target, env = v, v
	case MessageTypeHandover:
		v := &Handover{}
		target, env = v, v
	case MessageTypeWorkflowProgress:
		v := &WorkflowProgress{}
		target, env = v, v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, t)
	}

	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}

	// Routing fields come from the frame, not from the payload.
	switch v := env.(type) {
	case *UIUpdate:
		v.EnvelopeHeader = header
		return *v, nil
	case *AgentStatus:
		v.EnvelopeHeader = header
		return *v, nil
	case *TypingIndicator:
		v.EnvelopeHeader = header
		return *v, nil
	case *Handover:
		v.EnvelopeHeader = header
		return *v, nil
	case *WorkflowProgress:
		v.EnvelopeHeader = header
		return *v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, t)
}
