package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

// RawDirection is the backend's direction encoding. It accepts the numeric
// form (0 incoming, 1 outgoing, 2 handover) and the string names.
type RawDirection string

const (
	RawIncoming RawDirection = "Incoming"
	RawOutgoing RawDirection = "Outgoing"
	RawHandover RawDirection = "Handover"
)

// UnmarshalJSON accepts both numbers and strings.
func (d *RawDirection) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		switch n {
		case 0:
			*d = RawIncoming
		case 1:
			*d = RawOutgoing
		case 2:
			*d = RawHandover
		default:
			*d = RawDirection(fmt.Sprintf("%d", n))
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("direction must be a number or string: %w", err)
	}
	*d = RawDirection(s)
	return nil
}

// Canonical maps the raw encoding to model.Direction.
func (d RawDirection) Canonical() (model.Direction, bool) {
	switch strings.ToLower(string(d)) {
	case "incoming", "inbound":
		return model.DirectionInbound, true
	case "outgoing", "outbound":
		return model.DirectionOutbound, true
	case "handover":
		return model.DirectionHandover, true
	}
	return "", false
}

// FromDirection converts a canonical direction to its wire name.
func FromDirection(d model.Direction) RawDirection {
	switch d {
	case model.DirectionInbound:
		return RawIncoming
	case model.DirectionOutbound:
		return RawOutgoing
	case model.DirectionHandover:
		return RawHandover
	}
	return RawDirection(d)
}

// RawMessage is the payload of ReceiveMessage and of history batches.
// A payload carrying MessageType is a metadata envelope rather than a chat
// message.
type RawMessage struct {
	ID            string          `json:"id,omitempty"`
	Content       string          `json:"content,omitempty"`
	Direction     RawDirection    `json:"direction,omitempty"`
	CreatedAt     time.Time       `json:"createdAt,omitempty"`
	ThreadID      string          `json:"threadId,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	Agent         string          `json:"agent,omitempty"`
	WorkflowType  string          `json:"workflowType,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	MessageType   string          `json:"messageType,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ChannelID     *int            `json:"channelId,omitempty"`
}

// IsEnvelope reports whether the payload is a metadata envelope.
func (m *RawMessage) IsEnvelope() bool {
	return m.MessageType != ""
}

// InboundRequest is the argument of SendInboundMessage.
type InboundRequest struct {
	ThreadID      string         `json:"threadId,omitempty"`
	Agent         string         `json:"agent"`
	WorkflowType  string         `json:"workflowType"`
	WorkflowID    string         `json:"workflowId"`
	ParticipantID string         `json:"participantId"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request has the fields the backend requires.
func (r *InboundRequest) Validate() error {
	if r.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	if r.ParticipantID == "" {
		return fmt.Errorf("participantId is required")
	}
	if r.Content == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

// SendResult is the completion result of SendInboundMessage.
type SendResult struct {
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}
