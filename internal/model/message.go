package model

import "time"

// Direction is the canonical direction of a chat message.
type Direction string

const (
	// DirectionInbound is a message sent by the participant to the agent.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is a message sent by the agent to the participant.
	DirectionOutbound Direction = "outbound"
	// DirectionHandover marks a transfer of the conversation between agents.
	DirectionHandover Direction = "handover"
)

// Message is an immutable record of one exchanged utterance.
type Message struct {
	ID            string         `json:"id,omitempty"`
	Content       string         `json:"content"`
	Direction     Direction      `json:"direction"`
	CreatedAt     time.Time      `json:"createdAt"`
	ChannelID     ChannelID      `json:"channelId"`
	ThreadID      string         `json:"threadId,omitempty"`
	ParticipantID string         `json:"participantId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// LocalID is set on messages recorded before the backend acknowledged
	// them.
	LocalID string `json:"localId,omitempty"`
}
