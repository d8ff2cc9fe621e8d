package model

import (
	"strconv"
	"time"
)

// ChannelID identifies a logical channel (one per remote agent/workflow step).
type ChannelID int

func (id ChannelID) String() string {
	return strconv.Itoa(int(id))
}

// ChannelStatus represents the lifecycle status of a channel connection.
type ChannelStatus string

const (
	ChannelStatusDisconnected ChannelStatus = "disconnected"
	ChannelStatusConnecting   ChannelStatus = "connecting"
	ChannelStatusConnected    ChannelStatus = "connected"
	ChannelStatusReconnecting ChannelStatus = "reconnecting"
	ChannelStatusFailed       ChannelStatus = "failed"
)

// ChannelDescriptor describes how a channel binds to its remote agent.
type ChannelDescriptor struct {
	ChannelID     ChannelID `json:"channelId" toml:"id"`
	Agent         string    `json:"agent" toml:"agent"`
	WorkflowType  string    `json:"workflowType" toml:"workflow_type"`
	WorkflowID    string    `json:"workflowId" toml:"workflow_id"`
	ParticipantID string    `json:"participantId" toml:"participant_id"`
	TenantID      string    `json:"tenantId" toml:"tenant_id"`
	Endpoint      string    `json:"endpoint,omitempty" toml:"endpoint"`
	AccessToken   string    `json:"-" toml:"-"`
}

// Bound reports whether the descriptor names a remote agent.
func (d ChannelDescriptor) Bound() bool {
	return d.Agent != ""
}

// WithDefaults fills empty connection fields from the session settings.
func (d ChannelDescriptor) WithDefaults(s Settings) ChannelDescriptor {
	if d.ParticipantID == "" {
		d.ParticipantID = s.ParticipantID
	}
	if d.TenantID == "" {
		d.TenantID = s.TenantID
	}
	if d.Endpoint == "" {
		d.Endpoint = s.Endpoint
	}
	if d.AccessToken == "" {
		d.AccessToken = s.AccessToken
	}
	if d.WorkflowType == "" {
		d.WorkflowType = d.Agent
	}
	return d
}

// Settings holds the session-wide identity used by every channel.
type Settings struct {
	Endpoint      string
	TenantID      string
	ParticipantID string
	AccessToken   string
}

// ConnectionChange is emitted on every real channel status transition.
type ConnectionChange struct {
	ChannelID ChannelID
	Previous  ChannelStatus
	Current   ChannelStatus
	Err       error
	At        time.Time
}

// ErrorEvent is emitted for channel-level failures.
type ErrorEvent struct {
	ChannelID ChannelID
	Kind      ErrorKind
	Err       error
}

// HistoryEvent is emitted after a history batch has been merged into a channel.
type HistoryEvent struct {
	ChannelID ChannelID
	Page      int
	Added     []Message
	History   []Message
}
