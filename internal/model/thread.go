package model

import (
	"errors"
	"time"
)

// ErrThreadNotFound is returned when a thread does not exist.
var ErrThreadNotFound = errors.New("thread not found")

// Thread is a persisted conversation between one participant and one agent
// workflow. It only exists on the backend side.
type Thread struct {
	ID            string    `json:"id"`
	Agent         string    `json:"agent"`
	WorkflowType  string    `json:"workflowType"`
	WorkflowID    string    `json:"workflowId,omitempty"`
	ParticipantID string    `json:"participantId"`
	TenantID      string    `json:"tenantId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
