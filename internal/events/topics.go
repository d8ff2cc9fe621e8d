package events

import "github.com/remote-agent-terminal/sessionhub/internal/model"

// Hub-level event categories.
var (
	Message          = NewEvent[model.Message]("message")
	ConnectionChange = NewEvent[model.ConnectionChange]("connection_change")
	Error            = NewEvent[model.ErrorEvent]("error")
	ThreadHistory    = NewEvent[model.HistoryEvent]("thread_history")
)
