package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

// TranscriptHeader is the first line of a transcript file.
type TranscriptHeader struct {
	Version   int               `json:"version"`
	Timestamp int64             `json:"timestamp"`
	Channels  map[string]string `json:"channels,omitempty"` // channel id -> agent
}

// TranscriptEvent is a single recorded message.
// Format: [time_offset, direction, channel_id, content]
type TranscriptEvent struct {
	TimeOffset float64
	Direction  string // "i" inbound, "o" outbound, "h" handover
	ChannelID  int
	Content    string
}

// MarshalJSON encodes the event as a compact array.
func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Direction, e.ChannelID, e.Content})
}

// UnmarshalJSON decodes the compact array form.
func (e *TranscriptEvent) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 4 {
		return fmt.Errorf("invalid event format: expected 4 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	e.TimeOffset = timeOffset

	direction, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid direction")
	}
	e.Direction = direction

	channelID, ok := arr[2].(float64)
	if !ok {
		return fmt.Errorf("invalid channel id")
	}
	e.ChannelID = int(channelID)

	content, ok := arr[3].(string)
	if !ok {
		return fmt.Errorf("invalid content type")
	}
	e.Content = content

	return nil
}

// Transcript records chat messages in JSON-Lines format.
type Transcript struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewTranscript creates a Transcript writing to the given file path.
func NewTranscript(filePath string) (*Transcript, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	return &Transcript{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}, nil
}

// NewTranscriptWithWriter creates a Transcript writing to w.
func NewTranscriptWithWriter(w io.Writer) *Transcript {
	return &Transcript{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteHeader writes the transcript header. Call once before any message.
func (t *Transcript) WriteHeader(descriptors []model.ChannelDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	header := TranscriptHeader{
		Version:   1,
		Timestamp: t.startTime.Unix(),
	}
	if len(descriptors) > 0 {
		header.Channels = make(map[string]string, len(descriptors))
		for _, d := range descriptors {
			header.Channels[d.ChannelID.String()] = d.Agent
		}
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return nil
}

// WriteMessage appends a chat message to the transcript.
func (t *Transcript) WriteMessage(msg model.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	event := TranscriptEvent{
		TimeOffset: msg.CreatedAt.Sub(t.startTime).Seconds(),
		Direction:  directionCode(msg.Direction),
		ChannelID:  int(msg.ChannelID),
		Content:    msg.Content,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// Close closes the transcript file.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

// StartTime returns the start time of the recording.
func (t *Transcript) StartTime() time.Time {
	return t.startTime
}

func directionCode(d model.Direction) string {
	switch d {
	case model.DirectionInbound:
		return "i"
	case model.DirectionHandover:
		return "h"
	default:
		return "o"
	}
}
