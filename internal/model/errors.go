package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnection is returned when a channel has no live connection.
	ErrNoConnection = errors.New("no connection available")

	// ErrChannelNotFound is returned when a channel id is not registered.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrMalformedMessage is returned when a raw message misses required fields.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownMessageType is returned for envelopes with an unrecognised discriminator.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrMissingMessageType is returned for envelopes without a discriminator.
	ErrMissingMessageType = errors.New("message type is required")

	// ErrRouteNotFound is returned when an agent has no bound channel.
	ErrRouteNotFound = errors.New("route not found")

	// ErrInvalidSubscription is returned when a subscription has no id or no message types.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrAgentRequired is returned when connecting a descriptor that names no agent.
	ErrAgentRequired = errors.New("channel descriptor has no bound agent")
)

// ErrorKind classifies errors reported through the hub's error event.
type ErrorKind string

const (
	ErrorKindConnection   ErrorKind = "connection"
	ErrorKindSubscription ErrorKind = "subscription"
	ErrorKindHistory      ErrorKind = "history"
	ErrorKindSend         ErrorKind = "send"
	ErrorKindCallback     ErrorKind = "callback"
)

// ConnectionError is returned when a channel could not establish its connection.
type ConnectionError struct {
	ChannelID ChannelID
	Attempts  int
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("channel %d: connection failed after %d attempts: %v", e.ChannelID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("channel %d: connection closed: %v", e.ChannelID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError is returned when the post-connect SubscribeToAgent call fails.
type SubscriptionError struct {
	ChannelID ChannelID
	Agent     string
	Err       error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("channel %d: subscribe to agent %q failed: %v", e.ChannelID, e.Agent, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// HistoryFetchError is returned when a history page could not be fetched.
type HistoryFetchError struct {
	ChannelID ChannelID
	Page      int
	Err       error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("channel %d: fetch history page %d failed: %v", e.ChannelID, e.Page, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// SendError is returned when an outbound message could not be delivered.
type SendError struct {
	ChannelID ChannelID
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("channel %d: send failed: %v", e.ChannelID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// CallbackError wraps an error returned or panic raised by a subscriber or listener.
type CallbackError struct {
	Subscriber string
	Err        error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s: %v", e.Subscriber, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind for err, defaulting to connection errors.
func KindOf(err error) ErrorKind {
	var (
		subErr  *SubscriptionError
		histErr *HistoryFetchError
		sendErr *SendError
		cbErr   *CallbackError
	)
	switch {
	case errors.As(err, &subErr):
		return ErrorKindSubscription
	case errors.As(err, &histErr):
		return ErrorKindHistory
	case errors.As(err, &sendErr):
		return ErrorKindSend
	case errors.As(err, &cbErr):
		return ErrorKindCallback
	default:
		return ErrorKindConnection
	}
}
