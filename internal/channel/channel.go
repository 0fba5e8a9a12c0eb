// Package channel models a live duplex terminal channel as a finite stream of
// events (data, error, closed) plus input operations.
//
// The websocket implementation speaks the terminal service's JSON framing:
//
//	client -> server  {"type":"input","data":"ls\r"}
//	                  {"type":"resize","rows":24,"cols":80}
//	                  {"type":"close"}
//	server -> client  {"type":"output","data":"..."}
//
// Binary frames from the server are delivered as raw output.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// EventType identifies a channel event.
type EventType int

const (
	EventData EventType = iota
	EventError
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one element of a channel's event stream.
type Event struct {
	SessionID string
	Type      EventType
	// Data carries terminal output for EventData.
	Data []byte
	// Err carries the failure for EventError.
	Err error
	// Code is the websocket close status for EventClosed, or -1.
	Code int
	// Reason is the peer's close reason, if any.
	Reason string
	// Local is true when EventClosed follows a Close call on this side.
	Local bool
}

func (e Event) String() string {
	switch e.Type {
	case EventData:
		return fmt.Sprintf("%s data(%d bytes)", e.SessionID, len(e.Data))
	case EventError:
		return fmt.Sprintf("%s error: %v", e.SessionID, e.Err)
	case EventClosed:
		return fmt.Sprintf("%s closed (code=%d local=%v)", e.SessionID, e.Code, e.Local)
	}
	return e.SessionID + " " + e.Type.String()
}

var (
	// ErrTokenRejected is reported when the channel endpoint refuses the token.
	ErrTokenRejected = errors.New("channel: token rejected")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("channel: closed")
)

// Channel is a live duplex connection for one session.
type Channel interface {
	SessionID() string
	// Events yields the channel's events. The stream ends with exactly one
	// EventClosed, after which it is closed.
	Events() <-chan Event
	Send(ctx context.Context, data []byte) error
	Resize(ctx context.Context, rows, cols uint16) error
	// Close tears the channel down. It is idempotent.
	Close() error
}

// Dialer establishes channels.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, sessionID string) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID string) (Channel, error) {
	return f(ctx, sessionID)
}
