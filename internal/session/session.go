// Package session owns the single logical protocol session: it dials,
// consumes the session's tagged event stream, and drives reconnects under a
// bounded, constant-delay policy.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/wabridge/internal/domain"
)

var (
	// ErrTerminal marks a session loss the process cannot recover from.
	ErrTerminal = errors.New("session terminated")

	// ErrLoggedOut is returned by Run when the device was logged out.
	ErrLoggedOut = fmt.Errorf("%w: logged out", ErrTerminal)

	// ErrReconnectsExhausted is returned by Run when the reconnect ceiling is reached.
	ErrReconnectsExhausted = fmt.Errorf("%w: max reconnects reached", ErrTerminal)

	// ErrNoSession is returned by operations that need an open session.
	ErrNoSession = errors.New("no open session")
)

// Session is a live protocol handle. A Session is never reused after it
// closes; the Manager dials a new one.
type Session interface {
	// SendText sends a text message to the recipient JID or phone number.
	SendText(ctx context.Context, to, text string) error

	// Download fetches the media referenced by msg into memory.
	Download(ctx context.Context, msg domain.InboundMessage) ([]byte, error)

	// Close tears down the connection. It must be safe to call more than once.
	Close()
}

// Emit delivers an event from a Session to its Manager.
type Emit func(Event)

// Dialer establishes new sessions from persisted credentials.
type Dialer interface {
	// Dial starts connecting and returns immediately. Outcomes arrive
	// through emit. An error means a startup precondition failed (for
	// example the credential store could not be loaded) and is not retried.
	Dial(ctx context.Context, emit Emit) (Session, error)
}

// QRRenderer displays a pairing challenge to the operator.
type QRRenderer interface {
	RenderQR(code string)
}

// EventKind tags an Event.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventClose
	EventQR
	EventCredentialsUpdated
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventQR:
		return "qr"
	case EventCredentialsUpdated:
		return "creds_update"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one item of a session's event stream.
type Event struct {
	Kind EventKind

	// Open
	Identity string
	Version  string

	// Close
	Reason domain.DisconnectReason
	Err    error

	// QR
	QR string

	// Message
	Message domain.InboundMessage
}

// Opened builds an open event.
func Opened(identity, version string) Event {
	return Event{Kind: EventOpen, Identity: identity, Version: version}
}

// Closed builds a close event.
func Closed(reason domain.DisconnectReason, err error) Event {
	return Event{Kind: EventClose, Reason: reason, Err: err}
}

// PairingChallenge builds a QR event.
func PairingChallenge(code string) Event {
	return Event{Kind: EventQR, QR: code}
}

// CredentialsUpdated builds a credential-persist event.
func CredentialsUpdated() Event {
	return Event{Kind: EventCredentialsUpdated}
}

// Received builds an inbound message event.
func Received(msg domain.InboundMessage) Event {
	return Event{Kind: EventMessage, Message: msg}
}
