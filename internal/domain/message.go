package domain

import (
	"time"
)

// PayloadKind classifies inbound message content.
type PayloadKind string

const (
	PayloadAudio PayloadKind = "audio"
	PayloadOther PayloadKind = "other"
)

// InboundMessage is a received message as seen by the dispatch pipeline.
// It is consumed once and never persisted.
type InboundMessage struct {
	ID         string
	SenderID   string
	Timestamp  time.Time
	Kind       PayloadKind
	FromMe     bool
	HasPayload bool
	// Media is the protocol-specific reference handed back to the session
	// for download. Nil unless Kind is PayloadAudio.
	Media any
}

// IsAudio returns true if the message carries an audio payload.
func (m InboundMessage) IsAudio() bool {
	return m.Kind == PayloadAudio
}

// DeliveryResult is the outcome of forwarding one audio message.
type DeliveryResult struct {
	Success  bool
	Duration time.Duration
	Err      error
}

// CommandSendMessage is the only control command type acted upon.
const CommandSendMessage = "send_message"

// Command is one control-channel instruction.
type Command struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Message string `json:"message"`
}
