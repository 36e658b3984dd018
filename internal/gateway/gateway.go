// Package gateway relays send_message commands from a control channel to
// the open session.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/session"
)

const (
	userServer = "s.whatsapp.net"

	// maxLineSize bounds one command line.
	maxLineSize = 1 << 20
)

var (
	// ErrMalformedCommand is returned for lines that are not a JSON command.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrMissingField is returned when a send_message lacks a recipient or text.
	ErrMissingField = errors.New("send_message requires to and message")
)

// SessionSource yields the open session, if any.
type SessionSource interface {
	Current() (session.Session, bool)
}

// Gateway parses and executes control commands.
type Gateway struct {
	sessions SessionSource
	logger   *slog.Logger
}

// New creates a Gateway.
func New(sessions SessionSource, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{sessions: sessions, logger: logger}
}

// NormalizeRecipient turns a phone number into a user JID. Values that
// already name a server are returned unchanged.
func NormalizeRecipient(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	to = strings.NewReplacer("+", "", "-", "", " ", "").Replace(to)
	return to + "@" + userServer
}

// Serve reads line-delimited commands from r until EOF, a read error, or
// ctx is done. Failed commands are logged and skipped.
func (g *Gateway) Serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Errors are already logged by Handle.
		_ = g.Handle(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read commands: %w", err)
	}
	g.logger.Info("control_stream_closed")
	return nil
}

// Handle executes one command line. Unknown command types are ignored and
// return nil.
func (g *Gateway) Handle(ctx context.Context, line []byte) error {
	var cmd domain.Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		g.logger.Error("command_parse_failed", "error", err, "raw_command", string(line))
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return g.Execute(ctx, cmd)
}

// Execute runs a decoded command.
func (g *Gateway) Execute(ctx context.Context, cmd domain.Command) error {
	if cmd.Type != domain.CommandSendMessage {
		g.logger.Debug("command_ignored", "type", cmd.Type)
		return nil
	}
	if strings.TrimSpace(cmd.To) == "" || cmd.Message == "" {
		g.logger.Error("command_invalid", "error", ErrMissingField, "to", cmd.To)
		return ErrMissingField
	}

	sess, ok := g.sessions.Current()
	if !ok {
		g.logger.Warn("send_skipped", "reason", "no open session", "to", cmd.To)
		return session.ErrNoSession
	}

	to := NormalizeRecipient(cmd.To)
	if err := sess.SendText(ctx, to, cmd.Message); err != nil {
		g.logger.Error("send_message_failed", "error", err, "to", to)
		return fmt.Errorf("send message: %w", err)
	}
	g.logger.Info("message_sent", "to", to)
	return nil
}
