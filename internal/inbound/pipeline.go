// Package inbound filters received messages, downloads audio payloads and
// forwards them to the backend webhook. Delivery is at-most-once: a failed
// message is reported and dropped.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/monitor"
	"github.com/ashureev/wabridge/internal/session"
)

const userServerSuffix = "@s.whatsapp.net"

// SessionSource yields the open session, if any.
type SessionSource interface {
	Current() (session.Session, bool)
}

// Pipeline handles inbound message events.
type Pipeline struct {
	sessions  SessionSource
	deliverer Deliverer
	reporter  monitor.Reporter
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(sessions SessionSource, deliverer Deliverer, reporter monitor.Reporter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sessions:  sessions,
		deliverer: deliverer,
		reporter:  reporter,
		logger:    logger,
		now:       time.Now,
	}
}

// SenderNumber strips the user server suffix from a JID.
func SenderNumber(jid string) string {
	return strings.TrimSuffix(jid, userServerSuffix)
}

// Handle processes one message. Download, delivery and the metric report
// run in sequence; nothing is retried.
func (p *Pipeline) Handle(ctx context.Context, msg domain.InboundMessage) {
	if !msg.HasPayload || msg.FromMe {
		return
	}

	kind := domain.PayloadOther
	if msg.IsAudio() {
		kind = domain.PayloadAudio
	}
	p.reporter.Status(ctx, monitor.StatusMessageReceived, monitor.Attributes{
		"message_type": string(kind),
	})

	if !msg.IsAudio() {
		return
	}

	from := SenderNumber(msg.SenderID)
	logger := p.logger.With(
		"message_id", msg.ID,
		"from", from,
		"timestamp", msg.Timestamp.UTC().Format(time.RFC3339),
		"media_type", string(domain.PayloadAudio),
	)
	logger.Info("processing_audio")

	start := p.now()
	err := p.forward(ctx, msg, from)
	duration := p.now().Sub(start)

	if err != nil {
		logger.Error("audio_processing_failed",
			"error", err,
			"status", "failed",
			"duration", duration.Seconds())
		p.reporter.Processed(ctx, domain.DeliveryResult{Success: false, Duration: duration, Err: err})
		return
	}

	logger.Info("audio_processed",
		"status", "success",
		"duration", duration.Seconds())
	p.reporter.Processed(ctx, domain.DeliveryResult{Success: true, Duration: duration})
}

func (p *Pipeline) forward(ctx context.Context, msg domain.InboundMessage, from string) error {
	sess, ok := p.sessions.Current()
	if !ok {
		return fmt.Errorf("download media: %w", session.ErrNoSession)
	}

	audio, err := sess.Download(ctx, msg)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}

	if err := p.deliverer.Deliver(ctx, Delivery{
		From:      from,
		MessageID: msg.ID,
		Audio:     audio,
	}); err != nil {
		return fmt.Errorf("deliver audio: %w", err)
	}
	return nil
}
