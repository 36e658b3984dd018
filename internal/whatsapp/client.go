// Package whatsapp adapts whatsmeow to the session interfaces. Each Dial
// builds a fresh client over a device store that is loaded once.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/session"
	"github.com/ashureev/wabridge/internal/store"
)

// ErrNoMedia is returned when a message carries nothing downloadable.
var ErrNoMedia = errors.New("message has no downloadable media")

func waVersion() string {
	return wastore.GetWAVersion().String()
}

// Dialer creates whatsmeow sessions from the persisted device.
type Dialer struct {
	device *wastore.Device
	logger *slog.Logger
	waLog  waLog.Logger
}

// NewDialer upgrades the whatsmeow schema in db and loads the first device,
// creating an unpaired one if none exists.
func NewDialer(ctx context.Context, db *sql.DB, deviceName string, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deviceName != "" {
		wastore.DeviceProps.Os = proto.String(deviceName)
	}

	wl := NewLogger(logger, "whatsmeow")
	container := sqlstore.NewWithDB(db, store.Driver, wl.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	return &Dialer{device: device, logger: logger, waLog: wl}, nil
}

// Paired reports whether the device has been linked to an account.
func (d *Dialer) Paired() bool {
	return d.device.ID != nil
}

// Dial starts a new client. Connection outcomes arrive through emit.
func (d *Dialer) Dial(ctx context.Context, emit session.Emit) (session.Session, error) {
	client := whatsmeow.NewClient(d.device, d.waLog.Sub("Client"))
	client.EnableAutoReconnect = false

	s := &Session{client: client}
	client.AddEventHandler(func(evt any) {
		for _, ev := range translate(evt, s.self()) {
			emit(ev)
		}
	})

	if client.Store.ID == nil {
		qrs, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("open pairing channel: %w", err)
		}
		go func() {
			for item := range qrs {
				if ev, ok := translateQR(item); ok {
					emit(ev)
				}
			}
		}()
	}

	go func() {
		if err := client.Connect(); err != nil {
			d.logger.Warn("connect_failed", "error", err)
			emit(session.Closed(domain.ReasonConnectionLost, fmt.Errorf("connect: %w", err)))
		}
	}()

	return s, nil
}

// Session wraps one whatsmeow client.
type Session struct {
	client *whatsmeow.Client
	once   sync.Once
}

func (s *Session) self() string {
	if id := s.client.Store.ID; id != nil {
		return id.User
	}
	return ""
}

// SendText sends a plain conversation message to a JID.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse recipient %q: %w", to, err)
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

// Download fetches and decrypts the message's media.
func (s *Session) Download(ctx context.Context, msg domain.InboundMessage) ([]byte, error) {
	media, ok := msg.Media.(whatsmeow.DownloadableMessage)
	if !ok || media == nil {
		return nil, ErrNoMedia
	}
	return s.client.Download(ctx, media)
}

// Close disconnects the client.
func (s *Session) Close() {
	s.once.Do(s.client.Disconnect)
}

// TerminalQR renders pairing codes as half-block QR codes.
type TerminalQR struct {
	w io.Writer
}

// NewTerminalQR creates a renderer writing to w.
func NewTerminalQR(w io.Writer) *TerminalQR {
	return &TerminalQR{w: w}
}

// RenderQR draws code.
func (q *TerminalQR) RenderQR(code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, q.w)
}

var (
	_ session.Dialer     = (*Dialer)(nil)
	_ session.Session    = (*Session)(nil)
	_ session.QRRenderer = (*TerminalQR)(nil)
)
