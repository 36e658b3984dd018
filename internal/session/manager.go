package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/monitor"
)

const (
	// DefaultMaxAttempts is the reconnect ceiling.
	DefaultMaxAttempts = 5

	// DefaultReconnectDelay is the constant wait before each redial.
	DefaultReconnectDelay = 5 * time.Second

	eventBuffer = 64
)

// MessageHandler processes one inbound message. It runs on its own goroutine.
type MessageHandler func(ctx context.Context, msg domain.InboundMessage)

// CredentialsHook runs synchronously after every credential persist.
type CredentialsHook func(ctx context.Context)

// Options configures a Manager.
type Options struct {
	MaxAttempts int
	Delay       time.Duration

	// AfterFunc schedules f after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func())

	Logger *slog.Logger
}

// Snapshot is a point-in-time view of the Manager.
type Snapshot struct {
	State    domain.ConnectionState `json:"-"`
	Status   string                 `json:"state"`
	Attempts int                    `json:"reconnect_count"`
	Identity string                 `json:"identity,omitempty"`
}

// tagged is an event stamped with the generation of the session that
// produced it. Redials are internal and carry the generation they follow.
type tagged struct {
	gen    uint64
	redial bool
	event  Event
}

// Manager is the connection state machine. Its loop goroutine is the only
// writer of the session handle; other components read it via Current.
type Manager struct {
	dialer   Dialer
	reporter monitor.Reporter
	opts     Options
	logger   *slog.Logger

	qr            QRRenderer
	onMessage     MessageHandler
	onCredentials CredentialsHook

	events chan tagged
	done   chan struct{}
	once   sync.Once

	// generation is touched only by the loop goroutine.
	generation uint64

	mu       sync.RWMutex
	session  Session
	state    domain.ConnectionState
	attempts int
	identity string

	handlers sync.WaitGroup
}

// NewManager creates a Manager. Zero option values take the defaults.
func NewManager(dialer Dialer, reporter monitor.Reporter, opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultReconnectDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		reporter: reporter,
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan tagged, eventBuffer),
		done:     make(chan struct{}),
		state:    domain.StateConnecting,
	}
}

// SetQRRenderer sets the collaborator that displays pairing challenges.
func (m *Manager) SetQRRenderer(r QRRenderer) {
	m.qr = r
}

// SetMessageHandler sets the inbound message handler.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.onMessage = h
}

// SetCredentialsHook sets the hook run after each credential update.
func (m *Manager) SetCredentialsHook(h CredentialsHook) {
	m.onCredentials = h
}

// Current returns the session if one is open.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != domain.StateOpen || m.session == nil {
		return nil, false
	}
	return m.session, true
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempts returns the reconnect counter.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Snapshot returns the state, counter and identity together.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:    m.state,
		Status:   m.state.String(),
		Attempts: m.attempts,
		Identity: m.identity,
	}
}

// Run dials the first session and processes events until ctx is done
// (returns nil), a dial fails (returns the dial error), or the session is
// terminally lost (returns an error wrapping ErrTerminal). In-flight
// message handlers are drained before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.handlers.Wait()
	defer m.shutdown()

	if err := m.start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Session manager shutting down", "reason", ctx.Err())
			return nil
		case t := <-m.events:
			if err := m.handle(ctx, t); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) shutdown() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	sess := m.session
	m.session = nil
	if m.state != domain.StateClosedTerminal {
		m.state = domain.StateClosedRecoverable
	}
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// post hands an event to the loop. It gives up once the loop has exited so
// late emitters and stale timers never block.
func (m *Manager) post(t tagged) {
	select {
	case m.events <- t:
	case <-m.done:
	}
}

func (m *Manager) start(ctx context.Context) error {
	m.generation++
	gen := m.generation

	m.mu.Lock()
	old := m.session
	m.session = nil
	m.state = domain.StateConnecting
	attempts := m.attempts
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Info("connecting", "generation", gen, "reconnect_count", attempts)
	m.reporter.Status(ctx, monitor.StatusConnecting, monitor.Attributes{
		"reconnect_count": attempts,
	})

	sess, err := m.dialer.Dial(ctx, func(ev Event) {
		m.post(tagged{gen: gen, event: ev})
	})
	if err != nil {
		m.logger.Error("session_start_failed", "error", err)
		return err
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	return nil
}

func (m *Manager) handle(ctx context.Context, t tagged) error {
	if t.gen != m.generation {
		m.logger.Debug("Dropping event from stale session",
			"event", t.event.Kind.String(),
			"generation", t.gen,
			"current", m.generation)
		return nil
	}

	if t.redial {
		if m.State() != domain.StateClosedRecoverable {
			return nil
		}
		return m.start(ctx)
	}

	ev := t.event
	switch ev.Kind {
	case EventOpen:
		m.handleOpen(ctx, ev)
	case EventClose:
		return m.handleClose(ctx, ev)
	case EventQR:
		m.handleQR(ctx, ev)
	case EventCredentialsUpdated:
		if m.onCredentials != nil {
			m.onCredentials(ctx)
		}
	case EventMessage:
		if m.onMessage == nil {
			return nil
		}
		m.handlers.Add(1)
		go func(msg domain.InboundMessage) {
			defer m.handlers.Done()
			m.onMessage(ctx, msg)
		}(ev.Message)
	}
	return nil
}

func (m *Manager) handleOpen(ctx context.Context, ev Event) {
	m.mu.Lock()
	m.state = domain.StateOpen
	m.attempts = 0
	m.identity = ev.Identity
	m.mu.Unlock()

	m.logger.Info("connection_established", "version", ev.Version, "phone", ev.Identity)
	m.reporter.Status(ctx, monitor.StatusConnected, monitor.Attributes{
		"phone":   ev.Identity,
		"version": ev.Version,
	})
}

func (m *Manager) handleClose(ctx context.Context, ev Event) error {
	m.mu.Lock()
	if m.state == domain.StateClosedRecoverable || m.state == domain.StateClosedTerminal {
		// A session reports its close once; repeats are ignored.
		m.mu.Unlock()
		return nil
	}

	terminal := ev.Reason.IsLogout()
	if !terminal {
		m.attempts++
		terminal = m.attempts >= m.opts.MaxAttempts
	}
	if terminal {
		m.state = domain.StateClosedTerminal
	} else {
		m.state = domain.StateClosedRecoverable
	}
	attempts := m.attempts
	m.mu.Unlock()

	attrs := []any{
		"status", "close",
		"disconnect_reason", ev.Reason.String(),
		"reconnect_count", attempts,
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	m.logger.Info("connection_update", attrs...)

	m.reporter.Status(ctx, monitor.StatusDisconnected, monitor.Attributes{
		"reason":          ev.Reason.String(),
		"reconnect_count": attempts,
		"terminal":        terminal,
	})

	if ev.Reason.IsLogout() {
		m.logger.Error("logged_out", "final_error", ev.Reason.String())
		return ErrLoggedOut
	}
	if terminal {
		m.logger.Error("max_reconnects_reached",
			"max_attempts", m.opts.MaxAttempts,
			"final_error", ev.Reason.String())
		return ErrReconnectsExhausted
	}

	m.logger.Info("reconnecting",
		"attempt", attempts,
		"max_attempts", m.opts.MaxAttempts,
		"next_attempt_ms", m.opts.Delay.Milliseconds())

	gen := m.generation
	m.opts.AfterFunc(m.opts.Delay, func() {
		m.post(tagged{gen: gen, redial: true})
	})
	return nil
}

func (m *Manager) handleQR(ctx context.Context, ev Event) {
	if m.qr != nil {
		m.qr.RenderQR(ev.QR)
	}
	m.reporter.Status(ctx, monitor.StatusQRCode, monitor.Attributes{"qr": ev.QR})
	m.logger.Info("qr_code_generated", "timestamp", time.Now().UTC().Format(time.RFC3339))
}
