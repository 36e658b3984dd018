package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/monitor"
)

type fakeSession struct {
	mu     sync.Mutex
	emit   Emit
	closed bool
	sent   []string
}

func (s *fakeSession) SendText(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+":"+text)
	return nil
}

func (s *fakeSession) Download(context.Context, domain.InboundMessage) ([]byte, error) {
	return []byte("audio"), nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (d *fakeDialer) Dial(_ context.Context, emit Emit) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSession{emit: emit}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1]
}

// fakeTimers collects scheduled reconnects so tests fire them explicitly.
type fakeTimers struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, fn)
	f.delays = append(f.delays, d)
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeTimers) fireNext(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		t.Fatal("no reconnect scheduled")
	}
	fn := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	fn()
}

type harness struct {
	mgr      *Manager
	dialer   *fakeDialer
	timers   *fakeTimers
	reporter *monitor.Recorder
	cancel   context.CancelFunc
	result   chan error
}

func startHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	return startHarnessWith(t, maxAttempts, nil)
}

// startHarnessWith lets setup wire collaborators before the loop starts.
func startHarnessWith(t *testing.T, maxAttempts int, setup func(*Manager)) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		timers:   &fakeTimers{},
		reporter: monitor.NewRecorder(),
		result:   make(chan error, 1),
	}
	h.mgr = NewManager(h.dialer, h.reporter, Options{
		MaxAttempts: maxAttempts,
		Delay:       5000 * time.Millisecond,
		AfterFunc:   h.timers.AfterFunc,
	})
	if setup != nil {
		setup(h.mgr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() { h.result <- h.mgr.Run(ctx) }()
	waitFor(t, "first dial", func() bool { return h.dialer.count() == 1 })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// disconnect emits a recoverable close on the current session and, unless it
// is expected to be terminal, fires the reconnect and waits for the new dial.
func (h *harness) disconnect(t *testing.T, expectRedial bool) {
	t.Helper()
	dials := h.dialer.count()
	scheduled := h.timers.count()
	h.dialer.last().emit(Closed(domain.ReasonConnectionLost, errors.New("socket closed")))
	if !expectRedial {
		return
	}
	waitFor(t, "reconnect scheduled", func() bool { return h.timers.count() == scheduled+1 })
	h.timers.fireNext(t)
	waitFor(t, "redial", func() bool { return h.dialer.count() == dials+1 })
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	h.dialer.last().emit(Opened("5511999999999@s.whatsapp.net", "2.3000.1"))
	waitFor(t, "open", func() bool {
		statuses := h.reporter.Statuses()
		return h.mgr.State() == domain.StateOpen &&
			len(statuses) > 0 && statuses[len(statuses)-1].Status == monitor.StatusConnected
	})
}

func TestOpenResetsCounterAndReports(t *testing.T) {
	h := startHarness(t, 5)

	h.disconnect(t, true)
	h.disconnect(t, true)
	if got := h.mgr.Attempts(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	h.open(t)
	if got := h.mgr.Attempts(); got != 0 {
		t.Errorf("expected counter reset on open, got %d", got)
	}
	if _, ok := h.mgr.Current(); !ok {
		t.Error("expected current session while open")
	}

	statuses := h.reporter.Statuses()
	last := statuses[len(statuses)-1]
	if last.Status != monitor.StatusConnected {
		t.Fatalf("expected connected report, got %s", last.Status)
	}
	if last.Attrs["phone"] != "5511999999999@s.whatsapp.net" || last.Attrs["version"] != "2.3000.1" {
		t.Errorf("unexpected connected attributes: %v", last.Attrs)
	}
}

func TestCeilingTerminatesAfterFifthDisconnect(t *testing.T) {
	h := startHarness(t, 5)

	for i := 1; i <= 4; i++ {
		h.disconnect(t, true)
		if got := h.mgr.Attempts(); got != i {
			t.Fatalf("after disconnect %d expected counter %d, got %d", i, i, got)
		}
	}
	h.disconnect(t, false)

	err := h.waitResult(t)
	if !errors.Is(err, ErrReconnectsExhausted) || !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrReconnectsExhausted, got %v", err)
	}
	if h.mgr.State() != domain.StateClosedTerminal {
		t.Errorf("expected terminal state, got %s", h.mgr.State())
	}
	if got := h.timers.count(); got != 0 {
		t.Errorf("no reconnect may be scheduled after the ceiling, %d pending", got)
	}
	if got := h.dialer.count(); got != 5 {
		t.Errorf("expected 5 dials, got %d", got)
	}
	for _, d := range h.timers.delays {
		if d != 5000*time.Millisecond {
			t.Errorf("reconnect delay must be constant, got %v", d)
		}
	}
}

func TestOpenBetweenDisconnectsRestartsCeiling(t *testing.T) {
	h := startHarness(t, 5)

	for i := 0; i < 3; i++ {
		h.disconnect(t, true)
	}
	h.open(t)

	// Five more are needed from here.
	for i := 0; i < 4; i++ {
		h.disconnect(t, true)
	}
	if h.mgr.State() == domain.StateClosedTerminal {
		t.Fatal("should not be terminal after 4 disconnects since the last open")
	}
	h.disconnect(t, false)

	if err := h.waitResult(t); !errors.Is(err, ErrReconnectsExhausted) {
		t.Fatalf("expected ErrReconnectsExhausted, got %v", err)
	}
}

func TestLogoutIsTerminalRegardlessOfCounter(t *testing.T) {
	h := startHarness(t, 5)
	h.disconnect(t, true)

	h.dialer.last().emit(Closed(domain.ReasonLoggedOut, nil))

	err := h.waitResult(t)
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if got := h.mgr.Attempts(); got != 1 {
		t.Errorf("logout must not touch the counter, got %d", got)
	}
	if got := h.timers.count(); got != 0 {
		t.Errorf("no reconnect may follow a logout, %d pending", got)
	}

	statuses := h.reporter.Statuses()
	last := statuses[len(statuses)-1]
	if last.Status != monitor.StatusDisconnected || last.Attrs["terminal"] != true || last.Attrs["reason"] != "logged_out" {
		t.Errorf("unexpected final report: %+v", last)
	}
	if !h.dialer.last().isClosed() {
		t.Error("session should be closed on exit")
	}
	if got := h.mgr.State(); got != domain.StateClosedTerminal {
		t.Errorf("terminal state must survive shutdown, got %s", got)
	}
}

func TestQRDoesNotChangeState(t *testing.T) {
	renderer := &recordingRenderer{}
	h := startHarnessWith(t, 5, func(m *Manager) { m.SetQRRenderer(renderer) })

	h.dialer.last().emit(PairingChallenge("2@abc,def"))
	waitFor(t, "qr report", func() bool {
		for _, s := range h.reporter.Statuses() {
			if s.Status == monitor.StatusQRCode && s.Attrs["qr"] == "2@abc,def" {
				return true
			}
		}
		return false
	})

	if h.mgr.State() != domain.StateConnecting {
		t.Errorf("QR must not change state, got %s", h.mgr.State())
	}
	if got := renderer.codes(); len(got) != 1 || got[0] != "2@abc,def" {
		t.Errorf("expected QR to be rendered once, got %v", got)
	}
}

func TestStaleSessionEventsAreIgnored(t *testing.T) {
	h := startHarness(t, 5)
	h.disconnect(t, true)

	stale := h.dialer.session(0)
	if !stale.isClosed() {
		t.Error("replaced session should be closed")
	}

	stale.emit(Opened("stale", "0"))
	stale.emit(Closed(domain.ReasonConnectionLost, nil))

	// A marker from the live session proves the stale events were consumed.
	h.open(t)
	if got := h.mgr.Snapshot().Identity; got == "stale" {
		t.Error("stale open event was applied")
	}
	if got := h.timers.count(); got != 0 {
		t.Errorf("stale close scheduled a reconnect: %d pending", got)
	}
}

func TestDuplicateCloseIsIgnored(t *testing.T) {
	h := startHarness(t, 5)
	sess := h.dialer.last()

	sess.emit(Closed(domain.ReasonConnectionLost, nil))
	sess.emit(Closed(domain.ReasonConnectionClosed, nil))
	sess.emit(CredentialsUpdated())

	waitFor(t, "reconnect scheduled", func() bool { return h.timers.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := h.mgr.Attempts(); got != 1 {
		t.Errorf("expected one increment, got %d", got)
	}
}

func TestCredentialsHookAndMessagesDispatch(t *testing.T) {
	var mu sync.Mutex
	var creds int
	var got []string
	h := startHarnessWith(t, 5, func(m *Manager) {
		m.SetCredentialsHook(func(context.Context) {
			mu.Lock()
			creds++
			mu.Unlock()
		})
		m.SetMessageHandler(func(_ context.Context, msg domain.InboundMessage) {
			mu.Lock()
			got = append(got, msg.ID)
			mu.Unlock()
		})
	})

	sess := h.dialer.last()
	sess.emit(CredentialsUpdated())
	sess.emit(Received(domain.InboundMessage{ID: "m1", HasPayload: true}))
	sess.emit(Received(domain.InboundMessage{ID: "m2", HasPayload: true}))

	waitFor(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return creds == 1 && len(got) == 2
	})
}

func TestDialFailureIsReturned(t *testing.T) {
	dialErr := errors.New("load auth state: disk full")
	mgr := NewManager(&fakeDialer{err: dialErr}, monitor.NewRecorder(), Options{})

	if err := mgr.Run(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestCancelStopsRunCleanly(t *testing.T) {
	h := startHarness(t, 5)
	h.open(t)
	h.cancel()

	if err := h.waitResult(t); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if _, ok := h.mgr.Current(); ok {
		t.Error("no session should be current after shutdown")
	}
	if snap := h.mgr.Snapshot(); snap.State == domain.StateOpen || snap.Status != "closed" {
		t.Errorf("expected closed snapshot after shutdown, got %+v", snap)
	}

	// Late emitters must not block once the loop has exited.
	done := make(chan struct{})
	go func() {
		h.dialer.last().emit(Closed(domain.ReasonConnectionLost, nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked after shutdown")
	}
}

type recordingRenderer struct {
	mu  sync.Mutex
	got []string
}

func (r *recordingRenderer) RenderQR(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, code)
}

func (r *recordingRenderer) codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}
