package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tick-feed-supervisor/internal/alerting"
	"tick-feed-supervisor/internal/credential"
	"tick-feed-supervisor/internal/markethours"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCreds struct {
	cred credential.Credential
	err  error
}

func (f *fakeCreds) Read() (credential.Credential, error) {
	return f.cred, f.err
}

type alertRecord struct {
	severity alerting.Severity
	code     string
}

type captureAlerts struct {
	mu     sync.Mutex
	events []alertRecord
}

func (c *captureAlerts) Emit(severity alerting.Severity, code, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, alertRecord{severity: severity, code: code})
}

func (c *captureAlerts) find(code string) (alertRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.code == code {
			return e, true
		}
	}
	return alertRecord{}, false
}

type fakeSink struct {
	mu      sync.Mutex
	keys    []string
	flushes int
}

func (s *fakeSink) Accept(_ context.Context, _ string, tick Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, tick.Key())
	return nil
}

func (s *fakeSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeSink) accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *fakeSink) flushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type readStep struct {
	before func()
	data   []byte
	err    error
}

type fakeConn struct {
	mu     sync.Mutex
	steps  []readStep
	subs   [][]string
	subErr error
	closed bool
}

func (c *fakeConn) Subscribe(_ context.Context, securityIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, securityIDs)
	return c.subErr
}

func (c *fakeConn) Read(context.Context) ([]byte, error) {
	c.mu.Lock()
	if len(c.steps) == 0 {
		c.mu.Unlock()
		return nil, io.EOF
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	c.mu.Unlock()

	if step.before != nil {
		step.before()
	}
	return step.data, step.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu     sync.Mutex
	script []dialResult
	dials  int
}

func (d *fakeDialer) Dial(context.Context, credential.Credential) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.script) == 0 {
		return nil, errors.New("dial script exhausted")
	}
	res := d.script[0]
	if len(d.script) > 1 {
		d.script = d.script[1:]
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testWindow(t *testing.T) markethours.Window {
	t.Helper()
	w, err := markethours.NewWindow("09:00", "15:31", "Asia/Kolkata")
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	return w
}

func istTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return time.Date(2026, 1, 5, hour, min, 0, 0, loc)
}

func validCredential(now time.Time) credential.Credential {
	return credential.Credential{
		AccessToken: "tok",
		ClientID:    "c1",
		IssuedAt:    now.Add(-time.Hour),
		ExpiresAt:   now.Add(24 * time.Hour),
	}
}

type harness struct {
	sup    *Supervisor
	clock  *fakeClock
	dialer *fakeDialer
	sink   *fakeSink
	alerts *captureAlerts
	sleeps []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T, opts Options, dialer *fakeDialer, creds CredentialReader, clock *fakeClock) *harness {
	t.Helper()
	h := &harness{
		clock:  clock,
		dialer: dialer,
		sink:   &fakeSink{},
		alerts: &captureAlerts{},
	}
	h.sup = NewSupervisor(opts, dialer, creds, testWindow(t), h.sink, h.alerts, zerolog.Nop())
	h.sup.now = clock.Now
	return h
}

// onSleep installs a sleep hook that records waits and invokes decide with the
// one-based call count; decide returns false to abort the wait.
func (h *harness) onSleep(decide func(n int, d time.Duration) bool) {
	h.sup.sleep = func(_ context.Context, d time.Duration) bool {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		n := len(h.sleeps)
		h.mu.Unlock()
		return decide(n, d)
	}
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Duration, len(h.sleeps))
	copy(out, h.sleeps)
	return out
}

func (h *harness) run(t *testing.T, ctx context.Context) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.sup.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorStaysDormantWhileMarketClosed(t *testing.T) {
	clock := &fakeClock{now: istTime(t, 20, 0)}
	dialer := &fakeDialer{script: []dialResult{{conn: &fakeConn{}}}}
	creds := &fakeCreds{cred: validCredential(clock.Now())}

	h := newHarness(t, Options{GroupID: "group_01"}, dialer, creds, clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep(func(n int, d time.Duration) bool {
		if d <= 0 {
			t.Errorf("dormant wait should be positive, got %v", d)
		}
		cancel()
		return false
	})

	h.run(t, ctx)

	if dialer.dialCount() != 0 {
		t.Errorf("no connection should be attempted while closed, got %d dials", dialer.dialCount())
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", h.sup.State())
	}
}

func TestSupervisorAbortsConnectOnExpiredSnapshot(t *testing.T) {
	clock := &fakeClock{now: istTime(t, 10, 0)}
	dialer := &fakeDialer{script: []dialResult{{conn: &fakeConn{}}}}
	expired := validCredential(clock.Now())
	expired.ExpiresAt = clock.Now().Add(-time.Hour)
	creds := &fakeCreds{cred: expired}

	h := newHarness(t, Options{GroupID: "group_01"}, dialer, creds, clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep(func(int, time.Duration) bool {
		cancel()
		return false
	})

	h.run(t, ctx)

	if dialer.dialCount() != 0 {
		t.Errorf("expired snapshot must not reach the network, got %d dials", dialer.dialCount())
	}
	rec, ok := h.alerts.find("stale_credential")
	if !ok {
		t.Fatal("expected stale_credential alert")
	}
	if rec.severity != alerting.SeverityError {
		t.Errorf("severity = %v, want ERROR", rec.severity)
	}
}

func TestSupervisorBackoffDoublesUpToCap(t *testing.T) {
	clock := &fakeClock{now: istTime(t, 10, 0)}
	dialer := &fakeDialer{script: []dialResult{{err: errors.New("refused")}}}
	creds := &fakeCreds{cred: validCredential(clock.Now())}

	opts := Options{
		GroupID:        "group_01",
		SecurityIDs:    []string{"1333"},
		BackoffInitial: time.Second,
		BackoffMax:     4 * time.Second,
		StableReset:    30 * time.Second,
	}
	h := newHarness(t, opts, dialer, creds, clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep(func(n int, _ time.Duration) bool {
		if n >= 4 {
			cancel()
			return false
		}
		return true
	})

	h.run(t, ctx)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	got := h.recordedSleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSupervisorBackoffResetsAfterStableSession(t *testing.T) {
	clock := &fakeClock{now: istTime(t, 10, 0)}
	at := istTime(t, 10, 0)

	conn := &fakeConn{steps: []readStep{
		{data: fullPacket(1333, 100.5, 10, at), before: func() { clock.Advance(40 * time.Second) }},
		{err: io.EOF},
	}}
	dialer := &fakeDialer{script: []dialResult{
		{err: errors.New("refused")},
		{conn: conn},
	}}
	creds := &fakeCreds{cred: validCredential(clock.Now())}

	opts := Options{
		GroupID:        "group_01",
		SecurityIDs:    []string{"1333"},
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
		StableReset:    30 * time.Second,
	}
	h := newHarness(t, opts, dialer, creds, clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep(func(n int, _ time.Duration) bool {
		if n >= 2 {
			cancel()
			return false
		}
		return true
	})

	h.run(t, ctx)

	got := h.recordedSleeps()
	if len(got) != 2 {
		t.Fatalf("expected 2 retry waits, got %v", got)
	}
	if got[0] != time.Second {
		t.Errorf("first retry = %v, want 1s", got[0])
	}
	if got[1] != time.Second {
		t.Errorf("retry after stable session = %v, want reset to 1s", got[1])
	}
	if h.sink.accepted() != 1 {
		t.Errorf("accepted ticks = %d, want 1", h.sink.accepted())
	}
}

func TestSupervisorDrainsAtMarketClose(t *testing.T) {
	clock := &fakeClock{now: istTime(t, 15, 30)}
	at := istTime(t, 15, 30)

	conn := &fakeConn{steps: []readStep{
		{data: fullPacket(1333, 100.5, 10, at)},
		{data: fullPacket(1333, 100.6, 5, at.Add(time.Second)), before: func() { clock.Set(istTime(t, 16, 0)) }},
	}}
	dialer := &fakeDialer{script: []dialResult{{conn: conn}}}
	creds := &fakeCreds{cred: validCredential(clock.Now())}

	h := newHarness(t, Options{GroupID: "group_01", SecurityIDs: []string{"1333"}}, dialer, creds, clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep(func(int, time.Duration) bool {
		cancel()
		return false
	})

	h.run(t, ctx)

	if h.sink.accepted() != 2 {
		t.Errorf("accepted ticks = %d, want 2", h.sink.accepted())
	}
	if h.sink.flushed() != 1 {
		t.Errorf("flushes = %d, want 1", h.sink.flushed())
	}
	if !conn.isClosed() {
		t.Error("connection should be closed after drain")
	}
	if _, ok := h.alerts.find("stream_drained"); !ok {
		t.Error("expected stream_drained alert")
	}
	if dialer.dialCount() != 1 {
		t.Errorf("no reconnect after market close, got %d dials", dialer.dialCount())
	}
}

func TestSupervisorReconnectsWhenMalformedRateTripsBreaker(t *testing.T) {
	clock := &fakeClock{now: istTime(t, 10, 0)}

	bad := make([]byte, 62)
	bad[0] = 2
	conn := &fakeConn{steps: []readStep{
		{data: bad}, {data: bad}, {data: bad}, {data: bad}, {data: bad},
	}}
	dialer := &fakeDialer{script: []dialResult{{conn: conn}}}
	creds := &fakeCreds{cred: validCredential(clock.Now())}

	opts := Options{
		GroupID:         "group_01",
		SecurityIDs:     []string{"1333"},
		MalformedRatio:  0.5,
		MalformedMinMsg: 5,
	}
	h := newHarness(t, opts, dialer, creds, clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep(func(int, time.Duration) bool {
		cancel()
		return false
	})

	h.run(t, ctx)

	rec, ok := h.alerts.find("protocol_unhealthy")
	if !ok {
		t.Fatal("expected protocol_unhealthy alert")
	}
	if rec.severity != alerting.SeverityWarn {
		t.Errorf("severity = %v, want WARN", rec.severity)
	}
	if h.sink.accepted() != 0 {
		t.Errorf("malformed packets must not reach the sink, got %d", h.sink.accepted())
	}
	if !conn.isClosed() {
		t.Error("unhealthy connection should be closed")
	}
}

func TestSupervisorRetriesAfterSubscribeFailure(t *testing.T) {
	clock := &fakeClock{now: istTime(t, 10, 0)}
	conn := &fakeConn{subErr: errors.New("throttled")}
	dialer := &fakeDialer{script: []dialResult{{conn: conn}}}
	creds := &fakeCreds{cred: validCredential(clock.Now())}

	h := newHarness(t, Options{GroupID: "group_01", SecurityIDs: []string{"1333"}}, dialer, creds, clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep(func(int, time.Duration) bool {
		cancel()
		return false
	})

	h.run(t, ctx)

	if !conn.isClosed() {
		t.Error("connection should be closed after subscribe failure")
	}
	if _, ok := h.alerts.find("subscribe_failed"); !ok {
		t.Error("expected subscribe_failed alert")
	}
}
