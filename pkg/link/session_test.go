// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/rs/zerolog"
)

const waitTimeout = 2 * time.Second

var (
	energyFrame = []byte{0x02, 0x06, 0x01, 0x06, 0x17, 0x05, 0x00, 0x00, 0x03, 0xE8, 0x43, 0xF5, 0x03}
	powerFrame  = []byte{0x02, 0x06, 0x01, 0x04, 0x10, 0x09, 0x01, 0xF4, 0x42, 0xC4, 0x03}
)

// fakeTransport records writes and lets tests drive the handler directly
type fakeTransport struct {
	mu          sync.Mutex
	handler     Handler
	open        bool
	opens       int
	openErrs    []error
	openDelay   time.Duration
	inflight    int
	maxInflight int
	flushes     int
	closes      int
	writeErr    error
	shortWrite  bool

	written chan []byte
}

func newFakeTransport(openErrs ...error) *fakeTransport {
	return &fakeTransport{
		openErrs: openErrs,
		written:  make(chan []byte, 64),
	}
}

func (f *fakeTransport) Open(h Handler) error {
	f.mu.Lock()
	f.opens++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	var err error
	if len(f.openErrs) > 0 {
		err, f.openErrs = f.openErrs[0], f.openErrs[1:]
	}
	delay := f.openDelay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if err != nil {
		return err
	}
	f.handler = h
	f.open = true
	return nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	select {
	case f.written <- append([]byte(nil), p...):
	default:
	}
	if f.shortWrite {
		return len(p) - 1, nil
	}
	return len(p), nil
}

func (f *fakeTransport) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

func (f *fakeTransport) Handler() Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// recorder captures listener calls on channels
type recorder struct {
	conn     chan bool
	readings chan delta.Reading
	rejected chan error
}

func newRecorder() *recorder {
	return &recorder{
		conn:     make(chan bool, 16),
		readings: make(chan delta.Reading, 16),
		rejected: make(chan error, 16),
	}
}

func (r *recorder) ConnectionChanged(_ string, connected bool) { r.conn <- connected }
func (r *recorder) ReadingReceived(_ string, rd delta.Reading) { r.readings <- rd }
func (r *recorder) FrameRejected(_ string, err error)          { r.rejected <- err }

func expectConn(t *testing.T, r *recorder, want bool) {
	t.Helper()
	select {
	case got := <-r.conn:
		if got != want {
			t.Fatalf("ConnectionChanged(%v), want %v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for ConnectionChanged(%v)", want)
	}
}

func expectNoConn(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case got := <-r.conn:
		t.Fatalf("unexpected ConnectionChanged(%v)", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectReading(t *testing.T, r *recorder) delta.Reading {
	t.Helper()
	select {
	case rd := <-r.readings:
		return rd
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for reading")
	}
	return delta.Reading{}
}

func expectWrite(t *testing.T, f *fakeTransport, cmd delta.CommandID) {
	t.Helper()
	want := delta.BuildRequest(cmd)
	select {
	case got := <-f.written:
		if !bytes.Equal(got, want) {
			t.Fatalf("wrote % X, want %s request % X", got, cmd, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s request", cmd)
	}
}

func testConfig() Config {
	return Config{
		Name:              "inverter",
		Interface:         "/dev/ttyTEST0",
		PollInterval:      time.Hour,
		ReconnectInterval: 10 * time.Millisecond,
	}
}

func startSession(t *testing.T, cfg Config, f *fakeTransport, r *recorder) *Session {
	t.Helper()
	s := NewSession(cfg, f, nil, r, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	expectConn(t, r, true)
	return s
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Interface: "/dev/ttyUSB0"}
	cfg.applyDefaults()

	if cfg.Name != "/dev/ttyUSB0" {
		t.Errorf("Name = %q, want interface", cfg.Name)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ReconnectInterval != DefaultReconnectInterval {
		t.Errorf("ReconnectInterval = %v", cfg.ReconnectInterval)
	}
	if len(cfg.Commands) != 2 || cfg.Commands[0] != delta.TotalEnergy || cfg.Commands[1] != delta.CurrentPower {
		t.Errorf("Commands = %v", cfg.Commands)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	s := NewSession(testConfig(), f, nil, r, zerolog.Nop())

	if s.State() != Disconnected {
		t.Fatalf("State before Start = %v", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	expectConn(t, r, true)
	if s.State() != Connected {
		t.Fatalf("State = %v, want connected", s.State())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if err := s.Request(); err != nil {
		t.Fatalf("Request: %v", err)
	}
	expectWrite(t, f, delta.TotalEnergy)
	expectWrite(t, f, delta.CurrentPower)

	f.Handler().OnData(energyFrame)
	rd := expectReading(t, r)
	if rd.Command != delta.TotalEnergy || rd.Value != 1000 {
		t.Errorf("reading = %+v, want TotalEnergy 1000", rd)
	}

	s.Stop()
	expectConn(t, r, false)
	if s.State() != Disconnected {
		t.Errorf("State after Stop = %v", s.State())
	}
	f.set(func(f *fakeTransport) {
		if f.flushes != 1 || f.closes != 1 {
			t.Errorf("flushes=%d closes=%d, want 1 and 1", f.flushes, f.closes)
		}
	})

	if err := s.Request(); !errors.Is(err, ErrClosed) {
		t.Errorf("Request after Stop = %v, want ErrClosed", err)
	}
	s.Stop()
}

func TestSessionRequestAfterStopAlwaysFails(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := NewSession(testConfig(), newFakeTransport(), nil, nil, zerolog.Nop())
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("iteration %d: Start: %v", i, err)
		}
		s.Stop()
		if err := s.Request(); !errors.Is(err, ErrClosed) {
			t.Fatalf("iteration %d: Request after Stop = %v, want ErrClosed", i, err)
		}
	}
}

func TestSessionStopWithoutStart(t *testing.T) {
	f := newFakeTransport()
	s := NewSession(testConfig(), f, nil, nil, zerolog.Nop())

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Stop on an unstarted session did not return")
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Stop = %v, want ErrClosed", err)
	}
	if err := s.Request(); !errors.Is(err, ErrClosed) {
		t.Errorf("Request after Stop = %v, want ErrClosed", err)
	}
	f.set(func(f *fakeTransport) {
		if f.opens != 0 {
			t.Errorf("opens = %d, want 0", f.opens)
		}
	})
}

func TestSessionInitialOpenFailure(t *testing.T) {
	openErr := errors.New("no such device")
	f := newFakeTransport(openErr)
	r := newRecorder()
	s := NewSession(testConfig(), f, nil, r, zerolog.Nop())

	err := s.Start(context.Background())
	if !errors.Is(err, openErr) {
		t.Fatalf("Start = %v, want %v", err, openErr)
	}
	if s.State() != Disconnected {
		t.Errorf("State = %v", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after failed Start")
	}
	expectNoConn(t, r)

	// Nothing retries in the background
	time.Sleep(50 * time.Millisecond)
	f.set(func(f *fakeTransport) {
		if f.opens != 1 {
			t.Errorf("opens = %d, want 1", f.opens)
		}
	})
	s.Stop()
}

func TestSessionReconnectPollsImmediately(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	s := startSession(t, testConfig(), f, r)

	f.Handler().OnError(io.ErrUnexpectedEOF)
	expectConn(t, r, false)

	expectConn(t, r, true)
	if s.State() != Connected {
		t.Fatalf("State = %v after reconnect", s.State())
	}
	expectWrite(t, f, delta.TotalEnergy)
	expectWrite(t, f, delta.CurrentPower)

	f.set(func(f *fakeTransport) {
		if f.opens != 2 || f.closes != 1 {
			t.Errorf("opens=%d closes=%d, want 2 and 1", f.opens, f.closes)
		}
	})
}

func TestSessionReconnectAttemptsDoNotOverlap(t *testing.T) {
	refused := errors.New("connection refused")
	f := newFakeTransport(nil, refused, refused)
	r := newRecorder()
	cfg := testConfig()
	cfg.ReconnectInterval = time.Millisecond
	startSession(t, cfg, f, r)

	// Each open outlasts the retry interval
	f.set(func(f *fakeTransport) { f.openDelay = 20 * time.Millisecond })
	f.Handler().OnError(io.EOF)
	expectConn(t, r, false)
	expectConn(t, r, true)

	f.set(func(f *fakeTransport) {
		if f.opens != 4 {
			t.Errorf("opens = %d, want 4", f.opens)
		}
		if f.maxInflight != 1 {
			t.Errorf("max concurrent opens = %d, want 1", f.maxInflight)
		}
	})
}

func TestSessionIgnoresStaleConnection(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	startSession(t, testConfig(), f, r)

	stale := f.Handler()
	stale.OnError(io.EOF)
	expectConn(t, r, false)
	expectConn(t, r, true)
	expectWrite(t, f, delta.TotalEnergy)
	expectWrite(t, f, delta.CurrentPower)

	stale.OnData(energyFrame)
	stale.OnError(io.EOF)
	f.Handler().OnData(powerFrame)

	rd := expectReading(t, r)
	if rd.Command != delta.CurrentPower || rd.Value != 500 {
		t.Errorf("first reading = %+v, want CurrentPower 500", rd)
	}
	expectNoConn(t, r)
}

func TestSessionRejectsBadFrames(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	s := startSession(t, testConfig(), f, r)

	corrupt := append([]byte(nil), energyFrame...)
	corrupt[10] ^= 0xFF
	f.Handler().OnData(corrupt)

	select {
	case err := <-r.rejected:
		if !errors.Is(err, delta.ErrCRCMismatch) {
			t.Errorf("rejected with %v, want ErrCRCMismatch", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for FrameRejected")
	}

	// Frames without a known command are dropped quietly
	short := []byte{0x02, 0x06, 0x01, 0x02, 0x12, 0x34, 0x25, 0x4B, 0x03}
	f.Handler().OnData(short)
	f.Handler().OnData(powerFrame)
	if rd := expectReading(t, r); rd.Command != delta.CurrentPower {
		t.Errorf("reading = %+v", rd)
	}
	if s.State() != Connected {
		t.Errorf("State = %v, bad frames must not drop the link", s.State())
	}
}

func TestSessionWriteErrorDisconnects(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour
	s := startSession(t, cfg, f, r)

	f.set(func(f *fakeTransport) { f.writeErr = errors.New("broken pipe") })
	if err := s.Request(delta.TesterID); err != nil {
		t.Fatalf("Request: %v", err)
	}
	expectConn(t, r, false)
	if s.State() != Disconnected {
		t.Errorf("State = %v", s.State())
	}

	// Requests while disconnected are ignored
	if err := s.Request(); err != nil {
		t.Fatalf("Request: %v", err)
	}
	expectNoConn(t, r)
}

func TestSessionShortWriteKeepsLink(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	s := startSession(t, testConfig(), f, r)

	f.set(func(f *fakeTransport) { f.shortWrite = true })
	if err := s.Request(); err != nil {
		t.Fatalf("Request: %v", err)
	}
	expectWrite(t, f, delta.TotalEnergy)
	expectWrite(t, f, delta.CurrentPower)
	expectNoConn(t, r)
	if s.State() != Connected {
		t.Errorf("State = %v", s.State())
	}
}

func TestSessionPollsOnInterval(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Commands = []delta.CommandID{delta.CurrentPower}
	startSession(t, cfg, f, r)

	for i := 0; i < 3; i++ {
		expectWrite(t, f, delta.CurrentPower)
	}
}

func TestSessionStopsWithContext(t *testing.T) {
	f := newFakeTransport()
	r := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(testConfig(), f, nil, r, zerolog.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	expectConn(t, r, true)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop on context cancel")
	}
	expectConn(t, r, false)
}
