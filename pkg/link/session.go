// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link manages the availability of inverter links.
//
// A Session owns one transport, polls the inverter while connected and
// reconnects after failures. All of a session's state is touched only by its
// loop goroutine: inbound data, transport errors, poll ticks and reconnect
// timer firings are handled one at a time, in arrival order.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/rs/zerolog"
)

// State is the connectivity of a link
type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Default intervals
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// eventBuffer bounds how far the reader goroutine may run ahead of the loop
const eventBuffer = 64

var (
	// ErrClosed is returned when using a stopped session or manager
	ErrClosed = errors.New("link closed")

	// ErrAlreadyStarted is returned by a second call to Session.Start
	ErrAlreadyStarted = errors.New("session already started")
)

// Config describes one link
type Config struct {
	Name              string // logical device name reported to listeners
	Interface         string // serial port path or bridge URL, unique per Manager
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	Commands          []delta.CommandID // issued in order on every poll
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = c.Interface
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if len(c.Commands) == 0 {
		c.Commands = delta.DefaultPoll
	}
}

type eventKind int

const (
	eventData eventKind = iota
	eventError
	eventRequest
)

type event struct {
	kind     eventKind
	gen      uint64
	data     []byte
	err      error
	commands []delta.CommandID
}

// Session drives one inverter link
type Session struct {
	cfg       Config
	transport Transport
	codec     *delta.Codec
	listener  Listener
	logger    zerolog.Logger

	state atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	// Owned by the loop goroutine
	gen        uint64
	reconnect  *time.Timer
	reconnectC <-chan time.Time

	events chan event
	done   chan struct{}
}

// NewSession creates a stopped session. A nil codec selects
// delta.DefaultCodec and a nil listener discards outputs.
func NewSession(cfg Config, t Transport, codec *delta.Codec, listener Listener, logger zerolog.Logger) *Session {
	cfg.applyDefaults()
	if codec == nil {
		codec = delta.DefaultCodec
	}
	if listener == nil {
		listener = nopListener{}
	}
	return &Session{
		cfg:       cfg,
		transport: t,
		codec:     codec,
		listener:  listener,
		logger:    logger.With().Str("component", "link").Str("link", cfg.Name).Logger(),
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
	}
}

// Name returns the logical device name
func (s *Session) Name() string {
	return s.cfg.Name
}

// Interface returns the interface id
func (s *Session) Interface() string {
	return s.cfg.Interface
}

// Config returns the session configuration with defaults applied
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current connectivity
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start opens the transport and starts the session loop. If the initial
// open fails nothing is left running and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.gen++
	if err := s.transport.Open(s.handler()); err != nil {
		close(s.done)
		return fmt.Errorf("open %s: %w", s.cfg.Interface, err)
	}
	s.logger.Info().Str("interface", s.cfg.Interface).Msg("Link opened")
	s.setState(Connected)

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Stop cancels the poll and reconnect timers, closes the transport and waits
// for the loop to exit. Safe to call more than once, and on a session that
// was never started.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		switch {
		case !s.started:
			close(s.done)
		case s.cancel != nil:
			s.cancel()
		}
	}
	s.mu.Unlock()
	<-s.done
}

// Request asks the session to send commands now, outside the poll schedule.
// It is ignored while disconnected.
func (s *Session) Request(commands ...delta.CommandID) error {
	if len(commands) == 0 {
		commands = s.cfg.Commands
	}
	if !s.post(event{kind: eventRequest, commands: commands}) {
		return ErrClosed
	}
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return

		case ev := <-s.events:
			s.handleEvent(ev)

		case <-poll.C:
			if s.State() == Connected {
				s.poll(s.cfg.Commands)
			}

		case <-s.reconnectC:
			s.reconnectC = nil
			s.attemptReconnect()
		}
	}
}

func (s *Session) handleEvent(ev event) {
	if ev.kind == eventRequest {
		if s.State() == Connected {
			s.poll(ev.commands)
		}
		return
	}

	// Drop traffic from a connection we have already given up on
	if ev.gen != s.gen || s.State() != Connected {
		return
	}

	switch ev.kind {
	case eventData:
		s.handleData(ev.data)
	case eventError:
		s.fail(ev.err)
	}
}

func (s *Session) handleData(chunk []byte) {
	reading, ok, err := s.codec.Decode(chunk)
	if err != nil {
		s.logger.Debug().Err(err).Hex("frame", chunk).Msg("Dropping frame")
		s.listener.FrameRejected(s.cfg.Name, err)
		return
	}
	if !ok {
		s.logger.Debug().Hex("frame", chunk).Msg("Ignoring frame without a known command")
		return
	}

	s.logger.Debug().Stringer("command", reading.Command).Uint32("value", reading.Value).Msg("Reading")
	s.listener.ReadingReceived(s.cfg.Name, reading)
}

func (s *Session) poll(commands []delta.CommandID) {
	for _, cmd := range commands {
		if !s.send(cmd) {
			return
		}
	}
}

// send writes one request. It returns false if the write failed and the
// link went down.
func (s *Session) send(cmd delta.CommandID) bool {
	frame := s.codec.BuildRequest(cmd)
	s.logger.Debug().Stringer("command", cmd).Hex("frame", frame).Msg("Sending command")

	n, err := s.transport.Write(frame)
	if err != nil {
		s.fail(fmt.Errorf("write %s: %w", cmd, err))
		return false
	}
	if n != len(frame) {
		s.logger.Warn().Stringer("command", cmd).Int("written", n).Int("length", len(frame)).Msg("Short write")
	}
	return true
}

// fail takes a connected link down and schedules a reconnect attempt
func (s *Session) fail(err error) {
	if s.State() != Connected {
		return
	}
	s.logger.Error().Err(err).Dur("retry_in", s.cfg.ReconnectInterval).Msg("Transport error")

	s.armReconnect()
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug().Err(cerr).Msg("Close after error")
	}
	s.setState(Disconnected)
}

func (s *Session) attemptReconnect() {
	if s.State() == Connected {
		return
	}

	s.gen++
	if err := s.transport.Open(s.handler()); err != nil {
		s.logger.Warn().Err(err).Dur("retry_in", s.cfg.ReconnectInterval).Msg("Reconnect failed")
		// One-shot re-arm, so a slow open can never overlap the next attempt
		s.armReconnect()
		return
	}

	s.logger.Info().Msg("Reconnected")
	s.setState(Connected)
	s.poll(s.cfg.Commands)
}

func (s *Session) armReconnect() {
	if s.reconnect == nil {
		s.reconnect = time.NewTimer(s.cfg.ReconnectInterval)
	} else {
		s.reconnect.Reset(s.cfg.ReconnectInterval)
	}
	s.reconnectC = s.reconnect.C
}

func (s *Session) shutdown() {
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.reconnectC = nil

	if s.State() == Connected {
		if err := s.transport.Flush(); err != nil {
			s.logger.Debug().Err(err).Msg("Flush on close")
		}
		if err := s.transport.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Close")
		}
		s.setState(Disconnected)
	}
	s.logger.Info().Msg("Link closed")
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.listener.ConnectionChanged(s.cfg.Name, st == Connected)
}

// post hands an event to the loop. It returns false once the loop is gone.
func (s *Session) post(ev event) bool {
	// Check done first: a select with both cases ready picks at random
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) handler() Handler {
	return sessionHandler{s: s, gen: s.gen}
}

// sessionHandler tags inbound traffic with the connection generation it
// belongs to
type sessionHandler struct {
	s   *Session
	gen uint64
}

func (h sessionHandler) OnData(chunk []byte) {
	data := make([]byte, len(chunk))
	copy(data, chunk)
	h.s.post(event{kind: eventData, gen: h.gen, data: data})
}

func (h sessionHandler) OnError(err error) {
	h.s.post(event{kind: eventError, gen: h.gen, err: err})
}
