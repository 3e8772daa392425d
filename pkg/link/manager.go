// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/rs/zerolog"
)

// ErrInterfaceInUse is returned when a link is set up on an interface that
// already carries one
var ErrInterfaceInUse = errors.New("interface already in use")

// Manager owns the sessions for a set of interfaces. One interface carries
// at most one session at a time.
type Manager struct {
	codec    *delta.Codec
	listener Listener
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by interface; nil while Start is in flight
	closed   bool
}

// NewManager creates a manager whose sessions share codec and listener
func NewManager(codec *delta.Codec, listener Listener, logger zerolog.Logger) *Manager {
	if codec == nil {
		codec = delta.DefaultCodec
	}
	if listener == nil {
		listener = nopListener{}
	}
	return &Manager{
		codec:    codec,
		listener: listener,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Setup opens a link on cfg.Interface. On failure no state is retained and
// the interface is free again.
func (m *Manager) Setup(ctx context.Context, cfg Config, t Transport) (*Session, error) {
	if cfg.Interface == "" {
		return nil, errors.New("link config: interface is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := m.sessions[cfg.Interface]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInterfaceInUse, cfg.Interface)
	}
	m.sessions[cfg.Interface] = nil
	m.mu.Unlock()

	s := NewSession(cfg, t, m.codec, m.listener, m.logger)
	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, cfg.Interface)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		// Close ran while we were opening
		delete(m.sessions, cfg.Interface)
		go s.Stop()
		return nil, ErrClosed
	}
	m.sessions[cfg.Interface] = s
	return s, nil
}

// Remove stops the session on iface and frees the interface
func (m *Manager) Remove(iface string) bool {
	m.mu.Lock()
	s, ok := m.sessions[iface]
	if ok && s != nil {
		delete(m.sessions, iface)
	}
	m.mu.Unlock()

	if s == nil {
		return false
	}
	s.Stop()
	return true
}

// Session returns the session on iface
func (m *Manager) Session(iface string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[iface]
	return s, s != nil
}

// Sessions returns the running sessions sorted by name
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close stops every session. Later calls to Setup fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for iface, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
			delete(m.sessions, iface)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
