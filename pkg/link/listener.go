// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "github.com/Thermoquad/deltastat/pkg/delta"

// Listener receives the host-facing outputs of a session. Calls come from the
// session's loop goroutine and must not block.
type Listener interface {
	ConnectionChanged(link string, connected bool)
	ReadingReceived(link string, r delta.Reading)
	FrameRejected(link string, err error)
}

// Listeners fans out to several listeners in order
type Listeners []Listener

func (ls Listeners) ConnectionChanged(link string, connected bool) {
	for _, l := range ls {
		l.ConnectionChanged(link, connected)
	}
}

func (ls Listeners) ReadingReceived(link string, r delta.Reading) {
	for _, l := range ls {
		l.ReadingReceived(link, r)
	}
}

func (ls Listeners) FrameRejected(link string, err error) {
	for _, l := range ls {
		l.FrameRejected(link, err)
	}
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnConnection func(link string, connected bool)
	OnReading    func(link string, r delta.Reading)
	OnRejected   func(link string, err error)
}

func (f ListenerFuncs) ConnectionChanged(link string, connected bool) {
	if f.OnConnection != nil {
		f.OnConnection(link, connected)
	}
}

func (f ListenerFuncs) ReadingReceived(link string, r delta.Reading) {
	if f.OnReading != nil {
		f.OnReading(link, r)
	}
}

func (f ListenerFuncs) FrameRejected(link string, err error) {
	if f.OnRejected != nil {
		f.OnRejected(link, err)
	}
}

// nopListener discards everything
type nopListener struct{}

func (nopListener) ConnectionChanged(string, bool)        {}
func (nopListener) ReadingReceived(string, delta.Reading) {}
func (nopListener) FrameRejected(string, error)           {}
