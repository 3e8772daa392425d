// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

// Handler receives inbound traffic from a transport. Transports call it from
// their own reader goroutine; the session serialises the calls onto its loop.
type Handler interface {
	// OnData delivers one candidate frame. The transport may reuse chunk
	// after OnData returns.
	OnData(chunk []byte)

	// OnError reports a transport failure (read error, unexpected close).
	OnError(err error)
}

// Transport is the byte-stream link to one inverter
type Transport interface {
	// Open opens the link and starts delivering inbound traffic to h.
	// It may be called again after Close to reconnect.
	Open(h Handler) error

	Write(p []byte) (int, error)
	Flush() error
	Close() error
}
