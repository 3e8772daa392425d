// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/Thermoquad/deltastat/pkg/link"
)

// PasswordEnv holds the bridge password when set
const PasswordEnv = "DELTASTAT_PASSWORD"

// DefaultBaudRate is the inverter's fixed line speed
const DefaultBaudRate = 19200

// Connection is a raw byte stream to an inverter
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

var (
	// ErrConnectionClosed is returned when reading from a closed WebSocket connection
	ErrConnectionClosed = errors.New("websocket connection closed")

	// ErrNotOpen is returned when writing to a transport that is not open
	ErrNotOpen = errors.New("transport not open")
)

// WebSocketConnection wraps a WebSocket connection for byte-level reading
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool

	writeMu sync.Mutex
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}

		// The bridge forwards serial bytes as binary messages only
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// serialMode is the inverter line setting: 8N1, no flow control
func serialMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerialPort opens a serial port with the inverter line settings
func OpenSerialPort(portName string, baudRate int) (serial.Port, error) {
	port, err := serial.Open(portName, serialMode(baudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}

// OpenWebSocketConnection opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal, read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// pump splits r into candidate frames for h until the stream fails
func pump(r io.Reader, h link.Handler) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, delta.MaxResponseSize), 4*delta.MaxResponseSize)
	scanner.Split(delta.ScanFrames)

	for scanner.Scan() {
		h.OnData(scanner.Bytes())
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	h.OnError(err)
}

// streamTransport adapts a dial function into a link.Transport. Each Open
// dials a fresh stream and starts a reader goroutine for it.
type streamTransport struct {
	dial  func() (Connection, error)
	drain func(Connection) error

	mu   sync.Mutex
	conn Connection
}

func (t *streamTransport) Open(h link.Handler) error {
	conn, err := t.dial()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go pump(conn, h)
	return nil
}

func (t *streamTransport) current() Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *streamTransport) Write(p []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotOpen
	}
	return conn.Write(p)
}

func (t *streamTransport) Flush() error {
	conn := t.current()
	if conn == nil || t.drain == nil {
		return nil
	}
	return t.drain(conn)
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// NewSerialTransport returns a transport over a local serial port
func NewSerialTransport(portName string, baudRate int) link.Transport {
	return &streamTransport{
		dial: func() (Connection, error) {
			port, err := OpenSerialPort(portName, baudRate)
			if err != nil {
				return nil, err
			}
			return port, nil
		},
		drain: func(c Connection) error {
			return c.(serial.Port).Drain()
		},
	}
}

// NewWebSocketTransport returns a transport over a serial-to-WebSocket bridge
func NewWebSocketTransport(wsURL, username, password string, skipSSLVerify bool) link.Transport {
	return &streamTransport{
		dial: func() (Connection, error) {
			conn, err := OpenWebSocketConnection(wsURL, username, password, skipSSLVerify)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}

// OpenConnection opens a raw stream to the inverter selected by the global flags
func OpenConnection() (Connection, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		conn, err := OpenSerialPort(portName, baudRate)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}
