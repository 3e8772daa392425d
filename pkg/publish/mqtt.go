// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package publish forwards link events to an MQTT broker.
//
// Topics are laid out per link:
//
//	<prefix>/<link>/connected      retained, "true" or "false"
//	<prefix>/<link>/total_energy
//	<prefix>/<link>/current_power
//	<prefix>/<link>/tester_id
package publish

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/deltastat/pkg/delta"
)

// Format selects the payload encoding
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat validates a format name. Empty selects text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatCBOR:
		return f, nil
	default:
		return "", fmt.Errorf("unknown mqtt format %q (want text, json or cbor)", s)
	}
}

// DefaultTopicPrefix is used when Options.TopicPrefix is empty
const DefaultTopicPrefix = "deltastat"

const defaultTimeout = 5 * time.Second

// Publisher is the subset of mqtt.Client used here
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Options configures a broker connection
type Options struct {
	Broker         string
	ClientID       string // random when empty
	Username       string
	Password       string
	TopicPrefix    string
	Format         Format
	QoS            byte
	ConnectTimeout time.Duration
}

// connectionMessage is the json/cbor body of a connected topic
type connectionMessage struct {
	Link      string    `json:"link" cbor:"link"`
	Connected bool      `json:"connected" cbor:"connected"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// readingMessage is the json/cbor body of a reading topic
type readingMessage struct {
	Link      string    `json:"link" cbor:"link"`
	Command   string    `json:"command" cbor:"command"`
	Code      uint16    `json:"code" cbor:"code"`
	Value     uint32    `json:"value" cbor:"value"`
	Raw       string    `json:"raw,omitempty" cbor:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// MQTT is a link.Listener that publishes every event. Publishing never
// blocks the caller; delivery is awaited in the background.
type MQTT struct {
	pub     Publisher
	client  mqtt.Client // set when MQTT owns the connection
	prefix  string
	format  Format
	qos     byte
	timeout time.Duration
	logger  zerolog.Logger

	pending sync.WaitGroup
}

// New wraps an existing publisher
func New(pub Publisher, prefix string, format Format, qos byte, logger zerolog.Logger) *MQTT {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if format == "" {
		format = FormatText
	}
	return &MQTT{
		pub:     pub,
		prefix:  strings.TrimSuffix(prefix, "/"),
		format:  format,
		qos:     qos,
		timeout: defaultTimeout,
		logger:  logger.With().Str("component", "mqtt").Logger(),
	}
}

// Connect dials the broker and returns a publisher that owns the connection
func Connect(opts Options, logger zerolog.Logger) (*MQTT, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "deltastat-" + uuid.NewString()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultTimeout
	}

	p := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if opts.Username != "" {
		p.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		p.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(p)
	tok := client.Connect()
	if !tok.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", opts.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}

	m := New(client, opts.TopicPrefix, opts.Format, opts.QoS, logger)
	m.client = client
	m.logger.Info().Str("broker", opts.Broker).Str("client_id", opts.ClientID).Msg("Connected to broker")
	return m, nil
}

// ConnectionChanged publishes the retained link state
func (m *MQTT) ConnectionChanged(link string, connected bool) {
	var payload []byte
	var err error
	if m.format == FormatText {
		payload = []byte(strconv.FormatBool(connected))
	} else {
		payload, err = m.encode(connectionMessage{Link: link, Connected: connected, Timestamp: time.Now()})
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("Encode connection state")
		return
	}
	m.publish(m.topic(link, "connected"), true, payload)
}

// ReadingReceived publishes one decoded value
func (m *MQTT) ReadingReceived(link string, r delta.Reading) {
	name := strings.ToLower(r.Command.String())

	var payload []byte
	var err error
	switch {
	case m.format != FormatText:
		payload, err = m.encode(readingMessage{
			Link:      link,
			Command:   name,
			Code:      uint16(r.Command),
			Value:     r.Value,
			Raw:       hex.EncodeToString(r.Raw),
			Timestamp: r.Timestamp,
		})
	case r.Raw != nil:
		payload = []byte(hex.EncodeToString(r.Raw))
	default:
		payload = []byte(strconv.FormatUint(uint64(r.Value), 10))
	}
	if err != nil {
		m.logger.Error().Err(err).Str("command", name).Msg("Encode reading")
		return
	}
	m.publish(m.topic(link, name), false, payload)
}

// FrameRejected is only logged; rejected frames carry no value worth publishing
func (m *MQTT) FrameRejected(link string, err error) {
	m.logger.Debug().Str("link", link).Err(err).Msg("Frame rejected")
}

// Close waits for in-flight publishes and disconnects an owned client
func (m *MQTT) Close() {
	m.pending.Wait()
	if m.client != nil {
		m.client.Disconnect(250)
	}
}

func (m *MQTT) encode(v interface{}) ([]byte, error) {
	if m.format == FormatCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

func (m *MQTT) publish(topic string, retained bool, payload []byte) {
	tok := m.pub.Publish(topic, m.qos, retained, payload)

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if !tok.WaitTimeout(m.timeout) {
			m.logger.Warn().Str("topic", topic).Dur("timeout", m.timeout).Msg("Publish timed out")
			return
		}
		if err := tok.Error(); err != nil {
			m.logger.Warn().Str("topic", topic).Err(err).Msg("Publish failed")
		}
	}()
}

func (m *MQTT) topic(link, leaf string) string {
	return m.prefix + "/" + topicSegment(link) + "/" + leaf
}

// topicSegment makes a link name safe for use as one topic level
func topicSegment(s string) string {
	s = strings.Trim(s, "/")
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
