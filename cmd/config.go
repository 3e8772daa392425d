// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/Thermoquad/deltastat/pkg/delta"
	"github.com/Thermoquad/deltastat/pkg/link"
	"github.com/Thermoquad/deltastat/pkg/publish"
)

// fileConfig mirrors the YAML config file
type fileConfig struct {
	PollInterval      string           `yaml:"poll_interval"`
	ReconnectInterval string           `yaml:"reconnect_interval"`
	Commands          []string         `yaml:"commands"`
	Inverters         []inverterConfig `yaml:"inverters"`
	MQTT              *mqttConfig      `yaml:"mqtt"`
}

type inverterConfig struct {
	Name        string `yaml:"name"`
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

type mqttConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	Format      string `yaml:"format"`
	QoS         int    `yaml:"qos"`
}

// linkSpec is one resolved inverter: its session config plus how to reach it
type linkSpec struct {
	Config      link.Config
	Port        string
	Baud        int
	URL         string
	Username    string
	NoSSLVerify bool
}

// appConfig is the resolved configuration of a run
type appConfig struct {
	Links []linkSpec
	MQTT  *publish.Options
}

// loadConfig reads and resolves a config file
func loadConfig(path string) (*appConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func parseConfig(data []byte) (*appConfig, error) {
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, err
	}

	poll, err := parseInterval("poll_interval", fc.PollInterval)
	if err != nil {
		return nil, err
	}
	reconnect, err := parseInterval("reconnect_interval", fc.ReconnectInterval)
	if err != nil {
		return nil, err
	}
	commands, err := parseCommands(fc.Commands)
	if err != nil {
		return nil, err
	}

	if len(fc.Inverters) == 0 {
		return nil, fmt.Errorf("no inverters configured")
	}

	cfg := &appConfig{}
	for i, inv := range fc.Inverters {
		spec, err := inv.resolve()
		if err != nil {
			return nil, fmt.Errorf("inverters[%d]: %w", i, err)
		}
		spec.Config.PollInterval = poll
		spec.Config.ReconnectInterval = reconnect
		spec.Config.Commands = commands
		cfg.Links = append(cfg.Links, spec)
	}

	if fc.MQTT != nil {
		opts, err := fc.MQTT.resolve()
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		cfg.MQTT = opts
	}
	return cfg, nil
}

func (inv inverterConfig) resolve() (linkSpec, error) {
	switch {
	case inv.Port != "" && inv.URL != "":
		return linkSpec{}, fmt.Errorf("port and url are mutually exclusive")
	case inv.Port == "" && inv.URL == "":
		return linkSpec{}, fmt.Errorf("either port or url is required")
	}

	iface := inv.Port
	if inv.URL != "" {
		iface = inv.URL
	}
	baud := inv.Baud
	if baud == 0 {
		baud = DefaultBaudRate
	}

	return linkSpec{
		Config: link.Config{
			Name:      inv.Name,
			Interface: iface,
		},
		Port:        inv.Port,
		Baud:        baud,
		URL:         inv.URL,
		Username:    inv.Username,
		NoSSLVerify: inv.NoSSLVerify,
	}, nil
}

func (m mqttConfig) resolve() (*publish.Options, error) {
	if m.Broker == "" {
		return nil, fmt.Errorf("broker is required")
	}
	format, err := publish.ParseFormat(m.Format)
	if err != nil {
		return nil, err
	}
	if m.QoS < 0 || m.QoS > 2 {
		return nil, fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	return &publish.Options{
		Broker:      m.Broker,
		ClientID:    m.ClientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		Format:      format,
		QoS:         byte(m.QoS),
	}, nil
}

func parseInterval(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, s)
	}
	return d, nil
}

func parseCommands(names []string) ([]delta.CommandID, error) {
	var out []delta.CommandID
	for _, name := range names {
		id, err := delta.ParseCommand(name)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// resolveConfig builds the run configuration from --config, or from the
// connection flags when no file is given
func resolveConfig() (*appConfig, error) {
	if configPath != "" {
		return loadConfig(configPath)
	}

	inv := inverterConfig{
		Port:        portName,
		Baud:        baudRate,
		URL:         wsURL,
		Username:    wsUsername,
		NoSSLVerify: wsNoSSLVerify,
	}
	if inv.Port == "" && inv.URL == "" {
		return nil, fmt.Errorf("either --port, --url or --config must be specified")
	}
	spec, err := inv.resolve()
	if err != nil {
		return nil, err
	}
	return &appConfig{Links: []linkSpec{spec}}, nil
}

// passwords caches the bridge password so it is prompted at most once
var passwords = map[string]string{}

// Transport builds the transport for the link
func (s linkSpec) Transport() (link.Transport, error) {
	if s.URL == "" {
		return NewSerialTransport(s.Port, s.Baud), nil
	}

	password := ""
	if s.Username != "" {
		var ok bool
		if password, ok = passwords[s.Username]; !ok {
			pw, err := GetPassword()
			if err != nil {
				return nil, err
			}
			passwords[s.Username] = pw
			password = pw
		}
	}
	return NewWebSocketTransport(s.URL, s.Username, password, s.NoSSLVerify), nil
}

// Describe returns a one-line description of how the link is reached
func (s linkSpec) Describe() string {
	if s.URL != "" {
		return fmt.Sprintf("WebSocket: %s", s.URL)
	}
	return fmt.Sprintf("Serial: %s @ %d baud", s.Port, s.Baud)
}
