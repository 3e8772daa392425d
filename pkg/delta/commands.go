// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// CommandID identifies a request/response pair by its 16-bit wire code
type CommandID uint16

// Known commands
const (
	TotalEnergy  CommandID = 0x1705
	CurrentPower CommandID = 0x1009
	TesterID     CommandID = 0x0006
)

// variableLength marks a command whose payload length is not fixed
const variableLength = -1

// commandInfo describes how a command's response is checked and decoded
type commandInfo struct {
	name          string
	payloadLength int
	decode        func(payload []byte) (value uint32, raw []byte)
}

// Commands lists every known command in poll order
var Commands = []CommandID{TotalEnergy, CurrentPower, TesterID}

// DefaultPoll is the set of commands issued on every poll
var DefaultPoll = []CommandID{TotalEnergy, CurrentPower}

var registry = map[CommandID]commandInfo{
	TotalEnergy: {
		name:          "TOTAL_ENERGY",
		payloadLength: 6,
		decode: func(payload []byte) (uint32, []byte) {
			return binary.BigEndian.Uint32(payload[2:6]), nil
		},
	},
	CurrentPower: {
		name:          "CURRENT_POWER",
		payloadLength: 4,
		decode: func(payload []byte) (uint32, []byte) {
			return uint32(binary.BigEndian.Uint16(payload[2:4])), nil
		},
	},
	TesterID: {
		name:          "TESTER_ID",
		payloadLength: variableLength,
		decode: func(payload []byte) (uint32, []byte) {
			raw := make([]byte, len(payload)-2)
			copy(raw, payload[2:])
			return 0, raw
		},
	},
}

// Lookup maps a wire code to a known command
func Lookup(code uint16) (CommandID, bool) {
	id := CommandID(code)
	_, ok := registry[id]
	return id, ok
}

// ParseCommand accepts a command name in any case, with or without
// underscores (total_energy, TotalEnergy, TOTAL-ENERGY), or a hex code (0x1705).
func ParseCommand(s string) (CommandID, error) {
	norm := strings.ToUpper(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for _, id := range Commands {
		if strings.ReplaceAll(registry[id].name, "_", "") == norm {
			return id, nil
		}
	}
	var code uint16
	if _, err := fmt.Sscanf(strings.ToLower(s), "0x%x", &code); err == nil {
		if id, ok := Lookup(code); ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// Known reports whether the command is in the registry
func (c CommandID) Known() bool {
	_, ok := registry[c]
	return ok
}

// String returns the command name, or its hex code if unknown
func (c CommandID) String() string {
	if info, ok := registry[c]; ok {
		return info.name
	}
	return fmt.Sprintf("0x%04X", uint16(c))
}

// PayloadLength returns the expected response payload length including the
// two command code bytes. Variable-length commands return -1.
func (c CommandID) PayloadLength() int {
	if info, ok := registry[c]; ok {
		return info.payloadLength
	}
	return 0
}

// Reading is a decoded telemetry value
type Reading struct {
	Command   CommandID
	Value     uint32 // TotalEnergy: cumulative energy; CurrentPower: instantaneous power
	Raw       []byte // TesterID: identifier bytes following the command code
	Timestamp time.Time
}

// DecodeReading dispatches a validated response to the command registry.
// It returns ok=false with a nil error when the response carries no command
// code or an unknown one; those are ignored. A known command with the wrong
// payload length is a decode error.
func DecodeReading(r *Response) (reading Reading, ok bool, err error) {
	if !r.HasCommand() {
		return Reading{}, false, nil
	}
	id, known := Lookup(r.Code())
	if !known {
		return Reading{}, false, nil
	}

	info := registry[id]
	payload := r.Payload()
	if info.payloadLength != variableLength && len(payload) != info.payloadLength {
		return Reading{}, false, newFrameError(KindDecode, ErrPayloadLength,
			fmt.Sprintf("%s payload length %d (expected %d)", info.name, len(payload), info.payloadLength),
			map[string]interface{}{"command": id, "length": len(payload), "expected": info.payloadLength})
	}

	value, raw := info.decode(payload)
	return Reading{
		Command:   id,
		Value:     value,
		Raw:       raw,
		Timestamp: r.Timestamp(),
	}, true, nil
}
