// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistry_EveryCommandRegistered(t *testing.T) {
	for _, id := range Commands {
		info, ok := registry[id]
		if !ok {
			t.Fatalf("%04X missing from registry", uint16(id))
		}
		if info.decode == nil {
			t.Errorf("%s has no decoder", id)
		}
		if info.name == "" {
			t.Errorf("0x%04X has no name", uint16(id))
		}
	}
	if len(registry) != len(Commands) {
		t.Errorf("registry has %d entries, Commands lists %d", len(registry), len(Commands))
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		code uint16
		want CommandID
		ok   bool
	}{
		{0x1705, TotalEnergy, true},
		{0x1009, CurrentPower, true},
		{0x0006, TesterID, true},
		{0x1706, 0, false},
		{0x0000, 0, false},
	}
	for _, tt := range tests {
		id, ok := Lookup(tt.code)
		if ok != tt.ok {
			t.Errorf("Lookup(0x%04X) ok = %v, want %v", tt.code, ok, tt.ok)
		}
		if ok && id != tt.want {
			t.Errorf("Lookup(0x%04X) = %s, want %s", tt.code, id, tt.want)
		}
	}
}

func TestLookup_Bijective(t *testing.T) {
	seen := make(map[uint16]bool)
	for _, id := range Commands {
		code := uint16(id)
		if seen[code] {
			t.Errorf("duplicate code 0x%04X", code)
		}
		seen[code] = true
		back, ok := Lookup(code)
		if !ok || back != id {
			t.Errorf("Lookup(uint16(%s)) = %s, %v", id, back, ok)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want CommandID
	}{
		{"total_energy", TotalEnergy},
		{"TotalEnergy", TotalEnergy},
		{"TOTAL-ENERGY", TotalEnergy},
		{"current_power", CurrentPower},
		{"tester_id", TesterID},
		{"0x1009", CurrentPower},
		{"0X1705", TotalEnergy},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			if err != nil {
				t.Fatalf("ParseCommand(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "energy", "0x9999", "power"} {
		if _, err := ParseCommand(bad); err == nil {
			t.Errorf("ParseCommand(%q) should fail", bad)
		}
	}
}

func TestCommandID_String(t *testing.T) {
	if s := TotalEnergy.String(); s != "TOTAL_ENERGY" {
		t.Errorf("TotalEnergy.String() = %q", s)
	}
	if s := CommandID(0xBEEF).String(); s != "0xBEEF" {
		t.Errorf("unknown String() = %q", s)
	}
}

func TestCommandID_PayloadLength(t *testing.T) {
	tests := []struct {
		id   CommandID
		want int
	}{
		{TotalEnergy, 6},
		{CurrentPower, 4},
		{TesterID, -1},
		{CommandID(0x4242), 0},
	}
	for _, tt := range tests {
		if got := tt.id.PayloadLength(); got != tt.want {
			t.Errorf("%s.PayloadLength() = %d, want %d", tt.id, got, tt.want)
		}
	}
}

func TestDecodeReading_MaxValues(t *testing.T) {
	energy, _ := BuildResponse([]byte{0x17, 0x05, 0xFF, 0xFF, 0xFF, 0xFF})
	power, _ := BuildResponse([]byte{0x10, 0x09, 0xFF, 0xFF})

	r, ok, err := DefaultCodec.Decode(energy)
	if err != nil || !ok || r.Value != 0xFFFFFFFF {
		t.Errorf("energy = %d, %v, %v", r.Value, ok, err)
	}
	r, ok, err = DefaultCodec.Decode(power)
	if err != nil || !ok || r.Value != 0xFFFF {
		t.Errorf("power = %d, %v, %v", r.Value, ok, err)
	}
}

func TestDecodeReading_ErrorDetails(t *testing.T) {
	_, _, err := DefaultCodec.Decode(badLengthEnergy)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if fe.Details["expected"] != 6 || fe.Details["length"] != 5 {
		t.Errorf("unexpected details %v", fe.Details)
	}
	if !strings.Contains(fe.Error(), "TOTAL_ENERGY") {
		t.Errorf("message %q should name the command", fe.Error())
	}
}
