// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import (
	"strings"
	"testing"
)

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  []string
	}{
		{"energy", totalEnergyResponse, []string{"TOTAL_ENERGY (0x1705)", "Total energy: 1000"}},
		{"power", currentPowerResponse, []string{"CURRENT_POWER (0x1009)", "Current power: 500 W"}},
		{"tester", testerIDResponse, []string{"TESTER_ID", "Tester ID: ABCD (41 42 43 44)"}},
		{"no command", shortPayloadResponse, []string{"RESPONSE len=2", "Payload: 12 34"}},
		{"decode error", badLengthEnergy, []string{"Decode error", "Payload: 17 05 00 00 03"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseResponse(tt.frame)
			if err != nil {
				t.Fatal(err)
			}
			out := FormatResponse(r)
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestFormatCommand(t *testing.T) {
	out := FormatCommand(TotalEnergy, BuildRequest(TotalEnergy))
	if out != "-> TOTAL_ENERGY (0x1705) 02 05 02 17 05 6E FF 03" {
		t.Errorf("FormatCommand = %q", out)
	}
}

func TestHexDump_Wraps(t *testing.T) {
	out := HexDump(make([]byte, 20))
	if strings.Count(out, "\n") != 2 {
		t.Errorf("expected two lines for 20 bytes:\n%s", out)
	}
	if HexDump(nil) != "  (no payload)\n" {
		t.Errorf("empty dump = %q", HexDump(nil))
	}
}
