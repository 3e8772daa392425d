// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import (
	"fmt"
	"strings"
)

// FormatResponse formats a response into a human-readable string
func FormatResponse(r *Response) string {
	timestamp := r.timestamp.Format("15:04:05.000")

	if !r.HasCommand() {
		return fmt.Sprintf("[%s] RESPONSE len=%d crc=0x%04X\n%s", timestamp, r.length, r.crc, HexDump(r.payload))
	}

	id := CommandID(r.Code())
	result := fmt.Sprintf("[%s] %s (0x%04X) len=%d crc=0x%04X\n", timestamp, id, r.Code(), r.length, r.crc)

	reading, ok, err := DecodeReading(r)
	switch {
	case err != nil:
		result += fmt.Sprintf("  Decode error: %v\n", err)
		result += HexDump(r.payload)
	case ok:
		result += "  " + FormatReading(reading) + "\n"
	default:
		result += HexDump(r.payload)
	}
	return result
}

// FormatReading returns the reading as "<label>: <value>"
func FormatReading(r Reading) string {
	switch r.Command {
	case TotalEnergy:
		return fmt.Sprintf("Total energy: %d", r.Value)
	case CurrentPower:
		return fmt.Sprintf("Current power: %d W", r.Value)
	case TesterID:
		return fmt.Sprintf("Tester ID: %s (% X)", printable(r.Raw), r.Raw)
	default:
		return fmt.Sprintf("%s: %d", r.Command, r.Value)
	}
}

// FormatCommand formats an outgoing request
func FormatCommand(cmd CommandID, frame []byte) string {
	return fmt.Sprintf("-> %s (0x%04X) % X", cmd, uint16(cmd), frame)
}

// HexDump formats bytes as an indented hex dump, 16 bytes per line
func HexDump(data []byte) string {
	if len(data) == 0 {
		return "  (no payload)\n"
	}
	var sb strings.Builder
	sb.WriteString("  Payload: ")
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n           ")
		}
		fmt.Fprintf(&sb, "%02X ", b)
	}
	sb.WriteString("\n")
	return sb.String()
}

// printable renders ASCII bytes and replaces everything else with '.'
func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7F {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
