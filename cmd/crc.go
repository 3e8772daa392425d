// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/deltastat/pkg/delta"
)

var crcCmd = &cobra.Command{
	Use:   "crc <hex bytes>...",
	Short: "Compute the frame CRC of arbitrary bytes",
	Long: `Compute the CRC-16 (reflected polynomial 0xA001, initial value 0) of the
given bytes and show them framed as a response.

Bytes may be given as one string or several, with optional 0x prefixes and
space, colon or dash separators. Two bytes are also framed as a request.

Examples:
  deltastat crc 17 05
  deltastat crc 0x1009 01F4
  deltastat crc 05:02:17:05`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCRC,
}

func init() {
	rootCmd.AddCommand(crcCmd)
}

func runCRC(cmd *cobra.Command, args []string) error {
	data, err := parseHexBytes(args)
	if err != nil {
		return err
	}

	sum := delta.DefaultCRC.Checksum(data)
	fmt.Printf("Input:    % X\n", data)
	fmt.Printf("CRC-16:   0x%04X (wire order %02X %02X)\n", sum, byte(sum), byte(sum>>8))

	if len(data) == 2 {
		id := delta.CommandID(uint16(data[0])<<8 | uint16(data[1]))
		fmt.Printf("Request:  % X\n", delta.BuildRequest(id))
	}

	frame, err := delta.BuildResponse(data)
	if err != nil {
		fmt.Printf("Response: %v\n", err)
		return nil
	}
	fmt.Printf("Response: % X\n", frame)
	return nil
}

// parseHexBytes joins args and decodes them as hex
func parseHexBytes(args []string) ([]byte, error) {
	var sb strings.Builder
	for _, arg := range args {
		for _, field := range strings.FieldsFunc(arg, func(r rune) bool {
			return r == ' ' || r == ':' || r == '-' || r == ','
		}) {
			field = strings.TrimPrefix(strings.TrimPrefix(field, "0x"), "0X")
			if len(field)%2 == 1 {
				field = "0" + field
			}
			sb.WriteString(field)
		}
	}

	data, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no bytes given")
	}
	return data, nil
}
