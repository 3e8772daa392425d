// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package delta implements the serial protocol spoken by Delta solar inverters.
//
// Requests and responses are short binary frames protected by a reflected
// CRC-16 (polynomial 0xA001, initial register 0x0000). This package provides
// the CRC engine, request encoding, response parsing and the table of known
// commands with their payload decoders.
package delta

// Framing bytes
const (
	StartByte = 0x02
	EndByte   = 0x03
)

// Request header (follows StartByte)
const (
	RequestAddress  = 0x05
	RequestFunction = 0x02
)

// Response header (follows StartByte)
const (
	ResponseAddress  = 0x06
	ResponseFunction = 0x01
)

// Frame sizes
const (
	RequestSize = 8

	// ResponseOverhead is the number of bytes in a response besides the
	// payload: start, address, function, length, two CRC bytes and the end byte.
	ResponseOverhead = 7

	// responseHeaderSize covers start, address, function and length.
	responseHeaderSize = 4

	// MaxResponseSize is the largest frame a one-byte length can describe.
	MaxResponseSize = 0xFF + ResponseOverhead
)

// commandThreshold is the payload length a response must exceed before its
// first two payload bytes are treated as a command code.
const commandThreshold = 0x02

// Polynomial is the reflected CRC-16 polynomial used by the inverter.
const Polynomial = 0xA001
