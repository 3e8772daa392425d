// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import (
	"encoding/binary"
	"time"
)

// Response is a validated response frame
type Response struct {
	length    uint8
	payload   []byte
	crc       uint16
	raw       []byte
	timestamp time.Time
}

// Length returns the declared payload length
func (r *Response) Length() uint8 {
	return r.length
}

// Payload returns the payload bytes (command code included)
func (r *Response) Payload() []byte {
	return r.payload
}

// CRC returns the frame checksum
func (r *Response) CRC() uint16 {
	return r.crc
}

// Raw returns the complete frame as received
func (r *Response) Raw() []byte {
	return r.raw
}

// Timestamp returns the parse time
func (r *Response) Timestamp() time.Time {
	return r.timestamp
}

// HasCommand reports whether the payload is long enough to carry a command
// code followed by data.
func (r *Response) HasCommand() bool {
	return r.length > commandThreshold
}

// Code returns the big-endian command code at the start of the payload,
// or zero when HasCommand is false.
func (r *Response) Code() uint16 {
	if !r.HasCommand() {
		return 0
	}
	return binary.BigEndian.Uint16(r.payload[0:2])
}
