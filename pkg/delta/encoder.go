// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import "fmt"

// Codec builds and parses frames with a shared CRC engine.
// A Codec holds no mutable state and is safe for concurrent use.
type Codec struct {
	crc *CRC16
}

// DefaultCodec uses DefaultCRC
var DefaultCodec = NewCodec(DefaultCRC)

// NewCodec creates a codec around an existing CRC engine
func NewCodec(crc *CRC16) *Codec {
	return &Codec{crc: crc}
}

// CRC returns the codec's CRC engine
func (c *Codec) CRC() *CRC16 {
	return c.crc
}

// BuildRequest encodes a request for the given command:
//
//	02 05 02 <cmdHi> <cmdLo> <crcLo> <crcHi> 03
//
// The CRC covers the address, function and command bytes only; the start
// byte is not part of it.
func (c *Codec) BuildRequest(cmd CommandID) []byte {
	frame := make([]byte, 0, RequestSize)
	frame = append(frame, StartByte, RequestAddress, RequestFunction, byte(cmd>>8), byte(cmd))

	crc := c.crc.Checksum(frame[1:])

	// CRC is little-endian on the wire
	frame = append(frame, byte(crc), byte(crc>>8), EndByte)
	return frame
}

// BuildResponse encodes a response frame around payload. The inverter is the
// only real producer of responses; this exists for simulators and tests.
func (c *Codec) BuildResponse(payload []byte) ([]byte, error) {
	if len(payload) > 0xFF {
		return nil, newFrameError(KindFraming, ErrPayloadSize,
			fmt.Sprintf("payload too large: %d bytes (max 255)", len(payload)),
			map[string]interface{}{"length": len(payload), "max": 0xFF})
	}

	frame := make([]byte, 0, len(payload)+ResponseOverhead)
	frame = append(frame, StartByte, ResponseAddress, ResponseFunction, byte(len(payload)))
	frame = append(frame, payload...)

	crc := c.crc.Checksum(frame[1:])
	frame = append(frame, byte(crc), byte(crc>>8), EndByte)
	return frame, nil
}

// BuildRequest encodes a request with DefaultCodec
func BuildRequest(cmd CommandID) []byte {
	return DefaultCodec.BuildRequest(cmd)
}

// BuildResponse encodes a response with DefaultCodec
func BuildResponse(payload []byte) ([]byte, error) {
	return DefaultCodec.BuildResponse(payload)
}
