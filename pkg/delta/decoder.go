// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import (
	"fmt"
	"time"
)

// ParseResponse validates a complete response frame:
//
//	02 06 01 <len> <payload...> <crcLo> <crcHi> 03
//
// The buffer must be exactly len+7 bytes. The CRC covers everything from the
// address byte through the last payload byte.
func (c *Codec) ParseResponse(data []byte) (*Response, error) {
	if len(data) < responseHeaderSize {
		return nil, newFrameError(KindFraming, ErrShortFrame,
			fmt.Sprintf("frame too short: %d bytes", len(data)),
			map[string]interface{}{"length": len(data), "minimum": responseHeaderSize})
	}
	if data[0] != StartByte || data[1] != ResponseAddress || data[2] != ResponseFunction {
		return nil, newFrameError(KindFraming, ErrBadHeader,
			fmt.Sprintf("bad header % X", data[:3]),
			map[string]interface{}{"header": []byte{data[0], data[1], data[2]}})
	}

	length := int(data[3])
	total := length + ResponseOverhead
	if len(data) != total {
		return nil, newFrameError(KindFraming, ErrSizeMismatch,
			fmt.Sprintf("size mismatch: got %d bytes, length byte says %d", len(data), total),
			map[string]interface{}{"received": len(data), "expected": total})
	}

	calculated := c.crc.Checksum(data[1 : responseHeaderSize+length])
	if data[total-3] != byte(calculated) || data[total-2] != byte(calculated>>8) {
		received := uint16(data[total-3]) | uint16(data[total-2])<<8
		return nil, newFrameError(KindIntegrity, ErrCRCMismatch,
			fmt.Sprintf("CRC mismatch: expected 0x%04X, got 0x%04X", calculated, received),
			map[string]interface{}{"expected": calculated, "received": received})
	}

	raw := make([]byte, total)
	copy(raw, data)
	return &Response{
		length:    uint8(length),
		payload:   raw[responseHeaderSize : responseHeaderSize+length],
		crc:       calculated,
		raw:       raw,
		timestamp: time.Now(),
	}, nil
}

// Decode parses a frame and decodes its reading. ok is false for valid
// frames that carry no known command.
func (c *Codec) Decode(data []byte) (reading Reading, ok bool, err error) {
	r, err := c.ParseResponse(data)
	if err != nil {
		return Reading{}, false, err
	}
	return DecodeReading(r)
}

// ParseResponse validates a frame with DefaultCodec
func ParseResponse(data []byte) (*Response, error) {
	return DefaultCodec.ParseResponse(data)
}

// Decode validates and decodes a frame with DefaultCodec
func Decode(data []byte) (reading Reading, ok bool, err error) {
	return DefaultCodec.Decode(data)
}

// Decoder states (internal)
const (
	stateIdle = iota
	stateAddress
	stateFunction
	stateLength
	stateBody
)

// Decoder splits a raw byte stream into response frames one byte at a time.
// It resynchronises on the 02 06 01 header, so request echoes and line noise
// between frames are skipped.
type Decoder struct {
	codec     *Codec
	state     int
	buffer    []byte
	remaining int
}

// NewDecoder creates a stream decoder using DefaultCodec
func NewDecoder() *Decoder {
	return NewDecoderWithCodec(DefaultCodec)
}

// NewDecoderWithCodec creates a stream decoder around codec
func NewDecoderWithCodec(codec *Codec) *Decoder {
	return &Decoder{
		codec:  codec,
		state:  stateIdle,
		buffer: make([]byte, 0, MaxResponseSize),
	}
}

// Reset discards any partial frame
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.remaining = 0
}

// DecodeByte processes a single byte through the decoder state machine.
// It returns a validated response once a full frame has been collected,
// nil while a frame is incomplete, and an error for a frame that fails
// validation.
func (d *Decoder) DecodeByte(b byte) (*Response, error) {
	switch d.state {
	case stateIdle:
		if b == StartByte {
			d.buffer = append(d.buffer[:0], b)
			d.state = stateAddress
		}
		return nil, nil

	case stateAddress:
		if b != ResponseAddress {
			d.resync(b)
			return nil, nil
		}
		d.buffer = append(d.buffer, b)
		d.state = stateFunction
		return nil, nil

	case stateFunction:
		if b != ResponseFunction {
			d.resync(b)
			return nil, nil
		}
		d.buffer = append(d.buffer, b)
		d.state = stateLength
		return nil, nil

	case stateLength:
		d.buffer = append(d.buffer, b)
		// payload, two CRC bytes, end byte
		d.remaining = int(b) + 3
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.buffer = append(d.buffer, b)
		d.remaining--

		var err error
		if d.remaining == 0 {
			var r *Response
			if r, err = d.codec.ParseResponse(d.buffer); err == nil {
				d.Reset()
				return r, nil
			}
		}

		// A corrupt length byte can swallow a real frame
		if k := d.trailingFrame(); k > 0 {
			r, innerErr := d.codec.ParseResponse(d.buffer[k:])
			d.Reset()
			return r, innerErr
		}
		if d.remaining > 0 {
			return nil, nil
		}
		d.replay()
		return nil, err

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

// trailingFrame returns the offset of a valid frame inside the buffer that ends
// at the last byte received, or 0
func (d *Decoder) trailingFrame() int {
	for k := 1; k < len(d.buffer); k++ {
		if d.buffer[k] == StartByte && d.codec.frameLen(d.buffer[k:]) == len(d.buffer)-k {
			return k
		}
	}
	return 0
}

// replay feeds a rejected frame, minus its start byte, back through the
// state machine so a header inside it is picked up. Complete frames inside
// it were already returned by trailingFrame.
func (d *Decoder) replay() {
	pending := append([]byte(nil), d.buffer[1:]...)
	d.Reset()
	for _, b := range pending {
		d.DecodeByte(b)
	}
}

// resync restarts header matching, treating b as a possible start byte
func (d *Decoder) resync(b byte) {
	d.Reset()
	if b == StartByte {
		d.buffer = append(d.buffer, b)
		d.state = stateAddress
	}
}

// ScanFrames is a bufio.SplitFunc that yields one candidate response frame
// per token. Bytes before a response header are discarded, and a header
// whose length byte would swallow a valid frame is dropped. At EOF a
// truncated frame is returned as-is so the parser can reject it.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] != StartByte {
			continue
		}
		rest := data[i:]
		if len(rest) < responseHeaderSize {
			if !isHeaderPrefix(rest) {
				continue
			}
			if atEOF {
				return len(data), rest, nil
			}
			return i, nil, nil
		}
		if rest[1] != ResponseAddress || rest[2] != ResponseFunction {
			continue
		}

		total := int(rest[3]) + ResponseOverhead
		if len(rest) >= total && DefaultCodec.frameLen(rest) == total {
			return i + total, rest[:total], nil
		}

		// A corrupt length byte can hide real frames behind this header
		if k := innerFrame(rest[:min(total, len(rest))]); k > 0 {
			return i + k, nil, nil
		}
		if len(rest) < total {
			if atEOF {
				return len(data), rest, nil
			}
			// Drop what came before the header and wait for the rest
			return i, nil, nil
		}

		// Hand over the bad frame, then rescan from the next header inside it
		if k := nextHeader(rest[1:total]); k >= 0 {
			return i + 1 + k, rest[:total], nil
		}
		return i + total, rest[:total], nil
	}

	// No header anywhere in data
	return len(data), nil, nil
}

func isHeaderPrefix(b []byte) bool {
	header := [3]byte{StartByte, ResponseAddress, ResponseFunction}
	for i := 0; i < len(b) && i < len(header); i++ {
		if b[i] != header[i] {
			return false
		}
	}
	return true
}

// innerFrame returns the offset of the first valid frame lying entirely
// inside frame after its start byte, or 0
func innerFrame(frame []byte) int {
	for k := 1; k < len(frame); k++ {
		if frame[k] == StartByte && DefaultCodec.frameLen(frame[k:]) > 0 {
			return k
		}
	}
	return 0
}

func nextHeader(b []byte) int {
	for k := range b {
		if b[k] == StartByte && isHeaderPrefix(b[k:]) {
			return k
		}
	}
	return -1
}

// frameLen returns the size of the valid frame at the start of b, or 0
func (c *Codec) frameLen(b []byte) int {
	if len(b) < responseHeaderSize || b[0] != StartByte || b[1] != ResponseAddress || b[2] != ResponseFunction {
		return 0
	}
	length := int(b[3])
	total := length + ResponseOverhead
	if len(b) < total {
		return 0
	}
	crc := c.crc.Checksum(b[1 : responseHeaderSize+length])
	if b[total-3] != byte(crc) || b[total-2] != byte(crc>>8) {
		return 0
	}
	return total
}
