// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import "errors"

// ErrorKind classifies why a frame was dropped
type ErrorKind int

const (
	KindFraming ErrorKind = iota
	KindIntegrity
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindFraming:
		return "framing"
	case KindIntegrity:
		return "integrity"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Sentinel causes, matched with errors.Is
var (
	ErrShortFrame    = errors.New("frame too short")
	ErrBadHeader     = errors.New("bad response header")
	ErrSizeMismatch  = errors.New("frame size mismatch")
	ErrCRCMismatch   = errors.New("CRC mismatch")
	ErrPayloadLength = errors.New("unexpected payload length")
	ErrPayloadSize   = errors.New("payload too large")
)

// FrameError describes a dropped frame
type FrameError struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	err     error
}

func newFrameError(kind ErrorKind, cause error, msg string, details map[string]interface{}) *FrameError {
	return &FrameError{Kind: kind, Message: msg, Details: details, err: cause}
}

// Error implements the error interface
func (e *FrameError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel cause
func (e *FrameError) Unwrap() error {
	return e.err
}

// KindOf returns the kind of a FrameError anywhere in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
