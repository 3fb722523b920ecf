/*
   Copyright 2025 MidTerm authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package frame implements the two binary framings of MidTerm: the
// length-prefixed IPC frames exchanged between mt and each ttyhost, and the
// mux frames exchanged between mt and browsers over a WebSocket.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/api"
)

// Type is the one-byte discriminant of an IPC frame.
type Type byte

// IPC frame types, grouped by high nibble: 0x0_ info and buffer requests
// with their replies, 0x1_ input and output, 0x2_ resize, name and order
// with their acks, 0x3_ close, 0x4_ state, 0x5_ process events, 0x6_ log
// level.
const (
	TypeGetInfo          Type = 0x01
	TypeInfo             Type = 0x02
	TypeGetBuffer        Type = 0x03
	TypeBuffer           Type = 0x04
	TypeInput            Type = 0x10
	TypeOutput           Type = 0x11
	TypeResize           Type = 0x20
	TypeResizeAck        Type = 0x21
	TypeSetName          Type = 0x22
	TypeSetNameAck       Type = 0x23
	TypeSetOrder         Type = 0x24
	TypeSetOrderAck      Type = 0x25
	TypeClose            Type = 0x30
	TypeCloseAck         Type = 0x31
	TypeStateChange      Type = 0x40
	TypeProcessEvent     Type = 0x50
	TypeForegroundChange Type = 0x51
	TypeProcessSnapshot  Type = 0x52
	TypeSetLogLevel      Type = 0x60
	TypeSetLogLevelAck   Type = 0x61
)

const (
	// HeaderSize is the fixed size of an IPC frame header: one type byte
	// plus a little-endian int32 payload length.
	HeaderSize = 5

	// MaxPayloadSize is the largest payload an IPC frame may carry. Anything
	// larger means the transport is corrupt.
	MaxPayloadSize = 1 << 20
)

var typeNames = map[Type]string{
	TypeGetInfo:          "GetInfo",
	TypeInfo:             "Info",
	TypeGetBuffer:        "GetBuffer",
	TypeBuffer:           "Buffer",
	TypeInput:            "Input",
	TypeOutput:           "Output",
	TypeResize:           "Resize",
	TypeResizeAck:        "ResizeAck",
	TypeSetName:          "SetName",
	TypeSetNameAck:       "SetNameAck",
	TypeSetOrder:         "SetOrder",
	TypeSetOrderAck:      "SetOrderAck",
	TypeClose:            "Close",
	TypeCloseAck:         "CloseAck",
	TypeStateChange:      "StateChange",
	TypeProcessEvent:     "ProcessEvent",
	TypeForegroundChange: "ForegroundChange",
	TypeProcessSnapshot:  "ProcessSnapshot",
	TypeSetLogLevel:      "SetLogLevel",
	TypeSetLogLevelAck:   "SetLogLevelAck",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// Known reports whether t is a frame type this build understands. Unknown
// types are logged and dropped by readers, never treated as corruption.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// EncodeTo writes one complete frame into dst, which must hold at least
// HeaderSize+len(payload) bytes, and returns the encoded length. The payload
// is copied; dst is never retained.
func EncodeTo(dst []byte, t Type, payload []byte) (int, error) {
	if len(payload) > MaxPayloadSize {
		return 0, errors.Wrapf(api.ErrTransportCorrupted, "payload of %d bytes exceeds frame limit", len(payload))
	}
	if len(dst) < HeaderSize+len(payload) {
		return 0, errors.Errorf("frame buffer too small: %d < %d", len(dst), HeaderSize+len(payload))
	}
	dst[0] = byte(t)
	binary.LittleEndian.PutUint32(dst[1:HeaderSize], uint32(len(payload)))
	copy(dst[HeaderSize:], payload)
	return HeaderSize + len(payload), nil
}

// WithEncoded rents a pooled buffer, encodes one frame into it, invokes fn
// with a view over the completed frame, and returns the buffer to the pool
// on every exit path.
func WithEncoded(t Type, payload []byte, fn func([]byte) error) error {
	buf := GetBuffer(HeaderSize + len(payload))
	defer PutBuffer(buf)
	n, err := EncodeTo(buf, t, payload)
	if err != nil {
		return err
	}
	return fn(buf[:n])
}

// WriteFrame encodes and writes one frame as a single Write call, so that
// writers serialised by the caller never interleave partial frames.
func WriteFrame(w io.Writer, t Type, payload []byte) error {
	return WithEncoded(t, payload, func(b []byte) error {
		_, err := w.Write(b)
		return err
	})
}

// TryReadHeader parses an IPC frame header from the front of b. It returns
// ok=false when fewer than HeaderSize bytes are available; it never mutates b.
func TryReadHeader(b []byte) (t Type, length int, ok bool, err error) {
	if len(b) < HeaderSize {
		return 0, 0, false, nil
	}
	t = Type(b[0])
	length = int(int32(binary.LittleEndian.Uint32(b[1:HeaderSize])))
	if length < 0 || length > MaxPayloadSize {
		return 0, 0, false, errors.Wrapf(api.ErrTransportCorrupted, "frame length %d", length)
	}
	return t, length, true, nil
}

// ReadFrame reads exactly one frame from r. A header that fails validation
// surfaces as ErrTransportCorrupted; the caller must then close the
// transport. Unknown frame types are returned to the caller, which is
// expected to log and drop them.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	t, length, _, err := TryReadHeader(hdr[:])
	if err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return t, nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Wrap(api.ErrTransportCorrupted, err.Error())
	}
	if !t.Known() {
		logrus.Warnf("dropping unknown ipc frame type 0x%02x (%d bytes)", byte(t), length)
	}
	return t, payload, nil
}
