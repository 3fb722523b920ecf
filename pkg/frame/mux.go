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

package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/midterm-dev/midterm/pkg/api"
)

// MuxType is the one-byte discriminant of a browser-facing mux frame.
type MuxType byte

// Mux frame types.
const (
	MuxOutput            MuxType = 0x01
	MuxCompressedOutput  MuxType = 0x02
	MuxTerminalInput     MuxType = 0x10
	MuxResize            MuxType = 0x11
	MuxBufferRequest     MuxType = 0x12
	MuxActiveSessionHint MuxType = 0x13
	MuxClearScreen       MuxType = 0x20
	MuxDataLoss          MuxType = 0x21
	MuxForegroundChange  MuxType = 0x51
	MuxInit              MuxType = 0xFF
)

const (
	// MuxHeaderSize is one type byte plus eight ASCII session id bytes.
	MuxHeaderSize = 1 + api.SessionIDLength

	// ClientIDLength is the size of the full client id carried in the init
	// frame body.
	ClientIDLength = 32
)

func putMuxHeader(dst []byte, t MuxType, sessionID string) {
	dst[0] = byte(t)
	id := sessionID
	if len(id) > api.SessionIDLength {
		id = id[:api.SessionIDLength]
	}
	n := copy(dst[1:MuxHeaderSize], id)
	for i := 1 + n; i < MuxHeaderSize; i++ {
		dst[i] = 0
	}
}

// EncodeOutput builds an Output or CompressedOutput frame for one chunk of
// terminal data. Chunks above the compression threshold are deflated; if
// deflate does not shrink the chunk the plain form is kept.
func EncodeOutput(sessionID string, cols, rows uint16, data []byte) ([]byte, error) {
	if len(data) > CompressionThreshold {
		compressed, err := Deflate(data)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			b := make([]byte, MuxHeaderSize+8+len(compressed))
			putMuxHeader(b, MuxCompressedOutput, sessionID)
			binary.LittleEndian.PutUint16(b[MuxHeaderSize:], cols)
			binary.LittleEndian.PutUint16(b[MuxHeaderSize+2:], rows)
			binary.LittleEndian.PutUint32(b[MuxHeaderSize+4:], uint32(len(data)))
			copy(b[MuxHeaderSize+8:], compressed)
			return b, nil
		}
	}
	b := make([]byte, MuxHeaderSize+4+len(data))
	putMuxHeader(b, MuxOutput, sessionID)
	binary.LittleEndian.PutUint16(b[MuxHeaderSize:], cols)
	binary.LittleEndian.PutUint16(b[MuxHeaderSize+2:], rows)
	copy(b[MuxHeaderSize+4:], data)
	return b, nil
}

// EncodeInit builds the 0xFF init frame. The 8-byte id field carries the
// short form of the client id for quick diagnostic matching; the body holds
// the protocol version and the full id.
func EncodeInit(clientID string) []byte {
	b := make([]byte, MuxHeaderSize+2+ClientIDLength)
	putMuxHeader(b, MuxInit, clientID)
	binary.LittleEndian.PutUint16(b[MuxHeaderSize:], api.ProtocolVersion)
	id := clientID
	if len(id) > ClientIDLength {
		id = id[:ClientIDLength]
	}
	copy(b[MuxHeaderSize+2:], id)
	return b
}

// EncodeDataLoss builds a DataLoss frame carrying the exact dropped count.
func EncodeDataLoss(sessionID string, droppedBytes uint32) []byte {
	b := make([]byte, MuxHeaderSize+4)
	putMuxHeader(b, MuxDataLoss, sessionID)
	binary.LittleEndian.PutUint32(b[MuxHeaderSize:], droppedBytes)
	return b
}

// EncodeClearScreen builds a ClearScreen frame.
func EncodeClearScreen(sessionID string) []byte {
	b := make([]byte, MuxHeaderSize)
	putMuxHeader(b, MuxClearScreen, sessionID)
	return b
}

// EncodeResize builds a client->server Resize frame. Used by tests and by
// Go-side mux clients.
func EncodeResize(sessionID string, cols, rows uint16) []byte {
	b := make([]byte, MuxHeaderSize+4)
	putMuxHeader(b, MuxResize, sessionID)
	binary.LittleEndian.PutUint16(b[MuxHeaderSize:], cols)
	binary.LittleEndian.PutUint16(b[MuxHeaderSize+2:], rows)
	return b
}

// EncodeTerminalInput builds a client->server TerminalInput frame.
func EncodeTerminalInput(sessionID string, data []byte) []byte {
	b := make([]byte, MuxHeaderSize+len(data))
	putMuxHeader(b, MuxTerminalInput, sessionID)
	copy(b[MuxHeaderSize:], data)
	return b
}

// EncodeEmpty builds a bodyless frame of the given type (BufferRequest,
// ActiveSessionHint).
func EncodeEmpty(t MuxType, sessionID string) []byte {
	b := make([]byte, MuxHeaderSize)
	putMuxHeader(b, t, sessionID)
	return b
}

// EncodeForegroundChange builds a ForegroundChange frame carrying a JSON
// payload serialised once by the caller.
func EncodeForegroundChange(sessionID string, payload []byte) []byte {
	b := make([]byte, MuxHeaderSize+len(payload))
	putMuxHeader(b, MuxForegroundChange, sessionID)
	copy(b[MuxHeaderSize:], payload)
	return b
}

// ParseMux splits a mux frame into its type, session id and body. The body
// aliases b.
func ParseMux(b []byte) (MuxType, string, []byte, error) {
	if len(b) < MuxHeaderSize {
		return 0, "", nil, errors.Errorf("mux frame too short: %d bytes", len(b))
	}
	id := b[1:MuxHeaderSize]
	// Trailing NULs pad ids shorter than the field.
	end := len(id)
	for end > 0 && id[end-1] == 0 {
		end--
	}
	return MuxType(b[0]), string(id[:end]), b[MuxHeaderSize:], nil
}

// DecodeOutput unpacks an Output frame body.
func DecodeOutput(body []byte) (cols, rows uint16, data []byte, err error) {
	if len(body) < 4 {
		return 0, 0, nil, errors.Errorf("output body too short: %d bytes", len(body))
	}
	return binary.LittleEndian.Uint16(body), binary.LittleEndian.Uint16(body[2:]), body[4:], nil
}

// DecodeCompressedOutput unpacks and inflates a CompressedOutput frame body.
func DecodeCompressedOutput(body []byte) (cols, rows uint16, data []byte, err error) {
	if len(body) < 8 {
		return 0, 0, nil, errors.Errorf("compressed output body too short: %d bytes", len(body))
	}
	cols = binary.LittleEndian.Uint16(body)
	rows = binary.LittleEndian.Uint16(body[2:])
	uncompressedLen := int(binary.LittleEndian.Uint32(body[4:]))
	data, err = Inflate(body[8:], uncompressedLen)
	return cols, rows, data, err
}

// DecodeResize unpacks a Resize frame body.
func DecodeResize(body []byte) (cols, rows uint16, err error) {
	if len(body) < 4 {
		return 0, 0, errors.Errorf("resize body too short: %d bytes", len(body))
	}
	return binary.LittleEndian.Uint16(body), binary.LittleEndian.Uint16(body[2:]), nil
}

// DecodeDataLoss unpacks a DataLoss frame body.
func DecodeDataLoss(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, errors.Errorf("data loss body too short: %d bytes", len(body))
	}
	return binary.LittleEndian.Uint32(body), nil
}

// DecodeInit unpacks an init frame body into protocol version and full
// client id.
func DecodeInit(body []byte) (uint16, string, error) {
	if len(body) < 2+ClientIDLength {
		return 0, "", errors.Errorf("init body too short: %d bytes", len(body))
	}
	return binary.LittleEndian.Uint16(body), string(body[2 : 2+ClientIDLength]), nil
}
