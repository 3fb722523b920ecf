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
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"

	"github.com/midterm-dev/midterm/pkg/api"
)

func TestEncodeOutputSmallChunkStaysPlain(t *testing.T) {
	data := []byte("echo hi\r\nhi\r\n$ ")
	b, err := EncodeOutput("abcd1234", 80, 24, data)
	assert.NilError(t, err)

	typ, sessionID, body, err := ParseMux(b)
	assert.NilError(t, err)
	assert.Equal(t, typ, MuxOutput)
	assert.Equal(t, sessionID, "abcd1234")

	cols, rows, got, err := DecodeOutput(body)
	assert.NilError(t, err)
	assert.Equal(t, cols, uint16(80))
	assert.Equal(t, rows, uint16(24))
	assert.Assert(t, bytes.Equal(got, data))
}

func TestEncodeOutputCompressesAboveThreshold(t *testing.T) {
	data := bytes.Repeat([]byte("terminal output "), 128) // 2048 bytes
	require.Len(t, data, 2048)

	b, err := EncodeOutput("abcd1234", 120, 40, data)
	assert.NilError(t, err)

	typ, sessionID, body, err := ParseMux(b)
	assert.NilError(t, err)
	assert.Equal(t, typ, MuxCompressedOutput)
	assert.Equal(t, sessionID, "abcd1234")

	// The uncompressed-length field precedes the deflate stream.
	assert.Equal(t, binary.LittleEndian.Uint32(body[4:]), uint32(2048))

	cols, rows, got, err := DecodeCompressedOutput(body)
	assert.NilError(t, err)
	assert.Equal(t, cols, uint16(120))
	assert.Equal(t, rows, uint16(40))
	assert.Assert(t, bytes.Equal(got, data))
}

func TestEncodeOutputKeepsIncompressibleDataPlain(t *testing.T) {
	data := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(data)
	// Random bytes do not shrink under deflate; the plain form must be
	// chosen rather than growing the frame.
	b, err := EncodeOutput("abcd1234", 80, 24, data)
	assert.NilError(t, err)
	assert.Equal(t, len(b), MuxHeaderSize+4+len(data))
	typ, _, body, err := ParseMux(b)
	assert.NilError(t, err)
	assert.Equal(t, typ, MuxOutput)
	_, _, got, err := DecodeOutput(body)
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(got, data))
}

func TestInitFrameLayout(t *testing.T) {
	clientID := "0123456789abcdef0123456789abcdef"
	b := EncodeInit(clientID)

	assert.Equal(t, b[0], byte(MuxInit))
	assert.Equal(t, string(b[1:9]), clientID[:8])

	typ, _, body, err := ParseMux(b)
	assert.NilError(t, err)
	assert.Equal(t, typ, MuxInit)

	version, fullID, err := DecodeInit(body)
	assert.NilError(t, err)
	assert.Equal(t, version, api.ProtocolVersion)
	assert.Equal(t, fullID, clientID)
}

func TestDataLossRoundTrip(t *testing.T) {
	b := EncodeDataLoss("deadbeef", 45056)
	typ, sessionID, body, err := ParseMux(b)
	assert.NilError(t, err)
	assert.Equal(t, typ, MuxDataLoss)
	assert.Equal(t, sessionID, "deadbeef")
	dropped, err := DecodeDataLoss(body)
	assert.NilError(t, err)
	assert.Equal(t, dropped, uint32(45056))
}

func TestTerminalInputRoundTrip(t *testing.T) {
	b := EncodeTerminalInput("abcd1234", []byte("echo hi\n"))
	typ, sessionID, body, err := ParseMux(b)
	assert.NilError(t, err)
	assert.Equal(t, typ, MuxTerminalInput)
	assert.Equal(t, sessionID, "abcd1234")
	assert.Equal(t, string(body), "echo hi\n")
}

func TestResizeRoundTrip(t *testing.T) {
	b := EncodeResize("abcd1234", 132, 43)
	_, _, body, err := ParseMux(b)
	assert.NilError(t, err)
	cols, rows, err := DecodeResize(body)
	assert.NilError(t, err)
	assert.Equal(t, cols, uint16(132))
	assert.Equal(t, rows, uint16(43))
}

func TestParseMuxRejectsShortFrame(t *testing.T) {
	_, _, _, err := ParseMux([]byte{0x01, 'a'})
	assert.ErrorContains(t, err, "too short")
}

func TestInflateRejectsLengthMismatch(t *testing.T) {
	compressed, err := Deflate([]byte("some bytes"))
	assert.NilError(t, err)
	_, err = Inflate(compressed, 3)
	assert.ErrorContains(t, err, "announced")
}
