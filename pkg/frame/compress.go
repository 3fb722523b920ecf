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
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

const (
	// CompressionThreshold is the size above which an output chunk is
	// deflated before it goes on the wire.
	CompressionThreshold = 1024

	// ReplayChunkSize bounds the chunks an initial buffer replay is split
	// into before compression.
	ReplayChunkSize = 64 * 1024

	compressionLevel = 6
)

var flateWriters = sync.Pool{
	New: func() interface{} {
		w, _ := flate.NewWriter(io.Discard, compressionLevel)
		return w
	},
}

// Deflate compresses data with the fixed wire-level settings. Both ends of
// the mux protocol must use this symmetrically.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := flateWriters.Get().(*flate.Writer)
	defer flateWriters.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	return buf.Bytes(), nil
}

// Inflate decompresses a CompressedOutput body. uncompressedLen is the
// length announced in the frame; a mismatch is an error.
func Inflate(data []byte, uncompressedLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out := make([]byte, 0, uncompressedLen)
	buf := bytes.NewBuffer(out)
	n, err := io.Copy(buf, io.LimitReader(r, int64(uncompressedLen)+1))
	if err != nil {
		return nil, errors.Wrap(err, "inflate")
	}
	if int(n) != uncompressedLen {
		return nil, errors.Errorf("inflate: got %d bytes, frame announced %d", n, uncompressedLen)
	}
	return buf.Bytes(), nil
}
