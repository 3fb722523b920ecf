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

package mux

import (
	"sync/atomic"

	"github.com/midterm-dev/midterm/pkg/frame"
)

// OutputItem is one ttyhost output chunk staged on a pooled buffer and
// shared by reference across every mux client. The fan-out queue holds one
// reference; each client queueing the item takes another and releases it
// after copying into its ring (or when dropping the item on the floor). The
// last release returns the buffer to the pool.
type OutputItem struct {
	SessionID string
	Cols      uint16
	Rows      uint16

	buf  []byte
	n    int
	refs atomic.Int32
}

func newOutputItem(sessionID string, cols, rows uint16, data []byte) *OutputItem {
	item := &OutputItem{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
		buf:       frame.GetBuffer(len(data)),
		n:         len(data),
	}
	copy(item.buf, data)
	item.refs.Store(1)
	return item
}

// Bytes returns a view over the staged chunk, valid while the caller holds a
// reference.
func (i *OutputItem) Bytes() []byte {
	return i.buf[:i.n]
}

// Retain takes one more reference.
func (i *OutputItem) Retain() {
	i.refs.Add(1)
}

// Release drops one reference; the final release recycles the buffer.
func (i *OutputItem) Release() {
	if i.refs.Add(-1) == 0 {
		frame.PutBuffer(i.buf)
		i.buf = nil
	}
}
