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

import "sync"

// The process-global byte buffer pool. Every GetBuffer must be paired with
// exactly one PutBuffer; leaks are bugs.
var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 16*1024)
		return &b
	},
}

// GetBuffer rents a buffer of length n from the pool.
func GetBuffer(n int) []byte {
	bp := bufPool.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		// Pool entry too small for this frame; put it back and allocate one
		// that fits. The larger buffer joins the pool on PutBuffer.
		bufPool.Put(bp)
		return make([]byte, n)
	}
	return b[:n]
}

// PutBuffer returns a buffer previously obtained from GetBuffer.
func PutBuffer(b []byte) {
	b = b[:0]
	bufPool.Put(&b)
}
