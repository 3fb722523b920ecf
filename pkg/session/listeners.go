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

package session

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// observers is a subscribe/emit registry. Emit runs every callback
// synchronously on the emitter's goroutine, best effort: a panicking
// listener is logged and cannot poison the fan-out. Listeners must not
// block.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func (o *observers[T]) subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	subs := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.Errorf("session listener panicked: %v", r)
				}
			}()
			fn(v)
		}()
	}
}

// Output is one chunk of terminal output published to mux fan-out.
type Output struct {
	SessionID string
	Cols      uint16
	Rows      uint16
	Data      []byte
}
