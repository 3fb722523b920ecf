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

package api

import (
	"github.com/pkg/errors"
)

var (
	// ErrSessionNotFound is returned when a session id is not registered
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when the session registry is at capacity
	ErrSessionLimit = errors.New("session limit reached")
	// ErrTransportCorrupted is returned when an IPC frame cannot be parsed;
	// the connection it arrived on must be closed and never retried
	ErrTransportCorrupted = errors.New("transport corrupted")
	// ErrHandshakeTimeout is returned when a ttyhost did not answer GetInfo
	// within its window
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrVersionIncompatible is returned when a discovered ttyhost reports a
	// version below the configured minimum
	ErrVersionIncompatible = errors.New("version incompatible")
	// ErrSpawnFailed is returned when the ttyhost binary is missing, fails
	// its integrity check, or the OS refuses the spawn
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrClientClosed is returned when an operation is attempted on a host
	// client that is no longer in the Ready state
	ErrClientClosed = errors.New("client closed")
	// ErrRequestTimeout is returned when a request/ack pair did not complete
	// within the request window
	ErrRequestTimeout = errors.New("request timeout")
)

// IsSessionNotFoundError returns true if the unwrapped error is ErrSessionNotFound
func IsSessionNotFoundError(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsSessionLimitError returns true if the unwrapped error is ErrSessionLimit
func IsSessionLimitError(err error) bool {
	return errors.Is(err, ErrSessionLimit)
}

// IsTransportCorruptedError returns true if the unwrapped error is ErrTransportCorrupted
func IsTransportCorruptedError(err error) bool {
	return errors.Is(err, ErrTransportCorrupted)
}

// IsVersionIncompatibleError returns true if the unwrapped error is ErrVersionIncompatible
func IsVersionIncompatibleError(err error) bool {
	return errors.Is(err, ErrVersionIncompatible)
}

// IsSpawnFailedError returns true if the unwrapped error is ErrSpawnFailed
func IsSpawnFailedError(err error) bool {
	return errors.Is(err, ErrSpawnFailed)
}
