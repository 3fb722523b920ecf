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

// Package endpoint implements the rendezvous naming between mt and ttyhost
// processes and the platform-local transport they meet on: UNIX domain
// sockets in a per-user directory on unix, named pipes on Windows.
package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefix starts every endpoint name.
const Prefix = "mthost-"

// Endpoint identifies one listening ttyhost.
type Endpoint struct {
	SessionID string
	Pid       int
}

// Name returns the canonical endpoint name for this endpoint.
func (e Endpoint) Name() string {
	return Format(e.SessionID, e.Pid)
}

// Format builds the deterministic rendezvous name for a session/pid pair.
func Format(sessionID string, pid int) string {
	return fmt.Sprintf("%s%s-%d", Prefix, sessionID, pid)
}

// Parse splits an endpoint name into its session id and pid. It returns
// ok=false for anything that does not match the grammar
// `mthost-<hex id>-<digits>`; the pid is split off at the last dash.
func Parse(name string) (Endpoint, bool) {
	if !strings.HasPrefix(name, Prefix) {
		return Endpoint{}, false
	}
	rest := name[len(Prefix):]
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 || i == len(rest)-1 {
		return Endpoint{}, false
	}
	id, pidStr := rest[:i], rest[i+1:]
	if !isHexID(id) {
		return Endpoint{}, false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid < 1 {
		return Endpoint{}, false
	}
	return Endpoint{SessionID: id, Pid: pid}, true
}

func isHexID(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
