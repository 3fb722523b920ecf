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

//go:build windows

package endpoint

import (
	"context"
	"net"
	"os"
	"time"

	winio "github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

// Dir returns the pipe namespace. Named pipes are not filesystem objects,
// but the namespace is enumerable like a directory.
func Dir() (string, error) {
	return pipePrefix, nil
}

func pipePath(name string) string {
	return pipePrefix + name
}

// Dial connects to a named endpoint within the timeout.
func Dial(ctx context.Context, name string, timeout time.Duration) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return winio.DialPipeContext(dctx, pipePath(name))
}

// Listen binds a named endpoint, restricted to the current user.
func Listen(name string) (net.Listener, error) {
	return winio.ListenPipe(pipePath(name), &winio.PipeConfig{MessageMode: false})
}

// Remove is a no-op: named pipes disappear with their owning process.
func Remove(string) error {
	return nil
}

// Exists reports whether a named endpoint currently has a listener.
func Exists(name string) bool {
	_, err := os.Stat(pipePath(name))
	return err == nil
}

// Enumerate lists every live endpoint in the pipe namespace whose name
// matches the grammar.
func Enumerate() ([]Endpoint, error) {
	entries, err := os.ReadDir(pipePrefix)
	if err != nil {
		return nil, err
	}
	var out []Endpoint
	for _, entry := range entries {
		if ep, ok := Parse(entry.Name()); ok {
			out = append(out, ep)
		}
	}
	return out, nil
}
