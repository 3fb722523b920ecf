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

//go:build !windows

package endpoint

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const socketSuffix = ".sock"

// Dir returns the per-user transport directory, creating it with mode 0700
// on first use.
func Dir() (string, error) {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("mt-ipc-%d", os.Getuid()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "create transport directory")
	}
	// An inherited directory with wider permissions must be tightened, not
	// reused as-is.
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "restrict transport directory")
	}
	return dir, nil
}

func socketPath(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+socketSuffix), nil
}

// Dial connects to a named endpoint within the timeout.
func Dial(ctx context.Context, name string, timeout time.Duration) (net.Conn, error) {
	path, err := socketPath(name)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "unix", path)
}

// Listen binds a named endpoint. A stale socket file left by a dead process
// is removed first.
func Listen(name string) (net.Listener, error) {
	path, err := socketPath(name)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", name)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, errors.Wrapf(err, "restrict %s", name)
	}
	return l, nil
}

// Remove deletes a stale endpoint. Sockets need explicit cleanup; this is a
// no-op when the file is already gone.
func Remove(name string) error {
	path, err := socketPath(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a named endpoint is present in the transport
// directory.
func Exists(name string) bool {
	path, err := socketPath(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Enumerate lists every endpoint currently present in the transport
// directory whose name matches the grammar. Files that do not parse are
// skipped.
func Enumerate() ([]Endpoint, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate endpoints")
	}
	var out []Endpoint
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), socketSuffix)
		if name == entry.Name() {
			continue
		}
		if ep, ok := Parse(name); ok {
			out = append(out, ep)
		}
	}
	return out, nil
}
