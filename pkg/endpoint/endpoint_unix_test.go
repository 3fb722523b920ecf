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
	"os"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestListenDialEnumerate(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	name := Format("abcd1234", os.Getpid())
	l, err := Listen(name)
	assert.NilError(t, err)
	defer l.Close()

	assert.Assert(t, Exists(name))

	eps, err := Enumerate()
	assert.NilError(t, err)
	assert.Equal(t, len(eps), 1)
	assert.Equal(t, eps[0].SessionID, "abcd1234")
	assert.Equal(t, eps[0].Pid, os.Getpid())

	done := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
		close(done)
	}()

	conn, err := Dial(context.Background(), name, time.Second)
	assert.NilError(t, err)
	conn.Close()
	<-done
}

func TestRemoveCleansStaleSocket(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	name := Format("deadbeef", 4321)
	l, err := Listen(name)
	assert.NilError(t, err)
	l.Close()

	assert.NilError(t, Remove(name))
	assert.Assert(t, !Exists(name))
	// Removing an absent endpoint is a no-op.
	assert.NilError(t, Remove(name))
}

func TestEnumerateSkipsForeignFiles(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	dir, err := Dir()
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(dir+"/notasocket", nil, 0o600))
	assert.NilError(t, os.WriteFile(dir+"/mthost-zz-1.sock", nil, 0o600))

	eps, err := Enumerate()
	assert.NilError(t, err)
	assert.Equal(t, len(eps), 0)
}

func TestDirIsPrivate(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	dir, err := Dir()
	assert.NilError(t, err)
	info, err := os.Stat(dir)
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0o700))
}
