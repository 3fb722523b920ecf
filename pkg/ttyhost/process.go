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

// Package ttyhost spawns ttyhost subprocesses and talks to them over the
// IPC frame protocol.
package ttyhost

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/endpoint"
)

const (
	binaryName   = "ttyhost"
	manifestName = "checksums.sha256"
)

var userNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// SpawnOptions configures one ttyhost spawn.
type SpawnOptions struct {
	SessionID string
	ShellType string
	Cwd       string
	Cols      uint16
	Rows      uint16
	AsUser    string
}

// Process is a spawned ttyhost. Pid is the ttyhost's real pid, which is not
// the spawned command's pid when a privilege-dropping wrapper is in play.
type Process struct {
	Pid int
	cmd *exec.Cmd
}

// Kill terminates the ttyhost process.
func (p *Process) Kill() error {
	proc, err := os.FindProcess(p.Pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// Spawner locates, verifies and launches the ttyhost binary installed next
// to mt's own binary.
type Spawner struct {
	binPath string

	integrityOnce sync.Once
	integrityErr  error

	versionOnce sync.Once
	version     string
	versionErr  error
}

// NewSpawner resolves the ttyhost binary adjacent to the running executable.
func NewSpawner() (*Spawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locate own binary")
	}
	name := binaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return &Spawner{binPath: filepath.Join(filepath.Dir(exe), name)}, nil
}

// NewSpawnerAt builds a spawner for an explicit binary path.
func NewSpawnerAt(binPath string) *Spawner {
	return &Spawner{binPath: binPath}
}

// Spawn verifies and launches one ttyhost. When a privilege-dropping wrapper
// is used, the real pid is resolved by waiting for its endpoint to appear;
// otherwise the launched command's pid is returned.
func (s *Spawner) Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	if err := s.verifyIntegrity(); err != nil {
		return nil, err
	}

	args := []string{
		"--session", opts.SessionID,
		"--cols", strconv.Itoa(int(opts.Cols)),
		"--rows", strconv.Itoa(int(opts.Rows)),
	}
	if opts.ShellType != "" {
		args = append(args, "--shell", opts.ShellType)
	}
	if opts.Cwd != "" {
		args = append(args, "--cwd", opts.Cwd)
	}

	wrapped := false
	var cmd *exec.Cmd
	if opts.AsUser != "" && os.Geteuid() == 0 {
		if !userNameRe.MatchString(opts.AsUser) {
			return nil, errors.Wrapf(api.ErrSpawnFailed, "invalid run-as user %q", opts.AsUser)
		}
		wrapped = true
		sudoArgs := append([]string{"-n", "-u", opts.AsUser, "--", s.binPath}, args...)
		cmd = exec.Command("sudo", sudoArgs...)
	} else {
		cmd = exec.Command(s.binPath, args...)
	}
	cmd.SysProcAttr = detachedProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(api.ErrSpawnFailed, err.Error())
	}
	// Reap the direct child when it exits; the ttyhost itself owns its
	// lifetime from here.
	go func() { _ = cmd.Wait() }()

	pid := cmd.Process.Pid
	if wrapped {
		// The wrapper's pid is not the ttyhost's. Resolve the real pid from
		// the endpoint the ttyhost registers.
		resolved, err := waitForEndpointPid(ctx, opts.SessionID)
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, errors.Wrapf(api.ErrSpawnFailed, "resolve ttyhost pid for %s: %v", opts.SessionID, err)
		}
		pid = resolved
	}
	return &Process{Pid: pid, cmd: cmd}, nil
}

// Version probes and caches the ttyhost binary version once per process.
func (s *Spawner) Version(ctx context.Context) (string, error) {
	s.versionOnce.Do(func() {
		out, err := exec.CommandContext(ctx, s.binPath, "--version").Output()
		if err != nil {
			s.versionErr = errors.Wrap(err, "probe ttyhost version")
			return
		}
		s.version = strings.TrimSpace(string(out))
	})
	return s.version, s.versionErr
}

// verifyIntegrity checks the binary's SHA-256 against the install manifest.
// A successful check is cached for the lifetime of the process; a missing
// manifest allows the spawn (development installs) but is logged.
func (s *Spawner) verifyIntegrity() error {
	s.integrityOnce.Do(func() {
		s.integrityErr = s.checkManifest()
	})
	return s.integrityErr
}

func (s *Spawner) checkManifest() error {
	manifest := filepath.Join(filepath.Dir(s.binPath), manifestName)
	f, err := os.Open(manifest)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Warnf("no %s next to %s, skipping integrity check", manifestName, s.binPath)
			return nil
		}
		return errors.Wrap(api.ErrSpawnFailed, err.Error())
	}
	defer f.Close()

	want := ""
	base := filepath.Base(s.binPath)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && strings.TrimPrefix(fields[1], "*") == base {
			want = strings.ToLower(fields[0])
			break
		}
	}
	if want == "" {
		return errors.Wrapf(api.ErrSpawnFailed, "%s has no entry for %s", manifestName, base)
	}

	got, err := fileSHA256(s.binPath)
	if err != nil {
		return errors.Wrap(api.ErrSpawnFailed, err.Error())
	}
	if got != want {
		return errors.Wrapf(api.ErrSpawnFailed, "integrity mismatch for %s: manifest %s, binary %s", base, want, got)
	}
	logrus.Debugf("integrity check passed for %s", base)
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// waitForEndpointPid scans the transport directory for an endpoint matching
// the session, with exponential backoff (50, 100, 200, 400 ms).
func waitForEndpointPid(ctx context.Context, sessionID string) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 400 * time.Millisecond
	bo.MaxElapsedTime = time.Second

	pid := 0
	err := backoff.Retry(func() error {
		eps, err := endpoint.Enumerate()
		if err != nil {
			return backoff.Permanent(err)
		}
		for _, ep := range eps {
			if ep.SessionID == sessionID {
				pid = ep.Pid
				return nil
			}
		}
		return fmt.Errorf("endpoint for %s not yet registered", sessionID)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return 0, err
	}
	return pid, nil
}
