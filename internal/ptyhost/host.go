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

// Package ptyhost implements the ttyhost side of the IPC protocol: one
// pseudo-terminal, one listening endpoint, one mt connection at a time.
package ptyhost

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"time"

	"github.com/creack/pty"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/internal/buildinfo"
	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/endpoint"
	"github.com/midterm-dev/midterm/pkg/frame"
)

const (
	scrollbackMax    = 1 << 20
	foregroundPeriod = 2 * time.Second

	defaultShell = "/bin/sh"
)

// Options configures one host.
type Options struct {
	SessionID string
	Shell     string
	Cwd       string
	Cols      uint16
	Rows      uint16
}

// Host owns one PTY and serves the IPC protocol on its endpoint.
type Host struct {
	opts      Options
	createdAt time.Time

	ptmx *os.File
	cmd  *exec.Cmd

	mu         sync.Mutex
	cols       uint16
	rows       uint16
	title      string
	manualName bool
	order      uint8
	isRunning  bool
	exitCode   *int
	foreground *api.ForegroundProcess

	scroll *scrollback
	titles titleParser

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

// New prepares a host; Run starts it.
func New(opts Options) *Host {
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	return &Host{
		opts:      opts,
		createdAt: time.Now(),
		cols:      opts.Cols,
		rows:      opts.Rows,
		isRunning: true,
		scroll:    newScrollback(scrollbackMax),
		closed:    make(chan struct{}),
	}
}

// Run starts the shell, registers the endpoint and serves until Close
// arrives or the context ends.
func (h *Host) Run(ctx context.Context) error {
	shell := h.opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = defaultShell
	}
	argv, err := shellwords.Parse(shell)
	if err != nil {
		return errors.Wrapf(err, "parse shell command %q", shell)
	}
	if len(argv) == 0 {
		return errors.Errorf("empty shell command %q", shell)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if h.opts.Cwd != "" {
		cmd.Dir = h.opts.Cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: h.opts.Cols, Rows: h.opts.Rows})
	if err != nil {
		return errors.Wrap(err, "start pty")
	}
	h.ptmx = ptmx
	h.cmd = cmd
	defer ptmx.Close()

	name := endpoint.Format(h.opts.SessionID, os.Getpid())
	l, err := endpoint.Listen(name)
	if err != nil {
		return err
	}
	defer l.Close()
	defer endpoint.Remove(name)
	logrus.Infof("ttyhost %s listening at %s", h.opts.SessionID, name)

	go h.readPty()
	go h.waitChild()
	go h.pollForeground(ctx)
	go h.acceptLoop(l)

	select {
	case <-ctx.Done():
	case <-h.closed:
	}
	return nil
}

// acceptLoop serves one mt connection at a time; a newer connection replaces
// the older one.
func (h *Host) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		h.connMu.Lock()
		if h.conn != nil {
			_ = h.conn.Close()
		}
		h.conn = conn
		h.connMu.Unlock()
		go h.serveConn(conn)
	}
}

func (h *Host) currentConn() net.Conn {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.conn
}

func (h *Host) send(t frame.Type, payload []byte) {
	conn := h.currentConn()
	if conn == nil {
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := frame.WriteFrame(conn, t, payload); err != nil {
		logrus.Debugf("ttyhost %s: write %s: %v", h.opts.SessionID, t, err)
	}
}

func (h *Host) sendTo(conn net.Conn, t frame.Type, payload []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return frame.WriteFrame(conn, t, payload)
}

func (h *Host) readPty() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			h.scroll.write(chunk)
			if title, ok := h.titles.feed(chunk); ok {
				h.mu.Lock()
				if !h.manualName {
					h.title = title
				}
				h.mu.Unlock()
			}
			h.mu.Lock()
			cols, rows := h.cols, h.rows
			h.mu.Unlock()
			payload := make([]byte, 4+n)
			binary.LittleEndian.PutUint16(payload, cols)
			binary.LittleEndian.PutUint16(payload[2:], rows)
			copy(payload[4:], chunk)
			h.send(frame.TypeOutput, payload)
		}
		if err != nil {
			return
		}
	}
}

func (h *Host) waitChild() {
	err := h.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	h.mu.Lock()
	h.isRunning = false
	h.exitCode = &code
	h.mu.Unlock()
	payload, _ := json.Marshal(api.StateChange{IsRunning: false, ExitCode: &code})
	h.send(frame.TypeStateChange, payload)
	logrus.Infof("ttyhost %s: shell exited with %d", h.opts.SessionID, code)
}

func (h *Host) pollForeground(ctx context.Context) {
	ticker := time.NewTicker(foregroundPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		case <-ticker.C:
		}
		fg, ok := currentForeground(h.ptmx)
		if !ok {
			continue
		}
		h.mu.Lock()
		changed := h.foreground == nil || h.foreground.Pid != fg.Pid
		if changed {
			h.foreground = &fg
		}
		h.mu.Unlock()
		if changed {
			payload, _ := json.Marshal(fg)
			h.send(frame.TypeForegroundChange, payload)
		}
	}
}

func (h *Host) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		t, body, err := frame.ReadFrame(conn)
		if err != nil {
			return
		}
		if done := h.handleFrame(conn, t, body); done {
			h.closeOnce.Do(func() { close(h.closed) })
			return
		}
	}
}

// handleFrame answers one request; returns true when Close was acked and the
// host should exit.
func (h *Host) handleFrame(conn net.Conn, t frame.Type, body []byte) bool {
	switch t {
	case frame.TypeGetInfo:
		payload, err := json.Marshal(h.sessionInfo())
		if err != nil {
			logrus.Warnf("ttyhost %s: marshal info: %v", h.opts.SessionID, err)
			return false
		}
		_ = h.sendTo(conn, frame.TypeInfo, payload)
	case frame.TypeGetBuffer:
		_ = h.sendTo(conn, frame.TypeBuffer, h.scroll.snapshot())
	case frame.TypeInput:
		if _, err := h.ptmx.Write(body); err != nil {
			logrus.Debugf("ttyhost %s: pty write: %v", h.opts.SessionID, err)
		}
	case frame.TypeResize:
		if len(body) >= 8 {
			cols := uint16(binary.LittleEndian.Uint32(body))
			rows := uint16(binary.LittleEndian.Uint32(body[4:]))
			if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
				logrus.Warnf("ttyhost %s: resize: %v", h.opts.SessionID, err)
			}
			h.mu.Lock()
			h.cols, h.rows = cols, rows
			h.mu.Unlock()
		}
		_ = h.sendTo(conn, frame.TypeResizeAck, nil)
	case frame.TypeSetName:
		h.mu.Lock()
		h.title = string(body)
		h.manualName = len(body) > 0
		h.mu.Unlock()
		_ = h.sendTo(conn, frame.TypeSetNameAck, nil)
	case frame.TypeSetOrder:
		if len(body) == 1 {
			h.mu.Lock()
			h.order = body[0]
			h.mu.Unlock()
		}
		_ = h.sendTo(conn, frame.TypeSetOrderAck, nil)
	case frame.TypeSetLogLevel:
		if len(body) == 1 {
			logrus.SetLevel(logrus.Level(body[0]))
		}
		_ = h.sendTo(conn, frame.TypeSetLogLevelAck, nil)
	case frame.TypeClose:
		_ = h.sendTo(conn, frame.TypeCloseAck, nil)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		return true
	default:
		logrus.Warnf("ttyhost %s: dropping frame type 0x%02x", h.opts.SessionID, byte(t))
	}
	return false
}

func (h *Host) sessionInfo() api.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	userName := ""
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	return api.Session{
		ID:            h.opts.SessionID,
		ShellType:     h.opts.Shell,
		Cols:          h.cols,
		Rows:          h.rows,
		Pid:           os.Getpid(),
		IsRunning:     h.isRunning,
		ExitCode:      h.exitCode,
		CreatedAt:     h.createdAt,
		UserName:      userName,
		Title:         h.title,
		HasManualName: h.manualName,
		Foreground:    h.foreground,
		Order:         h.order,
		HostVersion:   buildinfo.Version,
	}
}
