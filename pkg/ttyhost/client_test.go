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

package ttyhost

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/endpoint"
	"github.com/midterm-dev/midterm/pkg/frame"
)

// scriptedHost is a minimal in-process ttyhost: it answers requests from a
// table and lets tests inject asynchronous frames.
type scriptedHost struct {
	t        *testing.T
	name     string
	listener net.Listener

	conns chan net.Conn
	// received carries every inbound frame for assertions.
	received chan receivedFrame

	// outputBeforeInfo injects an Output frame between GetInfo and Info to
	// exercise the handshake ordering rule.
	outputBeforeInfo bool

	session api.Session
}

type receivedFrame struct {
	t       frame.Type
	payload []byte
}

func newScriptedHost(t *testing.T, sessionID string) *scriptedHost {
	t.Helper()
	name := endpoint.Format(sessionID, os.Getpid())
	l, err := endpoint.Listen(name)
	assert.NilError(t, err)
	h := &scriptedHost{
		t:        t,
		name:     name,
		listener: l,
		conns:    make(chan net.Conn, 1),
		received: make(chan receivedFrame, 64),
		session:  api.Session{ID: sessionID, IsRunning: true, Cols: 80, Rows: 24, HostVersion: "1.0.0"},
	}
	go h.serve()
	t.Cleanup(func() { l.Close() })
	return h
}

func (h *scriptedHost) serve() {
	conn, err := h.listener.Accept()
	if err != nil {
		return
	}
	h.conns <- conn
	for {
		t, payload, err := frame.ReadFrame(conn)
		if err != nil {
			return
		}
		h.received <- receivedFrame{t: t, payload: payload}
		switch t {
		case frame.TypeGetInfo:
			if h.outputBeforeInfo {
				h.writeOutput(conn, 80, 24, []byte("early bytes"))
			}
			info, _ := json.Marshal(h.session)
			_ = frame.WriteFrame(conn, frame.TypeInfo, info)
		case frame.TypeGetBuffer:
			_ = frame.WriteFrame(conn, frame.TypeBuffer, []byte("scrollback"))
		case frame.TypeResize:
			_ = frame.WriteFrame(conn, frame.TypeResizeAck, nil)
		case frame.TypeSetName:
			_ = frame.WriteFrame(conn, frame.TypeSetNameAck, nil)
		case frame.TypeSetOrder:
			_ = frame.WriteFrame(conn, frame.TypeSetOrderAck, nil)
		case frame.TypeSetLogLevel:
			_ = frame.WriteFrame(conn, frame.TypeSetLogLevelAck, nil)
		case frame.TypeClose:
			_ = frame.WriteFrame(conn, frame.TypeCloseAck, nil)
		}
	}
}

func (h *scriptedHost) writeOutput(conn net.Conn, cols, rows uint16, data []byte) {
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(payload, cols)
	binary.LittleEndian.PutUint16(payload[2:], rows)
	copy(payload[4:], data)
	_ = frame.WriteFrame(conn, frame.TypeOutput, payload)
}

func (h *scriptedHost) conn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("host never accepted a connection")
		return nil
	}
}

func (h *scriptedHost) expectFrame(t *testing.T, want frame.Type) []byte {
	t.Helper()
	for {
		select {
		case f := <-h.received:
			if f.t == want {
				return f.payload
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("host never received %s", want)
			return nil
		}
	}
}

func connectedClient(t *testing.T, sessionID string, events Events) (*Client, *scriptedHost) {
	t.Helper()
	t.Setenv("TMPDIR", t.TempDir())
	host := newScriptedHost(t, sessionID)
	c := NewClient(sessionID, host.name, events)
	assert.NilError(t, c.Connect(context.Background(), time.Second))
	return c, host
}

func TestHandshakeThenReady(t *testing.T) {
	c, _ := connectedClient(t, "abcd1234", Events{})
	defer c.Dispose()

	assert.Equal(t, c.State(), StateHandshaking)
	sess, err := c.GetInfo(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, sess.ID, "abcd1234")
	assert.Equal(t, c.State(), StateReady)
	assert.NilError(t, c.Start())
}

func TestHandshakeToleratesEarlyOutput(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	host := newScriptedHost(t, "abcd1234")
	host.outputBeforeInfo = true

	c := NewClient("abcd1234", host.name, Events{})
	defer c.Dispose()
	assert.NilError(t, c.Connect(context.Background(), time.Second))

	// The Output frame racing the Info response must be discarded, not
	// confused for the ack.
	sess, err := c.GetInfo(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, sess.ID, "abcd1234")
}

func TestOrderedRequests(t *testing.T) {
	c, host := connectedClient(t, "abcd1234", Events{})
	defer c.Dispose()

	_, err := c.GetInfo(context.Background())
	assert.NilError(t, err)
	assert.NilError(t, c.Start())

	ctx := context.Background()
	buf, err := c.GetBuffer(ctx)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), "scrollback")

	assert.NilError(t, c.Resize(ctx, 132, 43))
	payload := host.expectFrame(t, frame.TypeResize)
	assert.Equal(t, binary.LittleEndian.Uint32(payload), uint32(132))
	assert.Equal(t, binary.LittleEndian.Uint32(payload[4:]), uint32(43))

	assert.NilError(t, c.SetName(ctx, "named"))
	assert.Equal(t, string(host.expectFrame(t, frame.TypeSetName)), "named")

	assert.NilError(t, c.SetOrder(ctx, 9))
	assert.DeepEqual(t, host.expectFrame(t, frame.TypeSetOrder), []byte{9})

	assert.NilError(t, c.SetLogLevel(ctx, 5))
	assert.NilError(t, c.Close(ctx))
}

func TestSendInputFireAndForget(t *testing.T) {
	c, host := connectedClient(t, "abcd1234", Events{})
	defer c.Dispose()

	_, err := c.GetInfo(context.Background())
	assert.NilError(t, err)
	assert.NilError(t, c.Start())

	c.SendInput([]byte("echo hi\n"))
	assert.Equal(t, string(host.expectFrame(t, frame.TypeInput)), "echo hi\n")
}

func TestEventDispatch(t *testing.T) {
	outputs := make(chan []byte, 1)
	states := make(chan api.StateChange, 1)
	foregrounds := make(chan api.ForegroundProcess, 1)
	closed := make(chan struct{})

	c, host := connectedClient(t, "abcd1234", Events{
		OnOutput:            func(_, _ uint16, data []byte) { outputs <- append([]byte(nil), data...) },
		OnStateChanged:      func(sc api.StateChange) { states <- sc },
		OnForegroundChanged: func(fg api.ForegroundProcess) { foregrounds <- fg },
		OnClosed:            func() { close(closed) },
	})
	defer c.Dispose()

	_, err := c.GetInfo(context.Background())
	assert.NilError(t, err)
	assert.NilError(t, c.Start())

	conn := host.conn(t)
	host.writeOutput(conn, 80, 24, []byte("live output"))
	select {
	case data := <-outputs:
		assert.Equal(t, string(data), "live output")
	case <-time.After(2 * time.Second):
		t.Fatal("no output event")
	}

	code := 2
	sc, _ := json.Marshal(api.StateChange{IsRunning: false, ExitCode: &code})
	assert.NilError(t, frame.WriteFrame(conn, frame.TypeStateChange, sc))
	select {
	case got := <-states:
		assert.Assert(t, !got.IsRunning)
		assert.Equal(t, *got.ExitCode, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no state event")
	}

	fg, _ := json.Marshal(api.ForegroundProcess{Pid: 42, Name: "vim"})
	assert.NilError(t, frame.WriteFrame(conn, frame.TypeForegroundChange, fg))
	select {
	case got := <-foregrounds:
		assert.Equal(t, got.Name, "vim")
	case <-time.After(2 * time.Second):
		t.Fatal("no foreground event")
	}

	// A transport failure ends the loop and notifies the owner exactly once.
	conn.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("no closed event")
	}
	assert.Equal(t, c.State(), StateClosed)
}

func TestRequestAfterTransportFailure(t *testing.T) {
	c, host := connectedClient(t, "abcd1234", Events{})
	defer c.Dispose()

	_, err := c.GetInfo(context.Background())
	assert.NilError(t, err)
	assert.NilError(t, c.Start())

	host.conn(t).Close()
	// Give the read loop a beat to observe the failure.
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, err = c.GetBuffer(context.Background())
	assert.Assert(t, err != nil)
}

func TestDisposeIsIdempotent(t *testing.T) {
	c, _ := connectedClient(t, "abcd1234", Events{})
	_, err := c.GetInfo(context.Background())
	assert.NilError(t, err)
	assert.NilError(t, c.Start())

	c.Dispose()
	c.Dispose()
	assert.Equal(t, c.State(), StateClosed)
}
