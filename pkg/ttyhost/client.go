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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/endpoint"
	"github.com/midterm-dev/midterm/pkg/frame"
)

// State is the connection state of a Client.
type State int32

// Client states, in lifecycle order.
const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	requestTimeout = 3 * time.Second
	closeTimeout   = 2 * time.Second
)

// Events receives the asynchronous frames of one ttyhost connection. All
// callbacks run on the client's read loop and must not block.
type Events struct {
	OnOutput            func(cols, rows uint16, data []byte)
	OnStateChanged      func(api.StateChange)
	OnProcessEvent      func(json.RawMessage)
	OnForegroundChanged func(api.ForegroundProcess)
	OnClosed            func()
}

type ackResult struct {
	payload []byte
	err     error
}

// Client owns one connection to one ttyhost. Writes are serialised through a
// single mutex; request/ack pairs are strictly ordered with one in flight at
// a time. Reads belong to the handshake until Info arrives, then to the
// dedicated read loop.
type Client struct {
	sessionID    string
	endpointName string
	events       Events

	writeMu sync.Mutex
	conn    net.Conn

	state atomic.Int32

	reqMu       sync.Mutex
	pendingMu   sync.Mutex
	pendingAck  frame.Type
	pendingCh   chan ackResult
	loopRunning atomic.Bool

	loopDone    chan struct{}
	disposeOnce sync.Once
}

// NewClient builds a client for one session endpoint. Events must be set
// before Start.
func NewClient(sessionID, endpointName string, events Events) *Client {
	return &Client{
		sessionID:    sessionID,
		endpointName: endpointName,
		events:       events,
		loopDone:     make(chan struct{}),
	}
}

// SessionID returns the session this client serves.
func (c *Client) SessionID() string {
	return c.sessionID
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) transition(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		logrus.Debugf("ttyhost %s: %s -> %s", c.sessionID, old, s)
	}
}

// Connect opens the endpoint. On success the client is Handshaking and the
// caller must complete the handshake with GetInfo before Start.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) error {
	if c.State() != StateDisconnected {
		return errors.Errorf("connect from state %s", c.State())
	}
	c.transition(StateConnecting)
	conn, err := endpoint.Dial(ctx, c.endpointName, timeout)
	if err != nil {
		c.transition(StateDisconnected)
		return errors.Wrapf(err, "connect %s", c.endpointName)
	}
	c.conn = conn
	c.transition(StateHandshaking)
	return nil
}

// GetInfo requests the session snapshot. During the handshake it reads the
// connection directly; once the read loop runs it goes through the ordered
// request path. Frames that arrive before Info during the handshake are
// dropped: the loop has not started, so nothing races the Info read.
func (c *Client) GetInfo(ctx context.Context) (*api.Session, error) {
	payload, err := c.exchange(ctx, frame.TypeGetInfo, nil, frame.TypeInfo, requestTimeout)
	if err != nil {
		return nil, err
	}
	var s api.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, errors.Wrap(api.ErrTransportCorrupted, err.Error())
	}
	if c.State() == StateHandshaking {
		c.transition(StateReady)
	}
	return &s, nil
}

// GetBuffer fetches the ttyhost's scrollback buffer.
func (c *Client) GetBuffer(ctx context.Context) ([]byte, error) {
	return c.exchange(ctx, frame.TypeGetBuffer, nil, frame.TypeBuffer, requestTimeout)
}

// SendInput writes one input frame, fire-and-forget. Input loss on a broken
// transport is tolerable; the user retypes.
func (c *Client) SendInput(data []byte) {
	if c.State() != StateReady {
		return
	}
	if err := c.writeFrame(frame.TypeInput, data); err != nil {
		logrus.Debugf("ttyhost %s: dropping input write error: %v", c.sessionID, err)
	}
}

// Resize pushes new PTY dimensions.
func (c *Client) Resize(ctx context.Context, cols, rows uint16) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, uint32(cols))
	binary.LittleEndian.PutUint32(payload[4:], uint32(rows))
	_, err := c.exchange(ctx, frame.TypeResize, payload, frame.TypeResizeAck, requestTimeout)
	return err
}

// SetName pushes a manual session name. An empty name clears it.
func (c *Client) SetName(ctx context.Context, name string) error {
	_, err := c.exchange(ctx, frame.TypeSetName, []byte(name), frame.TypeSetNameAck, requestTimeout)
	return err
}

// SetOrder pushes the display-order byte.
func (c *Client) SetOrder(ctx context.Context, order uint8) error {
	_, err := c.exchange(ctx, frame.TypeSetOrder, []byte{order}, frame.TypeSetOrderAck, requestTimeout)
	return err
}

// SetLogLevel pushes the severity byte.
func (c *Client) SetLogLevel(ctx context.Context, level uint8) error {
	_, err := c.exchange(ctx, frame.TypeSetLogLevel, []byte{level}, frame.TypeSetLogLevelAck, requestTimeout)
	return err
}

// Close asks the ttyhost to shut down and waits briefly for its ack.
func (c *Client) Close(ctx context.Context) error {
	_, err := c.exchange(ctx, frame.TypeClose, nil, frame.TypeCloseAck, closeTimeout)
	if err == nil {
		c.transition(StateClosing)
	}
	return err
}

// Start launches the continuous read loop. It must only be called after the
// handshake completed (state Ready), so that no Output frame can race the
// Info read.
func (c *Client) Start() error {
	if c.State() != StateReady {
		return errors.Errorf("start read loop from state %s", c.State())
	}
	if !c.loopRunning.CompareAndSwap(false, true) {
		return errors.New("read loop already running")
	}
	go c.readLoop()
	return nil
}

// Dispose tears the connection down. Idempotent.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		if s := c.State(); s != StateClosed {
			c.transition(StateClosing)
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.loopRunning.Load() {
			<-c.loopDone
		}
		c.transition(StateClosed)
	})
}

func (c *Client) writeFrame(t frame.Type, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return api.ErrClientClosed
	}
	return frame.WriteFrame(c.conn, t, payload)
}

// exchange performs one ordered request/ack round trip. Only one request is
// in flight at a time; a second caller blocks until the first ack (or its
// timeout) lands.
func (c *Client) exchange(ctx context.Context, req frame.Type, payload []byte, ack frame.Type, timeout time.Duration) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	switch c.State() {
	case StateHandshaking, StateReady:
	default:
		return nil, api.ErrClientClosed
	}

	if !c.loopRunning.Load() {
		return c.directExchange(ctx, req, payload, ack, timeout)
	}

	ch := make(chan ackResult, 1)
	c.pendingMu.Lock()
	c.pendingAck = ack
	c.pendingCh = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		c.pendingAck = 0
		c.pendingCh = nil
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(req, payload); err != nil {
		c.transition(StateClosing)
		return nil, errors.Wrapf(err, "write %s", req)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.payload, r.err
	case <-timer.C:
		return nil, errors.Wrapf(api.ErrRequestTimeout, "%s", req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// directExchange reads the connection synchronously. Used during the
// handshake, before the read loop owns reads.
func (c *Client) directExchange(ctx context.Context, req frame.Type, payload []byte, ack frame.Type, timeout time.Duration) ([]byte, error) {
	if err := c.writeFrame(req, payload); err != nil {
		c.transition(StateClosing)
		return nil, errors.Wrapf(err, "write %s", req)
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		t, body, err := frame.ReadFrame(c.conn)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, errors.Wrapf(api.ErrHandshakeTimeout, "awaiting %s", ack)
			}
			c.transition(StateClosing)
			return nil, err
		}
		if t == ack {
			return body, nil
		}
		logrus.Warnf("ttyhost %s: dropping %s frame during handshake", c.sessionID, t)
	}
}

func (c *Client) readLoop() {
	defer close(c.loopDone)
	defer func() {
		c.loopRunning.Store(false)
		c.transition(StateClosed)
		if c.events.OnClosed != nil {
			c.events.OnClosed()
		}
	}()

	for {
		t, body, err := frame.ReadFrame(c.conn)
		if err != nil {
			// Any read error or unparseable frame ends the connection; the
			// session manager reaps us. Never retry on the same transport.
			if c.State() == StateReady {
				logrus.Debugf("ttyhost %s: read loop ending: %v", c.sessionID, err)
			}
			c.transition(StateClosing)
			c.failPending(err)
			return
		}
		c.dispatch(t, body)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	ch := c.pendingCh
	c.pendingCh = nil
	c.pendingAck = 0
	c.pendingMu.Unlock()
	if ch != nil {
		ch <- ackResult{err: errors.Wrap(err, "transport failed")}
	}
}

func (c *Client) deliverAck(t frame.Type, body []byte) {
	c.pendingMu.Lock()
	ch := c.pendingCh
	expected := c.pendingAck
	c.pendingCh = nil
	c.pendingAck = 0
	c.pendingMu.Unlock()
	if ch == nil || t != expected {
		logrus.Warnf("ttyhost %s: unexpected %s ack dropped", c.sessionID, t)
		return
	}
	ch <- ackResult{payload: body}
}

func (c *Client) dispatch(t frame.Type, body []byte) {
	if c.State() != StateReady {
		switch t {
		case frame.TypeOutput, frame.TypeStateChange, frame.TypeProcessEvent, frame.TypeForegroundChange, frame.TypeProcessSnapshot:
			logrus.Warnf("ttyhost %s: discarding %s frame in state %s", c.sessionID, t, c.State())
			return
		}
	}
	switch t {
	case frame.TypeOutput:
		if len(body) < 4 {
			logrus.Warnf("ttyhost %s: short output frame (%d bytes)", c.sessionID, len(body))
			return
		}
		cols := binary.LittleEndian.Uint16(body)
		rows := binary.LittleEndian.Uint16(body[2:])
		if c.events.OnOutput != nil {
			c.events.OnOutput(cols, rows, body[4:])
		}
	case frame.TypeStateChange:
		var sc api.StateChange
		if err := json.Unmarshal(body, &sc); err != nil {
			logrus.Warnf("ttyhost %s: bad state change payload: %v", c.sessionID, err)
			return
		}
		if c.events.OnStateChanged != nil {
			c.events.OnStateChanged(sc)
		}
	case frame.TypeProcessEvent, frame.TypeProcessSnapshot:
		if c.events.OnProcessEvent != nil {
			c.events.OnProcessEvent(json.RawMessage(body))
		}
	case frame.TypeForegroundChange:
		var fg api.ForegroundProcess
		if err := json.Unmarshal(body, &fg); err != nil {
			logrus.Warnf("ttyhost %s: bad foreground payload: %v", c.sessionID, err)
			return
		}
		if c.events.OnForegroundChanged != nil {
			c.events.OnForegroundChanged(fg)
		}
	case frame.TypeInfo, frame.TypeBuffer, frame.TypeResizeAck, frame.TypeSetNameAck,
		frame.TypeSetOrderAck, frame.TypeCloseAck, frame.TypeSetLogLevelAck:
		c.deliverAck(t, body)
	default:
		logrus.Warnf("ttyhost %s: dropping unknown frame type 0x%02x", c.sessionID, byte(t))
	}
}
