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

package mux

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/frame"
)

const (
	inboundCapacity = 1000

	// backgroundFlushAge is how long a background session's bytes may sit
	// buffered before they are flushed regardless of size.
	backgroundFlushAge = 2 * time.Second

	// loopWake bounds how long the process loop sleeps with pending
	// background data.
	loopWake = time.Second
)

// Sender delivers one binary frame to the browser. Implementations serialise
// concurrent senders; a send error is terminal for the connection.
type Sender interface {
	SendBinary(b []byte) error
}

// Client is the per-browser output pipeline: a bounded inbound queue of
// shared output items, one pooled ring buffer per session, and a process
// loop that flushes the active session immediately and background sessions
// on a size threshold or timer.
type Client struct {
	id       string
	sender   Sender
	clock    clockwork.Clock
	ringSize int

	inbound chan *OutputItem

	removalMu sync.Mutex
	removals  []string

	active        atomic.Value // string
	droppedFrames atomic.Uint32

	// rings is owned by the process loop; nothing else touches it.
	rings map[string]*ring

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewClient builds a client for one browser WebSocket.
func NewClient(id string, sender Sender, clock clockwork.Clock, ringSize int) *Client {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	c := &Client{
		id:       id,
		sender:   sender,
		clock:    clock,
		ringSize: ringSize,
		inbound:  make(chan *OutputItem, inboundCapacity),
		rings:    make(map[string]*ring),
		done:     make(chan struct{}),
	}
	c.active.Store("")
	return c
}

// ID returns the full client id.
func (c *Client) ID() string {
	return c.id
}

// Start launches the process loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// SetActive records which session the user is viewing; its ring flushes on
// every loop iteration from now on.
func (c *Client) SetActive(sessionID string) {
	c.active.Store(sessionID)
}

// ActiveSession returns the currently hinted session id.
func (c *Client) ActiveSession() string {
	return c.active.Load().(string)
}

// QueueOutput hands a shared output item to this client. The client takes
// its own reference; when the inbound queue is full the oldest item is
// dropped and the dropped-frame counter incremented.
func (c *Client) QueueOutput(item *OutputItem) {
	item.Retain()
	for {
		select {
		case c.inbound <- item:
			return
		default:
		}
		select {
		case old := <-c.inbound:
			old.Release()
			c.droppedFrames.Add(1)
		default:
		}
	}
}

// SendControl sends a frame immediately, bypassing the ring buffers.
func (c *Client) SendControl(b []byte) error {
	return c.sender.SendBinary(b)
}

// RemoveSession queues removal of a session's ring; the process loop frees
// it on its next iteration.
func (c *Client) RemoveSession(sessionID string) {
	c.removalMu.Lock()
	c.removals = append(c.removals, sessionID)
	c.removalMu.Unlock()
}

// HasDropped reports whether any inbound items were dropped since the last
// ResetDropped. The WebSocket handler polls this after every received frame
// and resyncs on a false-to-true transition.
func (c *Client) HasDropped() bool {
	return c.droppedFrames.Load() > 0
}

// ResetDropped clears the dropped-frame counter after a resync.
func (c *Client) ResetDropped() {
	c.droppedFrames.Store(0)
}

// Dispose cancels the loop, drains the inbound queue and returns every
// pooled buffer. Idempotent.
func (c *Client) Dispose() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		for {
			select {
			case item := <-c.inbound:
				item.Release()
			default:
				for id, r := range c.rings {
					r.release()
					delete(c.rings, id)
				}
				return
			}
		}
	})
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	ticker := c.clock.NewTicker(loopWake)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-c.inbound:
			c.consume(item)
			// Batch whatever else is already queued before flushing.
			c.drainInbound()
			c.processRemovals()
			c.flushPass()
		case <-ticker.Chan():
			c.drainInbound()
			c.processRemovals()
			c.flushPass()
		}
	}
}

func (c *Client) drainInbound() {
	for {
		select {
		case item := <-c.inbound:
			c.consume(item)
		default:
			return
		}
	}
}

func (c *Client) consume(item *OutputItem) {
	r, ok := c.rings[item.SessionID]
	if !ok {
		r = newRing(c.ringSize, c.clock.Now())
		c.rings[item.SessionID] = r
	}
	r.cols, r.rows = item.Cols, item.Rows
	r.write(item.Bytes())
	item.Release()
}

func (c *Client) processRemovals() {
	c.removalMu.Lock()
	removals := c.removals
	c.removals = nil
	c.removalMu.Unlock()
	for _, id := range removals {
		if r, ok := c.rings[id]; ok {
			r.release()
			delete(c.rings, id)
		}
	}
}

// flushPass applies the active-versus-background policy: the active session
// flushes unconditionally, background sessions only once they buffered a
// compression threshold's worth or their bytes aged past the window.
func (c *Client) flushPass() {
	active := c.ActiveSession()
	now := c.clock.Now()
	for id, r := range c.rings {
		if r.pos == 0 && r.dropped == 0 {
			continue
		}
		if id != active &&
			r.pos < frame.CompressionThreshold &&
			now.Sub(r.lastFlush) < backgroundFlushAge {
			continue
		}
		c.flush(id, r, now)
	}
}

// flush emits a DataLoss frame when bytes were shifted out, then the
// buffered output. The ring resets only after a successful send, so a
// transient send error never loses data.
func (c *Client) flush(sessionID string, r *ring, now time.Time) {
	if r.dropped > 0 {
		if err := c.sender.SendBinary(frame.EncodeDataLoss(sessionID, clampU32(r.dropped))); err != nil {
			logrus.Debugf("client %s: data loss frame failed: %v", c.id, err)
			return
		}
		r.dropped = 0
	}
	if r.pos == 0 {
		r.lastFlush = now
		return
	}
	b, err := frame.EncodeOutput(sessionID, r.cols, r.rows, r.pending())
	if err != nil {
		logrus.Warnf("client %s: encode output for %s: %v", c.id, sessionID, err)
		return
	}
	if err := c.sender.SendBinary(b); err != nil {
		logrus.Debugf("client %s: output frame failed: %v", c.id, err)
		return
	}
	r.reset(now)
}

func clampU32(v uint64) uint32 {
	if v > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(v)
}
