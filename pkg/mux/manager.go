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

// Package mux fans ttyhost output out to browser clients, with per-client
// buffering, backpressure and compression.
package mux

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/frame"
	"github.com/midterm-dev/midterm/pkg/session"
)

const queueCapacity = 1000

// ConnectionManager owns the global output queue and the set of connected
// mux clients. It subscribes once to the session manager and keeps the
// per-item fan-out work proportional to the number of clients; all
// per-client buffering lives on each client's own task, so a slow client
// never blocks a fast one.
type ConnectionManager struct {
	clientMu sync.RWMutex
	clients  map[string]*Client

	queue chan *OutputItem

	unsubscribe []func()
}

// NewConnectionManager wires a manager to the session registry's events.
func NewConnectionManager(sessions *session.Manager) *ConnectionManager {
	cm := &ConnectionManager{
		clients: make(map[string]*Client),
		queue:   make(chan *OutputItem, queueCapacity),
	}
	cm.unsubscribe = append(cm.unsubscribe,
		sessions.OnOutput(cm.handleOutput),
		sessions.OnSessionClosed(cm.handleSessionClosed),
		sessions.OnForegroundChanged(cm.handleForegroundChanged),
	)
	return cm
}

// Register adds a connected browser client to the fan-out set.
func (cm *ConnectionManager) Register(c *Client) {
	cm.clientMu.Lock()
	defer cm.clientMu.Unlock()
	cm.clients[c.ID()] = c
}

// Unregister removes a client, typically after its WebSocket closed.
func (cm *ConnectionManager) Unregister(id string) {
	cm.clientMu.Lock()
	defer cm.clientMu.Unlock()
	delete(cm.clients, id)
}

func (cm *ConnectionManager) snapshot() []*Client {
	cm.clientMu.RLock()
	defer cm.clientMu.RUnlock()
	out := make([]*Client, 0, len(cm.clients))
	for _, c := range cm.clients {
		out = append(out, c)
	}
	return out
}

// handleOutput runs on the ttyhost read loop: copy the chunk onto a pooled
// buffer and enqueue, dropping the oldest queued item when full.
func (cm *ConnectionManager) handleOutput(o session.Output) {
	item := newOutputItem(o.SessionID, o.Cols, o.Rows, o.Data)
	for {
		select {
		case cm.queue <- item:
			return
		default:
		}
		select {
		case old := <-cm.queue:
			old.Release()
			logrus.Debugf("output queue full, dropped a chunk for %s", old.SessionID)
		default:
		}
	}
}

func (cm *ConnectionManager) handleSessionClosed(sessionID string) {
	for _, c := range cm.snapshot() {
		c.RemoveSession(sessionID)
	}
}

// handleForegroundChanged serialises the payload once and hands the frame
// directly to every client, bypassing ring buffers: foreground changes are
// small, rare and must not coalesce.
func (cm *ConnectionManager) handleForegroundChanged(sessionID string, fg api.ForegroundProcess) {
	payload, err := json.Marshal(fg)
	if err != nil {
		logrus.Warnf("marshal foreground change for %s: %v", sessionID, err)
		return
	}
	b := frame.EncodeForegroundChange(sessionID, payload)
	for _, c := range cm.snapshot() {
		if err := c.SendControl(b); err != nil {
			logrus.Debugf("client %s: foreground frame dropped: %v", c.ID(), err)
		}
	}
}

// Run drains the output queue until the host shuts down, visiting clients
// sequentially per item so that per-session byte order is identical for
// every client.
func (cm *ConnectionManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			cm.drain()
			for _, unsub := range cm.unsubscribe {
				unsub()
			}
			return
		case item := <-cm.queue:
			for _, c := range cm.snapshot() {
				c.QueueOutput(item)
			}
			item.Release()
		}
	}
}

func (cm *ConnectionManager) drain() {
	for {
		select {
		case item := <-cm.queue:
			item.Release()
		default:
			return
		}
	}
}
