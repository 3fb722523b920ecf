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

// Package server exposes the browser-facing WebSocket endpoints: the binary
// mux channel carrying terminal bytes and the JSON state channel carrying
// session lists and commands.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/mux"
	"github.com/midterm-dev/midterm/pkg/session"
)

const authCookieName = "mt_session"

// SettingsStore persists browser-editable settings. The real store lives
// outside the core; the default keeps them in memory.
type SettingsStore interface {
	Save(raw json.RawMessage) error
	Load() json.RawMessage
}

type memSettings struct {
	mu  sync.Mutex
	raw json.RawMessage
}

func (m *memSettings) Save(raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(json.RawMessage(nil), raw...)
	return nil
}

func (m *memSettings) Load() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw
}

// Config parameterises a Server.
type Config struct {
	Sessions *session.Manager
	Mux      *mux.ConnectionManager
	Clock    clockwork.Clock
	Settings SettingsStore

	// AuthToken, when non-empty, is required as the mt_session cookie or
	// bearer token on every WebSocket accept.
	AuthToken string

	// RingSize overrides the per-session ring capacity of each mux client.
	RingSize int

	// ShutdownCtx is the host lifetime; when it ends every connection is
	// closed with CloseServerShutdown.
	ShutdownCtx context.Context
}

// Server handles the two WebSocket channels of the mux protocol.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	stateMu    sync.Mutex
	stateConns map[string]*wsConn
	mainID     string

	updateMu sync.Mutex
	update   *api.UpdateInfo
}

// New builds a Server and subscribes it to session state changes.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Settings == nil {
		cfg.Settings = &memSettings{}
	}
	if cfg.ShutdownCtx == nil {
		cfg.ShutdownCtx = context.Background()
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Origins are not checked here; when an auth token is
			// configured, the cookie or bearer check gates every accept.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stateConns: make(map[string]*wsConn),
	}
	cfg.Sessions.OnStateChanged(s.broadcastState)
	return s
}

// Routes returns the handler exposing /ws/mux and /ws/state.
func (s *Server) Routes() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/ws/mux", s.handleMux)
	m.HandleFunc("/ws/state", s.handleState)
	return m
}

// SetUpdateInfo records update availability and pushes it to every state
// channel.
func (s *Server) SetUpdateInfo(u *api.UpdateInfo) {
	s.updateMu.Lock()
	s.update = u
	s.updateMu.Unlock()
	s.broadcastState()
}

func (s *Server) currentUpdate() *api.UpdateInfo {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	return s.update
}

// authorized validates the session cookie (or bearer token) when auth is
// enabled.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if c, err := r.Cookie(authCookieName); err == nil && c.Value == s.cfg.AuthToken {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.AuthToken
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Debugf("websocket upgrade failed: %v", err)
		return nil, false
	}
	return conn, true
}
