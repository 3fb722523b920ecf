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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/api"
)

// handleState serves the JSON text channel: session list pushes, update
// availability and the command/response protocol.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	ws := newWsConn(conn)

	s.stateMu.Lock()
	s.stateConns[clientID] = ws
	s.stateMu.Unlock()
	defer func() {
		s.stateMu.Lock()
		delete(s.stateConns, clientID)
		if s.mainID == clientID {
			s.mainID = ""
		}
		main := s.mainID
		s.stateMu.Unlock()
		s.broadcastMain(main)
	}()

	if err := ws.SendJSON(s.stateUpdate()); err != nil {
		return
	}
	s.stateMu.Lock()
	main := s.mainID
	s.stateMu.Unlock()
	_ = ws.SendJSON(api.MainBrowserStatus{Type: "mainBrowser", ClientID: main})

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-s.cfg.ShutdownCtx.Done():
			_ = ws.SendClose(CloseServerShutdown, "server shutdown")
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	for {
		var cmd api.WsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Type != "command" {
			continue
		}
		resp := s.dispatchCommand(r.Context(), clientID, cmd)
		if err := ws.SendJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) stateUpdate() api.StateUpdate {
	return api.StateUpdate{
		Type:     "stateUpdate",
		Sessions: s.cfg.Sessions.List(),
		Update:   s.currentUpdate(),
	}
}

// broadcastState pushes the current session list to every state channel. It
// runs synchronously inside the session manager's emit, so it must not
// block; send errors are left to each connection's own read loop to notice.
func (s *Server) broadcastState() {
	update := s.stateUpdate()
	s.stateMu.Lock()
	conns := make([]*wsConn, 0, len(s.stateConns))
	for _, c := range s.stateConns {
		conns = append(conns, c)
	}
	s.stateMu.Unlock()
	for _, c := range conns {
		if err := c.SendJSON(update); err != nil {
			logrus.Debugf("state push failed: %v", err)
		}
	}
}

func (s *Server) broadcastMain(mainID string) {
	status := api.MainBrowserStatus{Type: "mainBrowser", ClientID: mainID}
	s.stateMu.Lock()
	conns := make([]*wsConn, 0, len(s.stateConns))
	for _, c := range s.stateConns {
		conns = append(conns, c)
	}
	s.stateMu.Unlock()
	for _, c := range conns {
		_ = c.SendJSON(status)
	}
}

type createPayload struct {
	ShellType string `json:"shellType,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

type idPayload struct {
	ID string `json:"id"`
}

type renamePayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type reorderPayload struct {
	IDs []string `json:"ids"`
}

func (s *Server) dispatchCommand(ctx context.Context, clientID string, cmd api.WsCommand) api.WsCommandResponse {
	ok := func(data interface{}) api.WsCommandResponse {
		return api.WsCommandResponse{Type: "response", ID: cmd.ID, Success: true, Data: data}
	}
	fail := func(err error) api.WsCommandResponse {
		return api.WsCommandResponse{Type: "response", ID: cmd.ID, Success: false, Error: err.Error()}
	}

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cmd.Action {
	case api.ActionSessionCreate:
		var p createPayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				return fail(err)
			}
		}
		if p.Cols == 0 {
			p.Cols = 80
		}
		if p.Rows == 0 {
			p.Rows = 24
		}
		sess, err := s.cfg.Sessions.Create(cctx, p.ShellType, p.Cols, p.Rows, p.Cwd)
		if err != nil {
			return fail(err)
		}
		return ok(sess)

	case api.ActionSessionClose:
		var p idPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(err)
		}
		if !s.cfg.Sessions.Close(cctx, p.ID) {
			return fail(api.ErrSessionNotFound)
		}
		return ok(nil)

	case api.ActionSessionRename:
		var p renamePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(err)
		}
		if err := s.cfg.Sessions.Rename(cctx, p.ID, p.Name); err != nil {
			return fail(err)
		}
		return ok(nil)

	case api.ActionSessionReorder:
		var p reorderPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(err)
		}
		if err := s.cfg.Sessions.Reorder(p.IDs); err != nil {
			return fail(err)
		}
		return ok(nil)

	case api.ActionSettingsSave:
		if err := s.cfg.Settings.Save(cmd.Payload); err != nil {
			return fail(err)
		}
		return ok(nil)

	case api.ActionClaimMain:
		s.stateMu.Lock()
		s.mainID = clientID
		s.stateMu.Unlock()
		s.broadcastMain(clientID)
		return ok(nil)

	case api.ActionReleaseMain:
		s.stateMu.Lock()
		released := s.mainID == clientID
		if released {
			s.mainID = ""
		}
		main := s.mainID
		s.stateMu.Unlock()
		if released {
			s.broadcastMain(main)
		}
		return ok(nil)

	default:
		logrus.Warnf("state channel: unknown action %q", cmd.Action)
		return api.WsCommandResponse{Type: "response", ID: cmd.ID, Success: false,
			Error: "unknown action: " + cmd.Action}
	}
}
