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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"

	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/frame"
	"github.com/midterm-dev/midterm/pkg/mux"
	"github.com/midterm-dev/midterm/pkg/session"
)

func newTestServer(t *testing.T, authToken string) (*Server, *httptest.Server) {
	t.Helper()
	sessions := session.NewManager(session.Config{})
	muxMgr := mux.NewConnectionManager(sessions)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := New(Config{
		Sessions:    sessions,
		Mux:         muxMgr,
		AuthToken:   authToken,
		ShutdownCtx: ctx,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestMuxChannelSendsInitFrame(t *testing.T) {
	_, ts := newTestServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/mux"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, msgType, websocket.BinaryMessage)

	typ, shortID, body, err := frame.ParseMux(data)
	assert.NilError(t, err)
	assert.Equal(t, typ, frame.MuxInit)

	version, fullID, err := frame.DecodeInit(body)
	assert.NilError(t, err)
	assert.Equal(t, version, api.ProtocolVersion)
	assert.Equal(t, len(fullID), frame.ClientIDLength)
	assert.Equal(t, shortID, fullID[:8])
}

func TestMuxChannelRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/mux"), nil)
	assert.Assert(t, err != nil)
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestMuxChannelAcceptsCookie(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	hdr := http.Header{}
	hdr.Set("Cookie", authCookieName+"=secret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/mux"), hdr)
	assert.NilError(t, err)
	conn.Close()
}

func TestStateChannelInitialPush(t *testing.T) {
	_, ts := newTestServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/state"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update api.StateUpdate
	assert.NilError(t, conn.ReadJSON(&update))
	assert.Equal(t, update.Type, "stateUpdate")
	assert.Equal(t, len(update.Sessions), 0)

	var main api.MainBrowserStatus
	assert.NilError(t, conn.ReadJSON(&main))
	assert.Equal(t, main.Type, "mainBrowser")
	assert.Equal(t, main.ClientID, "")
}

func TestStateChannelUnknownAction(t *testing.T) {
	_, ts := newTestServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/state"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var skip json.RawMessage
	assert.NilError(t, conn.ReadJSON(&skip)) // state update
	assert.NilError(t, conn.ReadJSON(&skip)) // main browser status

	assert.NilError(t, conn.WriteJSON(api.WsCommand{Type: "command", ID: "7", Action: "session.reboot"}))

	var resp api.WsCommandResponse
	assert.NilError(t, conn.ReadJSON(&resp))
	assert.Equal(t, resp.Type, "response")
	assert.Equal(t, resp.ID, "7")
	assert.Assert(t, !resp.Success)
	assert.Assert(t, strings.Contains(resp.Error, "unknown action"))
}

func TestClaimAndReleaseMain(t *testing.T) {
	_, ts := newTestServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/state"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var skip json.RawMessage
	assert.NilError(t, conn.ReadJSON(&skip))
	assert.NilError(t, conn.ReadJSON(&skip))

	assert.NilError(t, conn.WriteJSON(api.WsCommand{Type: "command", ID: "1", Action: api.ActionClaimMain}))

	var claimed bool
	var sawResponse bool
	// The claim elicits both a response and a mainBrowser broadcast, in
	// either order.
	for i := 0; i < 2; i++ {
		var raw json.RawMessage
		assert.NilError(t, conn.ReadJSON(&raw))
		var probe struct {
			Type     string `json:"type"`
			Success  bool   `json:"success"`
			ClientID string `json:"clientId"`
		}
		assert.NilError(t, json.Unmarshal(raw, &probe))
		switch probe.Type {
		case "response":
			sawResponse = true
			assert.Assert(t, probe.Success)
		case "mainBrowser":
			claimed = probe.ClientID != ""
		}
	}
	assert.Assert(t, sawResponse)
	assert.Assert(t, claimed)

	assert.NilError(t, conn.WriteJSON(api.WsCommand{Type: "command", ID: "2", Action: api.ActionReleaseMain}))
	released := false
	for i := 0; i < 2; i++ {
		var raw json.RawMessage
		assert.NilError(t, conn.ReadJSON(&raw))
		var probe struct {
			Type     string `json:"type"`
			ClientID string `json:"clientId"`
		}
		assert.NilError(t, json.Unmarshal(raw, &probe))
		if probe.Type == "mainBrowser" {
			released = probe.ClientID == ""
		}
	}
	assert.Assert(t, released)
}

func TestSettingsSaveRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/state"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var skip json.RawMessage
	assert.NilError(t, conn.ReadJSON(&skip))
	assert.NilError(t, conn.ReadJSON(&skip))

	payload := json.RawMessage(`{"theme":"dark"}`)
	assert.NilError(t, conn.WriteJSON(api.WsCommand{
		Type: "command", ID: "3", Action: api.ActionSettingsSave, Payload: payload,
	}))

	var resp api.WsCommandResponse
	assert.NilError(t, conn.ReadJSON(&resp))
	assert.Assert(t, resp.Success)
	assert.Equal(t, string(srv.cfg.Settings.Load()), `{"theme":"dark"}`)
}

func TestSessionCloseUnknownIDFails(t *testing.T) {
	_, ts := newTestServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/state"), nil)
	assert.NilError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var skip json.RawMessage
	assert.NilError(t, conn.ReadJSON(&skip))
	assert.NilError(t, conn.ReadJSON(&skip))

	assert.NilError(t, conn.WriteJSON(api.WsCommand{
		Type: "command", ID: "4", Action: api.ActionSessionClose,
		Payload: json.RawMessage(`{"id":"00000000"}`),
	}))
	var resp api.WsCommandResponse
	assert.NilError(t, conn.ReadJSON(&resp))
	assert.Assert(t, !resp.Success)
	assert.Assert(t, strings.Contains(resp.Error, "not found"))
}
