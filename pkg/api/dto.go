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

package api

import "encoding/json"

// SessionInfo is the state-channel view of a Session. Order is the session
// manager's live ordering, not the byte cached inside the ttyhost.
type SessionInfo struct {
	Session
	Order int `json:"order"`
}

// UpdateInfo announces an available mt update to connected browsers.
type UpdateInfo struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

// StateUpdate is pushed on the state channel whenever session state changes.
type StateUpdate struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
	Update   *UpdateInfo   `json:"update,omitempty"`
}

// MainBrowserStatus tells every state channel which connected browser is
// currently designated primary. Empty ClientID means none.
type MainBrowserStatus struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// WsCommand is an inbound state-channel command.
type WsCommand struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WsCommandResponse answers exactly one WsCommand, matched by ID.
type WsCommandResponse struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Command actions understood by the state channel.
const (
	ActionSessionCreate  = "session.create"
	ActionSessionClose   = "session.close"
	ActionSessionRename  = "session.rename"
	ActionSessionReorder = "session.reorder"
	ActionSettingsSave   = "settings.save"
	ActionClaimMain      = "browser.claimMain"
	ActionReleaseMain    = "browser.releaseMain"
)
