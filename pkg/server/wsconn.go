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
	"sync"

	"github.com/gorilla/websocket"
)

// CloseServerShutdown is the close code sent when the host's shutdown token
// fires. Browsers treat it like a normal closure and reconnect.
const CloseServerShutdown = 4001

// wsConn serialises writes to one WebSocket. gorilla/websocket allows only
// one concurrent writer; the mux client's process loop, the fan-out task and
// the receive-loop resync path all send through here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWsConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// SendBinary writes one binary frame.
func (w *wsConn) SendBinary(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

// SendJSON writes one text frame.
func (w *wsConn) SendJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// SendClose writes a close control frame with the given code and reason.
func (w *wsConn) SendClose(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
}
