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
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/frame"
	"github.com/midterm-dev/midterm/pkg/mux"
)

// handleMux serves the binary channel: init frame, initial buffer replay,
// then the receive loop with backpressure resync.
func (s *Server) handleMux(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	// A UUID without dashes is exactly the 32 bytes the init frame carries.
	clientID := strings.ReplaceAll(uuid.NewString(), "-", "")
	ws := newWsConn(conn)
	logrus.Infof("mux client %s connected from %s", clientID[:8], r.RemoteAddr)

	if err := ws.SendBinary(frame.EncodeInit(clientID)); err != nil {
		logrus.Debugf("mux client %s: init frame failed: %v", clientID[:8], err)
		return
	}

	client := mux.NewClient(clientID, ws, s.cfg.Clock, s.cfg.RingSize)
	client.Start(s.cfg.ShutdownCtx)
	defer client.Dispose()

	if err := s.sendAllBuffers(r.Context(), ws); err != nil {
		logrus.Debugf("mux client %s: initial sync aborted: %v", clientID[:8], err)
		return
	}

	s.cfg.Mux.Register(client)
	defer s.cfg.Mux.Unregister(clientID)

	// Close the socket with the dedicated code when the host shuts down;
	// closing also unblocks the read below.
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
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("mux client %s closed: %v", clientID[:8], err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.dispatchMuxFrame(r.Context(), client, ws, data)

		if client.HasDropped() {
			if err := s.resync(r.Context(), ws); err != nil {
				logrus.Debugf("mux client %s: resync failed: %v", clientID[:8], err)
				return
			}
			client.ResetDropped()
		}
	}
}

func (s *Server) dispatchMuxFrame(ctx context.Context, client *mux.Client, ws *wsConn, data []byte) {
	t, sessionID, body, err := frame.ParseMux(data)
	if err != nil {
		logrus.Warnf("client %s: bad mux frame: %v", client.ID()[:8], err)
		return
	}
	switch t {
	case frame.MuxTerminalInput:
		s.cfg.Sessions.SendInput(sessionID, body)
	case frame.MuxResize:
		cols, rows, err := frame.DecodeResize(body)
		if err != nil {
			logrus.Warnf("client %s: bad resize frame: %v", client.ID()[:8], err)
			return
		}
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.cfg.Sessions.Resize(rctx, sessionID, cols, rows); err != nil {
			logrus.Debugf("client %s: resize %s: %v", client.ID()[:8], sessionID, err)
		}
	case frame.MuxBufferRequest:
		if err := s.sendBuffer(ctx, ws, sessionID); err != nil {
			logrus.Debugf("client %s: buffer replay for %s: %v", client.ID()[:8], sessionID, err)
		}
	case frame.MuxActiveSessionHint:
		client.SetActive(sessionID)
	default:
		logrus.Warnf("client %s: unknown mux frame type 0x%02x", client.ID()[:8], byte(t))
	}
}

// sendAllBuffers replays every session's scrollback to a fresh client. An
// error aborts the replay for subsequent sessions; the connection is then
// torn down.
func (s *Server) sendAllBuffers(ctx context.Context, ws *wsConn) error {
	for _, info := range s.cfg.Sessions.List() {
		if err := s.sendBuffer(ctx, ws, info.ID); err != nil {
			return err
		}
	}
	return nil
}

// sendBuffer fetches one session's scrollback and sends it chunked at the
// replay boundary, compressing chunks above the threshold.
func (s *Server) sendBuffer(ctx context.Context, ws *wsConn, sessionID string) error {
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	buf, err := s.cfg.Sessions.GetBuffer(rctx, sessionID)
	cancel()
	if err != nil {
		// The session may have died between listing and fetch; that is not
		// a connection error.
		logrus.Debugf("buffer fetch for %s: %v", sessionID, err)
		return nil
	}
	var cols, rows uint16
	for _, info := range s.cfg.Sessions.List() {
		if info.ID == sessionID {
			cols, rows = info.Cols, info.Rows
			break
		}
	}
	for off := 0; off < len(buf); off += frame.ReplayChunkSize {
		end := off + frame.ReplayChunkSize
		if end > len(buf) {
			end = len(buf)
		}
		b, err := frame.EncodeOutput(sessionID, cols, rows, buf[off:end])
		if err != nil {
			return err
		}
		if err := ws.SendBinary(b); err != nil {
			return err
		}
	}
	return nil
}

// resync tells the browser to drop all local terminal state and replays
// every buffer. Triggered when the client's inbound queue overflowed.
func (s *Server) resync(ctx context.Context, ws *wsConn) error {
	for _, info := range s.cfg.Sessions.List() {
		if err := ws.SendBinary(frame.EncodeClearScreen(info.ID)); err != nil {
			return err
		}
	}
	return s.sendAllBuffers(ctx, ws)
}
