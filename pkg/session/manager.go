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

// Package session owns all live ttyhost clients and the registry of their
// sessions.
package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	ps "github.com/mitchellh/go-ps"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/midterm-dev/midterm/pkg/api"
	"github.com/midterm-dev/midterm/pkg/endpoint"
	"github.com/midterm-dev/midterm/pkg/ttyhost"
	"github.com/midterm-dev/midterm/pkg/version"
)

const (
	connectAttempts  = 10
	connectSpacing   = 200 * time.Millisecond
	connectTimeout   = 1500 * time.Millisecond
	discoverDeadline = 1500 * time.Millisecond
	shutdownGrace    = 2 * time.Second

	dropsDirName = "mt-drops"
)

// HostClient is the per-session connection surface the manager drives. It is
// implemented by *ttyhost.Client; tests substitute fakes.
type HostClient interface {
	Connect(ctx context.Context, timeout time.Duration) error
	GetInfo(ctx context.Context) (*api.Session, error)
	GetBuffer(ctx context.Context) ([]byte, error)
	SendInput(data []byte)
	Resize(ctx context.Context, cols, rows uint16) error
	SetName(ctx context.Context, name string) error
	SetOrder(ctx context.Context, order uint8) error
	SetLogLevel(ctx context.Context, level uint8) error
	Close(ctx context.Context) error
	Start() error
	Dispose()
}

// HostSpawner launches ttyhost processes. Implemented by *ttyhost.Spawner.
type HostSpawner interface {
	Spawn(ctx context.Context, opts ttyhost.SpawnOptions) (*ttyhost.Process, error)
	Version(ctx context.Context) (string, error)
}

// ClientFactory builds a HostClient for an endpoint.
type ClientFactory func(sessionID, endpointName string, events ttyhost.Events) HostClient

// Config parameterises a Manager.
type Config struct {
	Spawner       HostSpawner
	ClientFactory ClientFactory
	MinCompatible string
	LogLevel      uint8
	DefaultShell  string
	RunAsUser     string
	TempRoot      string
}

type entry struct {
	client  HostClient
	session *api.Session
	pid     int
	order   int
}

// Manager is the registry of live sessions. It enforces the session cap,
// drives discovery at startup and broadcasts state changes to listeners.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry

	orderMu      sync.Mutex
	orderCounter int

	stateChanged observers[struct{}]
	output       observers[Output]
	closed       observers[string]
	fgSession    observers[fgEvent]
}

type fgEvent struct {
	SessionID  string
	Foreground api.ForegroundProcess
}

// NewManager builds a Manager. A nil ClientFactory uses real ttyhost
// clients.
func NewManager(cfg Config) *Manager {
	if cfg.ClientFactory == nil {
		cfg.ClientFactory = func(sessionID, endpointName string, events ttyhost.Events) HostClient {
			return ttyhost.NewClient(sessionID, endpointName, events)
		}
	}
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	return &Manager{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// OnStateChanged subscribes to the coarse "something changed" signal.
// Listeners poll the full list; they run synchronously and must not block.
func (m *Manager) OnStateChanged(fn func()) (unsubscribe func()) {
	return m.stateChanged.subscribe(func(struct{}) { fn() })
}

// OnOutput subscribes to terminal output chunks.
func (m *Manager) OnOutput(fn func(Output)) (unsubscribe func()) {
	return m.output.subscribe(fn)
}

// OnSessionClosed subscribes to session removal.
func (m *Manager) OnSessionClosed(fn func(sessionID string)) (unsubscribe func()) {
	return m.closed.subscribe(fn)
}

// OnForegroundChanged subscribes to foreground-process changes.
func (m *Manager) OnForegroundChanged(fn func(sessionID string, fg api.ForegroundProcess)) (unsubscribe func()) {
	return m.fgSession.subscribe(func(e fgEvent) { fn(e.SessionID, e.Foreground) })
}

func (m *Manager) fireStateChanged() {
	m.stateChanged.emit(struct{}{})
}

// Create spawns a new ttyhost and registers its session. It returns the
// session snapshot, or an error after killing the half-spawned process.
func (m *Manager) Create(ctx context.Context, shellType string, cols, rows uint16, cwd string) (*api.Session, error) {
	m.mu.RLock()
	count := len(m.entries)
	m.mu.RUnlock()
	if count >= api.MaxSessions {
		return nil, errors.Wrapf(api.ErrSessionLimit, "%d sessions live", count)
	}

	if shellType == "" {
		shellType = m.cfg.DefaultShell
	}
	id := api.NewSessionID()
	proc, err := m.cfg.Spawner.Spawn(ctx, ttyhost.SpawnOptions{
		SessionID: id,
		ShellType: shellType,
		Cwd:       cwd,
		Cols:      cols,
		Rows:      rows,
		AsUser:    m.cfg.RunAsUser,
	})
	if err != nil {
		return nil, err
	}

	name := endpoint.Format(id, proc.Pid)
	if err := waitForEndpoint(ctx, name); err != nil {
		_ = proc.Kill()
		return nil, errors.Wrapf(api.ErrSpawnFailed, "endpoint %s never appeared: %v", name, err)
	}

	client, sess, err := m.connectAndHandshake(ctx, id, name)
	if err != nil {
		_ = proc.Kill()
		_ = endpoint.Remove(name)
		return nil, err
	}

	m.orderMu.Lock()
	order := m.orderCounter
	m.orderCounter++
	m.orderMu.Unlock()
	sess.Order = uint8(order)

	m.register(id, client, sess, proc.Pid, order)

	// Push current log level and order; the ttyhost caches both.
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), 2*requestWindow())
		defer cancel()
		if err := client.SetLogLevel(pctx, m.cfg.LogLevel); err != nil {
			logrus.Warnf("session %s: push log level: %v", id, err)
		}
		if err := client.SetOrder(pctx, uint8(order)); err != nil {
			logrus.Warnf("session %s: push order: %v", id, err)
		}
	}()

	m.fireStateChanged()
	logrus.Infof("created session %s (pid %d, shell %q)", id, proc.Pid, shellType)
	return sess, nil
}

func requestWindow() time.Duration {
	return 3 * time.Second
}

// connectAndHandshake dials an endpoint with retries, completes the
// handshake in the mandated order (GetInfo, Info, subscribe, start loop) and
// returns a started client.
func (m *Manager) connectAndHandshake(ctx context.Context, id, name string) (HostClient, *api.Session, error) {
	client := m.cfg.ClientFactory(id, name, m.eventsFor(id))

	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(connectSpacing):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		if err = client.Connect(ctx, connectTimeout); err == nil {
			break
		}
	}
	if err != nil {
		return nil, nil, errors.Wrapf(api.ErrSpawnFailed, "connect %s: %v", name, err)
	}

	sess, err := client.GetInfo(ctx)
	if err != nil {
		client.Dispose()
		return nil, nil, errors.Wrapf(api.ErrHandshakeTimeout, "getInfo %s: %v", name, err)
	}
	if err := client.Start(); err != nil {
		client.Dispose()
		return nil, nil, err
	}
	return client, sess, nil
}

func (m *Manager) eventsFor(id string) ttyhost.Events {
	return ttyhost.Events{
		OnOutput: func(cols, rows uint16, data []byte) {
			m.mu.Lock()
			if e, ok := m.entries[id]; ok {
				e.session.Cols, e.session.Rows = cols, rows
			}
			m.mu.Unlock()
			m.output.emit(Output{SessionID: id, Cols: cols, Rows: rows, Data: data})
		},
		OnStateChanged: func(sc api.StateChange) {
			m.mu.Lock()
			if e, ok := m.entries[id]; ok {
				e.session.IsRunning = sc.IsRunning
				e.session.ExitCode = sc.ExitCode
			}
			m.mu.Unlock()
			m.fireStateChanged()
		},
		OnProcessEvent: func(json.RawMessage) {
			m.fireStateChanged()
		},
		OnForegroundChanged: func(fg api.ForegroundProcess) {
			m.mu.Lock()
			if e, ok := m.entries[id]; ok {
				fgCopy := fg
				e.session.Foreground = &fgCopy
			}
			m.mu.Unlock()
			m.fgSession.emit(fgEvent{SessionID: id, Foreground: fg})
			m.fireStateChanged()
		},
		OnClosed: func() {
			m.reap(id)
		},
	}
}

func (m *Manager) register(id string, client HostClient, sess *api.Session, pid, order int) {
	m.mu.Lock()
	m.entries[id] = &entry{client: client, session: sess, pid: pid, order: order}
	m.mu.Unlock()
}

// reap removes a session whose transport died underneath us.
func (m *Manager) reap(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	logrus.Infof("session %s ended, reaping", id)
	e.client.Dispose()
	m.cleanupDrops(id)
	_ = endpoint.Remove(endpoint.Format(id, e.pid))
	m.closed.emit(id)
	m.fireStateChanged()
}

// Close removes a session explicitly. Idempotent: false when the id is not
// registered.
func (m *Manager) Close(ctx context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.cleanupDrops(id)
	if err := e.client.Close(ctx); err != nil {
		logrus.Warnf("session %s: close request failed: %v", id, err)
	}
	e.client.Dispose()
	_ = endpoint.Remove(endpoint.Format(id, e.pid))
	m.closed.emit(id)
	m.fireStateChanged()
	logrus.Infof("closed session %s", id)
	return true
}

// Rename pushes a manual name (empty clears it) and updates the cache.
func (m *Manager) Rename(ctx context.Context, id, name string) error {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrap(api.ErrSessionNotFound, id)
	}
	if err := e.client.SetName(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.session.Title = name
		e.session.HasManualName = name != ""
	}
	m.mu.Unlock()
	m.fireStateChanged()
	return nil
}

// Reorder applies a full permutation of the known session ids. The local
// order map updates immediately; the order bytes are persisted to each
// ttyhost asynchronously, logging rather than failing on individual errors.
func (m *Manager) Reorder(ids []string) error {
	m.mu.Lock()
	for _, id := range ids {
		if _, ok := m.entries[id]; !ok {
			m.mu.Unlock()
			return errors.Wrap(api.ErrSessionNotFound, id)
		}
	}
	clients := make(map[string]HostClient, len(ids))
	for i, id := range ids {
		e := m.entries[id]
		e.order = i
		e.session.Order = uint8(i)
		clients[id] = e.client
	}
	m.mu.Unlock()
	m.fireStateChanged()

	go func() {
		for i, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), requestWindow())
			if err := clients[id].SetOrder(ctx, uint8(i)); err != nil {
				logrus.Warnf("session %s: persist order %d: %v", id, i, err)
			}
			cancel()
		}
	}()
	return nil
}

// SendInput forwards raw input bytes to a session, fire-and-forget.
func (m *Manager) SendInput(id string, data []byte) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		logrus.Debugf("input for unknown session %s dropped", id)
		return
	}
	e.client.SendInput(data)
}

// Resize pushes new dimensions to a session.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows uint16) error {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrap(api.ErrSessionNotFound, id)
	}
	if err := e.client.Resize(ctx, cols, rows); err != nil {
		return err
	}
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.session.Cols, e.session.Rows = cols, rows
	}
	m.mu.Unlock()
	return nil
}

// GetBuffer fetches a session's scrollback from its ttyhost.
func (m *Manager) GetBuffer(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(api.ErrSessionNotFound, id)
	}
	return e.client.GetBuffer(ctx)
}

// List returns session snapshots in display order.
func (m *Manager) List() []api.SessionInfo {
	m.mu.RLock()
	out := make([]api.SessionInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, api.SessionInfo{Session: *e.session, Order: e.order})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// DropsDir returns (and lazily creates) the per-session upload directory.
func (m *Manager) DropsDir(id string) (string, error) {
	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return "", errors.Wrap(api.ErrSessionNotFound, id)
	}
	dir := filepath.Join(m.cfg.TempRoot, dropsDirName, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "create drops directory")
	}
	return dir, nil
}

func (m *Manager) cleanupDrops(id string) {
	dir := filepath.Join(m.cfg.TempRoot, dropsDirName, id)
	if err := os.RemoveAll(dir); err != nil {
		logrus.Warnf("session %s: remove drops dir: %v", id, err)
	}
}

// Discover adopts orphan ttyhosts left over from a previous mt run. Each
// candidate endpoint is connected with a short deadline and categorised:
// compatible hosts are registered, incompatible or unresponsive ones are
// killed and their endpoints removed, and endpoints with no process behind
// them are cleaned up.
func (m *Manager) Discover(ctx context.Context) {
	eps, err := endpoint.Enumerate()
	if err != nil {
		logrus.Warnf("endpoint discovery failed: %v", err)
		return
	}

	expected := ""
	if m.cfg.Spawner != nil {
		if v, err := m.cfg.Spawner.Version(ctx); err == nil {
			expected = v
		}
	}

	maxOrder := -1
	for _, ep := range eps {
		m.mu.RLock()
		_, known := m.entries[ep.SessionID]
		m.mu.RUnlock()
		if known {
			continue
		}
		if order, ok := m.discoverOne(ctx, ep, expected); ok && order > maxOrder {
			maxOrder = order
		}
	}

	m.orderMu.Lock()
	if maxOrder >= m.orderCounter {
		m.orderCounter = maxOrder + 1
	}
	m.orderMu.Unlock()

	if len(eps) > 0 {
		m.fireStateChanged()
	}
}

func (m *Manager) discoverOne(ctx context.Context, ep endpoint.Endpoint, expected string) (int, bool) {
	name := ep.Name()
	client := m.cfg.ClientFactory(ep.SessionID, name, m.eventsFor(ep.SessionID))

	if err := client.Connect(ctx, discoverDeadline); err != nil {
		// NoProcess: nothing is listening; just clean the stale socket.
		logrus.Debugf("discovery %s: no process (%v)", name, err)
		_ = endpoint.Remove(name)
		return 0, false
	}

	ictx, cancel := context.WithTimeout(ctx, discoverDeadline)
	sess, err := client.GetInfo(ictx)
	cancel()
	if err != nil {
		// Unresponsive: a listener that cannot answer GetInfo is beyond
		// salvage.
		logrus.Warnf("discovery %s: unresponsive, killing pid %d", name, ep.Pid)
		client.Dispose()
		killPid(ep.Pid)
		_ = endpoint.Remove(name)
		return 0, false
	}

	if !m.versionAcceptable(sess.HostVersion, expected) {
		logrus.Warnf("discovery %s: version %q below minimum %q, killing pid %d",
			name, sess.HostVersion, m.cfg.MinCompatible, ep.Pid)
		client.Dispose()
		killPid(ep.Pid)
		_ = endpoint.Remove(name)
		return 0, false
	}

	if err := client.Start(); err != nil {
		client.Dispose()
		_ = endpoint.Remove(name)
		return 0, false
	}

	order := int(sess.Order)
	m.register(ep.SessionID, client, sess, ep.Pid, order)

	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), requestWindow())
		defer cancel()
		if err := client.SetLogLevel(pctx, m.cfg.LogLevel); err != nil {
			logrus.Debugf("discovery %s: push log level: %v", name, err)
		}
	}()

	logrus.Infof("adopted session %s (pid %d, version %s)", ep.SessionID, ep.Pid, sess.HostVersion)
	return order, true
}

func (m *Manager) versionAcceptable(found, expected string) bool {
	if found != "" && found == expected {
		return true
	}
	if m.cfg.MinCompatible == "" {
		return true
	}
	ok, err := version.AtLeast(found, m.cfg.MinCompatible)
	if err != nil {
		logrus.Warnf("unparseable ttyhost version %q: %v", found, err)
		return false
	}
	return ok
}

// Shutdown closes every session's transport and gives the ttyhosts a grace
// period to exit on their own before killing stragglers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		entries[id] = e
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var result *multierror.Error
	for id, e := range entries {
		cctx, cancel := context.WithTimeout(ctx, shutdownGrace)
		if err := e.client.Close(cctx); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close session %s", id))
		}
		cancel()
		e.client.Dispose()
	}

	deadline := time.Now().Add(shutdownGrace)
	for id, e := range entries {
		for processAlive(e.pid) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if processAlive(e.pid) {
			logrus.Warnf("session %s: ttyhost pid %d did not exit, killing", id, e.pid)
			killPid(e.pid)
		}
		m.cleanupDrops(id)
	}
	return result.ErrorOrNil()
}

func processAlive(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

func killPid(pid int) {
	if !processAlive(pid) {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Kill(); err != nil {
		logrus.Warnf("kill pid %d: %v", pid, err)
	}
}

// waitForEndpoint polls for a freshly spawned ttyhost's endpoint with
// exponential backoff from 50 ms up to 500 ms.
func waitForEndpoint(ctx context.Context, name string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		if endpoint.Exists(name) {
			return nil
		}
		return errors.Errorf("endpoint %s not present", name)
	}, backoff.WithContext(bo, ctx))
}
