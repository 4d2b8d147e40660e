// Package shell bridges browser terminals to shells running in a
// project's folder.
//
// Each websocket connection owns exactly one shell process started under
// a pseudo-terminal. Output is relayed to the client as binary frames,
// client messages are written to the shell verbatim, and closing either
// side tears down both.
package shell

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wide-ide/wide/internal/logging"
	"github.com/wide-ide/wide/internal/metrics"
	"github.com/wide-ide/wide/internal/registry"
)

// Root modes.
const (
	// RootProject starts the shell in the folder of the project named by
	// the key query parameter.
	RootProject = "project"
	// RootGlobal starts every shell in one configured folder.
	RootGlobal = "global"
)

// ErrClosed is returned when a session is started after Shutdown.
var ErrClosed = errors.New("shell: bridge is shut down")

// Config holds bridge settings.
type Config struct {
	RootMode string
	// Root is the folder used in RootGlobal mode.
	Root string
	// BasePath anchors relative project folders in RootProject mode.
	BasePath string
	Cols     uint16
	Rows     uint16
	// AllowedOrigin is checked against the Origin header; "*" or "" allows any.
	AllowedOrigin string
}

// Bridge is the websocket endpoint. It is an http.Handler.
type Bridge struct {
	registry *registry.Registry
	spawner  Spawner
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewBridge creates a bridge. reg may be nil in RootGlobal mode.
func NewBridge(reg *registry.Registry, spawner Spawner, cfg Config) *Bridge {
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}
	b := &Bridge{
		registry: reg,
		spawner:  spawner,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: readBufferSize,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if b.cfg.AllowedOrigin == "" || b.cfg.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == b.cfg.AllowedOrigin
}

// resolveRoot picks the folder for a new shell. A non-zero status means
// the request is refused before the upgrade.
func (b *Bridge) resolveRoot(r *http.Request) (string, int) {
	if b.cfg.RootMode == RootGlobal {
		root, err := filepath.Abs(b.cfg.Root)
		if err != nil {
			return "", http.StatusInternalServerError
		}
		return root, 0
	}

	key := r.URL.Query().Get("key")
	if key == "" || b.registry == nil {
		return "", http.StatusUnauthorized
	}
	project, err := b.registry.Lookup(key)
	if err != nil {
		return "", http.StatusUnauthorized
	}
	root, err := project.Root(b.cfg.BasePath)
	if err != nil {
		logging.WithContext(r.Context()).Error("Project has no usable folder",
			zap.String("project", project.Name), zap.Error(err))
		return "", http.StatusInternalServerError
	}
	return root, 0
}

func parseDim(v string, def uint16) uint16 {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil || n == 0 {
		return def
	}
	return uint16(n)
}

// ServeHTTP upgrades the request and runs a session until it ends.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.WithContext(r.Context())

	root, status := b.resolveRoot(r)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	q := r.URL.Query()
	opts := SpawnOptions{
		Dir:  root,
		Cols: parseDim(q.Get("cols"), b.cfg.Cols),
		Rows: parseDim(q.Get("rows"), b.cfg.Rows),
	}

	raw, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn := NewSafeConn(raw)

	proc, err := b.spawner.Spawn(opts)
	if err != nil {
		metrics.RecordShellSpawnFailure()
		log.Error("Failed to start shell", zap.String("dir", root), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "cannot start shell"),
			time.Now().Add(closeFrameWait))
		conn.Close()
		return
	}

	sess := newSession(uuid.NewString(), root, conn, proc)
	if err := b.add(sess); err != nil {
		sess.Close(ReasonShutdown)
		return
	}
	defer b.remove(sess)

	log.Info("Shell session started",
		zap.String("session_id", sess.ID),
		zap.Int("pid", proc.Pid()),
		zap.Uint16("cols", opts.Cols),
		zap.Uint16("rows", opts.Rows),
	)
	sess.Run(r.Context())
}

func (b *Bridge) add(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.sessions[s.ID] = s
	b.wg.Add(1)
	return nil
}

func (b *Bridge) remove(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s.ID)
	b.mu.Unlock()
	b.wg.Done()
}

// Sessions returns the number of live sessions.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Shutdown refuses new sessions, closes every live one and waits for
// their handlers to return or ctx to expire.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	live := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()

	for _, s := range live {
		s.Close(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
