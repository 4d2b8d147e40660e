package shell

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wide-ide/wide/internal/logging"
	"github.com/wide-ide/wide/internal/metrics"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reasons a session ended.
const (
	ReasonProcessExit  = "process_exit"
	ReasonClientClosed = "client_closed"
	ReasonShutdown     = "shutdown"
)

const (
	readBufferSize = 4096

	exitDrainTimeout = 200 * time.Millisecond
	closeFrameWait   = time.Second
	reapTimeout      = 5 * time.Second
)

// Session relays bytes between one client connection and the shell it
// owns. It ends when either side goes away.
type Session struct {
	ID   string
	Root string

	conn    Conn
	proc    Process
	started time.Time
	state   atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
	reason    string
}

func newSession(id, root string, conn Conn, proc Process) *Session {
	metrics.ShellSessionStarted()
	return &Session{
		ID:      id,
		Root:    root,
		conn:    conn,
		proc:    proc,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the session ended. Valid after Done is closed.
func (s *Session) Reason() string {
	<-s.done
	return s.reason
}

// Run relays until either side ends or ctx is cancelled, then tears the
// session down and returns the reason.
func (s *Session) Run(ctx context.Context) string {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))

	output := make(chan string, 1)
	input := make(chan string, 1)
	go func() { output <- s.pumpOutput() }()
	go func() { input <- s.pumpInput() }()

	var reason string
	select {
	case reason = <-output:
	case reason = <-input:
	case <-s.proc.Exited():
		reason = ReasonProcessExit
		// Give the relay a moment to forward what the shell printed last.
		select {
		case <-output:
		case <-time.After(exitDrainTimeout):
		}
	case <-ctx.Done():
		reason = ReasonShutdown
	case <-s.done:
		return s.reason
	}
	s.Close(reason)
	return s.Reason()
}

// pumpOutput forwards every chunk the shell prints as a binary frame.
func (s *Session) pumpOutput() string {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			if werr := s.conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return ReasonClientClosed
			}
			metrics.RecordShellBytes("out", n)
		}
		if err != nil {
			return ReasonProcessExit
		}
	}
}

// pumpInput writes every client message, text or binary, to the shell.
func (s *Session) pumpInput() string {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return ReasonClientClosed
		}
		if len(data) == 0 {
			continue
		}
		if _, err := s.proc.Write(data); err != nil {
			return ReasonProcessExit
		}
		metrics.RecordShellBytes("in", len(data))
	}
}

// Close tears the session down: the shell is killed, the client is told
// when the shell exited on its own, the connection is closed and the
// process is reaped. Later calls wait for the first to finish.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.reason = reason
		log := logging.L().With(zap.String("session_id", s.ID))

		if err := s.proc.Terminate(); err != nil {
			log.Warn("Failed to terminate shell", zap.Error(err))
		}

		var frame []byte
		switch reason {
		case ReasonProcessExit:
			frame = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited")
		case ReasonShutdown:
			frame = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		}
		if frame != nil {
			// Control frames do not wait for an output write stuck on a
			// client that stopped reading.
			_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeFrameWait))
		}
		s.conn.Close()

		select {
		case <-s.proc.Exited():
		case <-time.After(reapTimeout):
			log.Warn("Shell not reaped after kill", zap.Int("pid", s.proc.Pid()))
		}

		lifetime := time.Since(s.started)
		metrics.ShellSessionEnded(reason, lifetime)
		log.Info("Shell session closed",
			zap.String("reason", reason),
			zap.Duration("lifetime", lifetime),
		)
		close(s.done)
	})
	<-s.done
}
