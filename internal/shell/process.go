package shell

import (
	"errors"
	"io"
)

// ErrUnsupported is returned by spawners on platforms without ptys.
var ErrUnsupported = errors.New("shell: pseudo-terminals are not supported on this platform")

// Process is a running shell attached to a terminal. Read returns the
// shell's output. A background job holding the terminal can keep Read
// blocked after the shell itself has exited, so exit is signalled by
// Exited rather than by a failed Read.
type Process interface {
	io.ReadWriter
	Pid() int
	// Terminate kills the shell with its children and releases the
	// terminal. It is safe to call more than once.
	Terminate() error
	// Exited is closed once the shell has exited and been reaped.
	Exited() <-chan struct{}
}

// SpawnOptions describes one shell to start.
type SpawnOptions struct {
	Dir  string
	Cols uint16
	Rows uint16
}

// Spawner starts shells.
type Spawner interface {
	Spawn(opts SpawnOptions) (Process, error)
}

// PTYSpawner starts a configured shell under a pseudo-terminal.
type PTYSpawner struct {
	Shell string
	Args  []string
	// Term is exported to the shell as TERM.
	Term string
	// Env is the base environment. Nil means the server's own.
	Env []string
}
