//go:build !windows

package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wide-ide/wide/internal/logging"
)

// Spawn starts the shell in opts.Dir. The shell leads its own session,
// so its process group can be killed as a whole. The shell is reaped as
// soon as it exits.
func (s *PTYSpawner) Spawn(opts SpawnOptions) (Process, error) {
	cmd := exec.Command(s.Shell, s.Args...)
	cmd.Dir = opts.Dir

	env := s.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(env[:len(env):len(env)], "TERM="+s.Term)
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %s in %s: %w", s.Shell, opts.Dir, err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx, exited: make(chan struct{})}
	go p.reap()
	return p, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	exited chan struct{}

	once    sync.Once
	termErr error
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *ptyProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *ptyProcess) Exited() <-chan struct{} { return p.exited }

// reap waits for the shell, then kills what is left of its session so
// jobs it started do not outlive it and hold the terminal open.
func (p *ptyProcess) reap() {
	err := p.cmd.Wait()
	if err := p.killGroup(); err != nil {
		logging.Debug("Failed to kill shell process group", zap.Int("pid", p.Pid()), zap.Error(err))
	}
	killSession(p.Pid())
	logging.Debug("Shell exited", zap.Int("pid", p.Pid()), zap.NamedError("status", err))
	close(p.exited)
}

// killSession kills every process whose session is led by sid. Job
// control moves background jobs into their own process groups, so the
// group kill alone misses them. Without /proc this is a no-op.
func killSession(sid int) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == sid {
			continue
		}
		if s, err := unix.Getsid(pid); err == nil && s == sid {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
	}
}

func (p *ptyProcess) killGroup() error {
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func (p *ptyProcess) Terminate() error {
	p.once.Do(func() {
		if err := p.killGroup(); err != nil {
			// Fall back to the shell alone.
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				p.termErr = fmt.Errorf("kill shell %d: %w", p.Pid(), err)
			}
		}
		if err := p.ptmx.Close(); err != nil && p.termErr == nil {
			p.termErr = fmt.Errorf("close pty: %w", err)
		}
	})
	return p.termErr
}
