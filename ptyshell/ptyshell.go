// Package ptyshell implements spec's PtyManager: spawning a local shell
// behind a pseudo-terminal, pumping its output to a caller-supplied sink,
// and accepting input and resizes until the process exits or is closed.
package ptyshell

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/webshell-gateway/webshell/errs"
	"github.com/webshell-gateway/webshell/terminal"
)

const readBufSize = 4096

// Sink receives a local shell's output and its terminal exit code. Output
// may be delivered after Detach if the reader goroutine is mid-read; the
// manager is expected to guard sink swaps itself (see terminal.Manager).
//
// Sink is an alias, not a new type, so that Shell.SetSink's parameter is
// identical to terminal.Backend's SetSink parameter: Go only lets a type
// satisfy an interface method whose parameter types are the same type, and
// two independently-declared interfaces with matching methods don't qualify.
type Sink = terminal.Sink

// Shell is a single spawned pty-backed process.
type Shell struct {
	cmd  *exec.Cmd
	ptmx *os.File

	log *logrus.Logger

	mu   sync.Mutex
	sink Sink

	writeCh chan []byte
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts the platform-default login shell attached to a new pty, with
// the given initial size and working directory. dir may be empty.
func Spawn(log *logrus.Logger, sink Sink, dir string, cols, rows uint16) (*Shell, error) {
	cmd := defaultShellCmd(dir)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, errs.NewIoError("pty.Start", err)
	}

	s := &Shell{
		cmd:     cmd,
		ptmx:    ptmx,
		log:     log,
		sink:    sink,
		writeCh: make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	go s.readLoop()
	go s.writeLoop()
	go s.waitLoop()

	return s, nil
}

// defaultShellCmd builds the command for the platform-default interactive
// shell: $SHELL (or /bin/bash) as a login shell on POSIX, PowerShell on
// Windows.
func defaultShellCmd(dir string) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("powershell.exe", "-NoLogo")
	} else {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		cmd = exec.Command(shell, "-l")
	}
	cmd.Dir = dir
	cmd.Env = buildEnv()
	return cmd
}

// buildEnv returns os.Environ() with any existing TERM stripped and
// TERM=xterm-256color appended, so ours is the entry the shell sees.
func buildEnv() []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	return append(env, "TERM=xterm-256color")
}

// readLoop runs on its own OS thread since the pty read blocks in the
// kernel; a parked goroutine on a shared thread would starve the Go
// scheduler's other work.
func (s *Shell) readLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.mu.Lock()
			sink := s.sink
			s.mu.Unlock()
			if sink != nil {
				sink.Output(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// writeLoop serializes writes into the pty so concurrent Write calls from
// the gateway's reader goroutine don't interleave.
func (s *Shell) writeLoop() {
	for data := range s.writeCh {
		if _, err := s.ptmx.Write(data); err != nil {
			s.log.WithError(err).Debug("pty write failed")
		}
	}
}

// waitLoop reaps the child and reports its exit code to the current sink.
func (s *Shell) waitLoop() {
	err := s.cmd.Wait()
	code := exitCode(s.cmd, err)

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.Exit(code)
	}
	close(s.done)
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// Write queues input for the child process. Returns ErrSendError if the
// shell has already been closed.
func (s *Shell) Write(data []byte) (err error) {
	select {
	case <-s.done:
		return errs.ErrSendError
	default:
	}

	// writeCh may still be closed concurrently between the check above and
	// the send below; recover turns that race into ErrSendError instead of
	// a panic.
	defer func() {
		if recover() != nil {
			err = errs.ErrSendError
		}
	}()
	s.writeCh <- data
	return nil
}

// Resize adjusts the pty window size.
func (s *Shell) Resize(cols, rows uint16) error {
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return errs.NewIoError("pty.Setsize", err)
	}
	return nil
}

// SetSink swaps the output/exit sink under lock, used by the session
// manager's Attach/Detach reconnect path.
func (s *Shell) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Close terminates the child process and releases the pty. Safe to call
// more than once.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err := s.ptmx.Close()
		close(s.writeCh)
		if err != nil {
			s.closeErr = errs.NewIoError("ptmx.Close", err)
		}
	})
	return s.closeErr
}

// Done reports when the backend process has been reaped.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}
