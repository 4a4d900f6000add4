package sshconn

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Terminal geometry bounds.
const (
	DefaultTerm = "xterm-256color"
	DefaultCols = 150
	DefaultRows = 40
	MaxDim      = 500
)

// ClampSize bounds cols and rows to 1..MaxDim, substituting defaults for
// zero values.
func ClampSize(cols, rows int) (int, int) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return clamp(cols), clamp(rows)
}

func clamp(v int) int {
	if v < 1 {
		return 1
	}
	if v > MaxDim {
		return MaxDim
	}
	return v
}

// Shell is an interactive PTY session on a Client.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
	closeErr  error
}

// OpenShell requests a PTY of the given size and starts the login shell.
func (c *Client) OpenShell(cols, rows int) (*Shell, error) {
	cols, rows = ClampSize(cols, rows)
	session, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	term := c.term
	if term == "" {
		term = DefaultTerm
	}
	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &Shell{session: session, stdin: stdin, stdout: stdout}, nil
}

// Read returns shell output. It returns io.EOF once the shell exits.
func (s *Shell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Write sends keystrokes to the shell.
func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Resize changes the PTY window size.
func (s *Shell) Resize(cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	return s.session.WindowChange(rows, cols)
}

// Close ends the shell. Further calls are no-ops.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		s.closeErr = s.session.Close()
		if s.closeErr == io.EOF {
			s.closeErr = nil
		}
	})
	return s.closeErr
}
