// Package terminal runs interactive shell sessions in pseudo-terminals,
// keyed (projectId, terminalId). Output streams to the callback the
// initiating connection registered; nothing is persisted.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

var ErrNotFound = errors.New("terminal session not found")

type Manager struct {
	shell string

	mu       sync.Mutex
	sessions map[string]*Session
}

type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
}

func NewManager(shell string) *Manager {
	return &Manager{
		shell:    shell,
		sessions: make(map[string]*Session),
	}
}

func sessionKey(projectID, terminalID string) string {
	return projectID + "\x00" + terminalID
}

// Init spawns a shell in a fresh pty and streams its output to onOutput
// until the session closes. Re-initializing an existing terminal replaces
// the old session.
func (m *Manager) Init(projectID, terminalID, workDir string, onOutput func(data []byte)) error {
	cmd := exec.Command(m.shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if workDir != "" {
		cmd.Dir = workDir
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start terminal: %w", err)
	}
	session := &Session{cmd: cmd, ptmx: ptmx}

	m.mu.Lock()
	key := sessionKey(projectID, terminalID)
	if old, ok := m.sessions[key]; ok {
		old.close()
	}
	m.sessions[key] = session
	m.mu.Unlock()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				onOutput(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				break
			}
		}
		_ = cmd.Wait()
	}()
	return nil
}

// Input writes keystrokes to the terminal.
func (m *Manager) Input(projectID, terminalID string, data []byte) error {
	session, err := m.lookup(projectID, terminalID)
	if err != nil {
		return err
	}
	if _, err := session.ptmx.Write(data); err != nil {
		return fmt.Errorf("write terminal input: %w", err)
	}
	return nil
}

// Resize adjusts the pty window size.
func (m *Manager) Resize(projectID, terminalID string, rows, cols uint16) error {
	session, err := m.lookup(projectID, terminalID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(session.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize terminal: %w", err)
	}
	return nil
}

// Close terminates one terminal session.
func (m *Manager) Close(projectID, terminalID string) error {
	m.mu.Lock()
	key := sessionKey(projectID, terminalID)
	session, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	session.close()
	return nil
}

// CloseAll terminates every session, used on server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (m *Manager) lookup(projectID, terminalID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionKey(projectID, terminalID)]
	if !ok {
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.ptmx.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}
