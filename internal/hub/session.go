package hub

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Session is one live websocket attached to one tmux session inside the
// user's sandbox. The PTY does not exist until the client reports its size;
// input before the first resize is dropped so the terminal never renders at
// a wrong geometry.
type Session struct {
	ID        string
	UserID    string
	TabID     int
	Container string

	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pty      Pty
	cmd      *exec.Cmd
	attached bool

	done      chan struct{}
	closeOnce sync.Once
}

// TmuxName is the per-tab tmux session name. Reconnecting the same tab
// reattaches to the same scrollback instead of opening a fresh shell.
func (s *Session) TmuxName() string {
	return fmt.Sprintf("sandboxd-tab%d", s.TabID)
}

func newSession(id, userID string, tabID int, container string, conn *websocket.Conn) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		TabID:     tabID,
		Container: container,
		conn:      conn,
		done:      make(chan struct{}),
	}
}

// attach starts the interactive command under a local PTY at the given
// geometry and begins pumping output to the websocket.
func (s *Session) attach(factory PtyFactory, command string, args []string, cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil
	}

	ptmx, cmd, err := factory.Start(command, args...)
	if err != nil {
		return err
	}
	if err := ptmx.Resize(cols, rows); err != nil {
		ptmx.Close()
		return err
	}

	s.pty = ptmx
	s.cmd = cmd
	s.attached = true
	go s.pump(ptmx)
	return nil
}

func (s *Session) pump(ptmx Pty) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			if writeErr := s.writeBinary(buf[:n]); writeErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	// PTY gone means the attach command exited; drop the websocket so the
	// client reconnects cleanly.
	s.conn.Close()
}

func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// WriteInput forwards keystrokes to the PTY. Input before attach is dropped.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	ptmx := s.pty
	s.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	_, err := ptmx.Write(data)
	return err
}

func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	ptmx := s.pty
	s.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	return ptmx.Resize(cols, rows)
}

func (s *Session) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Session) sendNotice(notice serverNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close tears down the PTY and the attach process. The tmux session inside
// the sandbox stays alive for the next reconnect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		ptmx := s.pty
		cmd := s.cmd
		s.mu.Unlock()

		if ptmx != nil {
			ptmx.Close()
		}
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
			go cmd.Wait()
		}
	})
}
