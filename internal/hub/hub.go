package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sandboxd/internal/engine"
	"sandboxd/internal/event"
	"sandboxd/internal/identity"
	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
	"sandboxd/internal/sandbox"
)

type Options struct {
	Supervisor *sandbox.Supervisor
	Engine     engine.Engine
	PtyFactory PtyFactory
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// Hub multiplexes terminal sessions over websockets. It owns the session
// map; the supervisor owns sandbox lifecycle. The hub never calls the
// supervisor while holding its own lock, because the supervisor calls back
// into ActiveSessions under the supervisor lock.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session

	supervisor *sandbox.Supervisor
	engine     engine.Engine
	ptys       PtyFactory
	logger     *logging.Logger
	metrics    *metrics.Registry
}

func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	factory := opts.PtyFactory
	if factory == nil {
		factory = DefaultPtyFactory()
	}

	return &Hub{
		sessions:   make(map[string]*Session),
		byUser:     make(map[string]map[string]*Session),
		supervisor: opts.Supervisor,
		engine:     opts.Engine,
		ptys:       factory,
		logger:     logger,
		metrics:    registry,
	}
}

// ActiveSessions implements sandbox.SessionCounter.
func (h *Hub) ActiveSessions(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID])
}

// Serve drives one websocket connection to completion. The caller has
// already authenticated the request and upgraded the connection.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, id identity.Identity, tabID int) {
	defer conn.Close()

	h.supervisor.CancelReaper(id.UserID)

	record, err := h.supervisor.Ensure(ctx, id)
	if err != nil {
		h.logger.Error("sandbox unavailable for terminal", map[string]string{
			"user_id": id.UserID,
			"error":   err.Error(),
		})
		notice := serverNotice{Type: noticeError, Message: "sandbox unavailable"}
		if engine.IsAlreadyExists(err) {
			notice.Message = "sandbox name conflict"
		}
		deadSession := newSession("", id.UserID, tabID, "", conn)
		deadSession.sendNotice(notice)
		h.maybeStartReaper(id.UserID)
		return
	}

	session := newSession(uuid.NewString(), id.UserID, tabID, record.Container, conn)
	h.register(session)
	h.metrics.IncSessionOpened()
	h.logger.Info("terminal session opened", map[string]string{
		"user_id":    id.UserID,
		"session_id": session.ID,
		"container":  record.Container,
	})

	defer func() {
		session.Close()
		h.unregister(session)
		h.metrics.IncSessionClosed()
		h.logger.Info("terminal session closed", map[string]string{
			"user_id":    id.UserID,
			"session_id": session.ID,
		})
		h.maybeStartReaper(id.UserID)
	}()

	h.readLoop(ctx, session)
}

func (h *Hub) readLoop(ctx context.Context, session *Session) {
	for {
		msgType, payload, err := session.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := session.WriteInput(payload); err != nil {
				return
			}
		case websocket.TextMessage:
			msg, ok := parseClientMessage(payload)
			if !ok {
				// Not part of the control protocol; treat as raw input.
				if err := session.WriteInput(payload); err != nil {
					return
				}
				continue
			}
			if err := h.handleControl(ctx, session, msg); err != nil {
				h.logger.Warn("terminal control failed", map[string]string{
					"user_id":    session.UserID,
					"session_id": session.ID,
					"type":       msg.Type,
					"error":      err.Error(),
				})
				session.sendNotice(serverNotice{Type: noticeError, Message: msg.Type + " failed"})
			}
		}
	}
}

func (h *Hub) handleControl(ctx context.Context, session *Session, msg clientMessage) error {
	switch msg.Type {
	case msgInput:
		return session.WriteInput([]byte(msg.Data))

	case msgResize:
		if session.Attached() {
			return session.Resize(msg.Cols, msg.Rows)
		}
		return h.attach(ctx, session, msg.Cols, msg.Rows)

	case msgNewWindow:
		return h.engine.Exec(ctx, session.Container, "",
			fmt.Sprintf("tmux new-window -t %q", session.TmuxName()))

	case msgSelectWindow:
		return h.engine.Exec(ctx, session.Container, "",
			fmt.Sprintf("tmux select-window -t %q", fmt.Sprintf("%s:%d", session.TmuxName(), msg.Index)))
	}
	return nil
}

// attach happens on the first resize, once the client geometry is known.
// The sandbox may have been stopped or reaped since the session connected,
// so the engine is asked again before the exec. The tmux session is created
// on demand and survives disconnects.
func (h *Hub) attach(ctx context.Context, session *Session, cols, rows uint16) error {
	running, err := h.engine.IsRunning(ctx, session.Container)
	if err != nil {
		return fmt.Errorf("check sandbox %s: %w", session.Container, err)
	}
	if !running {
		return fmt.Errorf("attach %s: %w", session.Container, engine.ErrNotRunning)
	}

	script := fmt.Sprintf("exec tmux new-session -A -s %q -c %s", session.TmuxName(), sandbox.WorkspaceMount)
	command, args := h.engine.ExecInteractive(session.Container, script)

	if err := session.attach(h.ptys, command, args, cols, rows); err != nil {
		return err
	}
	h.logger.Debug("terminal attached", map[string]string{
		"user_id":    session.UserID,
		"session_id": session.ID,
		"tmux":       session.TmuxName(),
	})
	return session.sendNotice(serverNotice{Type: noticeSessionAttached})
}

func (h *Hub) register(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[session.ID] = session
	if h.byUser[session.UserID] == nil {
		h.byUser[session.UserID] = make(map[string]*Session)
	}
	h.byUser[session.UserID][session.ID] = session
}

func (h *Hub) unregister(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, session.ID)
	if peers := h.byUser[session.UserID]; peers != nil {
		delete(peers, session.ID)
		if len(peers) == 0 {
			delete(h.byUser, session.UserID)
		}
	}
}

func (h *Hub) maybeStartReaper(userID string) {
	if h.ActiveSessions(userID) == 0 {
		h.supervisor.StartReaper(userID)
	}
}

// WatchRegistry forwards classroom registry changes to every connected
// client. Topology is resolved fresh at spawn time, so the notice only
// tells clients that a reconnect would see the new layout.
func (h *Hub) WatchRegistry(ctx context.Context, events <-chan event.RegistryEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(serverNotice{Type: noticeTopologyChanged})
		}
	}
}

func (h *Hub) broadcast(notice serverNotice) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mu.Unlock()

	for _, session := range sessions {
		if err := session.sendNotice(notice); err != nil {
			h.logger.Debug("broadcast failed", map[string]string{
				"session_id": session.ID,
				"error":      err.Error(),
			})
		}
	}
}
