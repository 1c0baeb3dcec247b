package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"automarathon/internal/domain"
	"automarathon/internal/lock"
	"automarathon/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// handleWS serves the snapshot stream (spec.md §4.7): one full AMState on
// connect, then one on every subsequent mutation. Read-only from the
// client's side; the only inbound traffic expected is the connection's
// close frame, detected by the read loop below.
func (s *Server) handleWS(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return err
	}
	s.serveStateConn(conn, remoteAddr)
	return nil
}

func (s *Server) serveStateConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	connID := uuid.NewString()

	sub := s.hub.SubscribeState()
	defer s.hub.UnsubscribeState(sub)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sendSnapshot := func(state *domain.AMState) bool {
		raw, err := json.Marshal(state)
		if err != nil {
			slog.Error("ws marshal snapshot", "conn", connID, "err", err)
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(protocol.GatewayMessage{Type: protocol.TypeSnapshot, State: raw}); err != nil {
			slog.Debug("ws write error", "conn", connID, "remote", remoteAddr, "err", err)
			return false
		}
		return true
	}

	slog.Info("ws connected", "channel", "state", "conn", connID, "remote", remoteAddr)
	defer slog.Info("ws disconnected", "channel", "state", "conn", connID, "remote", remoteAddr)

	if !sendSnapshot(s.hub.Snapshot()) {
		return
	}

	for {
		select {
		case <-closed:
			return
		case state, ok := <-sub:
			if !ok {
				return
			}
			if !sendSnapshot(state) {
				return
			}
		}
	}
}

// handleLockWS serves the bidirectional editor-lock channel (spec.md
// §4.7): the client sends LockState claims, the server broadcasts the
// current LockState to every connected dashboard.
func (s *Server) handleLockWS(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return err
	}
	s.serveLockConn(conn, remoteAddr)
	return nil
}

func (s *Server) serveLockConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	connID := uuid.NewString()

	sub := s.hub.SubscribeLock()
	defer s.hub.UnsubscribeLock(sub)

	// watchdog holds the lock.Watchdog heartbeating this connection's claim,
	// if any. Only one claim can be live per connection; claiming again
	// replaces it, and the connection closing releases it.
	var watchdog *lock.Watchdog
	defer func() {
		if watchdog != nil {
			watchdog.Stop(context.Background())
		}
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var in protocol.GatewayMessage
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			s.handleLockClaim(conn, in, remoteAddr, &watchdog)
		}
	}()

	sendLock := func(lock domain.LockState) bool {
		raw, err := json.Marshal(lock)
		if err != nil {
			slog.Error("ws marshal lock", "conn", connID, "err", err)
			return false
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(protocol.GatewayMessage{Type: protocol.TypeLock, Lock: raw}); err != nil {
			slog.Debug("ws write error", "conn", connID, "remote", remoteAddr, "err", err)
			return false
		}
		return true
	}

	slog.Info("ws connected", "channel", "dashboard-editor", "conn", connID, "remote", remoteAddr)
	defer slog.Info("ws disconnected", "channel", "dashboard-editor", "conn", connID, "remote", remoteAddr)

	if !sendLock(s.hub.Snapshot().Lock) {
		return
	}

	for {
		select {
		case <-closed:
			return
		case lock, ok := <-sub:
			if !ok {
				return
			}
			if !sendLock(lock) {
				return
			}
		}
	}
}

// handleLockClaim dispatches one inbound claim/release message. Claims are
// handed to internal/lock's Watchdog, which takes over re-heartbeating the
// claim every lock.HeartbeatInterval for as long as this connection stays
// open, instead of relying on the dashboard client to keep resending claim
// messages itself.
func (s *Server) handleLockClaim(conn *websocket.Conn, in protocol.GatewayMessage, remoteAddr string, watchdog **lock.Watchdog) {
	if in.Type != protocol.TypeClaim {
		return
	}
	var claimed domain.LockState
	if err := json.Unmarshal(in.Lock, &claimed); err != nil {
		s.writeLockError(conn, "invalid lock payload: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if claimed.Editor == "" {
		if *watchdog != nil {
			(*watchdog).Stop(ctx)
			*watchdog = nil
		}
		return
	}

	if *watchdog != nil {
		(*watchdog).Stop(ctx)
		*watchdog = nil
	}
	w, err := lock.Start(ctx, s.hub, claimed.Editor)
	if err != nil {
		slog.Debug("lock claim rejected", "remote", remoteAddr, "editor", claimed.Editor, "err", err)
		s.writeLockError(conn, err.Error())
		return
	}
	*watchdog = w
}

func (s *Server) writeLockError(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.GatewayMessage{Type: protocol.TypeError, Error: msg})
}
