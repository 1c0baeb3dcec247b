// Package gateway implements the Broadcast Gateway (spec.md §4.7): the
// REST + WebSocket boundary between external clients and the State Hub.
// Grounded on the teacher's internal/httpapi/server.go (Echo application
// wrapper, request logging middleware, registerRoutes/Run shape) and
// internal/ws/handler.go (hello/snapshot/broadcast connection lifecycle),
// generalized from the teacher's chat/presence domain to AutoMarathon's
// snapshot-and-mutation domain.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"automarathon/internal/domain"
	"automarathon/internal/session"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Applier is the subset of Hub the Gateway mutates through.
type Applier interface {
	Apply(ctx context.Context, m domain.Mutation) (domain.Result, error)
	Snapshot() *domain.AMState
	SubscribeState() chan *domain.AMState
	UnsubscribeState(ch chan *domain.AMState)
	SubscribeLock() chan domain.LockState
	UnsubscribeLock(ch chan domain.LockState)
}

// errorBody is the JSON shape of every 4xx response (spec.md §7).
type errorBody struct {
	Kind   string `json:"error_kind"`
	Detail string `json:"detail"`
}

// Server is the Echo application exposing §6.1's REST surface and the two
// WebSocket channels from §4.7.
type Server struct {
	echo      *echo.Echo
	hub       Applier
	validator *session.Validator
	limiters  *sessionLimiters
	schemas   *schemas
	upgrader  websocket.Upgrader
}

// New constructs the Gateway's Echo app. validator may be nil in tests that
// don't exercise auth.
func New(hub Applier, validator *session.Validator) (*Server, error) {
	sch, err := newSchemas()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))

	s := &Server{
		echo:      e,
		hub:       hub,
		validator: validator,
		limiters:  newSessionLimiters(),
		schemas:   sch,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s, nil
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// requestLogger logs each HTTP request via slog, quieter on /ws traffic.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			path := req.URL.Path
			if path == "/ws" || path == "/ws/dashboard-editor" || path == "/health" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	authed := s.echo.Group("", s.authMiddleware(), s.limiters.middleware())
	authed.POST("/participant", s.handleCreatePerson)
	authed.PUT("/participant", s.handleUpdatePerson)
	authed.DELETE("/participant", s.handleDeletePerson)

	authed.POST("/runner", s.handleCreateRunner)
	authed.PUT("/runner", s.handleUpdateRunner)
	authed.DELETE("/runner", s.handleDeleteRunner)
	authed.POST("/runner/refresh", s.handleRefreshRunner)

	authed.POST("/event", s.handleCreateEvent)
	authed.PUT("/event", s.handleUpdateEvent)
	authed.DELETE("/event", s.handleDeleteEvent)

	authed.POST("/stream", s.handleCreateStream)
	authed.PUT("/stream", s.handleUpdateStream)
	authed.DELETE("/stream", s.handleDeleteStream)

	authed.PUT("/hosts", s.handleSetHostStreaming)
	authed.PUT("/discord/volume", s.handleSetDiscordVolume)
	authed.PUT("/custom-field", s.handleSetCustomField)

	authed.POST("/command", s.handleCommand)
	authed.PUT("/timer", s.handleTimer)

	s.echo.GET("/ws", s.handleWS)
	s.echo.GET("/ws/dashboard-editor", s.handleLockWS)
}

// authMiddleware enforces the shared-secret bearer token on every mutating
// route; skipped entirely when validator is nil (unit tests).
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.validator == nil {
				return next(c)
			}
			token := bearerTokenOf(c.Request())
			if err := s.validator.Authenticate(token, c.Request().RemoteAddr); err != nil {
				return c.JSON(http.StatusUnauthorized, errorBody{Kind: string(domain.ErrUnauthorized), Detail: err.Error()})
			}
			return next(c)
		}
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// Run starts Echo and blocks until ctx cancellation or startup failure,
// mirroring the teacher's httpapi.Server.Run.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down gateway http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("gateway http server stopped")
		return nil
	}
}

// writeMutationResult maps a Hub Apply outcome to an HTTP response: the
// specific entity the mutation touched on success (spec.md §6.1 "200 with
// updated entity"), translating domain.Error kinds per spec.md §7 on
// failure. Callers extract entity from res.Snapshot themselves (keyed by
// res.AssignedID for creates) since the shape differs per route.
func writeMutationResult(c echo.Context, res domain.Result, err error, entity interface{}) error {
	if err != nil {
		return writeMutationError(c, err)
	}
	return c.JSON(http.StatusOK, entity)
}

func writeMutationError(c echo.Context, err error) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return c.JSON(errorStatus(derr.Kind), errorBody{Kind: string(derr.Kind), Detail: derr.Detail})
	}
	return c.JSON(http.StatusInternalServerError, errorBody{Kind: string(domain.ErrStore), Detail: err.Error()})
}

func errorStatus(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrInvariant, domain.ErrBadRequest:
		return http.StatusBadRequest
	case domain.ErrInUse:
		return http.StatusConflict
	case domain.ErrNotLockHolder:
		return http.StatusForbidden
	case domain.ErrUnauthorized:
		return http.StatusUnauthorized
	case domain.ErrTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
