// Package server exposes the bridge's own listen socket: the WebSocket
// upgrade endpoint game connectors dial into, plus a thin read-only
// diagnostics surface. This is not an operator front-end (out of scope per
// spec §1) — it is the Listener configuration spec §6 describes.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/bridgeerr"
	"github.com/chm413/mochi-link/internal/config"
	"github.com/chm413/mochi-link/internal/hub"
	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/session"
)

// HubPort is the slice of Hub behavior the listener needs for install/
// snapshot; a superset of session.HubPort.
type HubPort interface {
	session.HubPort
	Snapshot() []hub.Snapshot
}

// Executor is the Request Broker's public surface, consumed here only to
// expose a minimal same-process operator entry point (spec §6's
// execute(serverId, op, data, timeout)). A real operator front-end would
// call the broker directly as a library; this route exists so the bridge
// is not just a socket with no exercised request path of its own.
type Executor interface {
	Execute(ctx context.Context, serverID, op string, data interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Server owns the HTTP/WebSocket listener a connector dials into.
type Server struct {
	cfg           *config.Config
	hub           HubPort
	authenticator session.Authenticator
	eventSink     session.EventSink
	heartbeatSink session.HeartbeatSink
	executor      Executor

	upgrader websocket.Upgrader
	engine   *gin.Engine
	httpSrv  *http.Server
	log      *zerolog.Logger
}

// New constructs a Server. Collaborators are injected per spec §9's
// constructor-injection design note. executor may be nil to omit /execute.
func New(cfg *config.Config, h HubPort, authenticator session.Authenticator, eventSink session.EventSink, heartbeatSink session.HeartbeatSink, executor Executor) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLogger(), requestTimeout(10*time.Second, "/ws/"), bodySizeLimiter(maxExecuteBodyBytes))

	s := &Server{
		cfg:           cfg,
		hub:           h,
		authenticator: authenticator,
		eventSink:     eventSink,
		heartbeatSink: heartbeatSink,
		executor:      executor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Connectors are trusted fleet members dialing a backend port,
			// not browsers; origin checking belongs to network ACLs here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		engine: engine,
		log:    logger.HTTP(),
	}

	engine.GET("/ws/servers/connect", s.handleConnect)
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/snapshot", s.handleSnapshot)
	if executor != nil {
		engine.POST("/execute", s.handleExecute)
	}

	return s
}

func requestLogger() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("clientIp", c.ClientIP()).
			Msg("request")
	}
}

// handleConnect upgrades the connection and hands it to a new Session,
// adapted from the teacher's AgentWebSocketHandler.HandleAgentConnection.
func (s *Server) handleConnect(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(conn, c.Request.RemoteAddr, s.cfg, s.authenticator, s.eventSink, s.heartbeatSink, s.hub)
	// The request context is cancelled as soon as this handler returns, so
	// the session gets its own; Hub.Shutdown is what ends it.
	go sess.Run(context.Background())
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	rows := s.hub.Snapshot()
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		caps := make([]string, 0, len(r.Capabilities))
		for _, cp := range r.Capabilities {
			caps = append(caps, string(cp))
		}
		out = append(out, gin.H{
			"serverId":       r.ServerID,
			"state":          r.State.String(),
			"connectedSince": r.ConnectedSince,
			"lastSeenAt":     r.LastSeenAt,
			"capabilities":   caps,
			"serverInfo":     r.ServerInfo,
		})
	}
	c.JSON(http.StatusOK, gin.H{"servers": out})
}

type executeRequest struct {
	ServerID  string          `json:"serverId" binding:"required"`
	Op        string          `json:"op" binding:"required"`
	Data      json.RawMessage `json:"data"`
	TimeoutMs int             `json:"timeoutMs"`
}

// handleExecute is a minimal, same-process entry point onto the Request
// Broker's execute(serverId, op, data, timeout) (spec §6). Real operator
// front-ends are out of scope and would call the broker directly as a
// library; this route exists only so the bridge exposes one, not because
// it is itself an operator API.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_frame", "message": err.Error()}})
		return
	}

	timeout := s.cfg.DefaultRequestTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	var data interface{}
	if len(req.Data) > 0 {
		data = req.Data
	}

	result, err := s.executor.Execute(c.Request.Context(), req.ServerID, req.Op, data, timeout)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": errorBody(err)})
		return
	}

	c.Data(http.StatusOK, "application/json", result)
}

func statusForError(err error) int {
	be, ok := err.(*bridgeerr.BridgeError)
	if !ok {
		return http.StatusInternalServerError
	}
	switch be.Code {
	case bridgeerr.CodeNotConnected:
		return http.StatusNotFound
	case bridgeerr.CodeUnsupportedCapability, bridgeerr.CodeInvalidFrame:
		return http.StatusBadRequest
	case bridgeerr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func errorBody(err error) gin.H {
	be, ok := err.(*bridgeerr.BridgeError)
	if !ok {
		return gin.H{"code": "internal_error", "message": err.Error()}
	}
	return gin.H{"code": be.Code, "message": be.Message}
}

// Run starts the HTTP listener and blocks until ctx is cancelled, at which
// point it shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.ListenAddr + ":" + strconv.Itoa(s.cfg.ListenPort)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.Info().Str("addr", addr).Bool("tls", s.cfg.TLS != nil).Msg("listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
