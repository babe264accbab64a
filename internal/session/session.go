// Package session implements the Session component: one per connected game
// server, owning its socket, pending-request table, heartbeat, and send
// queue end-to-end from accept to close.
package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/bridgeerr"
	"github.com/chm413/mochi-link/internal/config"
	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/protocol"
)

// State is a position in the Session state machine (spec §4.2).
type State int

const (
	Connecting State = iota
	Authenticating
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons, recorded on the session and carried as Details in the
// connection_lost/closed errors its requests return. Hub lifecycle events
// do not include the reason.
const (
	ReasonAuthFailed       = "auth_failed"
	ReasonAuthTimeout      = "auth_timeout"
	ReasonSuperseded       = "superseded"
	ReasonWriteError       = "write_error"
	ReasonReadError        = "read_error"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
	ReasonClientDisconnect = "disconnect"
)

// AuthResult is what a successful Authenticator.Authenticate call yields.
type AuthResult struct {
	ServerID     string
	Capabilities []protocol.Capability
	ServerInfo   protocol.ServerInfo
}

// Authenticator validates the opening handshake (spec §4.3, steps 1-4: the
// protocol version, server id lookup, token compare, and IP allow-list).
// Step 5, the supersede decision, belongs to the Hub and runs in Install.
type Authenticator interface {
	Authenticate(ctx context.Context, remoteAddr string, hs *protocol.HandshakeData) (*AuthResult, error)
}

// EventSink receives inbound event frames for fan-out (the Event Dispatcher).
type EventSink interface {
	Dispatch(serverID string, f *protocol.Frame)
}

// HeartbeatSink receives a periodic tick while the session is Active,
// letting the Lifecycle Reporter refresh lastSeenAt (spec §4.7).
type HeartbeatSink interface {
	Heartbeat(serverID string, metadata map[string]interface{})
}

// HubPort is the slice of Hub behavior a Session needs: binding itself in
// on successful handshake (which is where the supersede policy lives) and
// notifying the Hub when it finally closes.
type HubPort interface {
	Install(s *Session) error
	Remove(s *Session)
}

// pendingEntry is a single outstanding request() waiter.
type pendingEntry struct {
	resultCh chan pendingResult
	removed  bool
}

type pendingResult struct {
	frame *protocol.Frame
	err   error
}

// Session owns one authenticated (or authenticating) WebSocket connection.
type Session struct {
	conn       *websocket.Conn
	remoteAddr string
	cfg        *config.Config

	authenticator Authenticator
	eventSink     EventSink
	heartbeatSink HeartbeatSink
	hub           HubPort

	log *zerolog.Logger

	mu              sync.Mutex
	state           State
	serverID        string
	capabilities    map[protocol.Capability]bool
	protocolVersion string
	serverInfo      protocol.ServerInfo
	lastSeenAt      time.Time
	connectedSince  time.Time
	closeReason     string
	pendingByID     map[string]*pendingEntry

	sendCh  chan *protocol.Frame
	closeCh chan struct{}
	closeOnce sync.Once

	pendingSlots chan struct{}

	idSeq uint64
}

// New constructs a Session around an already-accepted WebSocket connection.
// The caller must invoke Run to drive it.
func New(conn *websocket.Conn, remoteAddr string, cfg *config.Config, auth Authenticator, eventSink EventSink, heartbeatSink HeartbeatSink, hub HubPort) *Session {
	return &Session{
		conn:          conn,
		remoteAddr:    remoteAddr,
		cfg:           cfg,
		authenticator: auth,
		eventSink:     eventSink,
		heartbeatSink: heartbeatSink,
		hub:           hub,
		log:           logger.Session(),
		state:         Connecting,
		capabilities:  make(map[protocol.Capability]bool),
		pendingByID:   make(map[string]*pendingEntry),
		sendCh:        make(chan *protocol.Frame, cfg.MaxPendingPerSession*2+16),
		closeCh:       make(chan struct{}),
		pendingSlots:  make(chan struct{}, cfg.MaxPendingPerSession),
	}
}

// RemoteAddr returns the connection's remote address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ServerID returns the bound server id, valid once past Authenticating.
func (s *Session) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

// State returns the current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the advertised capability set.
func (s *Session) Capabilities() map[protocol.Capability]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[protocol.Capability]bool, len(s.capabilities))
	for k, v := range s.capabilities {
		out[k] = v
	}
	return out
}

// HasCapability reports whether the session advertised cap at handshake.
func (s *Session) HasCapability(cap protocol.Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities[cap]
}

// LastSeenAt returns the timestamp of the most recently received frame.
func (s *Session) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// ConnectedSince returns when the session reached Active.
func (s *Session) ConnectedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedSince
}

// ServerInfo returns the serverInfo block reported at handshake.
func (s *Session) ServerInfo() protocol.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Run drives the session end to end: handshake, then reader/writer/
// heartbeat loops, until the session closes. It blocks until Close.
func (s *Session) Run(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.MaxFrameBytes)

	if !s.handshake(ctx) {
		return
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.readLoop() }()
	go func() { defer wg.Done(); s.writeLoop() }()
	go func() { defer wg.Done(); s.heartbeatLoop() }()
	wg.Wait()
}

// handshake performs the Connecting->Authenticating->Active transition. It
// returns false if the session was closed instead (auth_failed/auth_timeout).
func (s *Session) handshake(ctx context.Context) bool {
	s.setState(Authenticating)

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	frameCh := make(chan *protocol.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			errCh <- err
			return
		}
		frameCh <- f
	}()

	var f *protocol.Frame
	select {
	case <-hsCtx.Done():
		s.Close(ReasonAuthTimeout)
		return false
	case err := <-errCh:
		s.log.Warn().Err(err).Str("remoteAddr", s.remoteAddr).Msg("handshake read failed")
		s.Close(ReasonAuthFailed)
		return false
	case f = <-frameCh:
	}

	if f.Type != protocol.TypeSystem || f.SystemOp != protocol.SystemHandshake {
		s.log.Warn().Str("remoteAddr", s.remoteAddr).Msg("first frame was not a handshake")
		s.sendNack(bridgeerr.CodeAuthFailed)
		s.Close(ReasonAuthFailed)
		return false
	}

	var hs protocol.HandshakeData
	if err := protocol.DecodeData(f, &hs); err != nil {
		s.sendNack(bridgeerr.CodeAuthFailed)
		s.Close(ReasonAuthFailed)
		return false
	}
	if err := protocol.ValidateStruct(&hs); err != nil {
		s.sendNack(bridgeerr.CodeAuthFailed)
		s.Close(ReasonAuthFailed)
		return false
	}

	result, err := s.authenticator.Authenticate(hsCtx, s.remoteAddr, &hs)
	if err != nil {
		s.log.Info().Str("serverId", hs.ServerID).Str("remoteAddr", s.remoteAddr).Msg("handshake rejected")
		s.sendNack(bridgeerr.CodeAuthFailed)
		s.Close(ReasonAuthFailed)
		return false
	}

	s.mu.Lock()
	s.serverID = result.ServerID
	s.protocolVersion = hs.ProtocolVersion
	s.serverInfo = result.ServerInfo
	for _, c := range result.Capabilities {
		s.capabilities[c] = true
	}
	s.mu.Unlock()

	// Step 5 of spec §4.3: uniqueness / supersede, owned by the Hub.
	if err := s.hub.Install(s); err != nil {
		s.log.Info().Str("serverId", s.serverID).Msg("install rejected, hub is shutting down")
		s.sendNack(bridgeerr.CodeAuthFailed)
		s.Close(ReasonShutdown)
		return false
	}

	s.mu.Lock()
	s.state = Active
	s.connectedSince = time.Now()
	s.lastSeenAt = s.connectedSince
	s.mu.Unlock()

	ack := &protocol.Frame{
		Type:      protocol.TypeSystem,
		ID:        f.ID,
		SystemOp:  protocol.SystemHandshake,
		Timestamp: time.Now().UnixMilli(),
		Version:   protocol.ProtocolVersion,
	}
	ackData, _ := json.Marshal(protocol.HandshakeAck{Success: true})
	ack.Data = ackData
	ack.Success = boolPtr(true)

	select {
	case s.sendCh <- ack:
	default:
		s.log.Warn().Str("serverId", s.serverID).Msg("send queue full delivering handshake ack")
	}

	s.log.Info().Str("serverId", s.serverID).Str("remoteAddr", s.remoteAddr).Msg("session active")
	return true
}

func (s *Session) sendNack(code string) {
	nack := &protocol.Frame{
		Type:      protocol.TypeSystem,
		SystemOp:  protocol.SystemHandshake,
		Timestamp: time.Now().UnixMilli(),
		Version:   protocol.ProtocolVersion,
		Success:   boolPtr(false),
	}
	data, _ := json.Marshal(protocol.HandshakeNack{Success: false, Code: code, Message: "authentication failed"})
	nack.Data = data
	payload, err := protocol.Encode(nack)
	if err != nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Send enqueues a frame for egress, FIFO per session (spec §4.2).
func (s *Session) Send(f *protocol.Frame) error {
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}
	select {
	case <-s.closeCh:
		return bridgeerr.Closed(s.closeReasonSafe())
	default:
	}
	select {
	case s.sendCh <- f:
		return nil
	case <-s.closeCh:
		return bridgeerr.Closed(s.closeReasonSafe())
	}
}

// Request generates a fresh id, installs a waiter, enqueues the request
// frame, and blocks until a matching response, the deadline, or session
// close (spec §4.2).
func (s *Session) Request(ctx context.Context, op string, data interface{}, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-s.closeCh:
		return nil, bridgeerr.Closed(s.closeReasonSafe())
	default:
	}

	deadline := time.Now().Add(timeout)
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// maxPendingPerSession backpressure: acquiring a slot blocks the caller
	// rather than failing fast, so a momentary burst degrades into latency
	// instead of spurious rejection.
	select {
	case s.pendingSlots <- struct{}{}:
	case <-reqCtx.Done():
		return nil, bridgeerr.Timeout(op, timeout.String())
	case <-s.closeCh:
		return nil, bridgeerr.Closed(s.closeReasonSafe())
	}

	raw, err := json.Marshal(data)
	if err != nil {
		<-s.pendingSlots
		return nil, bridgeerr.InvalidFrame(err.Error())
	}

	id := s.nextID()
	entry := &pendingEntry{resultCh: make(chan pendingResult, 1)}

	s.mu.Lock()
	s.pendingByID[id] = entry
	s.mu.Unlock()

	f := &protocol.Frame{
		Type:      protocol.TypeRequest,
		ID:        id,
		Op:        op,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		Version:   protocol.ProtocolVersion,
	}

	if err := s.Send(f); err != nil {
		s.removePending(id)
		return nil, err
	}

	select {
	case res := <-entry.resultCh:
		return res.frame.Data, res.err
	case <-reqCtx.Done():
		s.removePending(id)
		return nil, bridgeerr.Timeout(op, timeout.String())
	case <-s.closeCh:
		s.removePending(id)
		return nil, bridgeerr.ConnectionLost(s.closeReasonSafe())
	}
}

// removePending removes id's waiter exactly once and releases its slot.
// Safe to call after the waiter has already been resolved by a response.
func (s *Session) removePending(id string) {
	s.mu.Lock()
	entry, ok := s.pendingByID[id]
	if ok && !entry.removed {
		entry.removed = true
		delete(s.pendingByID, id)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		select {
		case <-s.pendingSlots:
		default:
		}
	}
}

func (s *Session) nextID() string {
	return uuid.NewString()
}

// Close transitions the session to Closed, idempotently. It drains
// pendingByID, failing all waiters with a connection_lost error carrying
// reason, cancels the heartbeat, and closes the socket.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.closeReason = reason
		pending := s.pendingByID
		s.pendingByID = make(map[string]*pendingEntry)
		s.mu.Unlock()

		close(s.closeCh)
		_ = s.conn.Close()

		for id, entry := range pending {
			if entry.removed {
				continue
			}
			entry.removed = true
			entry.resultCh <- pendingResult{err: bridgeerr.ConnectionLost(reason)}
			_ = id
		}

		s.log.Info().Str("serverId", s.serverID).Str("reason", reason).Msg("session closed")
		if s.hub != nil {
			s.hub.Remove(s)
		}
	})
}

func (s *Session) closeReasonSafe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now()
	s.mu.Unlock()
}

// readLoop decodes inbound frames and routes them by type (spec §4.2).
func (s *Session) readLoop() {
	defer s.Close(ReasonReadError)

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			s.log.Warn().Str("serverId", s.ServerID()).Msg("rejected binary frame")
			continue
		}

		s.touch()

		f, err := protocol.Decode(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("serverId", s.ServerID()).Msg("malformed frame")
			continue
		}
		if protocol.IsClockSkewed(f, time.Now()) {
			s.log.Warn().Str("serverId", s.ServerID()).Int64("timestamp", f.Timestamp).Msg("frame timestamp skewed")
		}

		switch f.Type {
		case protocol.TypeSystem:
			s.handleSystem(f)
		case protocol.TypeResponse:
			s.handleResponse(f)
		case protocol.TypeEvent:
			if s.eventSink != nil {
				s.eventSink.Dispatch(s.ServerID(), f)
			}
		case protocol.TypeRequest:
			s.rejectUnexpectedRequest(f)
		}
	}
}

func (s *Session) handleSystem(f *protocol.Frame) {
	switch f.SystemOp {
	case protocol.SystemPing:
		pong := &protocol.Frame{
			Type:      protocol.TypeSystem,
			SystemOp:  protocol.SystemPong,
			Timestamp: time.Now().UnixMilli(),
			Version:   protocol.ProtocolVersion,
		}
		_ = s.Send(pong)
	case protocol.SystemPong:
		// touch() already refreshed lastSeenAt on arrival.
	case protocol.SystemDisconnect:
		s.Close(ReasonClientDisconnect)
	}
}

// handleResponse removes the waiter atomically and delivers the payload
// exactly once; a response with no waiter is logged and dropped.
func (s *Session) handleResponse(f *protocol.Frame) {
	s.mu.Lock()
	entry, ok := s.pendingByID[f.ID]
	if ok {
		entry.removed = true
		delete(s.pendingByID, f.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug().Str("serverId", s.ServerID()).Str("id", f.ID).Msg("response with no waiter dropped")
		return
	}

	select {
	case <-s.pendingSlots:
	default:
	}

	var err error
	if f.Success != nil && !*f.Success {
		code, message := "remote_error", "remote error"
		if f.Error != nil {
			code, message = f.Error.Code, f.Error.Message
		}
		err = bridgeerr.Remote(code, message)
	}

	entry.resultCh <- pendingResult{frame: f, err: err}
}

// rejectUnexpectedRequest answers server-initiated requests with a failure
// response; this layer never accepts them (spec §4.2, Open Question #2
// resolved in SPEC_FULL.md §13).
func (s *Session) rejectUnexpectedRequest(f *protocol.Frame) {
	resp := &protocol.Frame{
		Type:      protocol.TypeResponse,
		ID:        f.ID,
		Timestamp: time.Now().UnixMilli(),
		Version:   protocol.ProtocolVersion,
		Success:   boolPtr(false),
		Error:     &protocol.FrameError{Code: "unexpected_request", Message: "server-initiated requests are not accepted"},
	}
	_ = s.Send(resp)
}

// writeLoop serializes frames from sendCh onto the socket. A write failure
// transitions the session to Closed with reason write_error.
func (s *Session) writeLoop() {
	defer s.Close(ReasonWriteError)

	for {
		select {
		case <-s.closeCh:
			return
		case f := <-s.sendCh:
			payload, err := protocol.Encode(f)
			if err != nil {
				s.log.Error().Err(err).Str("serverId", s.ServerID()).Msg("encode failed, dropping frame")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

const writeWait = 10 * time.Second

// heartbeatLoop implements spec §4.2's heartbeat: a ping per interval when
// idle, and a close after two missed intervals.
func (s *Session) heartbeatLoop() {
	interval := s.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			idleFor := time.Since(s.LastSeenAt())
			if idleFor >= 2*interval {
				s.Close(ReasonHeartbeatTimeout)
				return
			}
			if s.heartbeatSink != nil {
				s.heartbeatSink.Heartbeat(s.ServerID(), nil)
			}
			if idleFor >= interval {
				ping := &protocol.Frame{
					Type:      protocol.TypeSystem,
					SystemOp:  protocol.SystemPing,
					Timestamp: time.Now().UnixMilli(),
					Version:   protocol.ProtocolVersion,
				}
				_ = s.Send(ping)
			}
		}
	}
}

func boolPtr(b bool) *bool { return &b }

// RemoteIP extracts the bare IP from a dotted remoteAddr ("host:port"),
// falling back to the original string if it cannot be split.
func RemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
