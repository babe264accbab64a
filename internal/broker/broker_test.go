package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chm413/mochi-link/internal/bridgeerr"
	"github.com/chm413/mochi-link/internal/config"
	"github.com/chm413/mochi-link/internal/protocol"
	"github.com/chm413/mochi-link/internal/session"
)

// stubLookup is a hand-rolled SessionLookup double; the broker's only
// collaborator is narrow enough that a mock framework buys nothing.
type stubLookup struct {
	sessions map[string]*session.Session
}

func (s *stubLookup) Lookup(serverID string) (*session.Session, error) {
	sess, ok := s.sessions[serverID]
	if !ok {
		return nil, bridgeerr.NotConnected(serverID)
	}
	return sess, nil
}

func TestExecuteRejectsUnknownOp(t *testing.T) {
	b := New(&stubLookup{sessions: map[string]*session.Session{}})
	_, err := b.Execute(context.Background(), "srv-1", "not.a.known.op", nil, time.Second)
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	require.Equal(t, bridgeerr.CodeInvalidFrame, be.Code)
}

func TestExecuteReportsNotConnected(t *testing.T) {
	b := New(&stubLookup{sessions: map[string]*session.Session{}})
	_, err := b.Execute(context.Background(), "srv-missing", protocol.OpPlayerList, nil, time.Second)
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	require.Equal(t, bridgeerr.CodeNotConnected, be.Code)
}

func TestRequiredCapabilityTableCoversAllKnownOps(t *testing.T) {
	for op := range map[string]bool{
		protocol.OpCommandExecute: true, protocol.OpWhitelistAdd: true, protocol.OpWhitelistRemove: true,
		protocol.OpWhitelistList: true, protocol.OpPlayerList: true, protocol.OpPlayerInfo: true,
		protocol.OpPlayerKick: true, protocol.OpServerInfo: true, protocol.OpServerStatus: true,
	} {
		_, ok := protocol.RequiredCapability[op]
		require.Truef(t, ok, "op %s has no required capability entry", op)
	}
}

func TestRawMessageDataMarshalsUnchanged(t *testing.T) {
	// Exercises the json.Marshal(json.RawMessage) passthrough used when a
	// caller (e.g. the /execute HTTP route) already holds an encoded body.
	raw := json.RawMessage(`{"name":"steve"}`)
	out, err := json.Marshal(raw)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(out))
}

type stubAuthenticator struct{ caps []protocol.Capability }

func (a *stubAuthenticator) Authenticate(ctx context.Context, remoteAddr string, hs *protocol.HandshakeData) (*session.AuthResult, error) {
	return &session.AuthResult{ServerID: hs.ServerID, Capabilities: a.caps}, nil
}

type stubHub struct{ s *session.Session }

func (h *stubHub) Install(s *session.Session) error { h.s = s; return nil }
func (h *stubHub) Remove(s *session.Session)         {}
func (h *stubHub) Lookup(serverID string) (*session.Session, error) {
	if h.s == nil || h.s.ServerID() != serverID {
		return nil, bridgeerr.NotConnected(serverID)
	}
	return h.s, nil
}

func dialBrokerSession(t *testing.T, caps []protocol.Capability) (*httptest.Server, *websocket.Conn, *stubHub) {
	t.Helper()
	cfg := config.Default()
	cfg.HandshakeTimeout = 2 * time.Second
	hub := &stubHub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s := session.New(conn, r.RemoteAddr, cfg, &stubAuthenticator{caps: caps}, nil, nil, hub)
		go s.Run(context.Background())
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return srv, client, hub
}

func brokerHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	data, _ := json.Marshal(&protocol.HandshakeData{
		ProtocolVersion: protocol.ProtocolVersion, ServerType: "paper", ServerID: "srv-1", Token: "tok",
	})
	f := &protocol.Frame{Type: protocol.TypeSystem, ID: "hs", SystemOp: protocol.SystemHandshake, Data: data, Version: protocol.ProtocolVersion}
	payload, _ := protocol.Encode(f)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)
}

func TestExecuteRejectsMissingCapability(t *testing.T) {
	srv, client, hub := dialBrokerSession(t, nil)
	defer srv.Close()
	defer client.Close()
	brokerHandshake(t, client)
	require.Eventually(t, func() bool { return hub.s != nil }, time.Second, 10*time.Millisecond)

	b := New(hub)
	_, err := b.Execute(context.Background(), "srv-1", protocol.OpPlayerList, nil, time.Second)
	require.Error(t, err)
	be, ok := err.(*bridgeerr.BridgeError)
	require.True(t, ok)
	require.Equal(t, bridgeerr.CodeUnsupportedCapability, be.Code)
}

func TestExecuteRoundTripsThroughSession(t *testing.T) {
	srv, client, hub := dialBrokerSession(t, []protocol.Capability{protocol.CapPlayerManagement})
	defer srv.Close()
	defer client.Close()
	brokerHandshake(t, client)
	require.Eventually(t, func() bool { return hub.s != nil }, time.Second, 10*time.Millisecond)

	b := New(hub)
	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := b.Execute(context.Background(), "srv-1", protocol.OpPlayerList, map[string]string{}, time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	req, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.OpPlayerList, req.Op)

	respData, _ := json.Marshal(map[string]int{"count": 1})
	ok := true
	resp := &protocol.Frame{Type: protocol.TypeResponse, ID: req.ID, Data: respData, Success: &ok, Version: protocol.ProtocolVersion}
	payload, _ := protocol.Encode(resp)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, payload))

	select {
	case out := <-resultCh:
		var body map[string]int
		require.NoError(t, json.Unmarshal(out, &body))
		require.Equal(t, 1, body["count"])
	case err := <-errCh:
		t.Fatalf("unexpected execute error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("execute never resolved")
	}
}
