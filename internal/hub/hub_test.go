package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chm413/mochi-link/internal/config"
	"github.com/chm413/mochi-link/internal/protocol"
	"github.com/chm413/mochi-link/internal/session"
)

// fakeAuthenticator always succeeds with serverID, letting hub tests drive
// real *session.Session values through a real (test) socket rather than a
// hand-rolled double — the Hub's contract is specifically about the
// session type, so it is grounded on the real thing.
type fakeAuthenticator struct{ serverID string }

func (f *fakeAuthenticator) Authenticate(ctx context.Context, remoteAddr string, hs *protocol.HandshakeData) (*session.AuthResult, error) {
	return &session.AuthResult{ServerID: f.serverID, Capabilities: []protocol.Capability{protocol.CapServerInfo}}, nil
}

// fakeLifecycleSink records every published transition.
type fakeLifecycleSink struct {
	events chan LifecycleEvent
}

func newFakeLifecycleSink() *fakeLifecycleSink {
	return &fakeLifecycleSink{events: make(chan LifecycleEvent, 16)}
}

func (f *fakeLifecycleSink) OnLifecycleEvent(e LifecycleEvent) { f.events <- e }

func dialSession(t *testing.T, h *Hub, serverID string) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	cfg := config.Default()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Hour // irrelevant to these tests

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := session.New(conn, r.RemoteAddr, cfg, &fakeAuthenticator{serverID: serverID}, nil, nil, h)
		go s.Run(context.Background())
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return srv, client
}

func handshake(t *testing.T, conn *websocket.Conn, serverID string) {
	t.Helper()
	f := &protocol.Frame{
		Type:      protocol.TypeSystem,
		ID:        "hs",
		SystemOp:  protocol.SystemHandshake,
		Timestamp: time.Now().UnixMilli(),
		Version:   protocol.ProtocolVersion,
	}
	data, _ := json.Marshal(&protocol.HandshakeData{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerType:      "paper",
		ServerID:        serverID,
		Token:           "tok",
	})
	f.Data = data
	payload, err := protocol.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage() // drain the ack
	require.NoError(t, err)
}

func TestInstallPublishesOnlineAndLookupResolves(t *testing.T) {
	sink := newFakeLifecycleSink()
	h := New(sink)

	srv, client := dialSession(t, h, "srv-1")
	defer srv.Close()
	defer client.Close()

	handshake(t, client, "srv-1")

	select {
	case e := <-sink.events:
		require.Equal(t, Online, e.Type)
		require.Equal(t, "srv-1", e.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no lifecycle event published")
	}

	s, err := h.Lookup("srv-1")
	require.NoError(t, err)
	require.Equal(t, "srv-1", s.ServerID())
}

func TestLookupUnknownServerFails(t *testing.T) {
	h := New(nil)
	_, err := h.Lookup("never-connected")
	require.Error(t, err)
}

func TestSupersedeClosesPriorSession(t *testing.T) {
	sink := newFakeLifecycleSink()
	h := New(sink)

	srv1, client1 := dialSession(t, h, "srv-1")
	defer srv1.Close()
	defer client1.Close()
	handshake(t, client1, "srv-1")
	<-sink.events // online for the first connection

	first, err := h.Lookup("srv-1")
	require.NoError(t, err)

	srv2, client2 := dialSession(t, h, "srv-1")
	defer srv2.Close()
	defer client2.Close()
	handshake(t, client2, "srv-1")

	// Installing the second connection evicts the first (an Offline event
	// for the superseded session), then publishes Online for the new one.
	seen := map[LifecycleEventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-sink.events:
			seen[e.Type] = true
		case <-time.After(2 * time.Second):
			t.Fatal("expected both an offline and online event from the supersede")
		}
	}
	require.True(t, seen[Offline])
	require.True(t, seen[Online])

	require.Eventually(t, func() bool {
		return first.State() == session.Closed
	}, 2*time.Second, 10*time.Millisecond)

	current, err := h.Lookup("srv-1")
	require.NoError(t, err)
	require.NotEqual(t, first, current)
}

func TestSnapshotReportsConnectedServers(t *testing.T) {
	h := New(nil)
	srv, client := dialSession(t, h, "srv-1")
	defer srv.Close()
	defer client.Close()
	handshake(t, client, "srv-1")

	rows := h.Snapshot()
	require.Len(t, rows, 1)
	require.Equal(t, "srv-1", rows[0].ServerID)
	require.Equal(t, session.Active, rows[0].State)
}

// TestShutdownReturnsOnExpiredDeadline proves the configurable shutdown
// deadline actually bounds the wait: an already-expired context must make
// Shutdown return immediately rather than block on wg.Wait().
func TestShutdownReturnsOnExpiredDeadline(t *testing.T) {
	h := New(nil)
	srv, client := dialSession(t, h, "srv-1")
	defer srv.Close()
	defer client.Close()
	handshake(t, client, "srv-1")

	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Shutdown(expired)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not respect an already-expired deadline")
	}
}

func TestShutdownClosesAllSessionsAndRejectsNewInstalls(t *testing.T) {
	h := New(nil)
	srv, client := dialSession(t, h, "srv-1")
	defer srv.Close()
	defer client.Close()
	handshake(t, client, "srv-1")

	h.Shutdown(context.Background())

	require.Empty(t, h.Snapshot())
	require.Error(t, h.Install(&session.Session{}))
}
