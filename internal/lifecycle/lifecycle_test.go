package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chm413/mochi-link/internal/hub"
	"github.com/chm413/mochi-link/internal/storage"
)

type fakeStatusSink struct {
	updates []storage.StatusUpdate
	err     error
}

func (s *fakeStatusSink) UpdateServer(serverID string, update storage.StatusUpdate) error {
	s.updates = append(s.updates, update)
	return s.err
}

func TestOnLifecycleEventPublishesOnlineAndOffline(t *testing.T) {
	sink := &fakeStatusSink{}
	r := New(sink)

	r.OnLifecycleEvent(hub.LifecycleEvent{Type: hub.Online, ServerID: "srv-1", At: time.Now()})
	r.OnLifecycleEvent(hub.LifecycleEvent{Type: hub.Offline, ServerID: "srv-1", At: time.Now()})

	require.Len(t, sink.updates, 2)
	require.Equal(t, storage.StatusOnline, sink.updates[0].Status)
	require.Equal(t, storage.StatusOffline, sink.updates[1].Status)
}

func TestHeartbeatRefreshesLastSeenWithMetadata(t *testing.T) {
	sink := &fakeStatusSink{}
	r := New(sink)

	r.Heartbeat("srv-1", map[string]interface{}{"players": 3})

	require.Len(t, sink.updates, 1)
	require.Equal(t, storage.StatusOnline, sink.updates[0].Status)
	require.Equal(t, 3, sink.updates[0].Metadata["players"])
}

func TestNilSinkIsANoop(t *testing.T) {
	r := New(nil)
	require.NotPanics(t, func() {
		r.OnLifecycleEvent(hub.LifecycleEvent{Type: hub.Online, ServerID: "srv-1", At: time.Now()})
	})
}

func TestUpdateFailureIsLoggedNotPropagated(t *testing.T) {
	sink := &fakeStatusSink{err: errors.New("write failed")}
	r := New(sink)

	require.NotPanics(t, func() {
		r.OnLifecycleEvent(hub.LifecycleEvent{Type: hub.Online, ServerID: "srv-1", At: time.Now()})
	})
	require.Len(t, sink.updates, 1)
}
