// Package lifecycle implements the Lifecycle Reporter: it observes Hub
// transitions and translates them into best-effort side-effects on the
// storage collaborator (spec §4.7).
package lifecycle

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/hub"
	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/storage"
)

// Reporter implements hub.LifecycleSink.
type Reporter struct {
	sink storage.StatusSink
	log  *zerolog.Logger
}

// New constructs a Reporter publishing to sink. sink may be nil, in which
// case every transition is dropped without being persisted or logged.
func New(sink storage.StatusSink) *Reporter {
	return &Reporter{sink: sink, log: logger.Lifecycle()}
}

// OnLifecycleEvent implements hub.LifecycleSink. Writes are best-effort: a
// failure is logged but never destabilizes the session (spec §4.7).
func (r *Reporter) OnLifecycleEvent(e hub.LifecycleEvent) {
	status := storage.StatusOffline
	if e.Type == hub.Online {
		status = storage.StatusOnline
	}
	r.publish(e.ServerID, status, e.At, nil)
}

// Heartbeat refreshes lastSeenAt for serverID while its session is Active,
// optionally carrying through an opaque status payload reported by the
// connector (player count, tick rate — SPEC_FULL.md §12), never
// interpreted by the core itself.
func (r *Reporter) Heartbeat(serverID string, metadata map[string]interface{}) {
	r.publish(serverID, storage.StatusOnline, time.Now(), metadata)
}

func (r *Reporter) publish(serverID, status string, at time.Time, metadata map[string]interface{}) {
	if r.sink == nil {
		return
	}
	if err := r.sink.UpdateServer(serverID, storage.StatusUpdate{
		Status:     status,
		LastSeenAt: at,
		Metadata:   metadata,
	}); err != nil {
		r.log.Warn().Err(err).Str("serverId", serverID).Str("status", status).Msg("failed to publish status update")
	}
}
