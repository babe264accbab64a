// Package hub implements the Hub: the process-wide registry binding at most
// one Active session per server id, arbitrating concurrent connects via the
// supersede policy (spec §4.4).
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/bridgeerr"
	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/protocol"
	"github.com/chm413/mochi-link/internal/session"
)

// LifecycleEventType distinguishes Online from Offline transitions.
type LifecycleEventType string

const (
	Online  LifecycleEventType = "online"
	Offline LifecycleEventType = "offline"
)

// LifecycleEvent is published on every Hub-observed session transition.
type LifecycleEvent struct {
	Type     LifecycleEventType
	ServerID string
	At       time.Time
}

// LifecycleSink receives Hub lifecycle events; the Lifecycle Reporter
// implements this to push status updates to the storage collaborator.
type LifecycleSink interface {
	OnLifecycleEvent(e LifecycleEvent)
}

// Snapshot is one row of Hub.Snapshot's status report.
type Snapshot struct {
	ServerID       string
	State          session.State
	ConnectedSince time.Time
	LastSeenAt     time.Time
	Capabilities   []protocol.Capability
	ServerInfo     protocol.ServerInfo
}

// Hub is the process-wide serverId -> Active session registry.
type Hub struct {
	mu           sync.Mutex
	sessions     map[string]*session.Session
	lifecycle    LifecycleSink
	shuttingDown bool
	log          *zerolog.Logger
}

// New constructs an empty Hub. lifecycle may be nil (events are then dropped).
func New(lifecycle LifecycleSink) *Hub {
	return &Hub{
		sessions:  make(map[string]*session.Session),
		lifecycle: lifecycle,
		log:       logger.Hub(),
	}
}

// Install binds a just-authenticated session under its serverId. If a prior
// Active session already holds that id, the new one is bound in its place
// first and the prior is then closed with reason superseded (spec §4.4);
// the prior's Remove finds the binding no longer points at it, so no
// Offline event is published for it. Returns an error
// if the Hub is shutting down; new installs are rejected past that point
// (spec §5).
func (h *Hub) Install(s *session.Session) error {
	serverID := s.ServerID()

	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return bridgeerr.New(bridgeerr.CodeClosed, "hub is shutting down")
	}
	prior, hadPrior := h.sessions[serverID]
	h.sessions[serverID] = s
	h.mu.Unlock()

	// Closing the prior session happens outside the lock: Session.Close
	// calls back into Hub.Remove, which would deadlock on the same mutex.
	if hadPrior && prior != s {
		prior.Close(session.ReasonSuperseded)
	}

	h.log.Info().Str("serverId", serverID).Bool("superseded", hadPrior).Msg("session installed")
	h.publish(LifecycleEvent{Type: Online, ServerID: serverID, At: time.Now()})
	return nil
}

// Remove unbinds a session, but only if the registry still points at this
// exact session instance — this handles the race with a concurrent
// supersede, where the old session's own close-triggered Remove must not
// evict the session that replaced it.
func (h *Hub) Remove(s *session.Session) {
	serverID := s.ServerID()
	if serverID == "" {
		return
	}

	h.mu.Lock()
	current, ok := h.sessions[serverID]
	removed := ok && current == s
	if removed {
		delete(h.sessions, serverID)
	}
	h.mu.Unlock()

	if !removed {
		return
	}

	h.log.Info().Str("serverId", serverID).Msg("session removed")
	h.publish(LifecycleEvent{Type: Offline, ServerID: serverID, At: time.Now()})
}

// Lookup resolves the current Active session for serverId.
func (h *Hub) Lookup(serverID string) (*session.Session, error) {
	h.mu.Lock()
	s, ok := h.sessions[serverID]
	h.mu.Unlock()
	if !ok {
		return nil, bridgeerr.NotConnected(serverID)
	}
	return s, nil
}

// Snapshot returns a point-in-time status report of every registered
// session, for the core's exposed snapshot() interface (spec §6).
func (h *Hub) Snapshot() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Snapshot, 0, len(h.sessions))
	for id, s := range h.sessions {
		caps := s.Capabilities()
		list := make([]protocol.Capability, 0, len(caps))
		for c := range caps {
			list = append(list, c)
		}
		out = append(out, Snapshot{
			ServerID:       id,
			State:          s.State(),
			ConnectedSince: s.ConnectedSince(),
			LastSeenAt:     s.LastSeenAt(),
			Capabilities:   list,
			ServerInfo:     s.ServerInfo(),
		})
	}
	return out
}

// Shutdown rejects further installs, then closes every registered session
// concurrently and awaits their Drain->Closed completion (spec §5), giving
// up and returning once ctx is done so a configured deadline actually bounds
// how long the process waits on a stuck session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shuttingDown = true
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, s := range sessions {
		s := s
		go func() {
			defer wg.Done()
			s.Close(session.ReasonShutdown)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Int("sessionCount", len(sessions)).Msg("hub shutdown complete")
	case <-ctx.Done():
		h.log.Warn().Int("sessionCount", len(sessions)).Msg("hub shutdown deadline exceeded, proceeding")
	}
}

func (h *Hub) publish(e LifecycleEvent) {
	if h.lifecycle != nil {
		h.lifecycle.OnLifecycleEvent(e)
	}
}
