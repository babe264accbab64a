// Package broker implements the Request Broker: the stable API operator
// services call to route a request to the right session and await its
// correlated response under a deadline (spec §4.5).
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/bridgeerr"
	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/protocol"
	"github.com/chm413/mochi-link/internal/session"
)

// SessionLookup is the slice of Hub behavior the broker needs.
type SessionLookup interface {
	Lookup(serverID string) (*session.Session, error)
}

// Broker is the Request Broker.
type Broker struct {
	hub SessionLookup
	log *zerolog.Logger
}

// New constructs a Broker bound to hub.
func New(hub SessionLookup) *Broker {
	return &Broker{hub: hub, log: logger.Broker()}
}

// Execute resolves serverID in the Hub, pre-flight checks op's required
// capability, then delegates to Session.Request (spec §4.5 algorithm).
func (b *Broker) Execute(ctx context.Context, serverID, op string, data interface{}, timeout time.Duration) (json.RawMessage, error) {
	if !protocol.IsKnownRequestOp(op) {
		return nil, bridgeerr.InvalidFrame("unknown request op: " + op)
	}

	s, err := b.hub.Lookup(serverID)
	if err != nil {
		return nil, err
	}

	if cap, required := protocol.RequiredCapability[op]; required && !s.HasCapability(cap) {
		return nil, bridgeerr.UnsupportedCapability(serverID, string(cap))
	}

	resp, err := s.Request(ctx, op, data, timeout)
	if err != nil {
		b.log.Debug().Str("serverId", serverID).Str("op", op).Err(err).Msg("request failed")
		return nil, err
	}
	return resp, nil
}
