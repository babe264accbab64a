package auth

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/protocol"
	"github.com/chm413/mochi-link/internal/session"
	"github.com/chm413/mochi-link/internal/storage"
)

// Handshake implements session.Authenticator: the ordered verification
// steps of spec §4.3 (protocol version, server id lookup, token compare,
// IP allow-list). Step 5, uniqueness/supersede, is the Hub's job and runs
// after this returns success.
type Handshake struct {
	registry storage.ServerRegistry
	audit    storage.AuditSink
	log      *zerolog.Logger
}

// NewHandshake constructs an Authenticator around the injected storage
// collaborators.
func NewHandshake(registry storage.ServerRegistry, audit storage.AuditSink) *Handshake {
	return &Handshake{registry: registry, audit: audit, log: logger.Auth()}
}

// Authenticate runs steps 1-4. Every outcome, success or failure, is
// audited (spec §4.3, SPEC_FULL.md §12); the specific failing step is
// never returned to the caller — callers only see a single generic error,
// matching the single auth_failed code surfaced to the remote (spec §7).
func (h *Handshake) Authenticate(ctx context.Context, remoteAddr string, hs *protocol.HandshakeData) (*session.AuthResult, error) {
	reason := h.verify(ctx, remoteAddr, hs)

	outcome := storage.OutcomeSuccess
	if reason != "" {
		outcome = storage.OutcomeFailure
	}
	h.logAudit(hs.ServerID, remoteAddr, outcome, reason)

	if reason != "" {
		h.log.Info().Str("serverId", hs.ServerID).Str("remoteAddr", remoteAddr).Str("reason", reason).Msg("handshake failed")
		return nil, authFailed{reason}
	}

	caps := make([]protocol.Capability, 0, len(hs.ServerInfo.Capabilities))
	for _, c := range hs.ServerInfo.Capabilities {
		if isKnownCapability(c) {
			caps = append(caps, c)
		}
	}

	return &session.AuthResult{
		ServerID:     hs.ServerID,
		Capabilities: caps,
		ServerInfo:   hs.ServerInfo,
	}, nil
}

// verify returns "" on success, or an internal (never wire-visible) reason
// string identifying which step failed.
func (h *Handshake) verify(ctx context.Context, remoteAddr string, hs *protocol.HandshakeData) string {
	if hs.ProtocolVersion != protocol.ProtocolVersion {
		return "protocol_version"
	}

	if hs.ServerID == "" {
		return "server_id_missing"
	}

	record, err := h.registry.GetServer(hs.ServerID)
	if err != nil || record == nil {
		return "server_not_found"
	}

	ok, err := h.registry.VerifyToken(hs.ServerID, hs.Token)
	if err != nil || !ok {
		return "token_mismatch"
	}

	if len(record.IPAllowList) > 0 && !ipAllowed(remoteAddr, record.IPAllowList) {
		return "ip_not_allowed"
	}

	return ""
}

func (h *Handshake) logAudit(serverID, remoteAddr, outcome, reason string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.LogAuth(storage.AuthEvent{
		ServerID:   serverID,
		RemoteAddr: remoteAddr,
		Outcome:    outcome,
		Reason:     reason,
		At:         time.Now(),
	}); err != nil {
		h.log.Warn().Err(err).Str("serverId", serverID).Msg("failed to write auth audit record")
	}
}

// authFailed is an internal error type; its Error() text is intentionally
// generic because this package must never leak the specific failing step
// to anything outside the audit sink.
type authFailed struct{ reason string }

func (e authFailed) Error() string { return "authentication failed" }

func ipAllowed(remoteAddr string, allowList []string) bool {
	host := session.RemoteIP(remoteAddr)
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, entry := range allowList {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if entry == host {
			return true
		}
	}
	return false
}

func isKnownCapability(c protocol.Capability) bool {
	switch c {
	case protocol.CapCommandExecution, protocol.CapPlayerManagement, protocol.CapWhitelistManagement,
		protocol.CapServerInfo, protocol.CapWorldAccess, protocol.CapPluginIntegration:
		return true
	default:
		return false
	}
}
