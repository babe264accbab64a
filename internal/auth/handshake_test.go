package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chm413/mochi-link/internal/protocol"
	"github.com/chm413/mochi-link/internal/storage"
)

type fakeRegistry struct {
	servers map[string]*storage.Server
	tokenOK bool
	tokenErr error
}

func (r *fakeRegistry) GetServer(serverID string) (*storage.Server, error) {
	s, ok := r.servers[serverID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (r *fakeRegistry) VerifyToken(serverID, token string) (bool, error) {
	return r.tokenOK, r.tokenErr
}

type fakeAudit struct {
	events []storage.AuthEvent
}

func (a *fakeAudit) LogAuth(event storage.AuthEvent) error {
	a.events = append(a.events, event)
	return nil
}

func validHandshake() *protocol.HandshakeData {
	return &protocol.HandshakeData{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerType:      "paper",
		ServerID:        "srv-1",
		Token:           "tok",
		ServerInfo:      protocol.ServerInfo{Capabilities: []protocol.Capability{protocol.CapPlayerManagement, "not_a_real_capability"}},
	}
}

func TestAuthenticateSucceedsAndAuditsOnce(t *testing.T) {
	registry := &fakeRegistry{servers: map[string]*storage.Server{"srv-1": {ID: "srv-1"}}, tokenOK: true}
	audit := &fakeAudit{}
	h := NewHandshake(registry, audit)

	result, err := h.Authenticate(context.Background(), "10.0.0.5:54321", validHandshake())
	require.NoError(t, err)
	require.Equal(t, "srv-1", result.ServerID)
	require.Contains(t, result.Capabilities, protocol.CapPlayerManagement)
	require.NotContains(t, result.Capabilities, protocol.Capability("not_a_real_capability"))

	require.Len(t, audit.events, 1)
	require.Equal(t, storage.OutcomeSuccess, audit.events[0].Outcome)
}

func TestAuthenticateFailsOnUnknownServer(t *testing.T) {
	registry := &fakeRegistry{servers: map[string]*storage.Server{}}
	audit := &fakeAudit{}
	h := NewHandshake(registry, audit)

	_, err := h.Authenticate(context.Background(), "10.0.0.5:54321", validHandshake())
	require.Error(t, err)
	require.Equal(t, storage.OutcomeFailure, audit.events[0].Outcome)
	require.NotContains(t, err.Error(), "server_not_found", "the specific failing step must never leak")
}

func TestAuthenticateFailsOnBadToken(t *testing.T) {
	registry := &fakeRegistry{servers: map[string]*storage.Server{"srv-1": {ID: "srv-1"}}, tokenOK: false}
	audit := &fakeAudit{}
	h := NewHandshake(registry, audit)

	_, err := h.Authenticate(context.Background(), "10.0.0.5:1", validHandshake())
	require.Error(t, err)
	require.Equal(t, storage.OutcomeFailure, audit.events[0].Outcome)
}

func TestAuthenticateFailsOnProtocolVersionMismatch(t *testing.T) {
	registry := &fakeRegistry{servers: map[string]*storage.Server{"srv-1": {ID: "srv-1"}}, tokenOK: true}
	audit := &fakeAudit{}
	h := NewHandshake(registry, audit)

	hs := validHandshake()
	hs.ProtocolVersion = "1.0"
	_, err := h.Authenticate(context.Background(), "10.0.0.5:1", hs)
	require.Error(t, err)
}

func TestAuthenticateEnforcesIPAllowList(t *testing.T) {
	registry := &fakeRegistry{
		servers: map[string]*storage.Server{"srv-1": {ID: "srv-1", IPAllowList: []string{"10.0.0.0/24"}}},
		tokenOK: true,
	}
	audit := &fakeAudit{}
	h := NewHandshake(registry, audit)

	_, err := h.Authenticate(context.Background(), "10.0.0.5:54321", validHandshake())
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), "192.168.1.5:54321", validHandshake())
	require.Error(t, err)
}

func TestIPAllowedMatchesExactAndCIDR(t *testing.T) {
	require.True(t, ipAllowed("10.0.0.5:1234", []string{"10.0.0.5"}))
	require.True(t, ipAllowed("10.0.0.5:1234", []string{"10.0.0.0/24"}))
	require.False(t, ipAllowed("10.0.0.5:1234", []string{"10.0.1.0/24"}))
}

func TestGenerateTokenProducesValidFormat(t *testing.T) {
	tok, err := GenerateToken()
	require.NoError(t, err)
	require.NoError(t, ValidateTokenFormat(tok))

	other, err := GenerateToken()
	require.NoError(t, err)
	require.NotEqual(t, tok, other)
}

func TestValidateTokenFormatRejectsWrongLengthAndNonHex(t *testing.T) {
	require.Error(t, ValidateTokenFormat("too-short"))

	nonHex := ""
	for i := 0; i < 64; i++ {
		nonHex += "z"
	}
	require.Error(t, ValidateTokenFormat(nonHex))
}

func TestHashAndCompareTokenRoundTrip(t *testing.T) {
	tok, err := GenerateToken()
	require.NoError(t, err)

	hash, err := HashToken(tok)
	require.NoError(t, err)
	require.True(t, CompareToken(tok, hash))

	other, err := GenerateToken()
	require.NoError(t, err)
	require.False(t, CompareToken(other, hash))
}
