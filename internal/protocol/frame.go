// Package protocol implements U-WBP v2, the text-framed WebSocket protocol
// spoken between the bridge and each game server connector.
//
// This file defines the wire types; codec.go implements encode/decode and
// the validation rules from spec §4.1.
package protocol

import "encoding/json"

// ProtocolVersion is the only version this bridge accepts.
const ProtocolVersion = "2.0"

// FrameType is the outer envelope discriminator.
type FrameType string

const (
	TypeRequest  FrameType = "request"
	TypeResponse FrameType = "response"
	TypeEvent    FrameType = "event"
	TypeSystem   FrameType = "system"
)

// SystemOp enumerates the system-frame operations.
type SystemOp string

const (
	SystemHandshake  SystemOp = "handshake"
	SystemDisconnect SystemOp = "disconnect"
	SystemPing       SystemOp = "ping"
	SystemPong       SystemOp = "pong"
)

// Request operations, with their required capability (spec §6).
const (
	OpCommandExecute    = "command.execute"
	OpWhitelistAdd       = "whitelist.add"
	OpWhitelistRemove    = "whitelist.remove"
	OpWhitelistList      = "whitelist.list"
	OpPlayerList         = "player.list"
	OpPlayerInfo         = "player.info"
	OpPlayerKick         = "player.kick"
	OpServerInfo         = "server.info"
	OpServerStatus       = "server.status"
)

// Event operations (inbound only).
const (
	EventPlayerJoin    = "player.join"
	EventPlayerLeave   = "player.leave"
	EventPlayerChat    = "player.chat"
	EventPlayerDeath   = "player.death"
	EventServerMetrics = "server.metrics"
	EventServerStatus  = "server.status"
)

// Capability is one of the closed set advertised at handshake.
type Capability string

const (
	CapCommandExecution     Capability = "command_execution"
	CapPlayerManagement     Capability = "player_management"
	CapWhitelistManagement  Capability = "whitelist_management"
	CapServerInfo           Capability = "server_info"
	CapWorldAccess          Capability = "world_access"
	CapPluginIntegration    Capability = "plugin_integration"
)

// RequiredCapability maps a request op to the capability the Request Broker
// must see advertised before sending it (spec §6).
var RequiredCapability = map[string]Capability{
	OpCommandExecute:   CapCommandExecution,
	OpWhitelistAdd:     CapWhitelistManagement,
	OpWhitelistRemove:  CapWhitelistManagement,
	OpWhitelistList:    CapWhitelistManagement,
	OpPlayerList:       CapPlayerManagement,
	OpPlayerInfo:       CapPlayerManagement,
	OpPlayerKick:       CapPlayerManagement,
	OpServerInfo:       CapServerInfo,
	OpServerStatus:     CapServerInfo,
}

// knownRequestOps is the closed set of ops a request frame may name.
var knownRequestOps = map[string]bool{
	OpCommandExecute:   true,
	OpWhitelistAdd:     true,
	OpWhitelistRemove:  true,
	OpWhitelistList:    true,
	OpPlayerList:       true,
	OpPlayerInfo:       true,
	OpPlayerKick:       true,
	OpServerInfo:       true,
	OpServerStatus:     true,
}

// IsKnownRequestOp reports whether op is in the closed request-op set.
func IsKnownRequestOp(op string) bool {
	return knownRequestOps[op]
}

// Frame is the U-WBP v2 envelope. Fields not relevant to a given Type are
// left at their zero value and omitted on encode.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`

	// Response-only fields.
	Success *bool       `json:"success,omitempty"`
	Error   *FrameError `json:"error,omitempty"`

	// System-only field.
	SystemOp SystemOp `json:"systemOp,omitempty"`
}

// FrameError is the error payload of a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerInfo describes the connecting game server, reported at handshake.
type ServerInfo struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	CoreType     string       `json:"coreType"`
	CoreName     string       `json:"coreName"`
	Capabilities []Capability `json:"capabilities"`
}

// HandshakeData is the payload of a system/handshake frame sent by a connector.
type HandshakeData struct {
	ProtocolVersion string     `json:"protocolVersion" validate:"required"`
	ServerType      string     `json:"serverType" validate:"required"`
	ServerID        string     `json:"serverId" validate:"required"`
	Token           string     `json:"token" validate:"required"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// HandshakeAck is the payload the bridge sends back on successful handshake.
type HandshakeAck struct {
	Success      bool         `json:"success"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// HandshakeNack is the payload the bridge sends back on a failed handshake.
// Per spec §7, the specific failing step is never disclosed — Code is always
// bridgeerr.CodeAuthFailed or CodeAuthTimeout.
type HandshakeNack struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
