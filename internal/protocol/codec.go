// This file implements the Frame Codec: encode/decode of U-WBP v2 frames and
// the envelope validation rules from spec §4.1.
package protocol

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chm413/mochi-link/internal/bridgeerr"
)

// opPattern matches spec §4.1's dotted lowercase operation names:
// [a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+
var opPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// ClockTolerance is how far a frame's timestamp may drift from now before a
// warning (not a rejection) is logged on decode.
var ClockTolerance = 30 * time.Second

var validate = validator.New()

// Encode serializes a frame deterministically; no trailing fields are
// emitted because Frame's json tags omit zero-value fields not relevant to
// the frame's Type.
func Encode(f *Frame) ([]byte, error) {
	if f.Version == "" {
		f.Version = ProtocolVersion
	}
	return json.Marshal(f)
}

// Decode parses and validates a text frame payload. It assumes the caller
// has already rejected binary WebSocket messages — U-WBP v2 frames are text
// only (spec §4.1).
func Decode(payload []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, bridgeerr.MalformedFrame(err.Error())
	}

	if err := validateEnvelope(&f); err != nil {
		return nil, err
	}

	return &f, nil
}

func validateEnvelope(f *Frame) error {
	switch f.Type {
	case TypeRequest, TypeResponse, TypeEvent, TypeSystem:
	default:
		return bridgeerr.MalformedFrame("unknown frame type: " + string(f.Type))
	}

	if f.Version != ProtocolVersion {
		return bridgeerr.UnsupportedVersion(f.Version)
	}

	if f.Timestamp < 0 {
		return bridgeerr.InvalidFrame("timestamp must be non-negative")
	}

	switch f.Type {
	case TypeRequest:
		if f.ID == "" {
			return bridgeerr.InvalidFrame("request frame missing id")
		}
		if !opPattern.MatchString(f.Op) {
			return bridgeerr.InvalidFrame("request frame has malformed op: " + f.Op)
		}
	case TypeResponse:
		if f.ID == "" {
			return bridgeerr.InvalidFrame("response frame missing id")
		}
		if f.Success == nil {
			return bridgeerr.InvalidFrame("response frame missing success")
		}
		if !*f.Success && f.Error == nil {
			return bridgeerr.InvalidFrame("failed response frame missing error")
		}
	case TypeEvent:
		if !opPattern.MatchString(f.Op) {
			return bridgeerr.InvalidFrame("event frame has malformed op: " + f.Op)
		}
	case TypeSystem:
		switch f.SystemOp {
		case SystemHandshake, SystemDisconnect:
			if f.ID == "" {
				return bridgeerr.InvalidFrame("system frame missing id")
			}
		case SystemPing, SystemPong:
			// id is not required for heartbeat frames.
		default:
			return bridgeerr.InvalidFrame("unknown systemOp: " + string(f.SystemOp))
		}
	}

	return nil
}

// DecodeData unmarshals a frame's Data payload into dst. This is a thin
// convenience wrapper; per spec §9 the core never validates operation-specific
// schemas itself — callers (Authenticator, operator services) are expected
// to use struct tags and ValidateStruct on the decoded result when they want
// schema enforcement.
func DecodeData(f *Frame, dst interface{}) error {
	if len(f.Data) == 0 {
		return bridgeerr.InvalidFrame("frame has no data payload")
	}
	return json.Unmarshal(f.Data, dst)
}

// ValidateStruct runs struct-tag validation (e.g. on a decoded HandshakeData)
// and returns a bridgeerr.BridgeError on failure.
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return bridgeerr.InvalidFrame(err.Error())
	}
	return nil
}

// IsClockSkewed reports whether a frame's timestamp drifted from now by more
// than ClockTolerance — callers log a warning but still accept the frame,
// per spec §4.1.
func IsClockSkewed(f *Frame, now time.Time) bool {
	ts := time.UnixMilli(f.Timestamp)
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	return delta > ClockTolerance
}
