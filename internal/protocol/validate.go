package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeRunStart:     true,
	TypeRunKill:      true,
	TypeRunSubscribe: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeRunStart:
		var p RunStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if err := ValidateRunStart(&p); err != nil {
			return nil, fmt.Errorf("%w in %s payload", err, msg.Type)
		}

	case TypeRunKill, TypeRunSubscribe:
		var p RunIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.RunID == "" {
			return nil, fmt.Errorf("missing required field 'runId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// ValidateRunStart checks the fields of a start request that do not depend
// on server configuration.
func ValidateRunStart(p *RunStartPayload) error {
	if p.WorkDir == "" {
		return fmt.Errorf("missing required field 'workDir'")
	}
	if p.Profile == "" && len(p.Command) == 0 {
		return fmt.Errorf("one of 'profile' or 'command' is required")
	}
	switch p.Payload {
	case "", "stdin", "argument", "none":
	default:
		return fmt.Errorf("unknown payload mode %q", p.Payload)
	}
	for name, value := range map[string]string{"hardLimit": p.HardLimit, "idleLimit": p.IdleLimit} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for '%s': %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("negative duration for '%s'", name)
		}
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
