package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Decode for frames this client does not
// understand. Callers typically log and skip such frames so that newer
// backends stay usable.
var ErrUnknownType = errors.New("unknown message type")

// Decode parses one inbound frame into its typed representation.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame header: %w", err)
	}

	switch env.Type {
	case TypeStatus:
		var m Status
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeOutput:
		var m Output
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeEvent:
		var m Event
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeError:
		var m RunError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeDone:
		var m Done
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeCLIDefaults:
		var m CLIDefaults
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeRateLimits:
		var m RateLimits
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeDeleteAll:
		var m DeleteAllAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(env.Type))
	}
}
