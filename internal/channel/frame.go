package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livestatus/livestatus/internal/status"
)

// ErrMalformedFrame is returned for push frames that cannot become an observation.
var ErrMalformedFrame = errors.New("malformed status frame")

// reserved frame fields; everything else is kept as opaque detail.
var reserved = map[string]struct{}{
	"status":     {},
	"timestamp":  {},
	"note":       {},
	"error":      {},
	"resourceId": {},
}

// ParseFrame converts one push payload into an observation for resource.
//
// The payload is a JSON object with a required string "status", an optional
// RFC 3339 "timestamp" (receipt time when absent) and an optional "note".
// Unrecognized status values are passed through as StateUnknown.
func ParseFrame(resource status.TrackedResource, data []byte, receivedAt time.Time) (status.Observation, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return status.Observation{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return status.Observation{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	raw, err := stringField(fields, "status")
	if err != nil {
		return status.Observation{}, err
	}
	if strings.TrimSpace(raw) == "" {
		return status.Observation{}, fmt.Errorf("%w: status is required", ErrMalformedFrame)
	}

	if id, err := stringField(fields, "resourceId"); err != nil {
		return status.Observation{}, err
	} else if id != "" && id != resource.ID {
		return status.Observation{}, fmt.Errorf("%w: frame for resource %q", ErrMalformedFrame, id)
	}

	observedAt := receivedAt
	ts, err := stringField(fields, "timestamp")
	if err != nil {
		return status.Observation{}, err
	}
	if ts != "" {
		observedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return status.Observation{}, fmt.Errorf("%w: timestamp %q", ErrMalformedFrame, ts)
		}
	}

	note, err := stringField(fields, "note")
	if err != nil {
		return status.Observation{}, err
	}
	upstreamErr, err := stringField(fields, "error")
	if err != nil {
		return status.Observation{}, err
	}

	var detail map[string]any
	for key, value := range fields {
		if _, ok := reserved[key]; ok {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return status.Observation{}, fmt.Errorf("%w: field %s: %v", ErrMalformedFrame, key, err)
		}
		if detail == nil {
			detail = make(map[string]any)
		}
		detail[key] = v
	}
	if note != "" {
		if detail == nil {
			detail = make(map[string]any)
		}
		detail["note"] = note
	}

	return status.Observation{
		ResourceID: resource.ID,
		Kind:       resource.Kind,
		State:      resource.Kind.ParseState(raw),
		Raw:        raw,
		Timestamp:  observedAt,
		Source:     status.SourcePush,
		Detail:     detail,
		Error:      upstreamErr,
	}, nil
}

// stringField returns fields[key] as a string. Missing and null are "".
func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedFrame, key)
	}
	return s, nil
}
