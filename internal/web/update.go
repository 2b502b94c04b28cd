package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"nuha.dev/gpsmap/internal/position"
)

const (
	reasonBadJSON        = "bad json"
	reasonInvalidPayload = "invalid payload"
)

// layout of server-assigned timestamps
const stampLayout = "2006-01-02T15:04:05.000000Z"

// ValidationError rejects a write payload. Reason is the client-visible text.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AuthError rejects a write whose API key does not match.
type AuthError struct {
	Present bool
}

func (e *AuthError) Error() string {
	if !e.Present {
		return "missing api key"
	}
	return "api key mismatch"
}

type updateRequest struct {
	Lat  json.RawMessage `json:"lat" validate:"required"`
	Lon  json.RawMessage `json:"lon" validate:"required"`
	Mode json.RawMessage `json:"mode"`
	Time json.RawMessage `json:"time"`
}

// ApplyUpdate validates a write payload and stores it. The store is left
// untouched on any error.
func (s *Server) ApplyUpdate(ctx context.Context, body []byte) error {
	f, err := s.parseUpdate(body)
	if err != nil {
		return err
	}
	s.hub.Put(ctx, f)
	s.log.Info().Float64("lat", *f.Lat).Float64("lon", *f.Lon).Int("mode", f.Mode).Msg("position updated")
	return nil
}

func (s *Server) parseUpdate(body []byte) (position.Fix, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return position.Fix{}, &ValidationError{Reason: reasonBadJSON, Err: err}
	}
	if len(fields) == 0 {
		return position.Fix{}, &ValidationError{Reason: reasonBadJSON}
	}
	req := updateRequest{Lat: fields["lat"], Lon: fields["lon"], Mode: fields["mode"], Time: fields["time"]}
	if err := s.validate.Struct(req); err != nil {
		return position.Fix{}, &ValidationError{Reason: reasonInvalidPayload, Err: err}
	}

	lat, err := rawFloat(req.Lat)
	if err != nil {
		return position.Fix{}, &ValidationError{Reason: reasonInvalidPayload, Err: fmt.Errorf("lat: %w", err)}
	}
	lon, err := rawFloat(req.Lon)
	if err != nil {
		return position.Fix{}, &ValidationError{Reason: reasonInvalidPayload, Err: fmt.Errorf("lon: %w", err)}
	}
	mode := position.ModeUnknown
	if req.Mode != nil {
		mode, err = rawInt(req.Mode)
		if err != nil {
			return position.Fix{}, &ValidationError{Reason: reasonInvalidPayload, Err: fmt.Errorf("mode: %w", err)}
		}
	}

	now := s.now().UTC().Format(stampLayout)
	tm := now
	if req.Time != nil {
		v, err := decodeRaw(req.Time)
		if err != nil {
			return position.Fix{}, &ValidationError{Reason: reasonInvalidPayload, Err: fmt.Errorf("time: %w", err)}
		}
		switch x := v.(type) {
		case nil:
		case string:
			if x != "" {
				tm = x
			}
		default:
			return position.Fix{}, &ValidationError{Reason: reasonInvalidPayload, Err: fmt.Errorf("time: unexpected %T", v)}
		}
	}

	return position.Fix{Lat: &lat, Lon: &lon, Mode: mode, Time: &tm, ReceivedAt: &now}, nil
}

func decodeRaw(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func rawFloat(raw json.RawMessage) (float64, error) {
	v, err := decodeRaw(raw)
	if err != nil {
		return 0, err
	}
	return position.Float(v)
}

// rawInt accepts integral numbers and integer strings.
func rawInt(raw json.RawMessage) (int, error) {
	f, err := rawFloat(raw)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int(f), nil
}
