package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"nuha.dev/gpsmap/internal/position"
)

const (
	TRANSPORT_HTTP string = "http"
	TRANSPORT_NATS string = "nats"
	TRANSPORT_MQTT string = "mqtt"
)

// HeaderAPIKey carries the shared secret on the write endpoint.
const HeaderAPIKey = "X-GPS-API-KEY"

// HeaderSource identifies the sending edge device.
const HeaderSource = "X-GPS-Source"

// Payload is the body accepted by the write endpoint.
type Payload struct {
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
	Mode int      `json:"mode"`
	Time *string  `json:"time"`
}

func NewPayload(f position.Fix) Payload {
	return Payload{Lat: f.Lat, Lon: f.Lon, Mode: f.Mode, Time: f.Time}
}

func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// TransmitError reports a failed relay transmission.
type TransmitError struct {
	Transport  string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransmitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay %s: %v", e.Transport, e.Err)
	}
	return fmt.Sprintf("relay %s: server response %d: %s", e.Transport, e.StatusCode, e.Body)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// ApplyFunc applies a payload received from a broker to the local publisher.
type ApplyFunc func(ctx context.Context, body []byte) error
