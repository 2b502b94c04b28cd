package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"nuha.dev/gpsmap/internal/position"
)

type HTTPConfig struct {
	URL      string
	APIKey   string
	SourceID string
	Timeout  time.Duration
}

// HTTPTransmitter posts fixes to a remote /update endpoint. Each call is a
// single attempt.
type HTTPTransmitter struct {
	config HTTPConfig
	client *http.Client
}

func NewHTTPTransmitter(config HTTPConfig) *HTTPTransmitter {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &HTTPTransmitter{config: config, client: &http.Client{Timeout: config.Timeout}}
}

func (t *HTTPTransmitter) Transmit(ctx context.Context, f position.Fix) error {
	body, err := NewPayload(f).Marshal()
	if err != nil {
		return &TransmitError{Transport: TRANSPORT_HTTP, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return &TransmitError{Transport: TRANSPORT_HTTP, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.config.APIKey != "" {
		req.Header.Set(HeaderAPIKey, t.config.APIKey)
	}
	if t.config.SourceID != "" {
		req.Header.Set(HeaderSource, t.config.SourceID)
	}

	res, err := t.client.Do(req)
	if err != nil {
		return &TransmitError{Transport: TRANSPORT_HTTP, Err: err}
	}
	defer res.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	if res.StatusCode != http.StatusOK {
		return &TransmitError{Transport: TRANSPORT_HTTP, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	return nil
}
