package monitoring

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatus(t *testing.T) {
	m := NewMonApi(&MonitoringConfig{ListenAddr: "127.0.0.1:0"})
	m.Register("ingest", func() interface{} { return map[string]string{"state": "running"} })
	m.Register("stream", func() interface{} { return 3 })

	w := httptest.NewRecorder()
	m.GetHandler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	var res struct {
		Ingest map[string]string `json:"ingest"`
		Stream int               `json:"stream"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Ingest["state"] != "running" || res.Stream != 3 {
		t.Fatalf("status=%s", w.Body.String())
	}
}

func TestStatusEmpty(t *testing.T) {
	m := NewMonApi(&MonitoringConfig{})
	w := httptest.NewRecorder()
	m.GetHandler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Body.String() != "{}\n" {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestServerUsesStatusHandler(t *testing.T) {
	m := NewMonApi(&MonitoringConfig{ListenAddr: "127.0.0.1:0"})
	m.Register("fix", func() interface{} { return "n/a" })
	w := httptest.NewRecorder()
	m.server.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Body.String() != "{\"fix\":\"n/a\"}\n" {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := NewMonApi(&MonitoringConfig{ListenAddr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("monitoring did not stop")
	}
}
