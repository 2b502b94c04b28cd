package main

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"nuha.dev/gpsmap/internal/config"
	"nuha.dev/gpsmap/internal/device"
	"nuha.dev/gpsmap/internal/relay"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// silentGPSD accepts connections and never sends anything.
func silentGPSD(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	return ln.Addr().String()
}

func baseConfig(mode string) *config.Config {
	return &config.Config{
		Mode:           mode,
		Host:           "127.0.0.1",
		Port:           8081,
		Source:         device.SOURCE_GPSD,
		RelayTransport: relay.TRANSPORT_HTTP,
		RelayURL:       "http://127.0.0.1:1/update",
		Interval:       time.Second,
		RelayTimeout:   time.Second,
		SourceID:       "test",
		PollMs:         2000,
		Zoom:           16,
		LogLevel:       "info",
	}
}

func runWithin(t *testing.T, fn func(ctx context.Context) error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return nil
	}
}

func TestRelayStopsMonitorOnIngestFailure(t *testing.T) {
	cfg := baseConfig(config.MODE_RELAY)
	cfg.GpsdAddr = freeAddr(t)
	cfg.MonitorAddr = freeAddr(t)

	err := runWithin(t, func(ctx context.Context) error { return runRelay(ctx, cfg) })
	var ce *device.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if c, err := net.DialTimeout("tcp", cfg.MonitorAddr, time.Second); err == nil {
		c.Close()
		t.Fatal("monitoring still listening after relay returned")
	}
}

func TestLocalStopsIngestWhenListenFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	_, port, _ := net.SplitHostPort(busy.Addr().String())

	cfg := baseConfig(config.MODE_LOCAL)
	cfg.Port, _ = strconv.Atoi(port)
	cfg.GpsdAddr = silentGPSD(t)

	err = runWithin(t, func(ctx context.Context) error { return runLocal(ctx, cfg) })
	if err == nil {
		t.Fatal("expected listen error")
	}
}

func TestRelayReturnsNilOnShutdown(t *testing.T) {
	cfg := baseConfig(config.MODE_RELAY)
	cfg.GpsdAddr = silentGPSD(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := runWithin(t, func(context.Context) error { return runRelay(ctx, cfg) })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
