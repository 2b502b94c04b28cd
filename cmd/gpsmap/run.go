package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/config"
	"nuha.dev/gpsmap/internal/device"
	"nuha.dev/gpsmap/internal/device/gpsd"
	"nuha.dev/gpsmap/internal/device/nmea"
	"nuha.dev/gpsmap/internal/hub"
	"nuha.dev/gpsmap/internal/ingest"
	"nuha.dev/gpsmap/internal/monitoring"
	"nuha.dev/gpsmap/internal/position"
	"nuha.dev/gpsmap/internal/relay"
	"nuha.dev/gpsmap/internal/store/pgstore"
	"nuha.dev/gpsmap/internal/util"
	"nuha.dev/gpsmap/internal/web"
	"nuha.dev/gpsmap/internal/webstream"
)

func newSource(cfg *config.Config) device.Source {
	if cfg.Source == device.SOURCE_NMEA {
		return nmea.NewSource(nmea.Config{Port: cfg.SerialPort, Baud: uint(cfg.Baud)})
	}
	return gpsd.NewSource(gpsd.Config{Addr: cfg.GpsdAddr, ReadTimeout: cfg.ReadTimeout})
}

func ingestConfig(cfg *config.Config) ingest.Config {
	return ingest.Config{Interval: cfg.Interval, Reconnect: cfg.Reconnect}
}

func webConfig(cfg *config.Config, acceptUpdates bool) web.Config {
	return web.Config{
		ListenAddr:    cfg.ListenAddr(),
		APIKey:        cfg.APIKey,
		APIKeyHash:    cfg.APIKeyHash,
		AcceptUpdates: acceptUpdates,
		ProxyProtocol: cfg.ProxyProtocol,
		PollInterval:  time.Duration(cfg.PollMs) * time.Millisecond,
		Zoom:          cfg.Zoom,
		AccessLog:     os.Stderr,
	}
}

func sourceID(cfg *config.Config) string {
	if cfg.SourceID != "" {
		return cfg.SourceID
	}
	return util.GenUUID()
}

func natsConfig(cfg *config.Config, id string) relay.NATSConfig {
	return relay.NATSConfig{URL: cfg.NatsURL, Subject: cfg.NatsSubject, Token: cfg.APIKey, SourceID: id, Timeout: cfg.RelayTimeout}
}

func mqttConfig(cfg *config.Config, id string) relay.MQTTConfig {
	c := relay.MQTTConfig{Broker: cfg.MQTTBroker, Topic: cfg.MQTTTopic, SourceID: id, Timeout: cfg.RelayTimeout}
	if cfg.APIKey != "" {
		c.Username = "gpsmap"
		c.Password = cfg.APIKey
	}
	return c
}

// startMonitor serves component status on monitor_addr when it is set.
func startMonitor(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup, status map[string]monitoring.StatusFunc) {
	if cfg.MonitorAddr == "" {
		return
	}
	mon := monitoring.NewMonApi(&monitoring.MonitoringConfig{ListenAddr: cfg.MonitorAddr})
	for name, fn := range status {
		mon.Register(name, fn)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Run(ctx); err != nil {
			log.Error().Err(err).Msg("monitoring stopped")
		}
	}()
}

// runLocal reads the receiver and serves it from the same process. A dead
// receiver stops ingestion but the viewer stays up.
func runLocal(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h, err := hub.New(position.NewStore())
	if err != nil {
		return err
	}
	stream := webstream.New(h, webstream.Config{})
	srv := web.NewServer(h, stream, webConfig(cfg, false))
	in := ingest.NewLocal(newSource(cfg), h, ingestConfig(cfg))

	wg := sync.WaitGroup{}
	startMonitor(ctx, cfg, &wg, map[string]monitoring.StatusFunc{
		"ingest": func() interface{} { return in.Status() },
		"stream": func() interface{} { return stream.Clients() },
		"fix":    func() interface{} { return h.Get() },
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := in.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("ingestion stopped, serving last known position only")
		}
	}()
	err = srv.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// runServer accepts relayed fixes on /update and, when configured, from a
// broker subscription.
func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	store := position.NewStore()
	h, err := hub.New(store)
	if err != nil {
		return err
	}
	wg := sync.WaitGroup{}

	if cfg.DBURL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		defer pool.Close()
		cp := pgstore.NewStore(pool, pgstore.StoreConfig{TickerDur: cfg.CheckpointInterval})
		if err := cp.Init(ctx); err != nil {
			return err
		}
		f, ok, err := cp.Load(ctx)
		if err != nil {
			return err
		}
		if ok {
			store.Set(f)
			log.Info().Int("mode", f.Mode).Bool("valid", f.Valid()).Msg("restored last fix")
		}
		h.Subscribe("checkpoint", cp.Put)
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp.Run(ctx)
		}()
	}

	stream := webstream.New(h, webstream.Config{})
	srv := web.NewServer(h, stream, webConfig(cfg, true))
	startMonitor(ctx, cfg, &wg, map[string]monitoring.StatusFunc{
		"stream": func() interface{} { return stream.Clients() },
		"fix":    func() interface{} { return h.Get() },
	})

	id := sourceID(cfg)
	switch cfg.RelayTransport {
	case relay.TRANSPORT_NATS:
		nc, err := relay.DialNATS(natsConfig(cfg, id))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		rcv := relay.NewNATSReceiver(nc, natsConfig(cfg, id), srv.ApplyUpdate)
		if err := rcv.Start(); err != nil {
			return err
		}
		defer rcv.Stop()
	case relay.TRANSPORT_MQTT:
		client, err := relay.DialMQTT(mqttConfig(cfg, id), "gpsmap-server-"+id)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer client.Disconnect(250)
		rcv := relay.NewMQTTReceiver(client, mqttConfig(cfg, id), srv.ApplyUpdate)
		if err := rcv.Start(); err != nil {
			return err
		}
		defer rcv.Stop()
	}

	err = srv.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// runRelay forwards fixes from the receiver to a remote server.
func runRelay(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := sourceID(cfg)
	var tx ingest.Transmitter
	switch cfg.RelayTransport {
	case relay.TRANSPORT_NATS:
		nc, err := relay.DialNATS(natsConfig(cfg, id))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		tx = relay.NewNATSTransmitter(nc, natsConfig(cfg, id))
	case relay.TRANSPORT_MQTT:
		client, err := relay.DialMQTT(mqttConfig(cfg, id), "gpsmap-relay-"+id)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer client.Disconnect(250)
		tx = relay.NewMQTTTransmitter(client, mqttConfig(cfg, id))
	default:
		tx = relay.NewHTTPTransmitter(relay.HTTPConfig{URL: cfg.RelayURL, APIKey: cfg.APIKey, SourceID: id, Timeout: cfg.RelayTimeout})
	}

	log.Info().Str("transport", cfg.RelayTransport).Str("source_id", id).Dur("interval", cfg.Interval).Msg("relay started")
	in := ingest.NewRelay(newSource(cfg), tx, ingestConfig(cfg))
	wg := sync.WaitGroup{}
	startMonitor(ctx, cfg, &wg, map[string]monitoring.StatusFunc{
		"ingest": func() interface{} { return in.Status() },
	})
	err := in.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
