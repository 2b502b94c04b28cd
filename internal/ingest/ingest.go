package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/device"
	"nuha.dev/gpsmap/internal/position"
)

type State int32

const (
	Stopped State = iota
	Running
	Backoff
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Backoff:
		return "backoff"
	default:
		return "stopped"
	}
}

// Sink receives accepted fixes in local mode.
type Sink interface {
	Put(ctx context.Context, f position.Fix)
}

// Transmitter forwards accepted fixes to a remote publisher in relay mode.
type Transmitter interface {
	Transmit(ctx context.Context, f position.Fix) error
}

type Config struct {
	// Interval is the minimum spacing of relay transmissions. Fixes read
	// in between are skipped so each transmission carries a fresh fix.
	Interval time.Duration
	// LocalPoll is the pause after each report in local mode.
	LocalPoll time.Duration
	// Backoff is the pause after a transient read error.
	Backoff time.Duration
	// Reconnect re-establishes a session that failed or ended instead of
	// giving up.
	Reconnect    bool
	MaxReconnect time.Duration
}

type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Ignored     uint64 `json:"ignored"`
	Dropped     uint64 `json:"dropped"`
	Transmitted uint64 `json:"transmitted"`
	Failed      uint64 `json:"failed"`
	Skipped     uint64 `json:"skipped"`
}

type Ingestor struct {
	src    device.Source
	sink   Sink
	tx     Transmitter
	config Config
	log    log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	// earliest time of the next relay transmission
	nextSend time.Time

	state       atomic.Int32
	accepted    atomic.Uint64
	ignored     atomic.Uint64
	dropped     atomic.Uint64
	transmitted atomic.Uint64
	failed      atomic.Uint64
	skipped     atomic.Uint64
}

// NewLocal returns an ingestor writing fixes straight into sink.
func NewLocal(src device.Source, sink Sink, config Config) *Ingestor {
	in := newIngestor(src, config)
	in.sink = sink
	in.log.Context = log.NewContext(nil).Str("module", "ingest").Str("mode", "local").Value()
	return in
}

// NewRelay returns an ingestor forwarding fixes through tx.
func NewRelay(src device.Source, tx Transmitter, config Config) *Ingestor {
	in := newIngestor(src, config)
	in.tx = tx
	in.log.Context = log.NewContext(nil).Str("module", "ingest").Str("mode", "relay").Value()
	return in
}

func newIngestor(src device.Source, config Config) *Ingestor {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.LocalPoll <= 0 {
		config.LocalPoll = 10 * time.Millisecond
	}
	if config.Backoff <= 0 {
		config.Backoff = 500 * time.Millisecond
	}
	if config.MaxReconnect <= 0 {
		config.MaxReconnect = 10 * time.Second
	}
	in := &Ingestor{src: src, config: config, sleep: sleepContext, now: time.Now}
	in.log = log.DefaultLogger
	return in
}

func (in *Ingestor) State() State {
	return State(in.state.Load())
}

func (in *Ingestor) setState(s State) {
	in.state.Store(int32(s))
}

func (in *Ingestor) Stats() Stats {
	return Stats{
		Accepted:    in.accepted.Load(),
		Ignored:     in.ignored.Load(),
		Dropped:     in.dropped.Load(),
		Transmitted: in.transmitted.Load(),
		Failed:      in.failed.Load(),
		Skipped:     in.skipped.Load(),
	}
}

// Status is the ingestor view served by the monitoring endpoint.
type Status struct {
	State string `json:"state"`
	Stats
}

func (in *Ingestor) Status() Status {
	return Status{State: in.State().String(), Stats: in.Stats()}
}

// Run pulls reports until ctx is cancelled. It returns nil on cancellation and
// an error when the device cannot be reached and Reconnect is off.
func (in *Ingestor) Run(ctx context.Context) error {
	defer in.setState(Stopped)

	sess, err := in.src.Connect(ctx)
	if err != nil {
		if !in.config.Reconnect {
			in.log.Error().Err(err).Msg("unable to connect to device")
			return err
		}
		if sess, err = in.reconnect(ctx, err); err != nil {
			return nil
		}
	}
	in.log.Info().Msg("ingestor started")

	for {
		if ctx.Err() != nil {
			sess.Close()
			return nil
		}
		in.setState(Running)
		rep, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sess.Close()
				return nil
			}
			if errors.Is(err, device.ErrSessionClosed) {
				sess.Close()
				if !in.config.Reconnect {
					in.log.Error().Err(err).Msg("device session ended")
					return err
				}
				if sess, err = in.reconnect(ctx, err); err != nil {
					return nil
				}
				continue
			}
			if device.IsTimeout(err) {
				in.log.Debug().Err(err).Msg("device silent, backing off")
			} else {
				in.log.Warn().Err(err).Msg("read error, backing off")
			}
			in.setState(Backoff)
			if in.sleep(ctx, in.config.Backoff) != nil {
				sess.Close()
				return nil
			}
			continue
		}

		pause, ok := in.process(ctx, rep)
		if !ok {
			continue
		}
		if in.sleep(ctx, pause) != nil {
			sess.Close()
			return nil
		}
	}
}

// process handles one report and returns how long to pause afterwards.
// ok is false when the loop should read again right away.
func (in *Ingestor) process(ctx context.Context, rep device.Report) (time.Duration, bool) {
	if rep.Class != device.ClassTPV {
		in.ignored.Add(1)
		return 0, false
	}
	fix, err := FixFromReport(rep)
	if err != nil {
		in.dropped.Add(1)
		in.log.Debug().Err(err).Msg("report dropped")
		return 0, false
	}
	in.accepted.Add(1)

	if in.tx == nil {
		in.sink.Put(ctx, fix)
		return in.config.LocalPoll, true
	}

	t := in.now()
	if t.Before(in.nextSend) {
		in.skipped.Add(1)
		return 0, false
	}
	in.nextSend = t.Add(in.config.Interval)
	if err := in.tx.Transmit(ctx, fix); err != nil {
		in.failed.Add(1)
		in.log.Error().Err(err).Msg("failed to send to server")
	} else {
		in.transmitted.Add(1)
		in.log.Info().Float64("lat", *fix.Lat).Float64("lon", *fix.Lon).Int("mode", fix.Mode).Msg("sent gps")
	}
	return 0, false
}

func (in *Ingestor) reconnect(ctx context.Context, cause error) (device.Session, error) {
	backoff := 250 * time.Millisecond
	for {
		in.setState(Backoff)
		in.log.Warn().Err(cause).Dur("retry_in", backoff).Msg("device unavailable")
		if err := in.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		sess, err := in.src.Connect(ctx)
		if err == nil {
			in.log.Info().Msg("device reconnected")
			return sess, nil
		}
		cause = err
		if backoff < in.config.MaxReconnect {
			backoff *= 2
			if backoff > in.config.MaxReconnect {
				backoff = in.config.MaxReconnect
			}
		}
	}
}

// FixFromReport coerces a TPV report into a Fix. Reports without usable
// coordinates are rejected.
func FixFromReport(rep device.Report) (position.Fix, error) {
	if rep.Lat == nil || rep.Lon == nil {
		return position.Fix{}, errors.New("report has no position")
	}
	lat, err := position.Float(rep.Lat)
	if err != nil {
		return position.Fix{}, fmt.Errorf("lat: %w", err)
	}
	lon, err := position.Float(rep.Lon)
	if err != nil {
		return position.Fix{}, fmt.Errorf("lon: %w", err)
	}
	fix := position.Fix{Lat: &lat, Lon: &lon}
	if rep.Mode != nil {
		mode, err := position.Int(rep.Mode)
		if err != nil {
			return position.Fix{}, fmt.Errorf("mode: %w", err)
		}
		fix.Mode = mode
	}
	switch t := rep.Time.(type) {
	case nil:
	case string:
		if t != "" {
			fix.Time = &t
		}
	default:
		s := fmt.Sprint(t)
		fix.Time = &s
	}
	return fix, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
