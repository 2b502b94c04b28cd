package relay

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/position"
)

const DefaultSubject = "gps.fix"

type NATSConfig struct {
	URL      string
	Subject  string
	Token    string
	SourceID string
	Timeout  time.Duration
}

func (c *NATSConfig) defaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// DialNATS connects to a NATS server. The connection reconnects on its own.
func DialNATS(config NATSConfig) (*nats.Conn, error) {
	config.defaults()
	opts := []nats.Option{
		nats.Name("gpsmap-" + config.SourceID),
		nats.Timeout(config.Timeout),
		nats.MaxReconnects(-1),
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}
	return nats.Connect(config.URL, opts...)
}

// NATSPublisher is the part of *nats.Conn the transmitter uses.
type NATSPublisher interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSSubscriber is the part of *nats.Conn the receiver uses.
type NATSSubscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSTransmitter publishes fixes on a subject. A flush round trip bounds
// each publish so an unreachable server is reported instead of buffered.
type NATSTransmitter struct {
	nc     NATSPublisher
	config NATSConfig
}

func NewNATSTransmitter(nc NATSPublisher, config NATSConfig) *NATSTransmitter {
	config.defaults()
	return &NATSTransmitter{nc: nc, config: config}
}

func (t *NATSTransmitter) Transmit(ctx context.Context, f position.Fix) error {
	body, err := NewPayload(f).Marshal()
	if err != nil {
		return &TransmitError{Transport: TRANSPORT_NATS, Err: err}
	}
	if err := t.nc.Publish(t.config.Subject, body); err != nil {
		return &TransmitError{Transport: TRANSPORT_NATS, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return &TransmitError{Transport: TRANSPORT_NATS, Err: err}
	}
	return nil
}

// NATSReceiver applies fixes published on a subject.
type NATSReceiver struct {
	nc     NATSSubscriber
	sub    *nats.Subscription
	config NATSConfig
	apply  ApplyFunc
	log    log.Logger
}

func NewNATSReceiver(nc NATSSubscriber, config NATSConfig, apply ApplyFunc) *NATSReceiver {
	config.defaults()
	r := &NATSReceiver{nc: nc, config: config, apply: apply}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "nats-receiver").Str("subject", config.Subject).Value()
	return r
}

func (r *NATSReceiver) Start() error {
	sub, err := r.nc.Subscribe(r.config.Subject, func(msg *nats.Msg) {
		r.handle(msg.Data)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	r.log.Info().Msg("subscribed")
	return nil
}

func (r *NATSReceiver) handle(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()
	if err := r.apply(ctx, data); err != nil {
		r.log.Warn().Err(err).Msg("rejected relayed fix")
	}
}

func (r *NATSReceiver) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}
