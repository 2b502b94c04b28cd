package relay

import (
	"context"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/position"
)

const DefaultTopic = "gps/fix"

var errMQTTTimeout = errors.New("timed out waiting for broker")

type MQTTConfig struct {
	Broker   string
	Topic    string
	Username string
	Password string
	SourceID string
	Timeout  time.Duration
}

func (c *MQTTConfig) defaults() {
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// DialMQTT connects to an MQTT broker.
func DialMQTT(config MQTTConfig, clientID string) (mqtt.Client, error) {
	config.defaults()
	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(clientID).
		SetConnectTimeout(config.Timeout).
		SetAutoReconnect(true)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.Timeout) {
		return nil, errMQTTTimeout
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

// MQTTTransmitter publishes fixes as retained messages, so a subscriber that
// connects later still gets the latest one.
type MQTTTransmitter struct {
	client mqtt.Client
	config MQTTConfig
}

func NewMQTTTransmitter(client mqtt.Client, config MQTTConfig) *MQTTTransmitter {
	config.defaults()
	return &MQTTTransmitter{client: client, config: config}
}

func (t *MQTTTransmitter) Transmit(ctx context.Context, f position.Fix) error {
	body, err := NewPayload(f).Marshal()
	if err != nil {
		return &TransmitError{Transport: TRANSPORT_MQTT, Err: err}
	}
	token := t.client.Publish(t.config.Topic, 1, true, body)
	timeout := t.config.Timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return &TransmitError{Transport: TRANSPORT_MQTT, Err: errMQTTTimeout}
	}
	if err := token.Error(); err != nil {
		return &TransmitError{Transport: TRANSPORT_MQTT, Err: err}
	}
	return nil
}

// MQTTReceiver applies fixes published on a topic.
type MQTTReceiver struct {
	client mqtt.Client
	config MQTTConfig
	apply  ApplyFunc
	log    log.Logger
}

func NewMQTTReceiver(client mqtt.Client, config MQTTConfig, apply ApplyFunc) *MQTTReceiver {
	config.defaults()
	r := &MQTTReceiver{client: client, config: config, apply: apply}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "mqtt-receiver").Str("topic", config.Topic).Value()
	return r
}

func (r *MQTTReceiver) Start() error {
	token := r.client.Subscribe(r.config.Topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		r.handle(msg.Payload())
	})
	if !token.WaitTimeout(r.config.Timeout) {
		return errMQTTTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}
	r.log.Info().Msg("subscribed")
	return nil
}

func (r *MQTTReceiver) handle(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()
	if err := r.apply(ctx, data); err != nil {
		r.log.Warn().Err(err).Msg("rejected relayed fix")
	}
}

func (r *MQTTReceiver) Stop() {
	r.client.Unsubscribe(r.config.Topic).WaitTimeout(r.config.Timeout)
}
