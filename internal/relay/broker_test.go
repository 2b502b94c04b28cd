package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/position"
)

type fakeToken struct {
	timeout bool
	err     error
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMQTT struct {
	mqtt.Client
	token *fakeToken

	topic    string
	qos      byte
	retained bool
	payload  []byte

	handler      mqtt.MessageHandler
	unsubscribed []string
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{token: &fakeToken{}}
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic, c.qos, c.retained = topic, qos, retained
	c.payload, _ = payload.([]byte)
	return c.token
}

func (c *fakeMQTT) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.topic, c.qos, c.handler = topic, qos, cb
	return c.token
}

func (c *fakeMQTT) Unsubscribe(topics ...string) mqtt.Token {
	c.unsubscribed = append(c.unsubscribed, topics...)
	return c.token
}

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type fakeNATS struct {
	subject    string
	data       []byte
	publishErr error
	flushErr   error
	flushed    bool
	handler    nats.MsgHandler
}

func (n *fakeNATS) Publish(subj string, data []byte) error {
	n.subject, n.data = subj, data
	return n.publishErr
}

func (n *fakeNATS) FlushWithContext(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("flush without deadline")
	}
	n.flushed = true
	return n.flushErr
}

func (n *fakeNATS) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	n.subject, n.handler = subj, cb
	return nil, nil
}

func testFix() position.Fix {
	return position.Fix{
		Lat:  position.FloatPtr(-33.86),
		Lon:  position.FloatPtr(151.21),
		Mode: 3,
		Time: position.StringPtr("2024-01-01T00:00:00.000Z"),
	}
}

// storeApplier stands in for the publisher: payloads without a position are
// rejected and never written.
func storeApplier(store *position.Store, calls *int) ApplyFunc {
	return func(ctx context.Context, body []byte) error {
		*calls++
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("apply without deadline")
		}
		var p Payload
		if err := json.Unmarshal(body, &p); err != nil {
			return err
		}
		if p.Lat == nil || p.Lon == nil {
			return errors.New("invalid payload")
		}
		store.Set(position.Fix{Lat: p.Lat, Lon: p.Lon, Mode: p.Mode, Time: p.Time})
		return nil
	}
}

func TestMQTTTransmitterPublishesRetained(t *testing.T) {
	client := newFakeMQTT()
	tx := NewMQTTTransmitter(client, MQTTConfig{})
	if err := tx.Transmit(context.Background(), testFix()); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if client.topic != DefaultTopic || client.qos != 1 || !client.retained {
		t.Fatalf("topic=%q qos=%d retained=%v", client.topic, client.qos, client.retained)
	}
	want, _ := NewPayload(testFix()).Marshal()
	if string(client.payload) != string(want) {
		t.Fatalf("payload=%s want %s", client.payload, want)
	}
}

func TestMQTTTransmitterErrors(t *testing.T) {
	brokerErr := errors.New("not authorized")
	cases := []struct {
		name  string
		token *fakeToken
		want  error
	}{
		{"timeout", &fakeToken{timeout: true}, errMQTTTimeout},
		{"broker error", &fakeToken{err: brokerErr}, brokerErr},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeMQTT()
			client.token = tc.token
			err := NewMQTTTransmitter(client, MQTTConfig{Timeout: 10 * time.Millisecond}).Transmit(context.Background(), testFix())
			var te *TransmitError
			if !errors.As(err, &te) || te.Transport != TRANSPORT_MQTT {
				t.Fatalf("expected mqtt TransmitError, got %v", err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNATSTransmitterFlushes(t *testing.T) {
	nc := &fakeNATS{}
	tx := NewNATSTransmitter(nc, NATSConfig{})
	if err := tx.Transmit(context.Background(), testFix()); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if nc.subject != DefaultSubject || !nc.flushed {
		t.Fatalf("subject=%q flushed=%v", nc.subject, nc.flushed)
	}
	var got Payload
	if err := json.Unmarshal(nc.data, &got); err != nil || *got.Lat != -33.86 || got.Mode != 3 {
		t.Fatalf("payload=%s err=%v", nc.data, err)
	}
}

func TestNATSTransmitterErrors(t *testing.T) {
	t.Run("flush", func(t *testing.T) {
		nc := &fakeNATS{flushErr: nats.ErrTimeout}
		err := NewNATSTransmitter(nc, NATSConfig{}).Transmit(context.Background(), testFix())
		var te *TransmitError
		if !errors.As(err, &te) || te.Transport != TRANSPORT_NATS || !errors.Is(err, nats.ErrTimeout) {
			t.Fatalf("expected nats flush TransmitError, got %v", err)
		}
	})
	t.Run("publish", func(t *testing.T) {
		nc := &fakeNATS{publishErr: nats.ErrConnectionClosed}
		err := NewNATSTransmitter(nc, NATSConfig{}).Transmit(context.Background(), testFix())
		if !errors.Is(err, nats.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
		if nc.flushed {
			t.Fatal("flushed after failed publish")
		}
	})
}

func TestNATSReceiverAppliesFixes(t *testing.T) {
	store := position.NewStore()
	calls := 0
	nc := &fakeNATS{}
	r := NewNATSReceiver(nc, NATSConfig{Subject: "gps.pi-1"}, storeApplier(store, &calls))
	var logs bytes.Buffer
	r.log.Writer = log.IOWriter{Writer: &logs}

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()
	if nc.subject != "gps.pi-1" || nc.handler == nil {
		t.Fatalf("subject=%q handler set=%v", nc.subject, nc.handler != nil)
	}

	body, _ := NewPayload(testFix()).Marshal()
	nc.handler(&nats.Msg{Subject: "gps.pi-1", Data: body})
	if got := store.Get(); got.Lat == nil || *got.Lat != -33.86 || got.Mode != 3 {
		t.Fatalf("fix not applied: %+v", got)
	}

	nc.handler(&nats.Msg{Subject: "gps.pi-1", Data: []byte(`{"mode":3}`)})
	if calls != 2 {
		t.Fatalf("apply calls=%d want 2", calls)
	}
	if got := store.Get(); *got.Lat != -33.86 {
		t.Fatalf("rejected payload reached the store: %+v", got)
	}
	if !strings.Contains(logs.String(), "rejected relayed fix") {
		t.Fatalf("rejection not logged: %q", logs.String())
	}
}

func TestMQTTReceiverAppliesFixes(t *testing.T) {
	store := position.NewStore()
	calls := 0
	client := newFakeMQTT()
	r := NewMQTTReceiver(client, MQTTConfig{}, storeApplier(store, &calls))
	var logs bytes.Buffer
	r.log.Writer = log.IOWriter{Writer: &logs}

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if client.topic != DefaultTopic || client.qos != 1 || client.handler == nil {
		t.Fatalf("topic=%q qos=%d", client.topic, client.qos)
	}

	body, _ := NewPayload(testFix()).Marshal()
	client.handler(client, fakeMessage{payload: body})
	if got := store.Get(); got.Lon == nil || *got.Lon != 151.21 {
		t.Fatalf("fix not applied: %+v", got)
	}

	client.handler(client, fakeMessage{payload: []byte(`not json`)})
	if calls != 2 || *store.Get().Lon != 151.21 {
		t.Fatalf("calls=%d store=%+v", calls, store.Get())
	}
	if !strings.Contains(logs.String(), "rejected relayed fix") {
		t.Fatalf("rejection not logged: %q", logs.String())
	}

	r.Stop()
	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != DefaultTopic {
		t.Fatalf("unsubscribed=%v", client.unsubscribed)
	}
}

func TestMQTTReceiverSubscribeTimeout(t *testing.T) {
	client := newFakeMQTT()
	client.token = &fakeToken{timeout: true}
	r := NewMQTTReceiver(client, MQTTConfig{}, func(context.Context, []byte) error { return nil })
	if err := r.Start(); !errors.Is(err, errMQTTTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
