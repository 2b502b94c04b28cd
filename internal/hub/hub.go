package hub

import (
	"context"
	"regexp"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/position"
)

const TopicFixUpdated string = "fix.updated"

// 2020-01-01T00:00:00Z
const epochMillis uint64 = 1577836800000

// Hub owns the latest fix and notifies subscribers after every write.
// Handlers run on the writer's goroutine and must not block.
type Hub struct {
	store *position.Store
	bus   *bus.Bus
	log   log.Logger
}

func New(store *position.Store) (*Hub, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), 1, epochMillis)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicFixUpdated)
	h := &Hub{store: store, bus: b}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "hub").Value()
	return h, nil
}

func (h *Hub) Get() position.Fix {
	return h.store.Get()
}

func (h *Hub) Put(ctx context.Context, f position.Fix) {
	h.store.Set(f)
	if err := h.bus.Emit(ctx, TopicFixUpdated, h.store.Get()); err != nil {
		h.log.Error().Err(err).Msg("emit failed")
	}
}

// Subscribe registers fn under key. A second registration with the same key
// replaces the first.
func (h *Hub) Subscribe(key string, fn func(position.Fix)) {
	h.bus.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			if f, ok := e.Data.(position.Fix); ok {
				fn(f)
			}
		},
		Matcher: "^" + regexp.QuoteMeta(TopicFixUpdated) + "$",
	})
}

func (h *Hub) Unsubscribe(key string) {
	h.bus.DeregisterHandler(key)
}
