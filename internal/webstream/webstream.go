package webstream

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/gpsmap/internal/position"
	"nuha.dev/gpsmap/internal/util"
)

type Hub interface {
	Get() position.Fix
	Subscribe(key string, fn func(position.Fix))
	Unsubscribe(key string)
}

type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Handler streams the latest fix to websocket clients. A client gets the
// current fix on connect and then every update; a slow client only ever
// sees the newest pending one.
type Handler struct {
	hub     Hub
	config  Config
	log     log.Logger
	clients atomic.Int64
}

// Clients returns the number of connected stream clients.
func (h *Handler) Clients() int64 {
	return h.clients.Load()
}

func New(hub Hub, config Config) *Handler {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	h := &Handler{hub: hub, config: config}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "webstream").Value()
	return h
}

type subscriber struct {
	ch      chan position.Fix
	pushed  atomic.Uint64
	skipped atomic.Uint64
}

func (s *subscriber) push(f position.Fix) {
	for {
		select {
		case s.ch <- f:
			s.pushed.Add(1)
			return
		default:
		}
		select {
		case <-s.ch:
			s.skipped.Add(1)
		default:
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the stream outlives the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "")
	h.clients.Add(1)
	defer h.clients.Add(-1)

	key := "ws-" + util.GenUUID()
	logger := h.log
	logger.Context = log.NewContext(h.log.Context).Str("sub", key).Str("remote", r.RemoteAddr).Value()

	ctx := c.CloseRead(r.Context())
	sub := &subscriber{ch: make(chan position.Fix, 1)}
	h.hub.Subscribe(key, sub.push)
	defer h.hub.Unsubscribe(key)
	logger.Debug().Msg("client subscribed")

	if err := h.write(ctx, c, h.hub.Get()); err != nil {
		logger.Debug().Err(err).Msg("initial write failed")
		return
	}

	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Uint64("pushed", sub.pushed.Load()).Uint64("skipped", sub.skipped.Load()).Msg("client gone")
			c.Close(websocket.StatusNormalClosure, "")
			return
		case f := <-sub.ch:
			if err := h.write(ctx, c, f); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, c *websocket.Conn, f position.Fix) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, f)
}
