package webstream

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/gpsmap/internal/hub"
	"nuha.dev/gpsmap/internal/position"
)

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestStreamSendsCurrentThenUpdates(t *testing.T) {
	h, err := hub.New(position.NewStore())
	if err != nil {
		t.Fatal(err)
	}
	h.Put(context.Background(), position.Fix{Lat: position.FloatPtr(1), Lon: position.FloatPtr(2), Mode: 2})

	srv := httptest.NewServer(New(h, Config{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dial(t, ctx, srv.URL)
	defer c.Close(websocket.StatusNormalClosure, "")

	var got position.Fix
	if err := wsjson.Read(ctx, c, &got); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if got.Lat == nil || *got.Lat != 1 || got.Mode != 2 {
		t.Fatalf("initial fix %+v", got)
	}

	h.Put(context.Background(), position.Fix{Lat: position.FloatPtr(3), Lon: position.FloatPtr(4), Mode: 3})
	got = position.Fix{}
	if err := wsjson.Read(ctx, c, &got); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if got.Lat == nil || *got.Lat != 3 || got.Mode != 3 {
		t.Fatalf("update fix %+v", got)
	}
}

func TestStreamEmptyStore(t *testing.T) {
	h, err := hub.New(position.NewStore())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(h, Config{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dial(t, ctx, srv.URL)
	defer c.Close(websocket.StatusNormalClosure, "")

	_, msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := `{"lat":null,"lon":null,"mode":0,"time":null,"updated_at":null}`
	if strings.TrimSpace(string(msg)) != want {
		t.Fatalf("initial=%s want %s", msg, want)
	}
}

func TestSubscriberKeepsLatest(t *testing.T) {
	s := &subscriber{ch: make(chan position.Fix, 1)}
	for i := 1; i <= 5; i++ {
		s.push(position.Fix{Mode: i})
	}
	if f := <-s.ch; f.Mode != 5 {
		t.Fatalf("pending mode=%d want 5", f.Mode)
	}
	if n := s.skipped.Load(); n != 4 {
		t.Fatalf("skipped=%d want 4", n)
	}
}

func TestUnsubscribeOnDisconnect(t *testing.T) {
	fh := &countingHub{}
	srv := httptest.NewServer(New(fh, Config{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dial(t, ctx, srv.URL)
	if _, _, err := c.Read(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}
	c.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fh.count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscription leaked after disconnect")
}

type countingHub struct {
	mu   sync.Mutex
	subs map[string]func(position.Fix)
}

func (h *countingHub) Get() position.Fix { return position.Fix{} }

func (h *countingHub) Subscribe(key string, fn func(position.Fix)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[string]func(position.Fix){}
	}
	h.subs[key] = fn
}

func (h *countingHub) Unsubscribe(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, key)
}

func (h *countingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
