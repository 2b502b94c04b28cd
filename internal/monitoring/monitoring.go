package monitoring

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/gpsmap/internal/util"
)

// StatusFunc reports the current status of one component.
type StatusFunc func() interface{}

type MonitoringServer struct {
	server *http.Server
	mu     sync.Mutex
	status map[string]StatusFunc
	log    log.Logger
}

type MonitoringConfig struct {
	ListenAddr string
}

func NewMonApi(config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{status: map[string]StatusFunc{}}
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        m.GetHandler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	return m
}

func (m *MonitoringServer) Register(name string, fn StatusFunc) {
	m.mu.Lock()
	m.status[name] = fn
	m.mu.Unlock()
}

func (m *MonitoringServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(sctx)
	}()
	m.log.Info().Str("addr", m.server.Addr).Msg("monitoring listening")
	err := m.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	res := make(map[string]interface{}, len(m.status))
	for name, fn := range m.status {
		res[name] = fn()
	}
	m.mu.Unlock()
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return http.HandlerFunc(m.serve_http)
}
