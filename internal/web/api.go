package web

import (
	"context"
	_ "embed"
	"errors"
	"html/template"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"nuha.dev/gpsmap/internal/position"
	"nuha.dev/gpsmap/internal/relay"
	"nuha.dev/gpsmap/internal/util"
)

//go:embed assets/index.html
var indexHTML string

var indexTmpl = template.Must(template.New("index").Parse(indexHTML))

const maxUpdateBody = 1 << 16

type Hub interface {
	Get() position.Fix
	Put(ctx context.Context, f position.Fix)
}

type Config struct {
	ListenAddr string
	// APIKey and APIKeyHash guard /update. Both empty disables the check.
	APIKey        string
	APIKeyHash    string
	AcceptUpdates bool
	ProxyProtocol bool
	PollInterval  time.Duration
	Zoom          int
	AccessLog     io.Writer
}

type Server struct {
	r        chi.Router
	s        *http.Server
	hub      Hub
	config   Config
	validate *validator.Validate
	log      log.Logger
	now      func() time.Time
}

// NewServer builds the HTTP surface. stream serves /ws and may be nil.
func NewServer(hub Hub, stream http.Handler, config Config) *Server {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.Zoom <= 0 {
		config.Zoom = 16
	}
	s := &Server{hub: hub, config: config, validate: validator.New(), now: time.Now}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "api").Value()

	access := zerolog.Nop()
	if config.AccessLog != nil {
		access = zerolog.New(config.AccessLog).With().Timestamp().Str("module", "access").Logger()
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", relay.HeaderAPIKey, relay.HeaderSource},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Group(func(r chi.Router) {
		r.Use(hlog.NewHandler(access))
		r.Use(hlog.RemoteAddrHandler("ip"))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("")
		}))
		r.Get("/", s.index)
		r.Get("/pos", s.pos)
		r.Get("/health", s.health)
		if config.AcceptUpdates {
			r.With(s.api_key_verify).Post("/update", s.update)
		}
	})
	if stream != nil {
		r.Get("/ws", stream.ServeHTTP)
	}
	s.r = r

	s.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is done, then shuts down with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	s.log.Info().Str("addr", ln.Addr().String()).Bool("updates", s.config.AcceptUpdates).Msg("listening")

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.s.Shutdown(sctx); err != nil {
			s.log.Warn().Err(err).Msg("shutdown")
		}
	}()

	err = s.s.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

type indexData struct {
	PollMs int64
	Zoom   int
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTmpl.Execute(w, indexData{PollMs: s.config.PollInterval.Milliseconds(), Zoom: s.config.Zoom})
	if err != nil {
		s.log.Error().Err(err).Msg("render index")
	}
}

func (s *Server) pos(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	util.JsonWrite(w, s.hub.Get())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	text(w, http.StatusOK, "ok")
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBody))
	if err != nil {
		text(w, http.StatusBadRequest, reasonBadJSON)
		return
	}
	if err := s.ApplyUpdate(r.Context(), body); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			s.log.Debug().Err(err).Str("source", r.Header.Get(relay.HeaderSource)).Msg("rejected update")
			text(w, http.StatusBadRequest, ve.Reason)
			return
		}
		s.log.Error().Err(err).Msg("update failed")
		text(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	text(w, http.StatusOK, "ok")
}

func (s *Server) api_key_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" && s.config.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(relay.HeaderAPIKey)
		if !util.KeyMatches(key, s.config.APIKey, s.config.APIKeyHash) {
			err := &AuthError{Present: key != ""}
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected update")
			text(w, http.StatusForbidden, http.StatusText(http.StatusForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func text(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, msg)
}
