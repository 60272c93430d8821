// Package api serves the framepipe control and observability API over HTTPS
// and HTTP/3 from a single mux, plus a WebSocket stream of playback events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framepipe/internal/certs"
	"github.com/zsiec/framepipe/internal/framecache"
	"github.com/zsiec/framepipe/internal/playback"
	"github.com/zsiec/framepipe/internal/prefetch"
	"github.com/zsiec/framepipe/internal/source"
	"github.com/zsiec/framepipe/internal/texture"
)

// Player is the playback surface the API controls.
type Player interface {
	Play() error
	Pause() error
	Stop() error
	Seek(frame int) error
	Stats() playback.PlaybackStats
	Subscribe(fn playback.Listener) *playback.Subscription
}

// ServerConfig wires the API to the running pipeline. Nil stats providers
// answer 501.
type ServerConfig struct {
	Addr   string // HTTPS (TCP)
	H3Addr string // HTTP/3 (UDP)
	Cert   *certs.CertInfo
	Player Player

	CacheStats    func() framecache.Stats
	TextureStats  func() texture.Stats
	PrefetchStats func() prefetch.Stats
	Sources       func() []source.Info

	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the API server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	events *eventHub
}

// NewServer validates config and returns a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Player == nil {
		return nil, errors.New("api: Player is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")
	return &Server{
		config: config,
		log:    log,
		events: newEventHub(log, config.AllowedOrigins),
	}, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/playback", s.handlePlayback)
	mux.HandleFunc("POST /api/playback/play", s.playbackOp(s.config.Player.Play))
	mux.HandleFunc("POST /api/playback/pause", s.playbackOp(s.config.Player.Pause))
	mux.HandleFunc("POST /api/playback/stop", s.playbackOp(s.config.Player.Stop))
	mux.HandleFunc("POST /api/playback/seek", s.handleSeek)
	mux.HandleFunc("GET /api/cache", statsHandler(s.config.CacheStats))
	mux.HandleFunc("GET /api/textures", statsHandler(s.config.TextureStats))
	mux.HandleFunc("GET /api/prefetch", statsHandler(s.config.PrefetchStats))
	mux.HandleFunc("GET /api/sources", statsHandler(s.config.Sources))
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns the API handler shared by both listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener on HTTPS responses.
func altSvcMiddleware(h3Addr string, next http.Handler) http.Handler {
	_, port, err := net.SplitHostPort(h3Addr)
	if err != nil || port == "" || port == "0" {
		return next
	}
	value := fmt.Sprintf(`h3=":%s"; ma=86400`, port)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Alt-Svc", value)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, playback.ErrNoSource), errors.Is(err, playback.ErrEnded):
		return http.StatusConflict
	case errors.Is(err, playback.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Player.Stats())
}

func (s *Server) playbackOp(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			s.log.Debug("playback op failed", "path", r.URL.Path, "error", err)
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.config.Player.Stats())
	}
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	frame, err := strconv.Atoi(r.URL.Query().Get("frame"))
	if err != nil || frame < 0 {
		writeError(w, http.StatusBadRequest, "frame must be a non-negative integer")
		return
	}
	s.playbackOp(func() error { return s.config.Player.Seek(frame) })(w, r)
}

func statsHandler[T any](fn func() T) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if fn == nil {
			writeError(w, http.StatusNotImplemented, "not configured")
			return
		}
		writeJSON(w, http.StatusOK, fn())
	}
}

type certHashResponse struct {
	Hash      string    `json:"hash"`
	Hex       string    `json:"hex"`
	Addr      string    `json:"addr"`
	H3Addr    string    `json:"h3Addr,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:      s.config.Cert.FingerprintBase64(),
		Hex:       s.config.Cert.FingerprintHex(),
		Addr:      s.config.Addr,
		H3Addr:    s.config.H3Addr,
		ExpiresAt: s.config.Cert.NotAfter,
	})
}

// Start runs the HTTPS listener and, when H3Addr is set, the HTTP/3
// listener until ctx is cancelled or either fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	tlsConfig := s.config.Cert.TLSConfig()

	httpsSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           altSvcMiddleware(s.config.H3Addr, handler),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.config.Addr)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.events.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpsSrv.Shutdown(shutdownCtx)
	})

	if s.config.H3Addr != "" {
		h3Srv := &http3.Server{
			Addr:      s.config.H3Addr,
			Handler:   handler,
			TLSConfig: tlsConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
		g.Go(func() error {
			s.log.Info("HTTP/3 API listening", "addr", s.config.H3Addr)
			stop := context.AfterFunc(ctx, func() { h3Srv.Close() })
			defer stop()
			err := h3Srv.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("http3: %w", err)
		})
	}

	return g.Wait()
}
