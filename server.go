package dash2hls

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

var Version = "v1.0.0"

// Server is the proxy: it serves HLS playlists built from upstream DASH
// manifests and decrypts segments in-flight. All handler state is
// request-scoped except the config, the shared HTTP client and the
// init-segment cache.
type Server struct {
	context.Context
	context.CancelCauseFunc
	*slog.Logger
	config *Config
	client *http.Client

	// upstream init segments are tiny and immutable, cache them per URL
	initCache sync.Map
}

func NewServer(cfg *Config) *Server {
	return &Server{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.FetchTimeout) * time.Second},
	}
}

func (s *Server) handlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /proxy/master/{channel}":         s.master,
		"GET /proxy/playlist/{channel}/{rep}": s.playlist,
		"GET /proxy/init/{channel}":           s.initSegment,
		"GET /proxy/seg/{channel}":            s.segment,
		"GET /proxy/pssh/{channel}":           s.psshInfo,
		"GET /license/{channel}":              s.license,
		"POST /license/{channel}":             s.license,
		"GET /api/info":                       s.info,
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.Context, s.CancelCauseFunc = context.WithCancelCause(ctx)
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = s.Logger.With("listen", s.config.ListenAddr)

	mux := http.NewServeMux()
	for pattern, handler := range s.handlers() {
		mux.HandleFunc(pattern, handler)
	}
	srv := &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return s.Context
		},
	}
	go func() {
		<-s.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.Info("start", "version", Version, "channels", len(s.config.Channels))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	s.CancelCauseFunc(errors.New("stop"))
}
