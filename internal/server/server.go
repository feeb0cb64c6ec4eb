// Package server contains the HTTP API used by producers to submit messages, and by operators to manage filters and dead-lettered messages.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	sloghttp "github.com/samber/slog-http"

	"github.com/italypaleale/courier/deadletter"
	"github.com/italypaleale/courier/filters"
	"github.com/italypaleale/courier/internal/apiauth"
)

const (
	DefaultBind        = "127.0.0.1:8080"
	DefaultMaxBodySize = 1 << 20

	shutdownTimeout = 5 * time.Second
)

// Sender admits messages for delivery.
type Sender interface {
	Accept(body []byte) error
	Len() int
	Capacity() int
}

// Options for the server.
type Options struct {
	Sender  Sender
	Filters *filters.Store
	// Optional; when nil, the /deadletters routes respond with 404
	DeadLetter deadletter.Store
	// Optional handler for /metrics
	MetricsHandler http.Handler
	// If set, all requests except health checks must be authorized
	Auth apiauth.Method

	// Address to bind to
	Bind string
	// Maximum size of request bodies, in bytes
	MaxBodySize int64
	// If set, the server uses TLS
	TLSConfig *tls.Config
	// If true, the server also accepts HTTP/3 connections on the same port
	// Requires TLSConfig
	HTTP3 bool

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	sender         Sender
	filters        *filters.Store
	deadLetter     deadletter.Store
	metricsHandler http.Handler
	auth           apiauth.Method

	bind        string
	maxBodySize int64
	tlsConfig   *tls.Config
	http3       bool

	log *slog.Logger
}

// New returns a new Server.
func New(opts Options) (*Server, error) {
	if opts.Sender == nil {
		return nil, errors.New("option Sender is required")
	}
	if opts.HTTP3 && opts.TLSConfig == nil {
		return nil, errors.New("option HTTP3 requires TLSConfig")
	}
	if opts.Auth != nil {
		err := opts.Auth.Validate()
		if err != nil {
			return nil, fmt.Errorf("invalid authentication method: %w", err)
		}
	}

	if opts.Filters == nil {
		opts.Filters = filters.NewStore()
	}
	if opts.Bind == "" {
		opts.Bind = DefaultBind
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Server{
		sender:         opts.Sender,
		filters:        opts.Filters,
		deadLetter:     opts.DeadLetter,
		metricsHandler: opts.MetricsHandler,
		auth:           opts.Auth,
		bind:           opts.Bind,
		maxBodySize:    opts.MaxBodySize,
		tlsConfig:      opts.TLSConfig,
		http3:          opts.HTTP3,
		log:            opts.Logger,
	}, nil
}

// Run the server.
// Note this function is blocking, and will return only when the context is canceled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.bind, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) (err error) {
	var h3 *http3.Server
	if s.http3 {
		h3 = &http3.Server{
			Addr:           ln.Addr().String(),
			MaxHeaderBytes: 1 << 20,
			TLSConfig:      http3.ConfigureTLSConfig(s.tlsConfig),
			QUICConfig:     &quic.Config{},
		}
	}

	handler := s.Handler(h3)
	if h3 != nil {
		h3.Handler = handler
	}

	srv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.tlsConfig,
	}

	s.log.InfoContext(ctx, "API server started",
		slog.String("bind", ln.Addr().String()),
		slog.Bool("tls", s.tlsConfig != nil),
		slog.Bool("http3", h3 != nil),
	)

	srvErr := make(chan error, 2)
	go func() {
		// Next call blocks until the server is shut down
		var err error
		if s.tlsConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("error running HTTP server: %w", err)
			return
		}
		srvErr <- nil
	}()
	if h3 != nil {
		go func() {
			err := h3.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, quic.ErrServerClosed) {
				srvErr <- fmt.Errorf("error running HTTP3 server: %w", err)
				return
			}
			srvErr <- nil
		}()
	}

	select {
	case err = <-srvErr:
		// Error running the server
		if err != nil {
			s.shutdown(ctx, srv, h3)
			return err
		}
	case <-ctx.Done():
		// Block until the context is canceled
		// Fallthrough
	}

	s.shutdown(ctx, srv, h3)
	return nil
}

// Handles graceful shutdown
func (s *Server) shutdown(ctx context.Context, srv *http.Server, h3 *http3.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		// Log the error only (could be context canceled)
		s.log.WarnContext(ctx, "API server shutdown error", slog.Any("error", err))
	}

	if h3 != nil {
		err = h3.Shutdown(shutdownCtx)
		if err != nil {
			s.log.WarnContext(ctx, "API HTTP3 server shutdown error", slog.Any("error", err))
		}
	}

	s.log.InfoContext(ctx, "API server stopped")
}

// Handler returns the HTTP handler for the API.
// If h3 is not nil, responses advertise the HTTP/3 endpoint.
func (s *Server) Handler(h3 *http3.Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("POST /send", s.handleSend)

	mux.HandleFunc("GET /filters", s.handleListFilters)
	mux.HandleFunc("POST /filters", s.handleAddFilter)
	mux.HandleFunc("GET /filters/{id}", s.handleGetFilter)
	mux.HandleFunc("DELETE /filters/{id}", s.handleDeleteFilter)

	mux.HandleFunc("GET /deadletters", s.handleListDeadLetters)
	mux.HandleFunc("GET /deadletters/{id}", s.handleGetDeadLetter)
	mux.HandleFunc("DELETE /deadletters/{id}", s.handleDeleteDeadLetter)
	mux.HandleFunc("POST /deadletters/{id}/replay", s.handleReplayDeadLetter)

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	middlewares := []Middleware{
		// Limit the size of request bodies
		middlewareMaxBodySize(s.maxBodySize),
	}
	if h3 != nil {
		middlewares = append(middlewares, middlewareAltSvc(h3.SetQUICHeaders))
	}
	if s.auth != nil {
		middlewares = append(middlewares, middlewareAuth(s.auth, "/healthz"))
	}
	middlewares = append(middlewares,
		// Recover from panics
		sloghttp.Recovery,
		// Log requests
		sloghttp.New(s.log),
	)

	return Use(mux, middlewares...)
}
