// Package server is the HTTP surface shared by the agent and webhook
// commands: health endpoints plus optional bearer-protected /api routes.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/taskbot/pkg/cerr"
	"github.com/kazz187/taskbot/pkg/clog"
)

type Server struct {
	server *http.Server
	addr   string
	apiKey string
	health *grpchealth.StaticChecker
	mounts []func(chi.Router)
}

// New builds a server listening on host:port. Each mount function receives
// the /api router; /api requires "Authorization: Bearer <apiKey>".
func New(host, port, apiKey string, health *grpchealth.StaticChecker, mounts ...func(chi.Router)) *Server {
	if health == nil {
		health = grpchealth.NewStaticChecker()
	}
	s := &Server{
		addr:   net.JoinHostPort(host, port),
		apiKey: apiKey,
		health: health,
		mounts: mounts,
	}
	s.server = &http.Server{Addr: s.addr, Handler: s.Handler()}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(clog.SlogChiMiddleware())
		for _, mount := range s.mounts {
			mount(r)
		}
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.WriteJSONError(r.Context(), w, cerr.NewError(cerr.NotFound, "not found", nil))
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{checker: s.health})
	mux.Handle("/api/", r)
	mux.Handle(grpchealth.NewHandler(s.health))

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{})
}

// ListenAndServe serves until Shutdown. ctx is the base context of every
// request. After Shutdown it returns http.ErrServerClosed at once.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server.BaseContext = func(_ net.Listener) context.Context { return ctx }
	slog.InfoContext(ctx, "starting server", "addr", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthChecker answers 200 while serving and 503 otherwise, e.g. during drain.
type HealthChecker struct {
	checker *grpchealth.StaticChecker
}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := hc.checker.Check(r.Context(), &grpchealth.CheckRequest{})
	if err != nil || resp.Status != grpchealth.StatusServing {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			cerr.WriteJSONError(r.Context(), w, cerr.NewError(cerr.Unauthenticated, "unauthorized", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
