// Package http serves the admin/API surface: signal ingest, delivery
// accept/reject, broker session management, catalog, watchlists, config and
// the observability endpoints.
package http

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/config"
	"github.com/mtflow/mtflow/internal/interfaces/http/handlers"
	"github.com/mtflow/mtflow/internal/monitoring"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Server is the admin HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	metrics  *monitoring.MetricsRegistry
	config   config.ServerConfig
	apiToken string
	logger   zerolog.Logger
}

// NewServer wires the router, middleware chain and all routes.
func NewServer(cfg config.ServerConfig, apiToken string, h *handlers.Handlers, metrics *monitoring.MetricsRegistry, logger zerolog.Logger) (*Server, error) {
	addr := cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		metrics:  metrics,
		config:   cfg,
		apiToken: apiToken,
		logger:   logger.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Unauthenticated observability surface.
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	// OAuth callback lands without a bearer token; the state parameter
	// carries the link id.
	s.router.HandleFunc("/api/admin/fyers/oauth/exchange", s.handlers.OAuthExchange).Methods("POST")

	api := s.router.PathPrefix("/api/admin").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	// Signal lifecycle.
	api.HandleFunc("/signals", s.handlers.IngestSignal).Methods("POST")
	api.HandleFunc("/signals", s.handlers.ListSignals).Methods("GET")
	api.HandleFunc("/signals/{id}", s.handlers.GetSignal).Methods("GET")
	api.HandleFunc("/signals/{id}/history", s.handlers.SignalHistory).Methods("GET")
	api.HandleFunc("/signals/{id}/publish", s.handlers.PublishSignal).Methods("POST")
	api.HandleFunc("/signals/{id}/cancel", s.handlers.CancelSignal).Methods("POST")
	api.HandleFunc("/signals/stale", s.handlers.MarkStale).Methods("POST")

	// Deliveries and the entry pipeline.
	api.HandleFunc("/deliveries", s.handlers.ListDeliveries).Methods("GET")
	api.HandleFunc("/deliveries/{id}/accept", s.handlers.AcceptDelivery).Methods("POST")
	api.HandleFunc("/deliveries/{id}/reject", s.handlers.RejectDelivery).Methods("POST")
	api.HandleFunc("/intents/{id}", s.handlers.GetIntent).Methods("GET")

	// Trades and exits.
	api.HandleFunc("/trades", s.handlers.ListTrades).Methods("GET")
	api.HandleFunc("/trades/{id}", s.handlers.GetTrade).Methods("GET")
	api.HandleFunc("/trades/{id}/exit", s.handlers.ManualExit).Methods("POST")
	api.HandleFunc("/trades/{id}/exits", s.handlers.ListExits).Methods("GET")

	// Broker registry and link management.
	api.HandleFunc("/brokers", s.handlers.ListBrokers).Methods("GET")
	api.HandleFunc("/user-brokers", s.handlers.ListUserBrokers).Methods("GET")
	api.HandleFunc("/user-brokers", s.handlers.CreateUserBroker).Methods("POST")
	api.HandleFunc("/user-brokers/{id}", s.handlers.DeleteUserBroker).Methods("DELETE")
	api.HandleFunc("/user-brokers/{id}/toggle", s.handlers.ToggleUserBroker).Methods("POST")
	api.HandleFunc("/data-broker", s.handlers.GetDataBroker).Methods("GET")
	api.HandleFunc("/data-broker", s.handlers.SetDataBroker).Methods("POST")
	api.HandleFunc("/brokers/{ubId}/oauth-url", s.handlers.OAuthURL).Methods("GET")
	api.HandleFunc("/brokers/{ubId}/session", s.handlers.GetSession).Methods("GET")
	api.HandleFunc("/brokers/{ubId}/disconnect", s.handlers.Disconnect).Methods("POST")
	api.HandleFunc("/brokers/{ubId}/test-connection", s.handlers.TestConnection).Methods("POST")

	// Strategy configuration.
	api.HandleFunc("/mtf-config", s.handlers.GetGlobalConfig).Methods("GET")
	api.HandleFunc("/mtf-config", s.handlers.PutGlobalConfig).Methods("PUT")
	api.HandleFunc("/mtf-config/symbols", s.handlers.ListSymbolOverrides).Methods("GET")
	api.HandleFunc("/mtf-config/symbols/{sym}", s.handlers.PutSymbolOverride).Methods("PUT")
	api.HandleFunc("/mtf-config/symbols/{sym}", s.handlers.DeleteSymbolOverride).Methods("DELETE")

	// Watchlist hierarchy.
	api.HandleFunc("/watchlist-templates", s.handlers.ListTemplates).Methods("GET")
	api.HandleFunc("/watchlist-templates", s.handlers.CreateTemplate).Methods("POST")
	api.HandleFunc("/watchlist-templates/{id}/symbols", s.handlers.GetTemplateSymbols).Methods("GET")
	api.HandleFunc("/watchlist-templates/{id}/symbols", s.handlers.AddTemplateSymbols).Methods("POST")
	api.HandleFunc("/watchlist-templates/{id}/symbols/{sym}", s.handlers.RemoveTemplateSymbol).Methods("DELETE")
	api.HandleFunc("/watchlist-selected", s.handlers.ListSelected).Methods("GET")
	api.HandleFunc("/watchlist-selected", s.handlers.CreateSelected).Methods("POST")
	api.HandleFunc("/watchlist-selected/{id}", s.handlers.DeleteSelected).Methods("DELETE")
	api.HandleFunc("/watchlist-default", s.handlers.DefaultWatchlist).Methods("GET")
	api.HandleFunc("/watchlist-sync", s.handlers.SyncWatchlists).Methods("POST")
	api.HandleFunc("/watchlist", s.handlers.ListWatchlist).Methods("GET")
	api.HandleFunc("/watchlist", s.handlers.AddWatchlistEntry).Methods("POST")
	api.HandleFunc("/watchlist/{id}", s.handlers.DeleteWatchlistEntry).Methods("DELETE")
	api.HandleFunc("/watchlist/{id}/toggle", s.handlers.ToggleWatchlistEntry).Methods("POST")

	// Portfolios, catalog, events, monitoring.
	api.HandleFunc("/portfolios", s.handlers.ListPortfolios).Methods("GET")
	api.HandleFunc("/portfolios", s.handlers.CreatePortfolio).Methods("POST")
	api.HandleFunc("/instruments/search", s.handlers.SearchInstruments).Methods("GET")
	api.HandleFunc("/instruments/sync", s.handlers.SyncInstruments).Methods("POST")
	api.HandleFunc("/events", s.handlers.TailEvents).Methods("GET")
	api.HandleFunc("/monitoring", s.handlers.MonitoringSnapshot).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		timer := s.metrics.StartRequestTimer(route, r.Method)
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		timer.Stop(strconv.Itoa(wrapper.statusCode))

		s.logger.Info().
			Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing or invalid bearer token"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.Addr()).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() *mux.Router { return s.router }

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
