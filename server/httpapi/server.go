// Package httpapi is the read-only operational surface: template render
// previews, outcome audit lookups, rule listing, health and Prometheus
// metrics. Rule authoring happens elsewhere; this API never mutates the
// rule set.
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
	"github.com/StarZeus/mailrelay/server/templates"
)

// Store is the read-only persistence surface the API serves from.
// *db.Database satisfies it.
type Store interface {
	ListRules(ctx context.Context) ([]*db.FilterRule, error)
	GetRule(ctx context.Context, ruleID int64) (*db.FilterRule, error)
	GetMessage(ctx context.Context, messageID string) (*db.Message, error)
	ListOutcomesByMessage(ctx context.Context, messageID string) ([]*db.Outcome, error)
	Ping(ctx context.Context) error
}

type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        Store
	engine       *templates.Engine
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

func New(store Store, engine *templates.Engine, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        store,
		engine:       engine,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the API server until ctx is cancelled, reporting a fatal
// startup or serve error on errChan.
func Start(ctx context.Context, store Store, engine *templates.Engine, options ServerOptions, errChan chan error) {
	server, err := New(store, engine, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures routes and middleware. Health and metrics sit
// outside the bearer-key check so load balancers and Prometheus can reach
// them; everything under /api/v1 except health requires the key.
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/templates/render", s.handleRenderTemplate).Methods("POST")
	v1.HandleFunc("/outcomes", s.handleListOutcomes).Methods("GET")
	v1.HandleFunc("/rules", s.handleListRules).Methods("GET")
	v1.HandleFunc("/rules/{rule_id:[0-9]+}", s.handleGetRule).Methods("GET")
	v1.HandleFunc("/messages/{message_id}", s.handleGetMessage).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
