// Package smtpserver is the ingestion edge: a standards-compliant SMTP
// listener that parses, persists and hands every accepted message to the
// filtering pipeline.
package smtpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/StarZeus/mailrelay/config"
	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
	"github.com/StarZeus/mailrelay/server/pipeline"
)

// MessageStore is the persistence surface a session needs. *db.Database
// satisfies it.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *db.Message) error
}

type Backend struct {
	addr           string
	hostname       string
	appCtx         context.Context
	store          MessageStore
	engine         *pipeline.Engine
	server         *smtp.Server
	tlsConfig      *tls.Config
	useTLS         bool
	maxMessageSize int64
	authOptional   bool
	debug          bool

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(appCtx context.Context, cfg *config.SMTPConfig, store MessageStore, engine *pipeline.Engine) (*Backend, error) {
	backend := &Backend{
		addr:           cfg.Addr,
		hostname:       cfg.Hostname,
		appCtx:         appCtx,
		store:          store,
		engine:         engine,
		useTLS:         cfg.TLS,
		maxMessageSize: cfg.GetMaxMessageSize(),
		authOptional:   cfg.GetAuthOptional(),
		debug:          cfg.Debug,
	}

	if cfg.TLS {
		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS enabled for SMTP but no tls_cert_file/tls_key_file provided")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.Hostname,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Hostname
	s.MaxMessageBytes = backend.maxMessageSize
	s.MaxRecipients = 100
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute
	s.AllowInsecureAuth = true
	s.TLSConfig = backend.tlsConfig
	if cfg.Debug {
		s.Debug = os.Stdout
	}
	backend.server = s

	return backend, nil
}

// Start blocks serving SMTP until the listener is closed.
func (b *Backend) Start() error {
	logger.Info("SMTP listener starting", "addr", b.addr, "hostname", b.hostname, "tls", b.useTLS)
	if b.useTLS {
		return b.server.ListenAndServeTLS()
	}
	return b.server.ListenAndServe()
}

// Close stops accepting connections and closes the active ones.
func (b *Backend) Close() error {
	return b.server.Close()
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.totalConnections.Add(1)
	b.activeConnections.Add(1)

	remote := ""
	if c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	logger.Debug("SMTP connection accepted", "remote", remote, "active", b.activeConnections.Load())

	return &session{
		backend: b,
		remote:  remote,
	}, nil
}
