package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/StarZeus/mailrelay/config"
	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
	"github.com/StarZeus/mailrelay/pkg/retry"
	"github.com/StarZeus/mailrelay/server/actions"
	"github.com/StarZeus/mailrelay/server/httpapi"
	"github.com/StarZeus/mailrelay/server/pipeline"
	"github.com/StarZeus/mailrelay/server/smtpserver"
	"github.com/StarZeus/mailrelay/server/templates"
)

func main() {
	// Initialize with application defaults; the config file and flags are
	// layered on top.
	cfg := config.NewDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	// These flags override values from the config file if set.
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stdout', 'stderr' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn, error (overrides config)")

	fDbHost := flag.String("dbhost", cfg.Database.Host, "Database host (overrides config)")
	fDbPort := flag.Int("dbport", cfg.Database.Port, "Database port (overrides config)")
	fDbUser := flag.String("dbuser", cfg.Database.User, "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", cfg.Database.Password, "Database password (overrides config)")
	fDbName := flag.String("dbname", cfg.Database.Name, "Database name (overrides config)")
	fDbLogQueries := flag.Bool("dblogqueries", cfg.Database.LogQueries, "Log all database queries (overrides config)")

	fStartSMTP := flag.Bool("smtp", cfg.SMTP.Start, "Start the SMTP listener (overrides config)")
	fSMTPAddr := flag.String("smtpaddr", cfg.SMTP.Addr, "SMTP listener address (overrides config)")
	fStartAPI := flag.Bool("httpapi", cfg.HTTPAPI.Start, "Start the HTTP API server (overrides config)")
	fAPIAddr := flag.String("httpapiaddr", cfg.HTTPAPI.Addr, "HTTP API server address (overrides config)")

	fRelayHost := flag.String("relayhost", cfg.Relay.Host, "Outbound SMTP relay host:port (overrides config)")

	flag.Parse()

	if err := config.Load(*configPath, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("Config file %s not found, using defaults and flags", *configPath)
		} else {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}

	// Apply command-line overrides for flags that were explicitly set.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "logoutput":
			cfg.Logging.Output = *fLogOutput
		case "loglevel":
			cfg.Logging.Level = *fLogLevel
		case "dbhost":
			cfg.Database.Host = *fDbHost
		case "dbport":
			cfg.Database.Port = *fDbPort
		case "dbuser":
			cfg.Database.User = *fDbUser
		case "dbpassword":
			cfg.Database.Password = *fDbPassword
		case "dbname":
			cfg.Database.Name = *fDbName
		case "dblogqueries":
			cfg.Database.LogQueries = *fDbLogQueries
		case "smtp":
			cfg.SMTP.Start = *fStartSMTP
		case "smtpaddr":
			cfg.SMTP.Addr = *fSMTPAddr
		case "httpapi":
			cfg.HTTPAPI.Start = *fStartAPI
		case "httpapiaddr":
			cfg.HTTPAPI.Addr = *fAPIAddr
		case "relayhost":
			cfg.Relay.Host = *fRelayHost
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	engine := templates.NewEngine()
	relay := actions.NewRelay(&cfg.Relay)

	sandboxTimeout, err := cfg.Pipeline.GetSandboxTimeout()
	if err != nil {
		logger.Fatal("Invalid sandbox timeout", "error", err)
	}
	backoffBase, err := cfg.Pipeline.GetBackoffBase()
	if err != nil {
		logger.Fatal("Invalid backoff base", "error", err)
	}

	registry := actions.NewRegistry(
		actions.NewForwardExecutor(relay),
		actions.NewWebhookExecutor(),
		actions.NewQueueExecutor(),
		actions.NewScriptExecutor(sandboxTimeout),
		actions.NewTemplateRelayExecutor(relay, engine),
	)

	pipe := pipeline.New(database, registry, retry.BackoffConfig{
		InitialInterval: backoffBase,
		Multiplier:      2.0,
		MaxAttempts:     cfg.Pipeline.GetMaxAttempts(),
	})

	errChan := make(chan error, 2)

	if cfg.SMTP.Start {
		go startSMTPServer(ctx, &cfg, database, pipe, errChan)
	}
	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, database, engine, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}, errChan)
	}

	if !cfg.SMTP.Start && !cfg.HTTPAPI.Start {
		logger.Fatal("Nothing to do: both the SMTP listener and the HTTP API are disabled")
	}

	select {
	case sig := <-signalChan:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errChan:
		logger.Error("Server error", "error", err)
	}

	cancel()

	// Let in-flight actions finish and record their outcomes before the
	// database pool goes away.
	pipe.Wait()
	logger.Info("Shutdown complete")
}

func startSMTPServer(ctx context.Context, cfg *config.Config, database *db.Database, pipe *pipeline.Engine, errChan chan error) {
	backend, err := smtpserver.New(ctx, &cfg.SMTP, database, pipe)
	if err != nil {
		errChan <- fmt.Errorf("failed to create SMTP server: %w", err)
		return
	}

	go func() {
		<-ctx.Done()
		if err := backend.Close(); err != nil {
			logger.Error("Error closing SMTP server", "error", err)
		}
	}()

	if err := backend.Start(); err != nil && ctx.Err() == nil {
		errChan <- fmt.Errorf("SMTP server failed: %w", err)
	}
}
