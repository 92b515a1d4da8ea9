// Package main provides the gambit match server. It accepts WebSocket
// clients, pairs them into two-party sessions by join code, and relays their
// actions and chat.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gambit/internal/config"
	"github.com/cory-johannsen/gambit/internal/frontend/handlers"
	"github.com/cory-johannsen/gambit/internal/frontend/ws"
	"github.com/cory-johannsen/gambit/internal/health"
	"github.com/cory-johannsen/gambit/internal/match/broadcast"
	"github.com/cory-johannsen/gambit/internal/match/coordinator"
	"github.com/cory-johannsen/gambit/internal/match/ident"
	"github.com/cory-johannsen/gambit/internal/match/presence"
	"github.com/cory-johannsen/gambit/internal/match/store"
	"github.com/cory-johannsen/gambit/internal/observability"
	"github.com/cory-johannsen/gambit/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses defaults and environment")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before configuration when present")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("loading %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			log.Fatalf("printing config: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting gambit",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.Bool("grpc_health", cfg.Health.Enabled()),
	)

	codes, err := ident.NewCodeGenerator(ident.CryptoSource(), cfg.Session.CodeAlphabet, cfg.Session.CodeLength)
	if err != nil {
		logger.Fatal("building join code generator", zap.Error(err))
	}
	logger.Info("join codes configured",
		zap.Int("length", cfg.Session.CodeLength),
		zap.Int("space", codes.Space()),
	)

	// Match core
	registry := presence.NewRegistry()
	sessions := store.New(ident.UUID(), nil)
	gateway := broadcast.NewGateway(registry, sessions, logger)
	coord := coordinator.New(registry, sessions, gateway, codes, ident.UUID(), cfg.Session.CodeAttempts, logger)

	sessionHandler := handlers.NewSessionHandler(coord, handlers.Options{
		MaxChatLength:      cfg.Session.MaxChatLength,
		MaxFramesPerSecond: cfg.HTTP.MaxFramesPerSecond,
		IdleTimeout:        cfg.HTTP.IdleTimeout,
		IdleGracePeriod:    cfg.HTTP.IdleGracePeriod,
	}, logger)

	checker := health.NewChecker(cfg.Server.Name)
	acceptor := ws.NewAcceptor(cfg.HTTP, sessionHandler, checker, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger, cfg.HTTP.WriteTimeout+5*time.Second)

	if cfg.Health.Enabled() {
		grpcHealth := health.NewServer(cfg.Health.Addr(), checker, logger)
		lifecycle.Add("grpc-health", &server.FuncService{
			StartFn: grpcHealth.ListenAndServe,
			StopFn:  grpcHealth.Stop,
		})
	}

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn: func() {
			checker.SetServing(false)
			acceptor.Stop()
		},
	})

	lifecycle.OnShutdown(func() {
		stats := coord.Stats()
		logger.Info("final match stats",
			zap.Int("connections", stats.Connections),
			zap.Int("bound", stats.Bound),
			zap.Int("sessions", stats.Sessions),
			zap.Int("waiting", stats.ByStatus[store.StatusWaiting]),
			zap.Int("active", stats.ByStatus[store.StatusActive]),
			zap.Int("completed", stats.ByStatus[store.StatusCompleted]),
			zap.Int("abandoned", stats.ByStatus[store.StatusAbandoned]),
		)
	})

	logger.Info("gambit initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("grpc_health_addr", cfg.Health.Addr()),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
