package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openacd/controlplane/internal/agent"
	"github.com/openacd/controlplane/internal/client"
	"github.com/openacd/controlplane/internal/config"
	"github.com/openacd/controlplane/internal/contact"
	"github.com/openacd/controlplane/internal/engine"
	"github.com/openacd/controlplane/internal/external"
	"github.com/openacd/controlplane/internal/metrics"
	"github.com/openacd/controlplane/internal/push"
	"github.com/openacd/controlplane/internal/store"
	"github.com/openacd/controlplane/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Str("store_mode", string(cfg.StoreMode)).
		Str("log_level", cfg.LogLevel).
		Msg("starting ACD control plane")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Record store
	tables := store.Tables(cfg)
	var db store.Store
	var memory *store.MemoryStore
	var dynamo *store.DynamoStore
	if cfg.StoreMode == config.StoreModeMemory {
		memory = store.NewMemoryStore(tables)
		db = memory
	} else {
		dynamo, err = store.NewDynamoStore(ctx, cfg, tables, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize store")
		}
		db = dynamo
	}

	// Domain stores
	agents := agent.NewStore(db, cfg.AgentsTable, log.Logger)
	contacts := contact.NewStore(db, cfg.ContactsTable, cfg.ContactTTL, log.Logger)
	clients := client.NewRegistry(db, cfg.ClientsTable, agents, cfg.ClientTTL, log.Logger)
	counters := metrics.NewCounters(db, cfg.MetricsTable, log.Logger)

	// Push hub
	hub := push.NewHub(log.Logger)
	go hub.Run()

	// External collaborators
	api := external.NewClient(cfg.APIBaseURL, cfg.APIToken, log.Logger)

	// Matching engine
	eng := engine.New(engine.Deps{
		Agents:    agents,
		Contacts:  contacts,
		Clients:   clients,
		Counters:  counters,
		Cases:     external.NewCaseService(api),
		Inbound:   external.NewInboundService(api),
		Transfers: external.NewTransferService(api),
		Sender:    hub,
	}, cfg, log.Logger)
	go eng.RunCommands(ctx)

	// Metrics aggregator on the store's change feed
	agg := metrics.NewAggregator(counters, clients, hub, eng, log.Logger)
	if memory != nil {
		memory.Watch(cfg.AgentsTable, agg.HandleAgentChanges)
		memory.Watch(cfg.ContactsTable, agg.HandleContactChanges)
	} else {
		streams, err := store.NewStreamsClient(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize streams client")
		}
		agentPoller := store.NewStreamPoller(dynamo.Client(), streams, cfg.AgentsTable, agg.HandleAgentChanges, log.Logger)
		contactPoller := store.NewStreamPoller(dynamo.Client(), streams, cfg.ContactsTable, agg.HandleContactChanges, log.Logger)
		go agentPoller.Run(ctx)
		go contactPoller.Run(ctx)
	}

	// HTTP surface
	actionHandler := engine.NewActionHandler(eng, log.Logger)
	wsHandler := push.NewHandler(hub, cfg, eng.HandleMessage, log.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", healthHandler)
	r.Post("/actions", actionHandler.ServeHTTP)
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop pollers and the command worker
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"acd-controlplane"}`)
}
