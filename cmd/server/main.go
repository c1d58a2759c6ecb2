package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/highnoon/showdown/internal/config"
	"github.com/highnoon/showdown/internal/duel"
	"github.com/highnoon/showdown/internal/engine"
	"github.com/highnoon/showdown/internal/gateway"
	"github.com/highnoon/showdown/internal/relay"
	"github.com/highnoon/showdown/internal/timing"
	"github.com/highnoon/showdown/internal/transport"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(getEnv("SHOWDOWN_CONFIG", "showdown.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("port", cfg.Port).
		Bool("relay", cfg.RelayEnabled).
		Msg("starting showdown server")

	// Engine wiring. The fanout is filled in below once the transports
	// exist.
	src := timing.NewSource()
	fanout := &transport.Fanout{}

	engineCfg := engine.Config{
		Duel: duel.Config{
			CountdownStart: cfg.CountdownStart,
			TickInterval:   duel.DefaultTickInterval,
			TriggerDelay: func() time.Duration {
				return src.UniformDelay(cfg.TriggerMin(), cfg.TriggerMax())
			},
			DuelBound: cfg.DuelBound(),
			Grace:     cfg.Grace(),
		},
		ParticipantTTL: cfg.ParticipantTTL(),
		SweepInterval:  cfg.SweepInterval(),
	}
	eng := engine.New(src, engineCfg, fanout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WebSocket push transport
	connectionManager := gateway.NewConnectionManager(eng, gateway.DefaultConnectionConfig())
	fanout.Add(connectionManager)
	go connectionManager.Start(ctx)

	// NATS relay transport, when configured
	if cfg.RelayEnabled {
		relayCfg := relay.DefaultConfig()
		relayCfg.URL = cfg.NATSURL
		relayService, err := relay.New(relayCfg, eng)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create relay service")
		}
		defer relayService.Stop()
		fanout.Add(relayService)
		go func() {
			if err := relayService.Start(ctx); err != nil {
				log.Error().Err(err).Msg("relay service failed")
			}
		}()
	}

	// Background reclamation
	sweeper, err := eng.StartSweeper()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer func() {
		if err := sweeper.Shutdown(); err != nil {
			log.Error().Err(err).Msg("sweeper shutdown failed")
		}
	}()

	// HTTP surface: polling API plus the WebSocket upgrade endpoint
	mux := http.NewServeMux()
	gateway.NewHandler(eng).RegisterRoutes(mux)
	wsHandler := gateway.NewWebSocketHandler(connectionManager)
	mux.HandleFunc("/ws/duel", wsHandler.HandleDuelConnection)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws/stats", func(w http.ResponseWriter, r *http.Request) {
		participants, connections := connectionManager.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"bound_participants":%d,"connections":%d}`, participants, connections)
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", server.Addr).Msg("failed to listen")
	}
	listener = netutil.LimitListener(listener, cfg.MaxConns)

	go func() {
		log.Info().Str("addr", server.Addr).Int("max_conns", cfg.MaxConns).Msg("HTTP server starting")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("showdown server shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
