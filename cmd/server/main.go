package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/chat-relay/internal/api"
	"github.com/npezzotti/chat-relay/internal/config"
	"github.com/npezzotti/chat-relay/internal/database"
	"github.com/npezzotti/chat-relay/internal/logging"
	"github.com/npezzotti/chat-relay/internal/presence"
	"github.com/npezzotti/chat-relay/internal/server"
	"github.com/npezzotti/chat-relay/internal/session"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	bootLog := logging.New(logging.Config{Level: "info", Service: "chat-relay"})

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}

	var allowedOrigins stringSliceFlag
	flag.StringVar(&cfg.ServerAddr, "addr", cfg.ServerAddr, "server address (host:port)")
	flag.StringVar(&cfg.StoreDriver, "store-driver", cfg.StoreDriver, "message store driver: badger or postgres")
	flag.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "badger data directory")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "postgres connection string")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS and websocket upgrades")
	flag.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "number of events replayed to a new session")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human readable console logs")
	flag.Parse()

	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	if err := cfg.Validate(); err != nil {
		bootLog.Fatal().Err(err).Msg("config")
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "chat-relay",
	})
	logging.BridgeStdlog(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exiting")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	store, err := database.NewEventStore(cfg.StoreDriver, cfg.StorePath, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Initialize(initCtx)
	cancelInit()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatServer := server.NewChatServer(logger, statsUpdater)
	coordinator := session.NewCoordinator(logger, store, presence.NewRegistry(), chatServer, statsUpdater, cfg.HistoryLimit)
	srv := api.NewRelayApp(mux, logger, chatServer, coordinator, cfg)

	logger.Info().
		Str("addr", cfg.ServerAddr).
		Str("store_driver", cfg.StoreDriver).
		Str("store_path", cfg.StorePath).
		Int("history_limit", cfg.HistoryLimit).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("chat relay ready, websocket endpoint at /ws")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server")
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
