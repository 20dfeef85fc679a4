package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/chat-relay/internal/config"
	"github.com/npezzotti/chat-relay/internal/logging"
	"github.com/npezzotti/chat-relay/internal/server"
	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/rs/zerolog"
)

// ChatService is the session layer as seen by the HTTP surface.
type ChatService interface {
	server.SessionHandler
	History(ctx context.Context, limit int) ([]types.ChatEvent, error)
	Users() []string
	HistoryLimit() int
}

type RelayApp struct {
	log            zerolog.Logger
	srv            *http.Server
	cs             *server.ChatServer
	chat           ChatService
	allowedOrigins []string
}

func NewRelayApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.ChatServer, chat ChatService, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:            logger,
		cs:             cs,
		chat:           chat,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/messages", s.getMessages)
	mux.HandleFunc("GET /api/users", s.getUsers)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = logging.HTTPMiddleware(logger)(h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RelayApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
