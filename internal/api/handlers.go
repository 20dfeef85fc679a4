package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chat-relay/internal/server"
	"github.com/rs/zerolog"
)

type UsersResponse struct {
	Users []string `json:"users"`
}

func (s *RelayApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *RelayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// getMessages returns the most recent events, oldest first. limit defaults to
// and is capped at the configured history limit.
func (s *RelayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	limit := s.chat.HistoryLimit()

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	events, err := s.chat.History(r.Context(), limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("load history")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, events)
}

func (s *RelayApp) getUsers(w http.ResponseWriter, r *http.Request) {
	users := s.chat.Users()
	if users == nil {
		users = []string{}
	}
	s.writeJson(w, http.StatusOK, UsersResponse{Users: users})
}

func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("upgrade connection")
		return
	}

	client, err := server.NewClient(conn, s.cs, s.chat, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("create client")
		conn.Close()
		return
	}

	if err := s.cs.ServeClient(client); err != nil {
		s.log.Warn().Err(err).Msg("reject connection")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
	}
}
