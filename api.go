package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const apiCommandTimeout = 25 * time.Second

type commandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// newRouter serves metrics, health, the status board and the command API.
func newRouter(sink CommandSink, board *StatusBoard, registry *prometheus.Registry, logger zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", createMetricsHandler(registry)).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/nodes", board.ServeNodes).Methods(http.MethodGet)
	r.HandleFunc("/notices", board.ServeNotices).Methods(http.MethodGet)
	r.HandleFunc("/ws", board.ServeStream).Methods(http.MethodGet)

	panels := r.PathPrefix("/panels/{panel:[0-9]+}").Subrouter()
	panels.HandleFunc("/circuits/{circuit}/relay", commandHandler(sink, CommandSetRelay, logger)).Methods(http.MethodPost)
	panels.HandleFunc("/circuits/{circuit}/priority", commandHandler(sink, CommandSetPriority, logger)).Methods(http.MethodPost)
	panels.HandleFunc("/reset", commandHandler(sink, CommandReset, logger)).Methods(http.MethodPost)

	accessLog := logger.With().Str("component", "http").Logger()
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.LoggingHandler(accessLog, r))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Debug().Err(err).Msg("Failed to write health check response")
	}
}

func commandHandler(sink CommandSink, kind CommandKind, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		cmd := Command{ID: uuid.NewString(), Kind: kind, CircuitID: vars["circuit"]}

		panel, err := strconv.Atoi(vars["panel"])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, commandResponse{CommandID: cmd.ID, Status: "rejected", Error: err.Error()})
			return
		}
		cmd.Address = NodeAddress{Panel: panel, Kind: KindCircuit}
		if kind == CommandReset {
			cmd.Address.Kind = KindBreakerPanel
		}

		if kind != CommandReset {
			cmd.Value, err = parseCommandValue(kind, r.FormValue("value"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, commandResponse{CommandID: cmd.ID, Status: "rejected", Error: err.Error()})
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), apiCommandTimeout)
		defer cancel()

		logger.Info().
			Str("command_id", cmd.ID).
			Str("command", kind.String()).
			Int("panel", panel).
			Str("circuit", cmd.CircuitID).
			Int("value", cmd.Value).
			Msg("Command received")

		if err := sink.Dispatch(ctx, cmd); err != nil {
			writeJSON(w, commandErrorStatus(err), commandResponse{CommandID: cmd.ID, Status: "failed", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{CommandID: cmd.ID, Status: "ok"})
	}
}

func commandErrorStatus(err error) int {
	var transportErr *TransportError
	switch {
	case errors.Is(err, ErrInvalidCommandValue):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownPanel), errors.Is(err, ErrUnknownCircuit):
		return http.StatusNotFound
	case errors.Is(err, ErrPanelStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
