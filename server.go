package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"i4.energy/across/cellmqtt/modem"
)

// Outbox accepts messages for transmission over the cellular session.
type Outbox interface {
	Enqueue(suffix, payload string) error
	Pending() int
}

// Server exposes the modem status and an outbound queue over HTTP
type Server struct {
	Logger *slog.Logger
	Driver modem.Driver
	Outbox Outbox
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	s.sendJSON(w, resp, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleStatus reports what the driver currently knows about the modem
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		modem.Status
		Variant     modem.Variant `json:"variant"`
		NetworkTime *time.Time    `json:"network_time,omitempty"`
		Pending     int           `json:"pending"`
	}

	resp := StatusResponse{
		Status:  s.Driver.Status(),
		Variant: s.Driver.Variant(),
		Pending: s.Outbox.Pending(),
	}
	if clock, err := s.Driver.Time(); err == nil {
		t := clock.Time(time.UTC)
		resp.NetworkTime = &t
	}
	s.sendJSON(w, resp, http.StatusOK)
}

// handlePublish queues a message for the next supervision round
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	type PublishRequest struct {
		Topic   string `json:"topic"`
		Payload string `json:"payload"`
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Payload == "" {
		s.sendError(w, "'payload' field is required", http.StatusBadRequest)
		return
	}

	err := s.Outbox.Enqueue(req.Topic, req.Payload)
	switch {
	case errors.Is(err, modem.ErrInvalidPayload):
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrOutboxFull):
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.Logger.Error("Failed to queue message", "error", err, "topic", req.Topic)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("Message queued", "topic", req.Topic, "length", len(req.Payload))
	w.WriteHeader(http.StatusAccepted)
}
