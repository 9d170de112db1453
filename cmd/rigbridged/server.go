package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rigbridge/rigbridge/internal/device"
	"github.com/rigbridge/rigbridge/internal/rtc"
	"github.com/rigbridge/rigbridge/internal/serialcmd"
)

// signalMessage is the SDP exchange payload: the browser POSTs an offer
// and receives the answer, keyed by session id for renegotiation.
type signalMessage struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type commandRequest struct {
	Payload         string `json:"payload"`
	ExpectsResponse bool   `json:"expects_response"`
}

type commandResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

type server struct {
	logger  *slog.Logger
	manager *rtc.Manager
	queue   *serialcmd.Queue
}

func newServer(manager *rtc.Manager, queue *serialcmd.Queue) *server {
	return &server{
		logger:  slog.Default().With("component", "http server"),
		manager: manager,
		queue:   queue,
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /signal", s.handleSignal)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /devices", s.handleDevices)
	return mux
}

func (s *server) handleSignal(w http.ResponseWriter, r *http.Request) {
	requestLogger := s.logger.WithGroup("request").With(
		"requestUUID", uuid.New().String(),
	)
	requestLogger.Debug("new incoming session offer")

	var msg signalMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		requestLogger.Error("error while decoding session offer from JSON", "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	offer := webrtc.SessionDescription{
		SDP:  msg.SDP,
		Type: webrtc.NewSDPType(msg.Type),
	}
	answer, sessionID, err := s.manager.ProcessOffer(msg.SessionID, offer)
	if err != nil {
		requestLogger.Error("error while processing offer", "err", err)
		if errors.Is(err, rtc.ErrNegotiationFailed) || errors.Is(err, rtc.ErrInvalidTransition) {
			w.WriteHeader(http.StatusBadRequest)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	requestLogger.Debug("sending answer", "session uuid", sessionID)
	writeJSON(w, signalMessage{
		SDP:       answer.SDP,
		Type:      answer.Type.String(),
		SessionID: sessionID.String(),
	})
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	pending, err := s.queue.Enqueue([]byte(req.Payload), req.ExpectsResponse)
	if err != nil {
		s.logger.Warn("command rejected", "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(commandResponse{Error: err.Error()})
		return
	}

	select {
	case result := <-pending.Result():
		if result.Err != nil {
			writeJSON(w, commandResponse{Error: result.Err.Error()})
			return
		}
		writeJSON(w, commandResponse{Response: string(result.Response)})
	case <-r.Context().Done():
		w.WriteHeader(http.StatusRequestTimeout)
	}
}

func (s *server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	inputs, err := device.ListInputDevices()
	if err != nil {
		s.logger.Warn("failed to list input devices", "err", err)
	}
	outputs, err := device.ListOutputDevices()
	if err != nil {
		s.logger.Warn("failed to list output devices", "err", err)
	}
	ports, err := serialcmd.ListPorts()
	if err != nil {
		s.logger.Warn("failed to list serial ports", "err", err)
	}

	writeJSON(w, map[string]any{
		"inputs":       inputs,
		"outputs":      outputs,
		"serial_ports": ports,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// runHTTPServer serves until ctx is canceled, then shuts down
// gracefully.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
