// Package server bridges a dimmer session to HTTP and websocket clients.
// Session callbacks are broadcast to every websocket client as Events and
// commands arrive either as REST calls or websocket messages.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/primiano/light-dimmer-ble/internal/ble"
	"github.com/primiano/light-dimmer-ble/internal/ble/protocol"
	"github.com/primiano/light-dimmer-ble/internal/control"
)

// Event types broadcast to websocket clients.
const (
	EventState          = "state"
	EventConnected      = "connected"
	EventConnectionLost = "connection_lost"
	EventValues         = "values"
	EventError          = "error"
	EventStatus         = "status"
)

// StatusSource reports the session's live state.
type StatusSource interface {
	State() ble.State
	DeviceName() string
	QueueLen() int
}

// Status is the body of GET /api/status and the first websocket message.
type Status struct {
	State  string           `json:"state"`
	Device string           `json:"device,omitempty"`
	Queued int              `json:"queued"`
	Levels control.Snapshot `json:"levels"`
}

// Command is an inbound websocket message.
type Command struct {
	Type    string `json:"type"` // "brightness", "smoothing" or "reset"
	Channel int    `json:"channel"`
	Value   int    `json:"value"`
}

type valueRequest struct {
	Value *int `json:"value"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server implements ble.Listener and ble.ErrorListener by broadcasting to
// its Hub.
type Server struct {
	dimmer *control.Dimmer
	status StatusSource
	hub    *Hub
	log    logrus.FieldLogger
	router chi.Router
}

var (
	_ ble.Listener      = (*Server)(nil)
	_ ble.ErrorListener = (*Server)(nil)
)

// New creates a Server sending commands through dimmer.
func New(dimmer *control.Dimmer, status StatusSource, log logrus.FieldLogger) *Server {
	log = log.WithField("component", "server")
	s := &Server{
		dimmer: dimmer,
		status: status,
		hub:    NewHub(log),
		log:    log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/channels/{channel}/brightness", s.handleChannel(s.dimmer.SetBrightness))
		r.Post("/channels/{channel}/smoothing", s.handleChannel(s.dimmer.SetSmoothing))
		r.Post("/reset", s.handleReset)
	})
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Handler returns the HTTP handler serving the API and websocket.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server: shutdown")
	}
	return nil
}

func (s *Server) snapshot() Status {
	return Status{
		State:  s.status.State().String(),
		Device: s.status.DeviceName(),
		Queued: s.status.QueueLen(),
		Levels: s.dimmer.Levels().Clone(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleChannel(set func(channel, value int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "channel must be an integer")
			return
		}

		var req valueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
			writeError(w, http.StatusBadRequest, "request body must be {\"value\": n}")
			return
		}

		if err := set(channel, *req.Value); err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"channel": channel, "value": *req.Value})
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.dimmer.ResetAll(); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"reset": true})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.hub.add(conn)
	defer s.hub.remove(conn)
	log := s.log.WithField("remote", conn.RemoteAddr())
	log.Debug("websocket client connected")

	if !s.hub.sendTo(conn, Event{Type: EventStatus, Payload: s.snapshot()}) {
		return
	}

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read")
			}
			return
		}
		if err := s.apply(cmd); err != nil {
			if !s.hub.sendTo(conn, errorEvent(err)) {
				return
			}
		}
	}
}

func (s *Server) apply(cmd Command) error {
	switch cmd.Type {
	case "brightness":
		return s.dimmer.SetBrightness(cmd.Channel, cmd.Value)
	case "smoothing":
		return s.dimmer.SetSmoothing(cmd.Channel, cmd.Value)
	case "reset":
		return s.dimmer.ResetAll()
	default:
		return errors.Wrapf(protocol.ErrInvalidArgument, "unknown command type %q", cmd.Type)
	}
}

func (s *Server) OnDeviceConnected(name string) {
	s.hub.Broadcast(Event{Type: EventConnected, Payload: map[string]string{"name": name}})
}

func (s *Server) OnConnectionLost() {
	s.hub.Broadcast(Event{Type: EventConnectionLost})
}

func (s *Server) OnReadValues(values []int) {
	s.hub.Broadcast(Event{Type: EventValues, Payload: map[string][]int{"values": values}})
}

func (s *Server) OnStateChange(message string) {
	s.hub.Broadcast(Event{Type: EventState, Payload: map[string]string{"message": message}})
}

func (s *Server) OnSessionError(err error) {
	s.hub.Broadcast(errorEvent(err))
}

// errorKind classifies err for clients.
func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ble.ErrConfiguration):
		return "configuration"
	case errors.Is(err, ble.ErrProtocol):
		return "protocol"
	case errors.Is(err, ble.ErrLink):
		return "link"
	default:
		return "internal"
	}
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Payload: errorPayload{Kind: errorKind(err), Message: err.Error()}}
}

func writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, protocol.ErrInvalidArgument) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
