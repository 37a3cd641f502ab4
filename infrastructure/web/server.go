// Package web serves the calibration control panel: a JSON status endpoint and
// a websocket that accepts commands and streams progress.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Skryldev/evenodd-lab/domain/model"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Controller is what the panel drives
type Controller interface {
	StartAutoCalibration() (sessionID string, started bool)
	CancelCalibration()
	Status() model.Snapshot
	SetTimingOffset(ns int64) error
	SetFlipEvenOdd(flip bool)
	SetVSyncFrameOffset(frames int) error
	SetView(view model.ColorSpace) error
	StartStress(workers int) error
	StopStress()
}

// WSMessage is a command sent by the panel
type WSMessage struct {
	Action string `json:"action"` // start, cancel, status, set_offset, flip, vsync_offset, view, stress_start, stress_stop

	OffsetNs *int64           `json:"offset_ns,omitempty"`
	Flip     *bool            `json:"flip,omitempty"`
	Frames   *int             `json:"frames,omitempty"`
	View     model.ColorSpace `json:"view,omitempty"`
	Workers  int              `json:"workers,omitempty"`
}

// WSResponse is sent to the panel
type WSResponse struct {
	Type      string           `json:"type"` // status, progress, started, ignored, error
	SessionID string           `json:"session_id,omitempty"`
	Status    *model.Snapshot  `json:"status,omitempty"`
	Update    *progress.Update `json:"update,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// Server implements progress.Reporter by broadcasting every update to all panels
type Server struct {
	ctrl     Controller
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan WSResponse
	closed bool
}

// trySend queues resp without blocking; false means it was dropped
func (c *client) trySend(resp WSResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- resp:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// NewServer creates a control panel for ctrl
func NewServer(ctrl Controller, log *logger.Logger) (*Server, error) {
	if ctrl == nil {
		return nil, pkgerrors.NewValidationError("controller", nil, "controller is required")
	}
	return &Server{
		ctrl: ctrl,
		log:  logger.OrDefault(log).Named("web"),
		upgrader: websocket.Upgrader{
			// the panel is served from the rig itself on a local network
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control panel listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return pkgerrors.NewTransportError(addr, "control panel stopped", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeClients()
	if err != nil {
		return pkgerrors.NewTransportError(addr, "shutdown control panel", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return pkgerrors.NewTransportError(addr, "control panel stopped", err)
	}
	return nil
}

// Report implements progress.Reporter. It never blocks: a panel that
// cannot keep up misses updates.
func (s *Server) Report(u progress.Update) {
	s.broadcast(WSResponse{Type: "progress", SessionID: u.SessionID, Update: &u})
}

// Clients returns the number of connected panels
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) broadcast(resp WSResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.trySend(resp)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ctrl.Status()); err != nil {
		s.log.Warn("encode status failed", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan WSResponse, sendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("panel connected", zap.String("remote", r.RemoteAddr))

	go s.writeLoop(c)

	status := s.ctrl.Status()
	c.trySend(WSResponse{Type: "status", Status: &status})

	s.readLoop(c)

	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()
	s.log.Debug("panel disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for resp := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			s.log.Debug("websocket write deadline failed", zap.Error(err))
			return
		}
		if err := c.conn.WriteJSON(resp); err != nil {
			s.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err != nil {
		s.log.Debug("websocket close failed", zap.Error(err))
	}
}

func (s *Server) readLoop(c *client) {
	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if !c.trySend(s.dispatch(msg)) {
			s.log.Warn("panel send buffer full, dropping reply", zap.String("action", msg.Action))
		}
	}
}

func (s *Server) dispatch(msg WSMessage) WSResponse {
	var err error
	switch msg.Action {
	case "start":
		id, ok := s.ctrl.StartAutoCalibration()
		if !ok {
			return WSResponse{Type: "ignored", Message: "calibration already running or view is not rgb"}
		}
		s.log.Info("calibration started from panel", zap.String("session_id", id))
		return WSResponse{Type: "started", SessionID: id}
	case "cancel":
		s.ctrl.CancelCalibration()
	case "status":
	case "set_offset":
		if msg.OffsetNs == nil {
			return errorResponse(pkgerrors.NewValidationError("offset_ns", nil, "required"))
		}
		err = s.ctrl.SetTimingOffset(*msg.OffsetNs)
	case "flip":
		if msg.Flip == nil {
			return errorResponse(pkgerrors.NewValidationError("flip", nil, "required"))
		}
		s.ctrl.SetFlipEvenOdd(*msg.Flip)
	case "vsync_offset":
		if msg.Frames == nil {
			return errorResponse(pkgerrors.NewValidationError("frames", nil, "required"))
		}
		err = s.ctrl.SetVSyncFrameOffset(*msg.Frames)
	case "view":
		err = s.ctrl.SetView(msg.View)
	case "stress_start":
		err = s.ctrl.StartStress(msg.Workers)
	case "stress_stop":
		s.ctrl.StopStress()
	default:
		return WSResponse{Type: "error", Message: "unknown action " + msg.Action}
	}
	if err != nil {
		return errorResponse(err)
	}
	status := s.ctrl.Status()
	return WSResponse{Type: "status", Status: &status}
}

func errorResponse(err error) WSResponse {
	return WSResponse{Type: "error", Message: err.Error()}
}
