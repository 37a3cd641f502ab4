package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Skryldev/evenodd-lab/domain/model"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeController struct {
	mu       sync.Mutex
	running  bool
	offset   int64
	flip     bool
	frames   int
	view     model.ColorSpace
	workers  int
	cancels  int
	startIDs int
}

func (f *fakeController) StartAutoCalibration() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return "", false
	}
	f.running = true
	f.startIDs++
	return "session-1", true
}

func (f *fakeController) CancelCalibration() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.running = false
}

func (f *fakeController) Status() model.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Snapshot{
		InProgress:       f.running,
		TimingOffset:     f.offset,
		FlipEvenOdd:      f.flip,
		VSyncFrameOffset: f.frames,
		View:             f.view,
		StressWorkers:    f.workers,
		FramePeriod:      1000,
	}
}

func (f *fakeController) SetTimingOffset(ns int64) error {
	if ns < 0 || ns >= 1000 {
		return pkgerrors.NewValidationError("offset_ns", ns, "out of range")
	}
	f.mu.Lock()
	f.offset = ns
	f.mu.Unlock()
	return nil
}

func (f *fakeController) SetFlipEvenOdd(flip bool) {
	f.mu.Lock()
	f.flip = flip
	f.mu.Unlock()
}

func (f *fakeController) SetVSyncFrameOffset(frames int) error {
	f.mu.Lock()
	f.frames = frames
	f.mu.Unlock()
	return nil
}

func (f *fakeController) SetView(view model.ColorSpace) error {
	f.mu.Lock()
	f.view = view
	f.mu.Unlock()
	return nil
}

func (f *fakeController) StartStress(workers int) error {
	f.mu.Lock()
	f.workers = workers
	f.mu.Unlock()
	return nil
}

func (f *fakeController) StopStress() {
	f.mu.Lock()
	f.workers = 0
	f.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *fakeController, *httptest.Server) {
	t.Helper()
	ctrl := &fakeController{view: model.ColorSpaceRGB}
	s, err := NewServer(ctrl, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ctrl, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) WSResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestNewServer_RequiresController(t *testing.T) {
	if _, err := NewServer(nil, logger.Nop()); err == nil {
		t.Error("expected error without controller")
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ctrl, ts := newTestServer(t)
	ctrl.offset = 250

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var snap model.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.TimingOffset != 250 || snap.View != model.ColorSpaceRGB {
		t.Errorf("snapshot = %+v", snap)
	}

	post, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", post.StatusCode)
	}
}

func TestWS_Commands(t *testing.T) {
	_, ctrl, ts := newTestServer(t)
	conn := dial(t, ts)

	if resp := readResponse(t, conn); resp.Type != "status" || resp.Status == nil {
		t.Fatalf("greeting = %+v, want status", resp)
	}

	offset := int64(400)
	flip := true
	frames := -3
	tests := []struct {
		name     string
		msg      WSMessage
		wantType string
	}{
		{"start", WSMessage{Action: "start"}, "started"},
		{"start again", WSMessage{Action: "start"}, "ignored"},
		{"cancel", WSMessage{Action: "cancel"}, "status"},
		{"set offset", WSMessage{Action: "set_offset", OffsetNs: &offset}, "status"},
		{"offset missing", WSMessage{Action: "set_offset"}, "error"},
		{"flip", WSMessage{Action: "flip", Flip: &flip}, "status"},
		{"vsync", WSMessage{Action: "vsync_offset", Frames: &frames}, "status"},
		{"view", WSMessage{Action: "view", View: model.ColorSpaceOCV}, "status"},
		{"stress", WSMessage{Action: "stress_start", Workers: 3}, "status"},
		{"unknown", WSMessage{Action: "reboot"}, "error"},
	}
	for _, tt := range tests {
		if err := conn.WriteJSON(tt.msg); err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		resp := readResponse(t, conn)
		if resp.Type != tt.wantType {
			t.Errorf("%s: type = %q (%s), want %q", tt.name, resp.Type, resp.Message, tt.wantType)
		}
	}

	snap := ctrl.Status()
	if snap.TimingOffset != 400 || !snap.FlipEvenOdd || snap.VSyncFrameOffset != -3 ||
		snap.View != model.ColorSpaceOCV || snap.StressWorkers != 3 {
		t.Errorf("controller state = %+v", snap)
	}
	if ctrl.cancels != 1 || ctrl.startIDs != 1 {
		t.Errorf("cancels = %d starts = %d, want 1/1", ctrl.cancels, ctrl.startIDs)
	}
}

func TestWS_ValidationErrorIsReported(t *testing.T) {
	_, _, ts := newTestServer(t)
	conn := dial(t, ts)
	readResponse(t, conn)

	bad := int64(5000)
	if err := conn.WriteJSON(WSMessage{Action: "set_offset", OffsetNs: &bad}); err != nil {
		t.Fatal(err)
	}
	resp := readResponse(t, conn)
	if resp.Type != "error" || !strings.Contains(resp.Message, "offset_ns") {
		t.Errorf("response = %+v, want validation error", resp)
	}
}

func TestWS_BroadcastsProgress(t *testing.T) {
	s, _, ts := newTestServer(t)
	a := dial(t, ts)
	b := dial(t, ts)
	readResponse(t, a)
	readResponse(t, b)

	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.Report(progress.Update{SessionID: "abc", Stage: progress.StageQuickScan, Percent: 42})

	for _, conn := range []*websocket.Conn{a, b} {
		resp := readResponse(t, conn)
		if resp.Type != "progress" || resp.Update == nil || resp.Update.Percent != 42 || resp.SessionID != "abc" {
			t.Errorf("broadcast = %+v", resp)
		}
	}
}

func TestReport_WithoutClientsDoesNotBlock(t *testing.T) {
	s, _, _ := newTestServer(t)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Report(progress.Update{Percent: float64(i % 100)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked")
	}
}

func TestWriteLoop_LogsCloseFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	srv, err := NewServer(&fakeController{}, logger.FromZap(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}

	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer ts.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("server never upgraded the connection")
	}
	conn.Close()

	c := &client{conn: conn, send: make(chan WSResponse)}
	c.close()
	srv.writeLoop(c)

	if n := logs.FilterMessage("websocket close failed").Len(); n != 1 {
		t.Errorf("logged %d close failures, want 1", n)
	}
}
