package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/transports"
)

func dial(t *testing.T, srv *httptest.Server, start Event) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := ws.WriteJSON(start); err != nil {
		t.Fatalf("write start: %v", err)
	}
	var ready Event
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&ready); err != nil || ready.Event != "ready" {
		t.Fatalf("expected ready event, got %+v (%v)", ready, err)
	}
	return ws
}

func accept(t *testing.T, tr *Transport) transports.Conn {
	t.Helper()
	select {
	case c := <-tr.Accept():
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection accepted")
	}
	return nil
}

func TestTransportRoundTrip(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	defer tr.Stop()

	ws := dial(t, srv, Event{Event: "start", StreamID: "caller-1", SampleRate: 8000})
	defer ws.Close()
	conn := accept(t, tr)
	if conn.ID() != "caller-1" {
		t.Fatalf("unexpected id %q", conn.ID())
	}

	samples := make([]int16, 160)
	samples[0] = 1234
	if err := ws.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16LE(samples)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	select {
	case f := <-conn.Frames():
		if f.Rate() != 8000 || len(f.Samples()) != 160 || f.Samples()[0] != 1234 {
			t.Fatalf("unexpected frame rate=%d samples=%d", f.Rate(), len(f.Samples()))
		}
		if f.Duration() != 20*time.Millisecond {
			t.Fatalf("unexpected duration %s", f.Duration())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame received")
	}

	pcm := audio.EncodePCM16LE(make([]int16, 80))
	if err := conn.Play(context.Background(), frames.AudioIncrement{PCM: pcm, SampleRate: 8000, Channels: 1}); err != nil {
		t.Fatalf("play: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := ws.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || len(msg) != len(pcm) {
		t.Fatalf("expected playback audio, got kind=%d len=%d err=%v", kind, len(msg), err)
	}

	if err := conn.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	var evt Event
	if err := ws.ReadJSON(&evt); err != nil || evt.Event != "clear" {
		t.Fatalf("expected clear event, got %+v (%v)", evt, err)
	}

	if err := ws.WriteJSON(Event{Event: "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	select {
	case _, ok := <-conn.Frames():
		if ok {
			t.Fatalf("expected frames channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frames not closed after stop")
	}
}

func TestTransportRejectsMissingStart(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	defer tr.Stop()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.WriteJSON(Event{Event: "media"})
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the socket")
	}
	select {
	case c := <-tr.Accept():
		t.Fatalf("unexpected connection %s", c.ID())
	default:
	}
}

func TestStopDuringHandshakeDropsConnection(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// The upgrade is done and the server is waiting for the start event.
	_ = tr.Stop()
	_ = ws.WriteJSON(Event{Event: "start", StreamID: "late"})
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the socket")
	}
	if c, ok := <-tr.Accept(); ok {
		t.Fatalf("unexpected connection %s after stop", c.ID())
	}
	tr.mu.Lock()
	n := len(tr.conns)
	tr.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no attached connections, got %d", n)
	}
}

func TestHealthReflectsDraining(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %v", err)
	}
	resp.Body.Close()

	_ = tr.Stop()
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://app.example.com", "voice.example.com"}})
	for origin, want := range map[string]bool{
		"https://app.example.com": true,
		"http://voice.example.com": true,
		"https://evil.example.com": false,
		"":                         true,
	} {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := tr.checkOrigin(req); got != want {
			t.Fatalf("origin %q: got %v want %v", origin, got, want)
		}
	}
}
