package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/transports"
)

// Wire protocol: the client opens the socket, sends a JSON start event, then
// binary messages of 16-bit little-endian PCM. The server answers with a
// JSON ready event, binary PCM for playback and JSON clear events when
// playback is cut short.
type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Channels       int      `mapstructure:"channels"`
	SendQueue      int      `mapstructure:"send_queue"`
	WriteTimeoutMS int      `mapstructure:"write_timeout_ms"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 5000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Event struct {
	Event      string `json:"event"`
	StreamID   string `json:"stream_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Text       string `json:"text,omitempty"`
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	acceptCh chan transports.Conn
	logger   *slog.Logger

	// mu also orders handoffs to acceptCh against Stop closing it.
	mu    sync.Mutex
	conns map[string]*Conn
	addr  string

	draining atomic.Bool
	stopOnce sync.Once
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		acceptCh: make(chan transports.Conn, 64),
		logger:   logging.NewComponentLogger(slog.Default(), "websocket_transport"),
		conns:    make(map[string]*Conn),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Accept() <-chan transports.Conn { return t.acceptCh }

func (t *Transport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logging.NewComponentLogger(logger, "websocket_transport")
	}
}

func (t *Transport) ReadyFields() map[string]any {
	t.mu.Lock()
	addr := t.addr
	t.mu.Unlock()
	if strings.HasPrefix(addr, "[::]") || strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr[strings.LastIndex(addr, ":"):]
	}
	return map[string]any{"ws_url": "ws://" + addr + t.cfg.Path}
}

// Handler exposes the websocket endpoint and /health.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ServerAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.addr = ln.Addr().String()
	t.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	srv := t.server
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("websocket_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.draining.Store(true)
		srv := t.server
		conns := t.conns
		t.conns = make(map[string]*Conn)
		close(t.acceptCh)
		t.mu.Unlock()
		if srv != nil {
			_ = srv.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var start Event
	if err := ws.ReadJSON(&start); err != nil || start.Event != "start" {
		_ = ws.Close()
		return
	}
	c := t.attach(ws, start)
	if c == nil {
		// Stopped while the start event was in flight.
		_ = ws.Close()
		return
	}
	if !c.sendEvent(Event{Event: "ready", StreamID: c.id, SampleRate: c.rate, Channels: c.ch}) {
		t.detach(c)
		return
	}
	if !t.handoff(c) {
		t.detach(c)
		return
	}
	t.logger.Info("websocket_connected", slog.String("stream_id", c.id), slog.Int("sample_rate", c.rate))
	c.readLoop()
	t.detach(c)
	t.logger.Info("websocket_disconnected", slog.String("stream_id", c.id))
}

func (t *Transport) attach(ws *websocket.Conn, start Event) *Conn {
	id := strings.TrimSpace(start.StreamID)
	if id == "" {
		id = uuid.NewString()
	}
	rate, ch := start.SampleRate, start.Channels
	if rate <= 0 {
		rate = t.cfg.SampleRate
	}
	if ch <= 0 {
		ch = t.cfg.Channels
	}
	c := &Conn{
		id:           id,
		ws:           ws,
		rate:         rate,
		ch:           ch,
		writeTimeout: time.Duration(t.cfg.WriteTimeoutMS) * time.Millisecond,
		framesCh:     make(chan frames.AudioFrame, 256),
		sendCh:       make(chan outbound, t.cfg.SendQueue),
		done:         make(chan struct{}),
		logger:       t.logger,
	}
	t.mu.Lock()
	if t.draining.Load() {
		t.mu.Unlock()
		return nil
	}
	old := t.conns[id]
	t.conns[id] = c
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go c.writeLoop()
	return c
}

// handoff queues c for Accept. It fails once Stop has run or when the
// queue is full.
func (t *Transport) handoff(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining.Load() {
		return false
	}
	select {
	case t.acceptCh <- c:
		return true
	default:
		t.logger.Warn("websocket_accept_queue_full", slog.String("stream_id", c.id))
		return false
	}
}

func (t *Transport) detach(c *Conn) {
	t.mu.Lock()
	if t.conns[c.id] == c {
		delete(t.conns, c.id)
	}
	t.mu.Unlock()
	_ = c.Close()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type outbound struct {
	kind int
	data []byte
	gen  uint64
}

// Conn is one websocket caller.
type Conn struct {
	id           string
	ws           *websocket.Conn
	rate, ch     int
	writeTimeout time.Duration
	framesCh     chan frames.AudioFrame
	sendCh       chan outbound
	done         chan struct{}
	logger       *slog.Logger
	pts          int64

	// generation is bumped by Clear; queued audio of an older generation
	// is skipped by the writer.
	generation atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Frames() <-chan frames.AudioFrame { return c.framesCh }

func (c *Conn) readLoop() {
	defer close(c.framesCh)
	meta := map[string]string{
		frames.MetaSource:    "transport",
		frames.MetaTransport: "websocket",
	}
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if len(msg) < 2 {
				continue
			}
			samples := audio.DecodePCM16LE(msg)
			f := frames.NewAudioFrame(c.id, c.pts, samples, c.rate, c.ch, meta)
			c.pts += int64(f.Duration())
			select {
			case c.framesCh <- f:
			case <-c.done:
				return
			}
		case websocket.TextMessage:
			var evt Event
			if err := json.Unmarshal(msg, &evt); err != nil {
				continue
			}
			if evt.Event == "stop" {
				return
			}
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case out := <-c.sendCh:
			if out.kind == websocket.BinaryMessage && out.gen != c.generation.Load() {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(out.kind, out.data); err != nil {
				c.logger.Warn("websocket_write_failed",
					slog.String("stream_id", c.id),
					slog.String("reason_code", string(errorsx.ReasonTransportSend)),
					slog.String("error", err.Error()))
				_ = c.Close()
				return
			}
		}
	}
}

// Play queues one increment, waiting while the send queue is full.
func (c *Conn) Play(ctx context.Context, inc frames.AudioIncrement) error {
	if len(inc.PCM) == 0 {
		return nil
	}
	out := outbound{kind: websocket.BinaryMessage, data: inc.PCM, gen: c.generation.Load()}
	select {
	case c.sendCh <- out:
		return nil
	case <-c.done:
		return errorsx.Errorf(errorsx.ReasonTransportSend, "websocket %s closed", c.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops queued audio and tells the client to flush its own buffer.
func (c *Conn) Clear() error {
	c.generation.Add(1)
	if !c.sendEvent(Event{Event: "clear", StreamID: c.id}) {
		return errorsx.Errorf(errorsx.ReasonTransportClear, "websocket %s clear not delivered", c.id)
	}
	return nil
}

func (c *Conn) sendEvent(evt Event) bool {
	b, err := json.Marshal(evt)
	if err != nil {
		return false
	}
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.sendCh <- outbound{kind: websocket.TextMessage, data: b}:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.Conn          = (*Conn)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
