package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/transports"
)

var ErrClosed = errors.New("mock connection closed")

// Transport is an in-memory transport for local testing and integration.
// It implements transports.Transport without any network dependency.
type Transport struct {
	acceptCh chan transports.Conn
	closed   atomic.Bool
	mu       sync.Mutex
	conns    []*Conn
}

func New() *Transport {
	return &Transport{acceptCh: make(chan transports.Conn, 16)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.acceptCh)
		conns := t.conns
		t.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	}
	return nil
}

func (t *Transport) Accept() <-chan transports.Conn { return t.acceptCh }

// Dial opens a new in-memory caller and announces it on Accept.
func (t *Transport) Dial(id string) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	c := NewConn(id)
	select {
	case t.acceptCh <- c:
	default:
		return nil, errors.New("mock accept queue full")
	}
	t.conns = append(t.conns, c)
	return c, nil
}

// Conn records played audio and clears, and lets tests push caller frames.
type Conn struct {
	id       string
	framesCh chan frames.AudioFrame
	closed   atomic.Bool
	once     sync.Once

	mu     sync.Mutex
	played []frames.AudioIncrement
	clears int
}

func NewConn(id string) *Conn {
	return &Conn{id: id, framesCh: make(chan frames.AudioFrame, 256)}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Frames() <-chan frames.AudioFrame { return c.framesCh }

// Push injects a caller frame, waiting while the buffer is full.
func (c *Conn) Push(ctx context.Context, f frames.AudioFrame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.framesCh <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangup ends the caller side; Frames is closed.
func (c *Conn) Hangup() {
	c.once.Do(func() { close(c.framesCh) })
}

func (c *Conn) Play(ctx context.Context, inc frames.AudioIncrement) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	c.played = append(c.played, inc)
	c.mu.Unlock()
	return nil
}

func (c *Conn) Clear() error {
	c.mu.Lock()
	c.clears++
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	c.Hangup()
	return nil
}

// Played exposes outbound audio for inspection.
func (c *Conn) Played() []frames.AudioIncrement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frames.AudioIncrement(nil), c.played...)
}

func (c *Conn) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

var (
	_ transports.Transport = (*Transport)(nil)
	_ transports.Conn      = (*Conn)(nil)
)
