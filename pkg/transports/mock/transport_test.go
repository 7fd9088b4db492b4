package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

func TestDialAnnouncesConnection(t *testing.T) {
	tr := New()
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c, err := tr.Dial("caller")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case got := <-tr.Accept():
		if got.ID() != "caller" {
			t.Fatalf("unexpected conn %q", got.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("connection not announced")
	}

	ctx := context.Background()
	if err := c.Push(ctx, frames.NewAudioFrame("caller", 0, make([]int16, 160), 8000, 1, nil)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if f := <-c.Frames(); f.Rate() != 8000 {
		t.Fatalf("unexpected frame rate %d", f.Rate())
	}
	if err := c.Play(ctx, frames.AudioIncrement{GenerationID: "g1", PCM: []byte{0, 0}}); err != nil {
		t.Fatalf("play: %v", err)
	}
	_ = c.Clear()
	if len(c.Played()) != 1 || c.Clears() != 1 {
		t.Fatalf("played=%d clears=%d", len(c.Played()), c.Clears())
	}
}

func TestStopClosesConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := New()
	_ = tr.Start(ctx)
	c, err := tr.Dial("caller")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		if _, err := tr.Dial("late"); errors.Is(err, ErrClosed) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("transport did not stop with its context")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := c.Play(context.Background(), frames.AudioIncrement{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed conn, got %v", err)
	}
	if _, ok := <-c.Frames(); ok {
		t.Fatalf("expected frames channel closed")
	}
}
