package audio

import (
	"time"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

// FrameBuffer is a fixed-capacity ring of audio frames. When full, appending
// evicts the oldest frame. It is not safe for concurrent use; the owner of the
// utterance is the only writer.
type FrameBuffer struct {
	frames  []frames.AudioFrame
	head    int
	size    int
	dropped int
}

func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameBuffer{frames: make([]frames.AudioFrame, capacity)}
}

// Append stores f and reports whether an older frame had to be evicted.
func (b *FrameBuffer) Append(f frames.AudioFrame) bool {
	capacity := len(b.frames)
	if b.size < capacity {
		b.frames[(b.head+b.size)%capacity] = f
		b.size++
		return false
	}
	b.frames[b.head] = f
	b.head = (b.head + 1) % capacity
	b.dropped++
	return true
}

// Frames returns the buffered frames oldest first.
func (b *FrameBuffer) Frames() []frames.AudioFrame {
	out := make([]frames.AudioFrame, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.frames[(b.head+i)%len(b.frames)])
	}
	return out
}

func (b *FrameBuffer) Len() int     { return b.size }
func (b *FrameBuffer) Cap() int     { return len(b.frames) }
func (b *FrameBuffer) Dropped() int { return b.dropped }

func (b *FrameBuffer) Duration() time.Duration {
	var d time.Duration
	for i := 0; i < b.size; i++ {
		d += b.frames[(b.head+i)%len(b.frames)].Duration()
	}
	return d
}

func (b *FrameBuffer) Reset() {
	for i := range b.frames {
		b.frames[i] = frames.AudioFrame{}
	}
	b.head = 0
	b.size = 0
	b.dropped = 0
}

// Drain returns the buffered frames oldest first and empties the ring.
func (b *FrameBuffer) Drain() []frames.AudioFrame {
	out := b.Frames()
	b.Reset()
	return out
}

// CapacityFor returns how many frames of frameDur fit into max.
func CapacityFor(max, frameDur time.Duration) int {
	if frameDur <= 0 || max <= 0 {
		return 1
	}
	n := int(max / frameDur)
	if n < 1 {
		n = 1
	}
	return n
}
