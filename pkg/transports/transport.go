package transports

import (
	"context"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

// Transport is a vendor-agnostic audio I/O boundary. Implementations own
// their network lifecycle and hand every new caller over as a Conn.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Accept() <-chan Conn
}

// Conn is one caller's bidirectional audio stream. Frames is closed when the
// caller hangs up. Play and Clear make a Conn usable as a playback sink.
type Conn interface {
	ID() string
	Frames() <-chan frames.AudioFrame
	Play(ctx context.Context, inc frames.AudioIncrement) error
	Clear() error
	Close() error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
