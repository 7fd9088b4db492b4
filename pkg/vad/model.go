package vad

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
)

var ErrModelNotLoaded = errors.New("vad model not loaded")

// Loader builds a classifier, e.g. by reading model weights from disk.
type Loader func(ctx context.Context) (Classifier, error)

// Model is a process-wide classifier with an explicit lifecycle: Load once
// before sessions start, hand the classifier to each session, Close on shutdown.
type Model struct {
	mu     sync.RWMutex
	loader Loader
	cls    Classifier
	closed bool
}

func NewModel(loader Loader) *Model {
	return &Model{loader: loader}
}

// Load warms the classifier. Calling it again after a successful load is a no-op.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errorsx.Wrap(errors.New("vad model closed"), errorsx.ReasonVADModel)
	}
	if m.cls != nil {
		return nil
	}
	if m.loader == nil {
		return errorsx.Wrap(errors.New("vad model has no loader"), errorsx.ReasonVADModel)
	}
	cls, err := m.loader(ctx)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonVADModel)
	}
	m.cls = cls
	slog.Info("vad_model_loaded", "classifier", cls.Name())
	return nil
}

func (m *Model) Classifier() (Classifier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cls == nil || m.closed {
		return nil, ErrModelNotLoaded
	}
	return m.cls, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	cls := m.cls
	m.cls = nil
	if c, ok := cls.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
