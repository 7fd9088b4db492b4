package stt

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of concurrent Transcribe calls on a shared provider.
type Limited struct {
	inner Transcriber
	sem   *semaphore.Weighted
}

func Limit(inner Transcriber, n int) Transcriber {
	if n <= 0 {
		return inner
	}
	return &Limited{inner: inner, sem: semaphore.NewWeighted(int64(n))}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Transcript{}, err
	}
	defer l.sem.Release(1)
	return l.inner.Transcribe(ctx, req)
}
