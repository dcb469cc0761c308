package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/stream-tender/telemetry"
)

// Recorder pumps messages from a Source into a Document for the duration of
// a recording cycle. Source failures are retried with backoff; they never
// abort the surrounding recording.
type Recorder struct {
	Source  Source
	Channel string

	mu  sync.Mutex
	doc *Document
}

// Position returns the transcript's current byte length, or 0 before start.
// Safe to call from other goroutines while Run is in flight.
func (r *Recorder) Position() int64 {
	r.mu.Lock()
	d := r.doc
	r.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.Position()
}

// Run appends incoming chat to doc until ctx is canceled, reconnecting on
// transport errors. It closes the document before returning.
func (r *Recorder) Run(ctx context.Context, doc *Document) {
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	logger := slog.Default().With(slog.String("component", "chat"), slog.String("channel", r.Channel))
	defer func() {
		if err := doc.Close(); err != nil {
			logger.Warn("closing chat document", slog.Any("err", err))
		}
	}()

	backoff := time.Second
	for {
		err := r.Source.Run(ctx, r.Channel, func(m Message) {
			if aerr := doc.Append(m); aerr != nil {
				logger.Warn("appending chat message", slog.Any("err", aerr))
				return
			}
			telemetry.IncChatMessage()
		})
		if ctx.Err() != nil {
			return
		}
		logger.Warn("chat source disconnected; reconnecting", slog.Any("err", err), slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
