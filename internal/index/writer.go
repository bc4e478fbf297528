package index

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/telemetry"
)

// DefaultWriteTimeout bounds every steady-state write to the index.
const DefaultWriteTimeout = 5 * time.Second

// ErrNotReady is returned by writes attempted before the index has been bootstrapped.
var ErrNotReady = errors.New("search index not ready")

// Writer mirrors identity changes into the index. Every operation is idempotent
// and reports failure as a value after logging it; callers decide whether to care.
type Writer struct {
	client       *Client
	timeout      time.Duration
	bootstrapper *Bootstrapper
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithBootstrapper gates writes on the bootstrapper. A write made while the index is not
// ready first runs a single bootstrap attempt and fails with ErrNotReady if that does not
// succeed, so a write never lands in an index the cluster created with dynamic mapping.
func WithBootstrapper(b *Bootstrapper) WriterOption {
	return func(w *Writer) {
		w.bootstrapper = b
	}
}

// NewWriter creates a writer. A zero timeout uses DefaultWriteTimeout.
func NewWriter(client *Client, timeout time.Duration, opts ...WriterOption) *Writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	w := &Writer{client: client, timeout: timeout}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Upsert replaces the document, returning once it is visible to searches.
func (w *Writer) Upsert(ctx context.Context, doc Document) error {
	return w.do(ctx, "upsert", doc.ID, func(ctx context.Context) error {
		return w.client.PutDocument(ctx, doc.ID, doc)
	})
}

// PartialUpdate merges fields into the document, creating it from the fields when missing.
// The id field is always included so a document created here is still addressable.
func (w *Writer) PartialUpdate(ctx context.Context, id string, fields Fields) error {
	partial := maps.Clone(fields)
	if partial == nil {
		partial = Fields{}
	}
	partial["id"] = id

	return w.do(ctx, "partial_update", id, func(ctx context.Context) error {
		return w.client.UpdateDocument(ctx, id, partial)
	})
}

// Remove deletes the document. Removing a missing document succeeds.
func (w *Writer) Remove(ctx context.Context, id string) error {
	return w.do(ctx, "remove", id, func(ctx context.Context) error {
		return w.client.DeleteDocument(ctx, id)
	})
}

func (w *Writer) do(ctx context.Context, op, id string, fn func(context.Context) error) error {
	if w.bootstrapper != nil && !w.bootstrapper.Ready() {
		if w.bootstrapper.EnsureReady(ctx, 1, w.timeout) != StatusReady {
			telemetry.GetMetrics().RecordIndexWrite(ctx, op, 0, ErrNotReady)
			log.Warn().
				Str("op", op).
				Str("document_id", id).
				Str("index", w.client.IndexName()).
				Msg("Index write skipped, index not ready")
			return fmt.Errorf("index %s %s: %w", op, id, ErrNotReady)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	err := fn(ctx)
	telemetry.GetMetrics().RecordIndexWrite(ctx, op, float64(time.Since(started).Microseconds())/1000, err)

	if err != nil {
		log.Error().
			Err(err).
			Str("op", op).
			Str("document_id", id).
			Str("index", w.client.IndexName()).
			Msg("Index write failed")
		return fmt.Errorf("index %s %s: %w", op, id, err)
	}

	log.Debug().
		Str("op", op).
		Str("document_id", id).
		Dur("duration", time.Since(started)).
		Msg("Index write complete")

	return nil
}
