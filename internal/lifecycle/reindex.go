package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/store"
)

// ReindexStats summarises a full reindex.
type ReindexStats struct {
	Indexed int
	Failed  int
}

// Reindex upserts a document for every identity in the store, batchSize at a time.
// Pages are walked by ID so identities updated during the run are neither skipped nor
// visited twice. Individual write failures are counted and skipped; a store failure
// stops the run.
func Reindex(ctx context.Context, identities store.IdentityStore, writer IndexWriter, batchSize int) (ReindexStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var stats ReindexStats
	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch, err := identities.ListAfter(ctx, after, batchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to list identities after %s: %w", after, err)
		}

		for _, identity := range batch {
			if err := writer.Upsert(ctx, index.FromIdentity(identity)); err != nil {
				stats.Failed++
				continue
			}
			stats.Indexed++
		}

		log.Info().
			Int("indexed", stats.Indexed).
			Int("failed", stats.Failed).
			Msg("Reindex progress")

		if len(batch) < batchSize {
			return stats, nil
		}
		after = batch[len(batch)-1].ID
	}
}

// Watcher waits for a degraded index to become ready.
type Watcher interface {
	Watch(ctx context.Context, interval time.Duration) bool
}

// CatchUpAfterRecovery waits for the watcher to bring a degraded index up, then reindexes
// every identity once, since writes made while the index was down were dropped. It returns
// without reindexing when the index was already ready or ctx ends first.
func CatchUpAfterRecovery(ctx context.Context, watcher Watcher, interval time.Duration, identities store.IdentityStore, writer IndexWriter, batchSize int) {
	if !watcher.Watch(ctx, interval) {
		return
	}

	log.Info().Msg("Search index recovered, reindexing writes missed while degraded")

	stats, err := Reindex(ctx, identities, writer, batchSize)
	if err != nil {
		log.Error().Err(err).Int("indexed", stats.Indexed).Msg("Catch-up reindex failed, run the reindex command")
		return
	}

	log.Info().
		Int("indexed", stats.Indexed).
		Int("failed", stats.Failed).
		Msg("Catch-up reindex complete")
}
