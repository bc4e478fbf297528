package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/lifecycle"
	"github.com/wolfeidau/identity-index/internal/logger"
)

type ReindexCmd struct {
	BatchSize int `help:"identities read per page" default:"100"`

	StoreType     string        `help:"store type (memory or postgres)" default:"postgres" env:"IDENTITY_INDEX_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresFlags `embed:"" prefix:"postgres-"`
	Elastic       ElasticFlags  `embed:"" prefix:"elastic-"`
}

func (c *ReindexCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	st, err := openStores(ctx, c.StoreType, c.PostgresStore)
	if err != nil {
		return err
	}
	defer st.close()

	client, err := openIndex(c.Elastic)
	if err != nil {
		return err
	}

	// a reindex without an index is pointless, so a degraded bootstrap is fatal here
	bootstrapper := index.NewBootstrapper(client)
	if status := bootstrapper.EnsureReady(ctx, c.Elastic.InitAttempts, c.Elastic.InitDelay); status != index.StatusReady {
		return errors.New("search index is unavailable")
	}

	writer := index.NewWriter(client, c.Elastic.WriteTimeout, index.WithBootstrapper(bootstrapper))
	stats, err := lifecycle.Reindex(ctx, st.identities, writer, c.BatchSize)
	if err != nil {
		return fmt.Errorf("reindex failed after %d documents: %w", stats.Indexed, err)
	}

	log.Info().
		Int("indexed", stats.Indexed).
		Int("failed", stats.Failed).
		Str("index", client.IndexName()).
		Msg("Reindex complete")

	if stats.Failed > 0 {
		return fmt.Errorf("%d documents failed to index", stats.Failed)
	}
	return nil
}
