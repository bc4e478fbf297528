package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/account"
	"github.com/wolfeidau/identity-index/internal/logger"
)

type DeleteAccountCmd struct {
	ID string `help:"identity ID to delete" required:""`

	StoreType     string        `help:"store type (memory or postgres)" default:"postgres" env:"IDENTITY_INDEX_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresFlags `embed:"" prefix:"postgres-"`
	Elastic       ElasticFlags  `embed:"" prefix:"elastic-"`
}

func (c *DeleteAccountCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("invalid identity ID %q: %w", c.ID, err)
	}

	st, err := openStores(ctx, c.StoreType, c.PostgresStore)
	if err != nil {
		return err
	}
	defer st.close()

	client, err := openIndex(c.Elastic)
	if err != nil {
		return err
	}

	bridge := newIndexBridge(st, client, c.Elastic)
	defer bridge.Close()

	accounts := account.NewService(st.identities, st.verifications, bridge, account.Config{})
	if err := accounts.DeleteAccount(ctx, id); err != nil {
		return err
	}

	// the index removal runs in the background; wait for it before exiting
	bridge.Wait()

	log.Info().Str("identity_id", id.String()).Msg("Account deleted")
	return nil
}
