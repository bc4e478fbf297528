package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/index"
	"github.com/wolfeidau/identity-index/internal/lifecycle"
	"github.com/wolfeidau/identity-index/internal/store"
	memorystore "github.com/wolfeidau/identity-index/internal/store/memory"
	postgresstore "github.com/wolfeidau/identity-index/internal/store/postgres"
)

// stores is the system of record selected on the command line.
type stores struct {
	identities    store.IdentityStore
	verifications store.VerificationStore

	// ping is nil for the in-memory store
	ping  func(context.Context) error
	close func()
}

func openStores(ctx context.Context, storeType string, flags PostgresFlags) (*stores, error) {
	switch storeType {
	case "postgres":
		if err := flags.Validate(); err != nil {
			return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
		}

		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      flags.ConnString,
			MaxConns:        flags.MaxConns,
			MinConns:        flags.MinConns,
			MaxConnLifetime: flags.MaxConnLifetime,
			MaxConnIdleTime: flags.MaxConnIdleTime,
			AutoMigrate:     flags.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}

		log.Info().Msg("Using PostgreSQL identity store")
		return &stores{
			identities:    postgresstore.NewIdentityStore(pool),
			verifications: postgresstore.NewVerificationStore(pool),
			ping:          pool.Ping,
			close:         pool.Close,
		}, nil

	default:
		log.Info().Msg("Using in-memory identity store")
		return &stores{
			identities:    memorystore.NewIdentityStore(),
			verifications: memorystore.NewVerificationStore(),
			close:         func() {},
		}, nil
	}
}

func openIndex(flags ElasticFlags) (*index.Client, error) {
	if err := flags.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate elastic flags: %w", err)
	}

	return index.NewClient(index.Config{
		Addresses: flags.Addresses,
		Username:  flags.Username,
		Password:  flags.Password,
		IndexName: flags.Index,
	})
}

// newIndexBridge builds the lifecycle bridge for one-shot commands. Writes bootstrap the
// index on first use and are refused if it cannot be brought up.
func newIndexBridge(st *stores, client *index.Client, flags ElasticFlags) *lifecycle.Bridge {
	writer := index.NewWriter(client, flags.WriteTimeout, index.WithBootstrapper(index.NewBootstrapper(client)))
	return lifecycle.NewBridge(st.identities, st.verifications, lifecycle.NewResolver(st.identities), writer)
}

// pingFunc adapts a ping function to server.Pinger.
type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
