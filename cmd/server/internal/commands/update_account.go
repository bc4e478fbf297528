package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/account"
	"github.com/wolfeidau/identity-index/internal/logger"
)

type UpdateAccountCmd struct {
	ID      string `help:"identity ID to update" required:""`
	Name    string `help:"new display name (unchanged when empty)"`
	Role    string `help:"new auth role, admin or user (unchanged when empty)"`
	OrgRole string `help:"new organizational role, SUPER_ADMIN, ADMIN or USER (unchanged when empty)"`
	Active  string `help:"set whether the account is active" default:"unchanged" enum:"unchanged,true,false"`

	StoreType     string        `help:"store type (memory or postgres)" default:"postgres" env:"IDENTITY_INDEX_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresFlags `embed:"" prefix:"postgres-"`
	Elastic       ElasticFlags  `embed:"" prefix:"elastic-"`
}

// request converts the flags to an update request, leaving unset flags nil.
func (c *UpdateAccountCmd) request() account.UpdateRequest {
	var req account.UpdateRequest
	if c.Name != "" {
		req.Name = &c.Name
	}
	if c.Role != "" {
		req.Role = &c.Role
	}
	if c.OrgRole != "" {
		req.OrgRole = &c.OrgRole
	}
	if c.Active != "unchanged" {
		active := c.Active == "true"
		req.IsActive = &active
	}
	return req
}

func (c *UpdateAccountCmd) Run(ctx context.Context, globals *Globals) error {
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
	identity, err := accounts.UpdateIdentity(ctx, id, c.request())
	if err != nil {
		return err
	}

	// the index update runs in the background; wait for it before exiting
	bridge.Wait()

	log.Info().
		Str("identity_id", identity.ID.String()).
		Bool("is_active", identity.IsActive).
		Str("role", string(identity.Role)).
		Str("org_role", string(identity.OrgRole)).
		Msg("Account updated")
	return nil
}
