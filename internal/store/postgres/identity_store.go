package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
)

const identityColumns = `id, email, name, role, org_role, is_active, email_verified, password_hash, created_at, updated_at`

// IdentityStore implements store.IdentityStore using PostgreSQL.
type IdentityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore creates a new PostgreSQL-backed identity store.
// It shares the connection pool with other stores.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

// Create inserts a new identity.
func (s *IdentityStore) Create(ctx context.Context, identity *models.Identity) error {
	identity.Email = strings.ToLower(identity.Email)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		identity.ID,
		identity.Email,
		identity.Name,
		identity.Role,
		identity.OrgRole,
		identity.IsActive,
		identity.EmailVerified,
		identity.PasswordHash,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("identity_id", identity.ID.String()).
		Msg("Created identity")

	return nil
}

// Get retrieves an identity by ID.
func (s *IdentityStore) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	return scanOne(row)
}

// GetByEmail retrieves an identity by email address.
func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, strings.ToLower(email))
	return scanOne(row)
}

// Count returns the total number of identities.
func (s *IdentityStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count identities: %w", mapPostgresError(err))
	}
	return n, nil
}

// UpdateRoles sets both role fields and returns the updated identity.
func (s *IdentityStore) UpdateRoles(ctx context.Context, id uuid.UUID, role models.AuthRole, orgRole models.OrgRole) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE identities SET role = $2, org_role = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+identityColumns, id, role, orgRole)
	return scanOne(row)
}

// Update applies the non-nil fields of u and returns the updated identity.
func (s *IdentityStore) Update(ctx context.Context, id uuid.UUID, u store.IdentityUpdate) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE identities SET
			name = COALESCE($2::text, name),
			role = COALESCE($3::text, role),
			org_role = COALESCE($4::text, org_role),
			is_active = COALESCE($5::boolean, is_active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+identityColumns, id, u.Name, u.Role, u.OrgRole, u.IsActive)
	return scanOne(row)
}

// MarkEmailVerified sets the email verified flag and returns the updated identity.
func (s *IdentityStore) MarkEmailVerified(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE identities SET email_verified = TRUE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+identityColumns, id)
	return scanOne(row)
}

// Delete removes an identity.
func (s *IdentityStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrIdentityNotFound
	}

	log.Info().
		Str("identity_id", id.String()).
		Msg("Deleted identity")

	return nil
}

// ListAfter returns up to limit identities with an ID greater than after, in ID order.
func (s *IdentityStore) ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*models.Identity, error) {
	if limit <= 0 {
		limit = store.DefaultQueryLimit
	}

	rows, err := s.pool.Query(ctx, `SELECT `+identityColumns+` FROM identities WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var identities []*models.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identities: %w", err)
	}

	return identities, nil
}

// Search runs an ILIKE match over name and email with exact-match filters.
func (s *IdentityStore) Search(ctx context.Context, q store.IdentityQuery) ([]*models.Identity, int64, error) {
	where, args := buildIdentityFilter(q)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count identities: %w", mapPostgresError(err))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultQueryLimit
	}
	offset := max(q.Offset, 0)

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM identities%s ORDER BY updated_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		identityColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search identities: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var identities []*models.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating identities: %w", err)
	}

	return identities, total, nil
}

// buildIdentityFilter renders the WHERE clause for a query with positional arguments.
func buildIdentityFilter(q store.IdentityQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if text := strings.TrimSpace(q.Text); text != "" {
		args = append(args, "%"+escapeLike(text)+"%")
		clauses = append(clauses, fmt.Sprintf(`(name ILIKE $%[1]d OR email ILIKE $%[1]d)`, len(args)))
	}
	if q.Role != "" {
		add(`role = $%d`, q.Role)
	}
	if q.OrgRole != "" {
		add(`org_role = $%d`, q.OrgRole)
	}
	if q.IsActive != nil {
		add(`is_active = $%d`, *q.IsActive)
	}
	if q.EmailVerified != nil {
		add(`email_verified = $%d`, *q.EmailVerified)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanOne(row pgx.Row) (*models.Identity, error) {
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get identity: %w", mapPostgresError(err))
	}
	return identity, nil
}

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var identity models.Identity
	err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.Name,
		&identity.Role,
		&identity.OrgRole,
		&identity.IsActive,
		&identity.EmailVerified,
		&identity.PasswordHash,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}
