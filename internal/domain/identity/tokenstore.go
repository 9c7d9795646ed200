package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/epic"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
)

// OAuthSessionStore persists Epic OAuth sessions in the oauth_session
// table, one row per (tenant, provider) key, tokens encrypted at rest.
// Loads are strict: a provider-scoped key never yields the tenant row.
type OAuthSessionStore struct {
	pool *pgxpool.Pool
	box  *hipaa.SecretBox
}

func NewOAuthSessionStore(pool *pgxpool.Pool, box *hipaa.SecretBox) *OAuthSessionStore {
	return &OAuthSessionStore{pool: pool, box: box}
}

var _ epic.TokenStore = (*OAuthSessionStore)(nil)

func (s *OAuthSessionStore) Load(ctx context.Context, key epic.ClientKey) (*epic.TokenState, error) {
	row := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT access_token, refresh_token, expiry, scopes, practitioner_id
		FROM oauth_session
		WHERE tenant_id = $1 AND provider_id IS NOT DISTINCT FROM $2`,
		key.TenantID, key.ProviderID)

	var state epic.TokenState
	err := row.Scan(&state.AccessToken, &state.RefreshToken, &state.Expiry, &state.Scopes, &state.PractitionerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if state.AccessToken, err = s.box.Open(state.AccessToken); err != nil {
		return nil, fmt.Errorf("oauth session: decrypt access token: %w", err)
	}
	if state.RefreshToken != "" {
		if state.RefreshToken, err = s.box.Open(state.RefreshToken); err != nil {
			return nil, fmt.Errorf("oauth session: decrypt refresh token: %w", err)
		}
	}
	return &state, nil
}

func (s *OAuthSessionStore) Save(ctx context.Context, key epic.ClientKey, state *epic.TokenState) error {
	access, err := s.box.Seal(state.AccessToken)
	if err != nil {
		return fmt.Errorf("oauth session: encrypt access token: %w", err)
	}
	refresh := ""
	if state.RefreshToken != "" {
		if refresh, err = s.box.Seal(state.RefreshToken); err != nil {
			return fmt.Errorf("oauth session: encrypt refresh token: %w", err)
		}
	}

	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO oauth_session (tenant_id, provider_id, access_token, refresh_token, expiry, scopes, practitioner_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, COALESCE(provider_id, '00000000-0000-0000-0000-000000000000'::uuid)) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry,
			scopes = EXCLUDED.scopes,
			practitioner_id = EXCLUDED.practitioner_id,
			updated_at = now()`,
		key.TenantID, key.ProviderID, access, refresh, state.Expiry, state.Scopes, state.PractitionerID)
	return err
}

func (s *OAuthSessionStore) Clear(ctx context.Context, key epic.ClientKey) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		DELETE FROM oauth_session
		WHERE tenant_id = $1 AND provider_id IS NOT DISTINCT FROM $2`,
		key.TenantID, key.ProviderID)
	return err
}

// SessionExpiry returns the stored expiry for diagnostics without
// decrypting anything.
func (s *OAuthSessionStore) SessionExpiry(ctx context.Context, key epic.ClientKey) (*time.Time, error) {
	var expiry time.Time
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT expiry FROM oauth_session
		WHERE tenant_id = $1 AND provider_id IS NOT DISTINCT FROM $2`,
		key.TenantID, key.ProviderID).Scan(&expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &expiry, nil
}
