package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
)

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepositoryPG(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

const userCols = `id, tenant_id, email, role, password_hash, active, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &u.PasswordHash,
		&u.Active, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO app_user (id, tenant_id, email, role, password_hash, active)
		VALUES ($1, $2, lower($3), $4, $5, $6)`,
		u.ID, u.TenantID, u.Email, u.Role, u.PasswordHash, u.Active)
	return err
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE app_user SET email = lower($2), role = $3, password_hash = $4,
			active = $5, last_login_at = $6, updated_at = now()
		WHERE id = $1`,
		u.ID, u.Email, u.Role, u.PasswordHash, u.Active, u.LastLoginAt)
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE id = $1`, id)
	return scanUser(row)
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE email = lower($1)`, email)
	return scanUser(row)
}

func (r *userRepoPG) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*User, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+userCols+` FROM app_user WHERE tenant_id = $1 ORDER BY email`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *userRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM app_user WHERE id = $1`, id)
	return err
}

type providerRepoPG struct {
	pool *pgxpool.Pool
}

func NewProviderRepositoryPG(pool *pgxpool.Pool) ProviderRepository {
	return &providerRepoPG{pool: pool}
}

const providerCols = `id, tenant_id, first_name, last_name, specialty, epic_practitioner_id, active, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.TenantID, &p.FirstName, &p.LastName, &p.Specialty,
		&p.EpicPractitionerID, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *providerRepoPG) Create(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO provider (id, tenant_id, first_name, last_name, specialty, epic_practitioner_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.TenantID, p.FirstName, p.LastName, p.Specialty, p.EpicPractitionerID, p.Active)
	return err
}

func (r *providerRepoPG) Update(ctx context.Context, p *Provider) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE provider SET first_name = $2, last_name = $3, specialty = $4,
			epic_practitioner_id = $5, active = $6, updated_at = now()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.Specialty, p.EpicPractitionerID, p.Active)
	return err
}

func (r *providerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+providerCols+` FROM provider WHERE id = $1`, id)
	return scanProvider(row)
}

func (r *providerRepoPG) GetByPractitionerID(ctx context.Context, tenantID uuid.UUID, practitionerID string) (*Provider, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+providerCols+` FROM provider WHERE tenant_id = $1 AND epic_practitioner_id = $2`,
		tenantID, practitionerID)
	return scanProvider(row)
}

func (r *providerRepoPG) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Provider, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+providerCols+` FROM provider WHERE tenant_id = $1 ORDER BY last_name, first_name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *providerRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM provider WHERE id = $1`, id)
	return err
}

type assignmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAssignmentRepositoryPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

const assignmentCols = `id, user_id, provider_id, view_patients, edit_screenings, generate_prep_sheets, sync_epic, created_at`

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.ViewPatients,
		&a.EditScreenings, &a.GeneratePrepSheets, &a.SyncEpic, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assignmentRepoPG) Upsert(ctx context.Context, a *Assignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO user_provider_assignment (id, user_id, provider_id, view_patients, edit_screenings, generate_prep_sheets, sync_epic)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider_id) DO UPDATE SET
			view_patients = EXCLUDED.view_patients,
			edit_screenings = EXCLUDED.edit_screenings,
			generate_prep_sheets = EXCLUDED.generate_prep_sheets,
			sync_epic = EXCLUDED.sync_epic
		RETURNING id`,
		a.ID, a.UserID, a.ProviderID, a.ViewPatients, a.EditScreenings, a.GeneratePrepSheets, a.SyncEpic).Scan(&a.ID)
}

func (r *assignmentRepoPG) Get(ctx context.Context, userID, providerID uuid.UUID) (*Assignment, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+assignmentCols+` FROM user_provider_assignment WHERE user_id = $1 AND provider_id = $2`,
		userID, providerID)
	return scanAssignment(row)
}

func (r *assignmentRepoPG) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Assignment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+assignmentCols+` FROM user_provider_assignment WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *assignmentRepoPG) Delete(ctx context.Context, userID, providerID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM user_provider_assignment WHERE user_id = $1 AND provider_id = $2`, userID, providerID)
	return err
}
