package identity

import (
	"context"

	"github.com/google/uuid"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*User, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type ProviderRepository interface {
	Create(ctx context.Context, p *Provider) error
	Update(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetByPractitionerID(ctx context.Context, tenantID uuid.UUID, practitionerID string) (*Provider, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Provider, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type AssignmentRepository interface {
	Upsert(ctx context.Context, a *Assignment) error
	Get(ctx context.Context, userID, providerID uuid.UUID) (*Assignment, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Assignment, error)
	Delete(ctx context.Context, userID, providerID uuid.UUID) error
}
