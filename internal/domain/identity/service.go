package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Auditor is the slice of the HIPAA logger this service needs.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
	Hasher() *hipaa.IdentifierHasher
}

// Alerter raises security alerts (brute force, lockout).
type Alerter interface {
	Alert(ctx context.Context, tenantID uuid.UUID, eventType, detail string) error
}

type Service struct {
	users       UserRepository
	providers   ProviderRepository
	assignments AssignmentRepository
	audit       Auditor
	alerts      Alerter
	bruteForce  *hipaa.BruteForceTracker
	log         zerolog.Logger
	now         func() time.Time
}

func NewService(users UserRepository, providers ProviderRepository, assignments AssignmentRepository,
	audit Auditor, alerts Alerter, log zerolog.Logger) *Service {
	return &Service{
		users:       users,
		providers:   providers,
		assignments: assignments,
		audit:       audit,
		alerts:      alerts,
		bruteForce:  hipaa.NewBruteForceTracker(),
		log:         log,
		now:         time.Now,
	}
}

// Authenticate verifies credentials and builds the caller's principal,
// including the provider set from assignments. Failed attempts feed the
// brute-force tracker; crossing the threshold raises a security alert.
func (s *Service) Authenticate(ctx context.Context, email, password, ip, userAgent string) (scope.Principal, error) {
	fail := func() (scope.Principal, error) {
		if s.bruteForce.RecordFailure(ip) && s.alerts != nil {
			_ = s.alerts.Alert(ctx, hipaa.SystemTenant, hipaa.EventBruteForce,
				fmt.Sprintf("repeated failed logins from %s", ip))
		}
		return scope.Principal{}, errs.Ef(errs.KindAuthRequired, "invalid credentials")
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return scope.Principal{}, err
	}
	if u == nil || !u.Active {
		return fail()
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return fail()
	}

	s.bruteForce.RecordSuccess(ip)

	now := s.now()
	u.LastLoginAt = &now
	if err := s.users.Update(ctx, u); err != nil {
		s.log.Warn().Err(err).Msg("stamp last login")
	}

	p := scope.Principal{
		UserID:    u.ID,
		Role:      u.Role,
		SessionID: uuid.NewString(),
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if u.TenantID != nil {
		p.TenantID = *u.TenantID
	}

	assignments, err := s.assignments.ListByUser(ctx, u.ID)
	if err != nil {
		return scope.Principal{}, err
	}
	for _, a := range assignments {
		p.ProviderIDs = append(p.ProviderIDs, a.ProviderID)
	}
	return p, nil
}

// bcryptCost stays at the library default; raising it is a config change,
// not a per-call decision.
const bcryptCost = bcrypt.DefaultCost

func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errs.Ef(errs.KindConflict, "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CreateUser registers an account. Only root admins may create other root
// admins or cross tenant boundaries.
func (s *Service) CreateUser(ctx context.Context, pr scope.Principal, u *User, password string) error {
	if err := u.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	if u.Role == scope.RoleRootAdmin && !pr.IsRootAdmin() {
		return errs.Ef(errs.KindForbidden, "only root admins may create root admins")
	}
	if u.TenantID != nil {
		if err := pr.CheckTenant(*u.TenantID); err != nil {
			return err
		}
	} else if !pr.IsRootAdmin() {
		return errs.Ef(errs.KindForbidden, "tenant-less accounts require root admin")
	}

	existing, err := s.users.GetByEmail(ctx, u.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		return errs.Ef(errs.KindConflict, "email already registered")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.Active = true
	return s.users.Create(ctx, u)
}

// SetPassword rotates a user's password. Users may change their own;
// admins may reset within their tenant.
func (s *Service) SetPassword(ctx context.Context, pr scope.Principal, userID uuid.UUID, password string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return errs.Ef(errs.KindNotFound, "user %s", userID)
	}
	if pr.UserID != userID {
		if pr.Role != scope.RoleAdmin && !pr.IsRootAdmin() {
			return errs.Ef(errs.KindForbidden, "cannot change another user's password")
		}
		if u.TenantID != nil {
			if err := pr.CheckTenant(*u.TenantID); err != nil {
				return err
			}
		} else if !pr.IsRootAdmin() {
			return errs.Ef(errs.KindForbidden, "tenant-less accounts require root admin")
		}
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return s.users.Update(ctx, u)
}

// Deactivate disables an account without deleting its audit history.
func (s *Service) Deactivate(ctx context.Context, pr scope.Principal, userID uuid.UUID) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return errs.Ef(errs.KindNotFound, "user %s", userID)
	}
	if u.TenantID != nil {
		if err := pr.CheckTenant(*u.TenantID); err != nil {
			return err
		}
	} else if !pr.IsRootAdmin() {
		return errs.Ef(errs.KindForbidden, "tenant-less accounts require root admin")
	}
	u.Active = false
	return s.users.Update(ctx, u)
}

func (s *Service) ListUsers(ctx context.Context, pr scope.Principal, tenantID uuid.UUID) ([]*User, error) {
	if err := pr.CheckTenant(tenantID); err != nil {
		return nil, err
	}
	return s.users.ListByTenant(ctx, tenantID)
}

// -- Providers --

func (s *Service) CreateProvider(ctx context.Context, pr scope.Principal, p *Provider) error {
	if err := p.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	if err := pr.CheckTenant(p.TenantID); err != nil {
		return err
	}
	if p.EpicPractitionerID != "" {
		existing, err := s.providers.GetByPractitionerID(ctx, p.TenantID, p.EpicPractitionerID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errs.Ef(errs.KindConflict, "practitioner id already registered")
		}
	}
	p.Active = true
	return s.providers.Create(ctx, p)
}

func (s *Service) GetProvider(ctx context.Context, pr scope.Principal, id uuid.UUID) (*Provider, error) {
	p, err := s.providers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.Ef(errs.KindNotFound, "provider %s", id)
	}
	if err := pr.CheckTenant(p.TenantID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) UpdateProvider(ctx context.Context, pr scope.Principal, p *Provider) error {
	current, err := s.GetProvider(ctx, pr, p.ID)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	p.TenantID = current.TenantID
	return s.providers.Update(ctx, p)
}

func (s *Service) ListProviders(ctx context.Context, pr scope.Principal, tenantID uuid.UUID) ([]*Provider, error) {
	if err := pr.CheckTenant(tenantID); err != nil {
		return nil, err
	}
	return s.providers.ListByTenant(ctx, tenantID)
}

// -- Assignments --

// Assign links a user to a provider. Both must belong to the caller's
// tenant; cross-tenant assignment is a scope violation.
func (s *Service) Assign(ctx context.Context, pr scope.Principal, a *Assignment) error {
	u, err := s.users.GetByID(ctx, a.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return errs.Ef(errs.KindNotFound, "user %s", a.UserID)
	}
	p, err := s.providers.GetByID(ctx, a.ProviderID)
	if err != nil {
		return err
	}
	if p == nil {
		return errs.Ef(errs.KindNotFound, "provider %s", a.ProviderID)
	}
	if u.TenantID == nil || *u.TenantID != p.TenantID {
		return errs.Ef(errs.KindForbidden, "user and provider belong to different tenants")
	}
	if err := pr.CheckTenant(p.TenantID); err != nil {
		return err
	}
	return s.assignments.Upsert(ctx, a)
}

func (s *Service) Unassign(ctx context.Context, pr scope.Principal, userID, providerID uuid.UUID) error {
	p, err := s.GetProvider(ctx, pr, providerID)
	if err != nil {
		return err
	}
	return s.assignments.Delete(ctx, userID, p.ID)
}

func (s *Service) ListAssignments(ctx context.Context, pr scope.Principal, userID uuid.UUID) ([]*Assignment, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errs.Ef(errs.KindNotFound, "user %s", userID)
	}
	if u.TenantID != nil {
		if err := pr.CheckTenant(*u.TenantID); err != nil {
			return nil, err
		}
	}
	return s.assignments.ListByUser(ctx, userID)
}

// Can reports whether the user holds the named capability on the provider.
// Admin roles hold every capability implicitly.
func (s *Service) Can(ctx context.Context, pr scope.Principal, providerID uuid.UUID, capability string) (bool, error) {
	if pr.ProviderUnrestricted() {
		return true, nil
	}
	a, err := s.assignments.Get(ctx, pr.UserID, providerID)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, nil
	}
	switch capability {
	case "view_patients":
		return a.ViewPatients, nil
	case "edit_screenings":
		return a.EditScreenings, nil
	case "generate_prep_sheets":
		return a.GeneratePrepSheets, nil
	case "sync_epic":
		return a.SyncEpic, nil
	default:
		return false, errs.Ef(errs.KindConflict, "unknown capability %q", capability)
	}
}
