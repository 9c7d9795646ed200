package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

type memUsers struct {
	rows map[uuid.UUID]*User
}

func newMemUsers() *memUsers { return &memUsers{rows: make(map[uuid.UUID]*User)} }

func (m *memUsers) Create(_ context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	cp.Email = strings.ToLower(cp.Email)
	m.rows[u.ID] = &cp
	return nil
}
func (m *memUsers) Update(_ context.Context, u *User) error {
	cp := *u
	cp.Email = strings.ToLower(cp.Email)
	m.rows[u.ID] = &cp
	return nil
}
func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}
func (m *memUsers) GetByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range m.rows {
		if u.Email == strings.ToLower(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}
func (m *memUsers) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*User, error) {
	var out []*User
	for _, u := range m.rows {
		if u.TenantID != nil && *u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	return out, nil
}
func (m *memUsers) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.rows, id)
	return nil
}

type memProviders struct {
	rows map[uuid.UUID]*Provider
}

func newMemProviders() *memProviders { return &memProviders{rows: make(map[uuid.UUID]*Provider)} }

func (m *memProviders) Create(_ context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}
func (m *memProviders) Update(_ context.Context, p *Provider) error {
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}
func (m *memProviders) GetByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	p, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}
func (m *memProviders) GetByPractitionerID(_ context.Context, tenantID uuid.UUID, practitionerID string) (*Provider, error) {
	for _, p := range m.rows {
		if p.TenantID == tenantID && p.EpicPractitionerID == practitionerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}
func (m *memProviders) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*Provider, error) {
	var out []*Provider
	for _, p := range m.rows {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (m *memProviders) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.rows, id)
	return nil
}

type memAssignments struct {
	rows map[string]*Assignment
}

func newMemAssignments() *memAssignments {
	return &memAssignments{rows: make(map[string]*Assignment)}
}

func assignKey(userID, providerID uuid.UUID) string {
	return userID.String() + "|" + providerID.String()
}

func (m *memAssignments) Upsert(_ context.Context, a *Assignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.rows[assignKey(a.UserID, a.ProviderID)] = &cp
	return nil
}
func (m *memAssignments) Get(_ context.Context, userID, providerID uuid.UUID) (*Assignment, error) {
	a, ok := m.rows[assignKey(userID, providerID)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}
func (m *memAssignments) ListByUser(_ context.Context, userID uuid.UUID) ([]*Assignment, error) {
	var out []*Assignment
	for _, a := range m.rows {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (m *memAssignments) Delete(_ context.Context, userID, providerID uuid.UUID) error {
	delete(m.rows, assignKey(userID, providerID))
	return nil
}

type captureAlerts struct {
	events []string
}

func (a *captureAlerts) Alert(_ context.Context, _ uuid.UUID, eventType, _ string) error {
	a.events = append(a.events, eventType)
	return nil
}

type harness struct {
	svc         *Service
	users       *memUsers
	providers   *memProviders
	assignments *memAssignments
	alerts      *captureAlerts
}

func newHarness() *harness {
	users := newMemUsers()
	providers := newMemProviders()
	assignments := newMemAssignments()
	alerts := &captureAlerts{}
	svc := NewService(users, providers, assignments, nil, alerts, zerolog.Nop())
	return &harness{svc: svc, users: users, providers: providers, assignments: assignments, alerts: alerts}
}

func (h *harness) seedUser(t *testing.T, tenantID uuid.UUID, email, password string, role scope.Role) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := &User{TenantID: &tenantID, Email: email, Role: role, PasswordHash: string(hash), Active: true}
	if err := h.users.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestAuthenticate_Success(t *testing.T) {
	h := newHarness()
	tenant := uuid.New()
	u := h.seedUser(t, tenant, "nurse@clinic.test", "correct horse", scope.RoleNurse)

	provider := &Provider{TenantID: tenant, FirstName: "Ada", LastName: "Nguyen", Active: true}
	if err := h.providers.Create(context.Background(), provider); err != nil {
		t.Fatal(err)
	}
	if err := h.assignments.Upsert(context.Background(), &Assignment{
		UserID: u.ID, ProviderID: provider.ID, ViewPatients: true,
	}); err != nil {
		t.Fatal(err)
	}

	pr, err := h.svc.Authenticate(context.Background(), "Nurse@Clinic.Test", "correct horse", "10.0.0.1", "ua")
	if err != nil {
		t.Fatal(err)
	}
	if pr.UserID != u.ID || pr.TenantID != tenant || pr.Role != scope.RoleNurse {
		t.Errorf("principal = %+v", pr)
	}
	if len(pr.ProviderIDs) != 1 || pr.ProviderIDs[0] != provider.ID {
		t.Errorf("provider ids = %v", pr.ProviderIDs)
	}
	if pr.SessionID == "" {
		t.Error("session id missing")
	}

	stored, _ := h.users.GetByID(context.Background(), u.ID)
	if stored.LastLoginAt == nil {
		t.Error("last login not stamped")
	}
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	h := newHarness()
	h.seedUser(t, uuid.New(), "a@b.test", "right", scope.RoleAdmin)

	_, err := h.svc.Authenticate(context.Background(), "a@b.test", "wrong", "10.0.0.1", "ua")
	if !errs.Is(err, errs.KindAuthRequired) {
		t.Errorf("expected auth_required, got %v", err)
	}
}

func TestAuthenticate_InactiveUser(t *testing.T) {
	h := newHarness()
	u := h.seedUser(t, uuid.New(), "a@b.test", "pw123456", scope.RoleAdmin)
	u.Active = false
	if err := h.users.Update(context.Background(), u); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.Authenticate(context.Background(), "a@b.test", "pw123456", "10.0.0.1", "ua")
	if !errs.Is(err, errs.KindAuthRequired) {
		t.Errorf("expected auth_required, got %v", err)
	}
}

func TestAuthenticate_BruteForceAlert(t *testing.T) {
	h := newHarness()
	h.seedUser(t, uuid.New(), "a@b.test", "right", scope.RoleAdmin)

	for i := 0; i < 10; i++ {
		_, _ = h.svc.Authenticate(context.Background(), "a@b.test", "wrong", "203.0.113.9", "ua")
	}
	if len(h.alerts.events) == 0 {
		t.Fatal("expected a brute-force alert after 10 failures")
	}
	if h.alerts.events[0] != "brute_force_detected" {
		t.Errorf("event = %q", h.alerts.events[0])
	}
}

func TestCreateUser_RulesAndDuplicates(t *testing.T) {
	h := newHarness()
	tenant := uuid.New()
	admin := scope.Principal{UserID: uuid.New(), TenantID: tenant, Role: scope.RoleAdmin}

	u := &User{TenantID: &tenant, Email: "new@clinic.test", Role: scope.RoleStaff}
	if err := h.svc.CreateUser(context.Background(), admin, u, "longenough"); err != nil {
		t.Fatal(err)
	}
	if u.PasswordHash == "" || u.PasswordHash == "longenough" {
		t.Error("password must be stored hashed")
	}

	dup := &User{TenantID: &tenant, Email: "new@clinic.test", Role: scope.RoleStaff}
	if err := h.svc.CreateUser(context.Background(), admin, dup, "longenough"); !errs.Is(err, errs.KindConflict) {
		t.Errorf("duplicate email: expected conflict, got %v", err)
	}

	short := &User{TenantID: &tenant, Email: "short@clinic.test", Role: scope.RoleStaff}
	if err := h.svc.CreateUser(context.Background(), admin, short, "tiny"); !errs.Is(err, errs.KindConflict) {
		t.Errorf("short password: expected conflict, got %v", err)
	}

	root := &User{Email: "root@hq.test", Role: scope.RoleRootAdmin}
	if err := h.svc.CreateUser(context.Background(), admin, root, "longenough"); !errs.Is(err, errs.KindForbidden) {
		t.Errorf("tenant admin creating root admin: expected forbidden, got %v", err)
	}
}

func TestUserValidate_RootAdminTenantless(t *testing.T) {
	tenant := uuid.New()
	u := &User{TenantID: &tenant, Email: "r@hq.test", Role: scope.RoleRootAdmin}
	if u.Validate() == nil {
		t.Error("root admin with tenant must fail validation")
	}
	u = &User{Email: "n@clinic.test", Role: scope.RoleNurse}
	if u.Validate() == nil {
		t.Error("tenant-less nurse must fail validation")
	}
}

func TestAssign_CrossTenantRejected(t *testing.T) {
	h := newHarness()
	tenantA, tenantB := uuid.New(), uuid.New()
	admin := scope.Principal{UserID: uuid.New(), TenantID: tenantA, Role: scope.RoleAdmin}

	u := h.seedUser(t, tenantA, "n@a.test", "pw123456", scope.RoleNurse)
	p := &Provider{TenantID: tenantB, FirstName: "Grace", LastName: "Okafor", Active: true}
	if err := h.providers.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	err := h.svc.Assign(context.Background(), admin, &Assignment{UserID: u.ID, ProviderID: p.ID})
	if !errs.Is(err, errs.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestCan_CapabilityFlags(t *testing.T) {
	h := newHarness()
	tenant := uuid.New()
	u := h.seedUser(t, tenant, "n@a.test", "pw123456", scope.RoleNurse)
	p := &Provider{TenantID: tenant, FirstName: "Grace", LastName: "Okafor", Active: true}
	if err := h.providers.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if err := h.assignments.Upsert(context.Background(), &Assignment{
		UserID: u.ID, ProviderID: p.ID, ViewPatients: true, SyncEpic: false,
	}); err != nil {
		t.Fatal(err)
	}

	nursePr := scope.Principal{UserID: u.ID, TenantID: tenant, Role: scope.RoleNurse, ProviderIDs: []uuid.UUID{p.ID}}
	if ok, err := h.svc.Can(context.Background(), nursePr, p.ID, "view_patients"); err != nil || !ok {
		t.Errorf("view_patients = %v, %v", ok, err)
	}
	if ok, _ := h.svc.Can(context.Background(), nursePr, p.ID, "sync_epic"); ok {
		t.Error("sync_epic should be denied")
	}
	if ok, _ := h.svc.Can(context.Background(), nursePr, uuid.New(), "view_patients"); ok {
		t.Error("unassigned provider should be denied")
	}

	adminPr := scope.Principal{UserID: uuid.New(), TenantID: tenant, Role: scope.RoleAdmin}
	if ok, _ := h.svc.Can(context.Background(), adminPr, p.ID, "sync_epic"); !ok {
		t.Error("admins hold every capability")
	}
}

func TestAuthenticate_LoginStampDoesNotBlock(t *testing.T) {
	// A clock far in the past still stamps; sanity-check the now hook.
	h := newHarness()
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return fixed }
	u := h.seedUser(t, uuid.New(), "a@b.test", "pw123456", scope.RoleAdmin)

	if _, err := h.svc.Authenticate(context.Background(), "a@b.test", "pw123456", "ip", "ua"); err != nil {
		t.Fatal(err)
	}
	stored, _ := h.users.GetByID(context.Background(), u.ID)
	if stored.LastLoginAt == nil || !stored.LastLoginAt.Equal(fixed) {
		t.Errorf("last login = %v, want %v", stored.LastLoginAt, fixed)
	}
}
