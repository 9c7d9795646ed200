package screening

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

type captureAudit struct{ entries []*hipaa.Entry }

func (c *captureAudit) Log(_ context.Context, e *hipaa.Entry) error {
	c.entries = append(c.entries, e)
	return nil
}

func adminFor(tenantID uuid.UUID) scope.Principal {
	return scope.Principal{UserID: uuid.New(), TenantID: tenantID, Role: scope.RoleAdmin}
}

func TestUpdateType_SignatureAdvancesOnlyOnCriteriaChange(t *testing.T) {
	tenant := uuid.New()
	st := baseType()
	st.TenantID = &tenant
	st.CriteriaSignature = st.ComputeSignature()
	st.CriteriaLastChanged = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	types := &fakeTypes{types: []*ScreeningType{st}}
	audit := &captureAudit{}
	svc := NewService(types, newFakeScreenings(), audit)
	svc.now = func() time.Time { return time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC) }

	// Cosmetic rename keeps the signature and timestamp.
	renamed := *st
	renamed.Name = "Mammogram (biennial)"
	if err := svc.UpdateType(context.Background(), adminFor(tenant), &renamed); err != nil {
		t.Fatal(err)
	}
	if renamed.CriteriaSignature != st.CriteriaSignature {
		t.Error("cosmetic edit changed the signature")
	}
	if !renamed.CriteriaLastChanged.Equal(st.CriteriaLastChanged) {
		t.Error("cosmetic edit advanced criteria_last_changed_at")
	}
	if len(audit.entries) != 0 {
		t.Error("cosmetic edit must not audit a criteria change")
	}

	// Criteria edit advances both.
	edited := *st
	edited.MinAge = intPtr(50)
	if err := svc.UpdateType(context.Background(), adminFor(tenant), &edited); err != nil {
		t.Fatal(err)
	}
	if edited.CriteriaSignature == st.CriteriaSignature {
		t.Error("criteria edit kept the old signature")
	}
	if !edited.CriteriaLastChanged.After(st.CriteriaLastChanged) {
		t.Error("criteria edit must advance criteria_last_changed_at")
	}
	if len(audit.entries) != 1 || audit.entries[0].EventType != hipaa.EventCriteriaChanged {
		t.Errorf("expected one criteria_changed audit entry, got %+v", audit.entries)
	}
}

func TestCreateType_GlobalRequiresRootAdmin(t *testing.T) {
	svc := NewService(&fakeTypes{}, newFakeScreenings(), nil)

	global := baseType()
	global.TenantID = nil

	err := svc.CreateType(context.Background(), adminFor(uuid.New()), global)
	if !errs.Is(err, errs.KindForbidden) {
		t.Errorf("tenant admin creating global type: %v", err)
	}

	root := scope.Principal{UserID: uuid.New(), Role: scope.RoleRootAdmin}
	if err := svc.CreateType(context.Background(), root, global); err != nil {
		t.Errorf("root admin creating global type: %v", err)
	}
	if global.CriteriaSignature == "" {
		t.Error("create must seed the signature")
	}
}

func TestUpdateType_CrossTenantForbidden(t *testing.T) {
	tenant := uuid.New()
	st := baseType()
	st.TenantID = &tenant
	st.CriteriaSignature = st.ComputeSignature()
	svc := NewService(&fakeTypes{types: []*ScreeningType{st}}, newFakeScreenings(), nil)

	other := adminFor(uuid.New())
	edit := *st
	edit.MinAge = intPtr(45)
	if err := svc.UpdateType(context.Background(), other, &edit); !errs.Is(err, errs.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestListScreenings_RejectsBadStatus(t *testing.T) {
	tenant := uuid.New()
	svc := NewService(&fakeTypes{}, newFakeScreenings(), nil)
	_, _, err := svc.ListScreenings(context.Background(), adminFor(tenant), tenant, "bogus", 10, 0)
	if !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected conflict for bad status filter, got %v", err)
	}
}
