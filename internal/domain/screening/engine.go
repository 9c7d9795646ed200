package screening

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Auditor is the slice of the HIPAA logger the engine needs.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
}

// Metrics counts refresh passes by outcome; nil disables it.
type Metrics interface {
	ScreeningRefreshed(skipped bool)
}

// Engine computes screening records for patients. It is safe for
// concurrent use by sync workers.
type Engine struct {
	types      TypeRepository
	screenings Repository
	patients   PatientSource
	docs       DocumentSource
	conditions ConditionSource
	// immunizations may be nil when no EMR connection exists; immunization
	// types then evaluate with no administrations on record.
	immunizations ImmunizationSource
	policies      PolicySource
	audit         Auditor
	metrics       Metrics
	pool          *pgxpool.Pool
	log           zerolog.Logger
	now           func() time.Time
}

type EngineConfig struct {
	Types         TypeRepository
	Screenings    Repository
	Patients      PatientSource
	Documents     DocumentSource
	Conditions    ConditionSource
	Immunizations ImmunizationSource
	Policies      PolicySource
	Audit         Auditor
	Metrics       Metrics
	Pool          *pgxpool.Pool
	Logger        zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		types:         cfg.Types,
		screenings:    cfg.Screenings,
		patients:      cfg.Patients,
		docs:          cfg.Documents,
		conditions:    cfg.Conditions,
		immunizations: cfg.Immunizations,
		policies:      cfg.Policies,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		pool:          cfg.Pool,
		log:           cfg.Logger.With().Str("component", "screening_engine").Logger(),
		now:           time.Now,
	}
}

// Skippable evaluates the selective-refresh conditions for one patient
// against the active type set. A first-ever evaluation is never skippable.
func (e *Engine) Skippable(ctx context.Context, p PatientView, types []*ScreeningType) (bool, error) {
	if p.LastFHIRSync == nil || p.DocumentsLastEvaluated == nil {
		return false, nil
	}
	count, err := e.screenings.CountForPatient(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	for _, st := range types {
		if st.CriteriaLastChanged.After(*p.DocumentsLastEvaluated) {
			return false, nil
		}
	}
	latest, err := e.docs.LatestCreatedAt(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if latest != nil && latest.After(*p.DocumentsLastEvaluated) {
		return false, nil
	}
	return true, nil
}

// RefreshPatient recomputes every active screening type for the patient
// and returns the number of records written. With force=false the
// selective-refresh check may skip the patient entirely.
func (e *Engine) RefreshPatient(ctx context.Context, p PatientView, force bool) (int, error) {
	types, err := e.types.ListActiveForTenant(ctx, p.TenantID)
	if err != nil {
		return 0, fmt.Errorf("load screening types: %w", err)
	}
	if len(types) == 0 {
		return 0, nil
	}

	if !force {
		skip, err := e.Skippable(ctx, p, types)
		if err != nil {
			return 0, err
		}
		if skip {
			if e.metrics != nil {
				e.metrics.ScreeningRefreshed(true)
			}
			return 0, nil
		}
	}

	policy, err := e.policies.Policy(ctx, p.TenantID)
	if err != nil {
		return 0, fmt.Errorf("load tenant policy: %w", err)
	}
	loc := policy.Location
	if loc == nil {
		loc = time.UTC
	}
	nowT := e.now().In(loc)
	today := time.Date(nowT.Year(), nowT.Month(), nowT.Day(), 0, 0, 0, 0, loc)

	docs, err := e.docs.MatchableDocs(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("load documents: %w", err)
	}
	conditionNames, err := e.conditions.ActiveConditionNames(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("load conditions: %w", err)
	}

	supersededBases := e.resolveVariants(p, types, conditionNames, today)

	written := 0
	for _, st := range types {
		if st.Category == CategoryRiskBased && st.BaseTypeID != nil &&
			!e.variantApplies(p, st, conditionNames, today) {
			// Non-matching variant: the base remains authoritative.
			continue
		}

		rec, err := e.evaluate(ctx, p, st, docs, conditionNames, today, policy, supersededBases)
		if err != nil {
			// Per-type failure leaves the prior record untouched.
			e.log.Warn().Err(err).
				Str("patient_id", p.ID.String()).
				Str("screening_type", st.Name).
				Msg("screening evaluation failed, keeping prior record")
			continue
		}
		if err := e.persist(ctx, rec); err != nil {
			e.log.Warn().Err(err).
				Str("patient_id", p.ID.String()).
				Str("screening_type", st.Name).
				Msg("screening persist failed")
			continue
		}
		written++
	}

	if err := e.patients.StampDocumentsEvaluated(ctx, p.ID, e.now().UTC()); err != nil {
		return written, fmt.Errorf("stamp documents_last_evaluated_at: %w", err)
	}

	if e.audit != nil {
		_ = e.audit.Log(ctx, &hipaa.Entry{
			TenantID:     p.TenantID,
			EventType:    hipaa.EventScreeningRefreshed,
			ResourceType: "patient",
			ResourceID:   &p.ID,
			Data:         map[string]any{"screenings_written": written, "types_evaluated": len(types)},
		})
	}
	if e.metrics != nil {
		e.metrics.ScreeningRefreshed(false)
	}
	return written, nil
}

// PatientViewByID loads a patient view under the caller's tenant and
// provider scope.
func (e *Engine) PatientViewByID(ctx context.Context, p scope.Principal, patientID uuid.UUID) (PatientView, error) {
	view, err := e.patients.GetForRefresh(ctx, patientID)
	if err != nil {
		return PatientView{}, err
	}
	if view == nil {
		return PatientView{}, errs.Ef(errs.KindNotFound, "patient %s", patientID)
	}
	if err := p.CheckTenant(view.TenantID); err != nil {
		return PatientView{}, err
	}
	if !p.CanAccessProvider(view.ProviderID) {
		return PatientView{}, errs.Ef(errs.KindForbidden, "patient %s is outside the caller's provider scope", patientID)
	}
	return *view, nil
}

// RefreshAllInTenant runs the selective refresh across the tenant's roster
// and returns the number of screening records written. Per-patient errors
// are logged and do not abort the pass.
func (e *Engine) RefreshAllInTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	patients, err := e.patients.ListForRefresh(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list patients: %w", err)
	}
	total := 0
	for _, p := range patients {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.RefreshPatient(ctx, p, false)
		if err != nil {
			e.log.Error().Err(err).Str("patient_id", p.ID.String()).Msg("patient refresh failed")
			continue
		}
		total += n
	}
	return total, nil
}

// variantApplies reports whether a risk-based variant's trigger conditions
// match the patient, on top of demographic eligibility.
func (e *Engine) variantApplies(p PatientView, st *ScreeningType, conditionNames []string, today time.Time) bool {
	if !e.demographicsEligible(p, st, today) {
		return false
	}
	if len(st.TriggerConditions) == 0 {
		return false
	}
	return MatchesTrigger(conditionNames, st.TriggerConditions)
}

// resolveVariants returns the set of base type ids superseded by an
// applicable risk-based variant.
func (e *Engine) resolveVariants(p PatientView, types []*ScreeningType, conditionNames []string, today time.Time) map[uuid.UUID]bool {
	superseded := make(map[uuid.UUID]bool)
	for _, st := range types {
		if st.Category != CategoryRiskBased || st.BaseTypeID == nil {
			continue
		}
		if e.variantApplies(p, st, conditionNames, today) {
			superseded[*st.BaseTypeID] = true
		}
	}
	return superseded
}

func (e *Engine) demographicsEligible(p PatientView, st *ScreeningType, today time.Time) bool {
	if st.EligibleSexes != SexBoth && st.EligibleSexes != p.Sex {
		return false
	}
	age := AgeInYears(p.BirthDate, today)
	if st.MinAge != nil && age < *st.MinAge {
		return false
	}
	if st.MaxAge != nil && age > *st.MaxAge {
		return false
	}
	return true
}

func (e *Engine) eligible(p PatientView, st *ScreeningType, conditionNames []string, today time.Time) bool {
	if !e.demographicsEligible(p, st, today) {
		return false
	}
	if st.Category == CategoryConditional {
		return MatchesTrigger(conditionNames, st.TriggerConditions)
	}
	return true
}

// evaluate computes the fresh record for one (patient, type) pair.
func (e *Engine) evaluate(ctx context.Context, p PatientView, st *ScreeningType, docs []MatchableDoc, conditionNames []string, today time.Time, policy Policy, supersededBases map[uuid.UUID]bool) (*Screening, error) {
	prior, err := e.screenings.GetByPatientAndType(ctx, p.ID, st.ID)
	if err != nil {
		return nil, fmt.Errorf("load prior screening: %w", err)
	}

	rec := &Screening{
		TenantID:        p.TenantID,
		PatientID:       p.ID,
		ScreeningTypeID: st.ID,
		ProviderID:      p.ProviderID,
		LastProcessed:   e.now().UTC(),
	}
	if prior != nil {
		rec.ID = prior.ID
		rec.LastCompleted = prior.LastCompleted
		rec.IsDormant = prior.IsDormant
	}

	if supersededBases[st.ID] {
		rec.Status = StatusSuperseded
		return rec, nil
	}

	if !e.eligible(p, st, conditionNames, today) {
		// last_completed carries over from the prior record.
		rec.Status = StatusNotEligible
		return rec, nil
	}

	if st.IsImmunizationBased {
		return e.evaluateImmunization(ctx, p, st, rec, today, policy)
	}

	var cutoff time.Time
	switch st.Frequency.Unit {
	case UnitYears:
		cutoff = today.AddDate(-st.Frequency.Value, 0, 0)
	case UnitMonths:
		cutoff = today.AddDate(0, -st.Frequency.Value, 0)
	default:
		cutoff = today.AddDate(0, 0, -st.Frequency.Value)
	}

	var lastCompleted time.Time
	var matched []uuid.UUID
	for _, doc := range docs {
		if doc.Date.Before(cutoff) {
			continue
		}
		if !AnyKeywordMatch(doc.Text, st.Keywords) {
			continue
		}
		matched = append(matched, doc.ID)
		if doc.Date.After(lastCompleted) {
			lastCompleted = doc.Date
		}
	}

	if len(matched) == 0 {
		rec.Status = StatusDue
		rec.LastCompleted = nil
		due := today
		rec.NextDue = &due
		rec.MatchedDocumentIDs = nil
		return rec, nil
	}

	nextDue := st.Frequency.NextDue(lastCompleted)
	rec.LastCompleted = &lastCompleted
	rec.NextDue = &nextDue
	rec.Status = statusFor(today, nextDue, policy.OverdueAfterDays)
	rec.MatchedDocumentIDs = matched
	return rec, nil
}

func (e *Engine) evaluateImmunization(ctx context.Context, p PatientView, st *ScreeningType, rec *Screening, today time.Time, policy Policy) (*Screening, error) {
	if len(st.VaccineCodes) == 0 {
		// Declared immunization-based with no CVX set configured: refuse to
		// guess.
		rec.Status = StatusUnknown
		rec.RequiresVaccineCodes = true
		return rec, nil
	}
	var latest *time.Time
	if e.immunizations != nil {
		var err error
		latest, err = e.immunizations.LatestAdministration(ctx, p, st.VaccineCodes)
		if err != nil {
			return nil, fmt.Errorf("fetch immunizations: %w", err)
		}
	}
	if latest == nil {
		rec.Status = StatusDue
		rec.LastCompleted = nil
		due := today
		rec.NextDue = &due
		return rec, nil
	}
	nextDue := st.Frequency.NextDue(*latest)
	rec.LastCompleted = latest
	rec.NextDue = &nextDue
	rec.Status = statusFor(today, nextDue, policy.OverdueAfterDays)
	return rec, nil
}

// persist writes the record and swaps the document associations in one
// transaction.
func (e *Engine) persist(ctx context.Context, rec *Screening) error {
	write := func(ctx context.Context) error {
		if err := e.screenings.Upsert(ctx, rec); err != nil {
			return err
		}
		return e.screenings.ReplaceMatches(ctx, rec.ID, rec.MatchedDocumentIDs)
	}
	if e.pool == nil {
		return write(ctx)
	}
	return db.WithTx(ctx, e.pool, write)
}
