package main

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/domain/prepsheet"
	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/jobs"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// runBatchSync pulls each patient through the sync pipeline, checkpointing
// between patients so cancellation lands on an item boundary. Auth failures
// abort the whole job: every remaining patient would hit the same wall. An
// exhausted FHIR budget also aborts the pass, and the pool requeues the job
// to resume once the hourly window turns over.
func (a *app) runBatchSync(ctx context.Context, job *jobs.Job, rt *jobs.Runtime) (json.RawMessage, error) {
	var payload jobs.BatchSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errs.Ef(errs.KindPermanent, "decode payload: %v", err)
	}

	client, err := a.factory.Client(ctx, job.TenantID, payload.ProviderID)
	if err != nil {
		return nil, err
	}

	done, failed := 0, 0
	for _, patientID := range payload.PatientIDs {
		if err := rt.Checkpoint(ctx); err != nil {
			return nil, err
		}
		if _, err := a.syncer.SyncPatient(ctx, client, patientID, payload.ProviderID, payload.Force); err != nil {
			switch errs.KindOf(err) {
			case errs.KindAuthRequired, errs.KindReauthRequired, errs.KindRateLimitExceeded:
				return nil, err
			}
			a.log.Warn().Err(err).
				Str("job", job.ID.String()).
				Str("patient", patientID.String()).
				Msg("patient sync failed")
			failed++
		} else {
			done++
		}
		rt.Progress(ctx, done, failed)
	}
	if err := a.tenants.RecordSync(ctx, job.TenantID, payload.Force); err != nil {
		a.log.Warn().Err(err).Str("tenant", job.TenantID.String()).Msg("stamp tenant last sync")
	}
	return json.Marshal(jobs.BatchResult{Done: done, Failed: failed})
}

// runPrepSheets generates sheets under the system principal for the job's
// tenant. Per-patient failures are counted, not fatal.
func (a *app) runPrepSheets(ctx context.Context, job *jobs.Job, rt *jobs.Runtime) (json.RawMessage, error) {
	var payload jobs.PrepSheetsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errs.Ef(errs.KindPermanent, "decode payload: %v", err)
	}

	pr := scope.System(job.TenantID)

	typeNames, err := a.resolveTypeNames(ctx, payload.ScreeningTypeIDs)
	if err != nil {
		return nil, err
	}

	done, failed := 0, 0
	for _, patientID := range payload.PatientIDs {
		if err := rt.Checkpoint(ctx); err != nil {
			return nil, err
		}

		sheet, err := a.prep.Generate(ctx, pr, patientID)
		if err != nil {
			a.log.Warn().Err(err).
				Str("job", job.ID.String()).
				Str("patient", patientID.String()).
				Msg("prep sheet generation failed")
			failed++
			rt.Progress(ctx, done, failed)
			continue
		}
		if typeNames != nil {
			filterSheet(sheet, typeNames)
		}

		if payload.WriteBack {
			client, err := a.factory.Client(ctx, job.TenantID, nil)
			if err != nil {
				return nil, err
			}
			if _, err := a.prep.WriteBack(ctx, pr, client, sheet); err != nil {
				switch errs.KindOf(err) {
				case errs.KindAuthRequired, errs.KindReauthRequired, errs.KindRateLimitExceeded:
					return nil, err
				}
				a.log.Warn().Err(err).
					Str("job", job.ID.String()).
					Str("patient", patientID.String()).
					Msg("prep sheet write-back failed")
				failed++
				rt.Progress(ctx, done, failed)
				continue
			}
		}

		done++
		rt.Progress(ctx, done, failed)
	}
	return json.Marshal(jobs.BatchResult{Done: done, Failed: failed})
}

// resolveTypeNames maps a screening-type filter to the names sheets key
// their items by. Nil means no filter.
func (a *app) resolveTypeNames(ctx context.Context, ids []uuid.UUID) (map[string]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	names := make(map[string]bool, len(ids))
	for _, id := range ids {
		st, err := a.types.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, errs.Ef(errs.KindNotFound, "screening type %s", id)
		}
		names[st.Name] = true
	}
	return names, nil
}

// filterSheet trims screening groups down to the requested types, dropping
// groups left empty.
func filterSheet(sheet *prepsheet.Sheet, typeNames map[string]bool) {
	groups := sheet.Groups[:0]
	for _, g := range sheet.Groups {
		items := g.Items[:0]
		for _, it := range g.Items {
			if typeNames[it.TypeName] {
				items = append(items, it)
			}
		}
		if len(items) > 0 {
			g.Items = items
			groups = append(groups, g)
		}
	}
	sheet.Groups = groups
}
