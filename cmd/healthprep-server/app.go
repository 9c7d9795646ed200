package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/config"
	"github.com/healthprep/healthprep/internal/domain/documents"
	"github.com/healthprep/healthprep/internal/domain/emrsync"
	"github.com/healthprep/healthprep/internal/domain/identity"
	"github.com/healthprep/healthprep/internal/domain/patient"
	"github.com/healthprep/healthprep/internal/domain/prepsheet"
	"github.com/healthprep/healthprep/internal/domain/screening"
	"github.com/healthprep/healthprep/internal/domain/tenant"
	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/epic"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/jobs"
	"github.com/healthprep/healthprep/internal/platform/ocr"
	"github.com/healthprep/healthprep/internal/platform/phi"
	"github.com/healthprep/healthprep/internal/platform/telemetry"
)

const version = "0.1.0"

// app is the shared dependency graph behind both the API server and the
// job worker.
type app struct {
	cfg  *config.Config
	log  zerolog.Logger
	pool *pgxpool.Pool

	audit *hipaa.Logger
	tele  *telemetry.Provider

	tenants   *tenant.Service
	policy    *tenant.PolicyAdapter
	identity  *identity.Service
	patients  patient.Repository
	patientSvc *patient.Service
	documents *documents.Service
	localDocs documents.Repository
	fhirDocs  documents.FHIRRepository
	appts     patient.AppointmentRepository
	types     screening.TypeRepository
	screens   screening.Repository
	engine    *screening.Engine
	screenSvc *screening.Service
	syncer    *emrsync.Syncer
	factory   *emrsync.ClientFactory
	prep      *prepsheet.Service
	jobs      *jobs.Service
	jobsRepo  jobs.Repository

	sessionSecret []byte
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildApp loads configuration, connects the database, and wires every
// service. Callers own Close.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	box, err := hipaa.NewSecretBox(cfg.EncryptionKeyBytes())
	if err != nil {
		pool.Close()
		return nil, err
	}
	hasher := hipaa.NewIdentifierHasher(cfg.SessionSecret)
	audit, err := hipaa.NewLogger(pool, hasher, cfg.AuditLogFile)
	if err != nil {
		pool.Close()
		return nil, err
	}

	tele := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "healthprep",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	a := &app{
		cfg:           cfg,
		log:           log,
		pool:          pool,
		audit:         audit,
		tele:          tele,
		sessionSecret: []byte(cfg.SessionSecret),
	}

	// Tenants and policy.
	orgRepo := tenant.NewRepositoryPG(pool)
	a.tenants = tenant.NewService(orgRepo, box, audit, pool, log)
	a.policy = tenant.NewPolicyAdapter(orgRepo)
	creds := tenant.NewCredentialAdapter(orgRepo, a.tenants)

	// Identity.
	users := identity.NewUserRepositoryPG(pool)
	providers := identity.NewProviderRepositoryPG(pool)
	assignments := identity.NewAssignmentRepositoryPG(pool)
	alerts := hipaa.NewAlertDispatcher(nil, audit, log)
	a.identity = identity.NewService(users, providers, assignments, audit, alerts, log)

	// Patients.
	a.patients = patient.NewRepoPG(pool)
	conditions := patient.NewConditionRepoPG(pool)
	a.appts = patient.NewAppointmentRepoPG(pool)
	a.patientSvc = patient.NewService(a.patients, conditions, a.appts, audit)

	// Documents and the extraction pipeline. No raster engine is bundled;
	// PDFs without embedded text fail with ocr_failed until a vendor engine
	// is plugged in.
	a.localDocs = documents.NewRepositoryPG(pool)
	a.fhirDocs = documents.NewFHIRRepositoryPG(pool)
	extractor := ocr.NewExtractor(nil)
	filter := phi.NewFilter(true)
	a.documents = documents.NewService(a.localDocs, a.fhirDocs, extractor, filter, audit, tele, log)

	// EMR connectivity.
	tokens := identity.NewOAuthSessionStore(pool, box)
	ledger := epic.NewPGCallLedger(pool)
	a.factory = emrsync.NewClientFactory(emrsync.FactoryConfig{
		Credentials: creds,
		Tokens:      tokens,
		Ledger:      ledger,
		Metrics:     tele,
		RedirectURL: cfg.BaseURL + "/api/v1/emr/callback",
		Logger:      log,
	})

	// Screening engine.
	a.types = screening.NewTypeRepoPG(pool)
	a.screens = screening.NewScreeningRepoPG(pool)
	a.engine = screening.NewEngine(screening.EngineConfig{
		Types:         a.types,
		Screenings:    a.screens,
		Patients:      patient.NewEngineAdapter(pool, a.patients),
		Documents:     documents.NewMatcherAdapter(pool, a.localDocs, a.fhirDocs),
		Conditions:    patient.NewConditionAdapter(conditions),
		Immunizations: emrsync.NewImmunizationAdapter(a.patients, a.factory),
		Policies:      a.policy,
		Audit:         audit,
		Metrics:       tele,
		Pool:          pool,
		Logger:        log,
	})
	a.screenSvc = screening.NewService(a.types, a.screens, audit)

	// Sync pipeline.
	a.syncer = emrsync.NewSyncer(emrsync.Config{
		Patients:     a.patients,
		Conditions:   conditions,
		Appointments: a.appts,
		FHIRDocs:     a.fhirDocs,
		Types:        a.types,
		Ingest:       a.documents,
		Engine:       a.engine,
		Settings:     a.policy,
		Audit:        audit,
		Metrics:      tele,
		Logger:       log,
	})

	// Prep sheets. Renderer nil: sheets attach as text/html until a PDF
	// renderer is configured.
	a.prep = prepsheet.NewService(prepsheet.Config{
		Patients:     a.patients,
		Screenings:   a.screens,
		Types:        a.types,
		LocalDocs:    a.localDocs,
		FHIRDocs:     a.fhirDocs,
		Appointments: a.appts,
		Policies:     a.policy,
		Audit:        audit,
		Logger:       log,
	})

	// Job queue.
	a.jobsRepo = jobs.NewRepoPG(pool)
	a.jobs = jobs.NewService(a.jobsRepo, a.policy, epic.NewRateGate(ledger), audit, log)

	return a, nil
}

func (a *app) Close() {
	a.pool.Close()
}

// sampleStats feeds the pool and queue gauges until ctx ends.
func (a *app) sampleStats(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := a.pool.Stat()
			a.tele.SetDBPool(int64(st.AcquiredConns()), int64(st.IdleConns()))
			if n, err := a.jobsRepo.CountQueued(ctx); err == nil {
				a.tele.SetQueueDepth(int64(n))
			}
		}
	}
}
