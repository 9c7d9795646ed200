package emrsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/healthprep/healthprep/internal/platform/epic"
	"github.com/healthprep/healthprep/internal/platform/errs"
)

// defaultScopes is the scope set requested during provider authorization.
var defaultScopes = []string{
	"openid", "fhirUser", "offline_access",
	"patient/Patient.read", "patient/Condition.read", "patient/Observation.read",
	"patient/DiagnosticReport.read", "patient/DocumentReference.read",
	"patient/Encounter.read", "patient/Appointment.read",
	"patient/Immunization.read", "patient/Binary.read",
	"patient/DocumentReference.write",
}

const connectStateTTL = 10 * time.Minute

// Credentials is a tenant's Epic app registration plus connection limits.
type Credentials struct {
	FHIRBaseURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HourlyCap    int
	Sandbox      bool
}

// CredentialSource resolves a tenant's Epic registration. The tenant
// package adapts its organization store to this.
type CredentialSource interface {
	EpicCredentials(ctx context.Context, tenantID uuid.UUID) (Credentials, error)
}

// ClientFactory builds and caches per-(tenant, provider) FHIR clients:
// SMART discovery per base URL, one token manager per tenant, one client
// per key. It also runs the authorization-code connect flow.
type ClientFactory struct {
	creds       CredentialSource
	tokens      epic.TokenStore
	ledger      epic.CallLedger
	metrics     epic.CallMetrics
	redirectURL string
	hc          *http.Client
	log         zerolog.Logger

	mu       sync.Mutex
	smart    map[string]*epic.SMARTConfiguration
	managers map[uuid.UUID]*epic.TokenManager
	clients  map[string]*epic.Client
	pending  map[string]pendingAuth
}

type pendingAuth struct {
	key     epic.ClientKey
	expires time.Time
}

var _ ClientSource = (*ClientFactory)(nil)

// FactoryConfig wires a ClientFactory. Metrics may be nil.
type FactoryConfig struct {
	Credentials CredentialSource
	Tokens      epic.TokenStore
	Ledger      epic.CallLedger
	Metrics     epic.CallMetrics
	RedirectURL string
	Logger      zerolog.Logger
}

func NewClientFactory(cfg FactoryConfig) *ClientFactory {
	return &ClientFactory{
		creds:       cfg.Credentials,
		tokens:      cfg.Tokens,
		ledger:      cfg.Ledger,
		metrics:     cfg.Metrics,
		redirectURL: cfg.RedirectURL,
		hc:          &http.Client{Timeout: 30 * time.Second},
		log:         cfg.Logger,
		smart:       make(map[string]*epic.SMARTConfiguration),
		managers:    make(map[uuid.UUID]*epic.TokenManager),
		clients:     make(map[string]*epic.Client),
		pending:     make(map[string]pendingAuth),
	}
}

// ClientFor satisfies ClientSource for the sync pipeline and the
// immunization adapter.
func (f *ClientFactory) ClientFor(ctx context.Context, tenantID uuid.UUID, providerID *uuid.UUID) (Fetcher, error) {
	return f.Client(ctx, tenantID, providerID)
}

// Client returns the cached client for the key, building it on first use.
func (f *ClientFactory) Client(ctx context.Context, tenantID uuid.UUID, providerID *uuid.UUID) (*epic.Client, error) {
	key := epic.ClientKey{TenantID: tenantID, ProviderID: providerID}

	f.mu.Lock()
	if c, ok := f.clients[key.String()]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	creds, ocfg, err := f.connection(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key.String()]; ok {
		return c, nil
	}
	mgr, ok := f.managers[tenantID]
	if !ok {
		mgr = epic.NewTokenManager(f.tokens, epic.RefreshWith(ocfg))
		f.managers[tenantID] = mgr
	}
	c := epic.NewClient(epic.ClientConfig{
		BaseURL:    creds.FHIRBaseURL,
		Key:        key,
		Tokens:     mgr,
		Ledger:     f.ledger,
		Metrics:    f.metrics,
		HourlyCap:  creds.HourlyCap,
		PacerRPS:   5,
		PacerBurst: 5,
		HTTPClient: f.hc,
		Logger:     f.log,
	})
	f.clients[key.String()] = c
	return c, nil
}

// BeginConnect starts the authorization-code flow for a key and returns
// the provider-facing authorization URL.
func (f *ClientFactory) BeginConnect(ctx context.Context, tenantID uuid.UUID, providerID *uuid.UUID) (string, error) {
	creds, ocfg, err := f.connection(ctx, tenantID)
	if err != nil {
		return "", err
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	now := time.Now()
	for s, p := range f.pending {
		if p.expires.Before(now) {
			delete(f.pending, s)
		}
	}
	f.pending[state] = pendingAuth{
		key:     epic.ClientKey{TenantID: tenantID, ProviderID: providerID},
		expires: now.Add(connectStateTTL),
	}
	f.mu.Unlock()

	return epic.AuthCodeURL(ocfg, state, creds.FHIRBaseURL), nil
}

// CompleteConnect exchanges the authorization code from the EMR redirect
// and persists the session under the key bound to the state value.
func (f *ClientFactory) CompleteConnect(ctx context.Context, state, code string) (epic.ClientKey, error) {
	f.mu.Lock()
	p, ok := f.pending[state]
	delete(f.pending, state)
	f.mu.Unlock()
	if !ok || p.expires.Before(time.Now()) {
		return epic.ClientKey{}, errs.Ef(errs.KindReauthRequired, "unknown or expired authorization state")
	}

	_, ocfg, err := f.connection(ctx, p.key.TenantID)
	if err != nil {
		return epic.ClientKey{}, err
	}

	ts, err := epic.ExchangeCode(ctx, ocfg, code)
	if err != nil {
		return epic.ClientKey{}, err
	}
	if err := f.tokens.Save(ctx, p.key, ts); err != nil {
		return epic.ClientKey{}, err
	}

	f.log.Info().
		Str("tenant", p.key.TenantID.String()).
		Str("key", p.key.String()).
		Msg("emr authorization completed")
	return p.key, nil
}

// connection resolves the tenant's registration and oauth2 configuration,
// discovering the SMART endpoints once per base URL.
func (f *ClientFactory) connection(ctx context.Context, tenantID uuid.UUID) (Credentials, *oauth2.Config, error) {
	creds, err := f.creds.EpicCredentials(ctx, tenantID)
	if err != nil {
		return Credentials{}, nil, err
	}
	if creds.FHIRBaseURL == "" || creds.ClientID == "" {
		return Credentials{}, nil, errs.Ef(errs.KindAuthRequired,
			"tenant %s has no EMR connection configured", tenantID)
	}

	f.mu.Lock()
	smart := f.smart[creds.FHIRBaseURL]
	f.mu.Unlock()
	if smart == nil {
		smart, err = epic.DiscoverSMART(ctx, f.hc, creds.FHIRBaseURL)
		if err != nil {
			return Credentials{}, nil, err
		}
		f.mu.Lock()
		f.smart[creds.FHIRBaseURL] = smart
		f.mu.Unlock()
	}

	redirect := creds.RedirectURL
	if redirect == "" {
		redirect = f.redirectURL
	}
	return creds, epic.OAuthConfig(smart, creds.ClientID, creds.ClientSecret, redirect, defaultScopes), nil
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
