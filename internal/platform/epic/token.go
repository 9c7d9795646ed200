// Package epic is the outbound FHIR R4 client: OAuth2 token lifecycle per
// tenant and per provider, SMART discovery, rate-limited and retrying
// resource access, and DocumentReference write-back.
package epic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/healthprep/healthprep/internal/platform/errs"
)

// ClientKey identifies whose credentials a client acts under. A nil
// ProviderID means organization context (legacy); a non-nil ProviderID is
// clinician context and MUST NOT fall back to tenant credentials.
type ClientKey struct {
	TenantID   uuid.UUID
	ProviderID *uuid.UUID
}

func (k ClientKey) String() string {
	if k.ProviderID == nil {
		return k.TenantID.String() + "|org"
	}
	return k.TenantID.String() + "|" + k.ProviderID.String()
}

// TokenState is the persisted OAuth2 session for a key.
type TokenState struct {
	AccessToken    string
	RefreshToken   string
	Expiry         time.Time
	Scopes         []string
	PractitionerID string // fhirUser Practitioner id for v2 authorizations
}

// Valid reports whether the access token can be used at instant now.
func (s *TokenState) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && s.Expiry.After(now)
}

// TokenStore persists token state. Implementations load strictly by key:
// a provider-scoped lookup never returns tenant credentials.
type TokenStore interface {
	Load(ctx context.Context, key ClientKey) (*TokenState, error)
	Save(ctx context.Context, key ClientKey, state *TokenState) error
	Clear(ctx context.Context, key ClientKey) error
}

// RefreshFunc exchanges a refresh token for a new token state. Injected so
// tests can run without a live authorization server.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenState, error)

// TokenManager hands out valid access tokens, refreshing through the
// store atomically. Refresh for a given key is a critical section: a mutex
// keyed by (tenant, provider) prevents thundering-herd refresh.
type TokenManager struct {
	store   TokenStore
	refresh RefreshFunc
	now     func() time.Time

	// expiryLeeway refreshes slightly early so a token never expires
	// mid-request.
	expiryLeeway time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTokenManager(store TokenStore, refresh RefreshFunc) *TokenManager {
	return &TokenManager{
		store:        store,
		refresh:      refresh,
		now:          time.Now,
		expiryLeeway: 60 * time.Second,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (m *TokenManager) keyLock(key ClientKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key.String()] = l
	}
	return l
}

// AccessToken returns a usable access token for key, refreshing if the
// stored one is expired. No token and no refresh path is auth_required;
// a failed refresh is reauth_required.
func (m *TokenManager) AccessToken(ctx context.Context, key ClientKey) (string, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.store.Load(ctx, key)
	if err != nil {
		return "", fmt.Errorf("token manager: load %s: %w", key, err)
	}
	if state == nil || state.AccessToken == "" {
		return "", errs.Ef(errs.KindAuthRequired, "no stored authorization for %s", key)
	}

	if state.Expiry.After(m.now().Add(m.expiryLeeway)) {
		return state.AccessToken, nil
	}

	return m.refreshLocked(ctx, key, state)
}

// ForceRefresh discards the current access token and refreshes. Used after
// a 401 on a write.
func (m *TokenManager) ForceRefresh(ctx context.Context, key ClientKey) (string, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.store.Load(ctx, key)
	if err != nil {
		return "", fmt.Errorf("token manager: load %s: %w", key, err)
	}
	if state == nil {
		return "", errs.Ef(errs.KindAuthRequired, "no stored authorization for %s", key)
	}
	return m.refreshLocked(ctx, key, state)
}

func (m *TokenManager) refreshLocked(ctx context.Context, key ClientKey, state *TokenState) (string, error) {
	if state.RefreshToken == "" {
		return "", errs.Ef(errs.KindAuthRequired, "token expired and no refresh token for %s", key)
	}

	fresh, err := m.refresh(ctx, state.RefreshToken)
	if err != nil {
		return "", errs.Ef(errs.KindReauthRequired, "refresh for %s: %v", key, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = state.RefreshToken
	}
	if fresh.Scopes == nil {
		fresh.Scopes = state.Scopes
	}
	fresh.PractitionerID = state.PractitionerID

	// Token storage is updated before the next request goes out.
	if err := m.store.Save(ctx, key, fresh); err != nil {
		return "", fmt.Errorf("token manager: save refreshed token for %s: %w", key, err)
	}

	return fresh.AccessToken, nil
}

// ScopesDiffer reports whether the requested scope set differs from the
// stored one, ignoring order and duplicates.
func ScopesDiffer(stored, requested []string) bool {
	return canonicalScopes(stored) != canonicalScopes(requested)
}

func canonicalScopes(scopes []string) string {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// EnsureScopes clears the stored session when the requested scope set has
// changed, so the next authorization starts clean. Returns true when a
// clear happened.
func (m *TokenManager) EnsureScopes(ctx context.Context, key ClientKey, requested []string) (bool, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.store.Load(ctx, key)
	if err != nil {
		return false, fmt.Errorf("token manager: load %s: %w", key, err)
	}
	if state == nil || !ScopesDiffer(state.Scopes, requested) {
		return false, nil
	}
	if err := m.store.Clear(ctx, key); err != nil {
		return false, fmt.Errorf("token manager: clear session for %s: %w", key, err)
	}
	return true, nil
}

// sandboxLoginConflicts are substrings of the Epic sandbox error raised
// when a previous session with different scopes is still live. Matching
// any of them clears the stored session instead of surfacing the error.
var sandboxLoginConflicts = []string{
	"another process already logged in",
	"user is already logged in",
	"concurrent login detected",
}

// IsSandboxLoginConflict reports whether err matches the sandbox
// already-logged-in allow-list.
func IsSandboxLoginConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range sandboxLoginConflicts {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// OAuth2Refresher builds a RefreshFunc from an oauth2 endpoint config.
func OAuth2Refresher(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*TokenState, error) {
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, err
		}
		state := &TokenState{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}
		if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
			state.Scopes = strings.Fields(scope)
		}
		return state, nil
	}
}
