package epic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/platform/errs"
)

type memLedger struct {
	mu    sync.Mutex
	calls []Call
}

func (l *memLedger) Record(_ context.Context, call Call) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
	return nil
}

func (l *memLedger) CountSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.TenantID == tenantID && !c.Called.Before(since) {
			n++
		}
	}
	return n, nil
}

func testClient(t *testing.T, server *httptest.Server, hourlyCap int) (*Client, *memLedger, *memTokenStore) {
	t.Helper()
	store := newMemTokenStore()
	key := orgKey()
	store.states[key.String()] = &TokenState{
		AccessToken:  "tok-1",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour),
	}
	mgr := NewTokenManager(store, func(context.Context, string) (*TokenState, error) {
		return &TokenState{AccessToken: "tok-2", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}, nil
	})
	ledger := &memLedger{}
	c := NewClient(ClientConfig{
		BaseURL:   server.URL,
		Key:       key,
		Tokens:    mgr,
		Ledger:    ledger,
		HourlyCap: hourlyCap,
		Logger:    zerolog.Nop(),
	})
	// Collapse retry waits for tests.
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, ledger, store
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer server.Close()

	c, ledger, _ := testClient(t, server, 0)
	p, _, err := c.GetPatient(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "p1" {
		t.Errorf("got patient %q", p.ID)
	}
	if hits != 3 {
		t.Errorf("expected 3 attempts, got %d", hits)
	}
	// Every attempt, including failures, lands in the ledger.
	if len(ledger.calls) != 3 {
		t.Errorf("expected 3 ledger rows, got %d", len(ledger.calls))
	}
}

func TestDo_PermanentErrorDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _, _ := testClient(t, server, 0)
	_, _, err := c.GetPatient(context.Background(), "missing")
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if hits != 1 {
		t.Errorf("404 must not retry, got %d attempts", hits)
	}
}

func TestDo_401RefreshesOnceAndRetries(t *testing.T) {
	var mu sync.Mutex
	var tokens []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get("Authorization")
		mu.Lock()
		tokens = append(tokens, tok)
		mu.Unlock()
		if tok != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer server.Close()

	c, _, store := testClient(t, server, 0)
	_, _, err := c.GetPatient(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 2 || tokens[0] != "Bearer tok-1" || tokens[1] != "Bearer tok-2" {
		t.Errorf("expected one refresh-retry, got %v", tokens)
	}
	if store.states[c.key.String()].AccessToken != "tok-2" {
		t.Error("refreshed token must be persisted")
	}
}

func TestDo_Repeated401FailsAfterSingleRefresh(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c, _, _ := testClient(t, server, 0)
	_, _, err := c.GetPatient(context.Background(), "p1")
	if !errs.Is(err, errs.KindAuthRequired) {
		t.Fatalf("expected auth_required, got %v", err)
	}
	if hits != 2 {
		t.Errorf("expected exactly one refresh-retry, got %d attempts", hits)
	}
}

func TestDo_HourlyCapBlocksRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer server.Close()

	c, ledger, _ := testClient(t, server, 2)
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		ledger.calls = append(ledger.calls, Call{TenantID: c.key.TenantID, Called: now})
	}

	_, _, err := c.GetPatient(context.Background(), "p1")
	if !errs.Is(err, errs.KindRateLimitExceeded) {
		t.Fatalf("expected rate_limit_exceeded, got %v", err)
	}
}

func TestDo_FollowsBundlePaging(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Condition","id":"c2"}}]}`))
			return
		}
		w.Write([]byte(`{"resourceType":"Bundle",
			"entry":[{"resource":{"resourceType":"Condition","id":"c1","clinicalStatus":{"coding":[{"code":"active"}]}}}],
			"link":[{"relation":"next","url":"` + server.URL + `/Condition?page=2"}]}`))
	}))
	defer server.Close()

	c, _, _ := testClient(t, server, 0)
	conditions, raws, err := c.SearchConditions(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conditions) != 2 || len(raws) != 2 {
		t.Fatalf("expected 2 conditions across pages, got %d typed %d raw", len(conditions), len(raws))
	}
	if !conditions[0].IsActive() || conditions[1].IsActive() {
		t.Error("clinical status decoding lost across paging")
	}
}

func TestBackoffDelay(t *testing.T) {
	if d := backoffDelay(1); d != 0 {
		t.Errorf("first retry must be immediate, got %v", d)
	}
	for attempt := 2; attempt <= 10; attempt++ {
		d := backoffDelay(attempt)
		if d < 0 || d > backoffCap {
			t.Errorf("attempt %d delay %v out of [0, %v]", attempt, d, backoffCap)
		}
	}
}

func TestEstimateSyncCalls(t *testing.T) {
	if got := EstimateSyncCalls(10); got != 50 {
		t.Errorf("estimate for 10 patients = %d, want 50", got)
	}
}

func TestRateGate_CheckBudget(t *testing.T) {
	ledger := &memLedger{}
	tenant := uuid.New()
	now := time.Now().UTC()
	for i := 0; i < 90; i++ {
		ledger.calls = append(ledger.calls, Call{TenantID: tenant, Called: now})
	}
	gate := NewRateGate(ledger)

	// 90 used + 2 patients * 5 = 100 fits a 100 cap exactly.
	if err := gate.CheckBudget(context.Background(), tenant, 100, 2); err != nil {
		t.Errorf("expected batch to fit, got %v", err)
	}
	// One more patient would need 105.
	if err := gate.CheckBudget(context.Background(), tenant, 100, 3); !errs.Is(err, errs.KindRateLimitWouldExceed) {
		t.Errorf("expected rate_limit_would_exceed, got %v", err)
	}
	// Unlimited tenants skip the gate.
	if err := gate.CheckBudget(context.Background(), tenant, 0, 1000); err != nil {
		t.Errorf("cap 0 must be unlimited, got %v", err)
	}
}

func TestDiscoverSMART(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/smart-configuration" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"authorization_endpoint":"https://auth.example/authorize","token_endpoint":"https://auth.example/token"}`))
	}))
	defer server.Close()

	cfg, err := DiscoverSMART(context.Background(), server.Client(), server.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthorizationEndpoint != "https://auth.example/authorize" {
		t.Errorf("got %q", cfg.AuthorizationEndpoint)
	}
	if cfg.TokenEndpoint != "https://auth.example/token" {
		t.Errorf("got %q", cfg.TokenEndpoint)
	}
}
