package hipaa

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier delivers out-of-band security notifications to tenant admins.
// Email delivery is an external collaborator; the core only defines the
// contract it consumes.
type Notifier interface {
	NotifyTenantAdmins(ctx context.Context, tenantID uuid.UUID, subject, body string) error
}

// AlertDispatcher sends security alerts with rate-limited deduplication:
// the same (tenant, event) pair alerts at most once per window.
type AlertDispatcher struct {
	notifier Notifier
	audit    *Logger
	logger   zerolog.Logger
	window   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewAlertDispatcher creates a dispatcher with a 15-minute dedup window.
func NewAlertDispatcher(notifier Notifier, audit *Logger, logger zerolog.Logger) *AlertDispatcher {
	return &AlertDispatcher{
		notifier: notifier,
		audit:    audit,
		logger:   logger,
		window:   15 * time.Minute,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

// Alert records the event in the audit trail and notifies tenant admins
// unless an identical alert fired within the dedup window.
func (d *AlertDispatcher) Alert(ctx context.Context, tenantID uuid.UUID, eventType, detail string) error {
	if err := d.audit.Log(ctx, &Entry{
		TenantID:     tenantID,
		EventType:    eventType,
		ResourceType: "SecurityAlert",
		Data:         map[string]any{"detail": detail},
	}); err != nil {
		return err
	}

	key := tenantID.String() + "|" + eventType
	d.mu.Lock()
	last, ok := d.seen[key]
	now := d.now()
	if ok && now.Sub(last) < d.window {
		d.mu.Unlock()
		return nil
	}
	d.seen[key] = now
	d.mu.Unlock()

	if d.notifier == nil {
		d.logger.Warn().Str("event", eventType).Str("tenant", tenantID.String()).Msg("security alert (no notifier configured)")
		return nil
	}
	return d.notifier.NotifyTenantAdmins(ctx, tenantID, "HealthPrep security alert: "+eventType, detail)
}

// BruteForceTracker counts failed logins per source IP and reports when the
// threshold event fires: 10 or more failures from one IP within 5 minutes.
type BruteForceTracker struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

const (
	bruteForceThreshold = 10
	bruteForceWindow    = 5 * time.Minute
)

func NewBruteForceTracker() *BruteForceTracker {
	return &BruteForceTracker{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// RecordFailure registers a failed login from ip and returns true when the
// brute-force threshold has been crossed.
func (t *BruteForceTracker) RecordFailure(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-bruteForceWindow)

	recent := t.failures[ip][:0]
	for _, ts := range t.failures[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	t.failures[ip] = recent

	return len(recent) >= bruteForceThreshold
}

// RecordSuccess clears the failure history for ip.
func (t *BruteForceTracker) RecordSuccess(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, ip)
}
