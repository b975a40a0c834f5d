package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Auth-failure lockout policy.
const (
	lockoutMaxFailures = 4
	lockoutWindow      = 15 * time.Minute
	lockoutDuration    = 30 * time.Minute
	lockoutMaxTracked  = 10000
)

// Limits holds per-role request budgets in requests per minute.
type Limits struct {
	AdminRPM    int
	OperatorRPM int
	MonitorRPM  int
	DeviceRPM   int
}

// DefaultLimits returns the standard per-role budgets.
func DefaultLimits() Limits {
	return Limits{AdminRPM: 1000, OperatorRPM: 500, MonitorRPM: 200, DeviceRPM: 100}
}

func (l Limits) forRole(r Role) int {
	switch r {
	case RoleAdmin:
		return l.AdminRPM
	case RoleOperator:
		return l.OperatorRPM
	case RoleMonitor:
		return l.MonitorRPM
	case RoleDeviceScoped:
		return l.DeviceRPM
	default:
		return l.DeviceRPM
	}
}

// RateLimiter enforces per-key token buckets sized by role.
type RateLimiter struct {
	limits Limits

	mu      sync.Mutex
	buckets map[string]*bucketEntry
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the given per-role budgets.
func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		buckets: make(map[string]*bucketEntry),
	}
}

// Allow consumes one token from the caller's bucket. On refusal it returns
// a retry-after hint derived from the refill rate.
func (r *RateLimiter) Allow(keyID string, role Role) (ok bool, retryAfter time.Duration) {
	rpm := r.limits.forRole(role)
	if rpm <= 0 {
		return true, 0
	}

	r.mu.Lock()
	e, found := r.buckets[keyID]
	if !found {
		if len(r.buckets) >= lockoutMaxTracked {
			r.cleanupLocked()
		}
		// Burst equals the per-minute budget: a quiet key may spend its
		// whole minute at once.
		e = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)}
		r.buckets[keyID] = e
	}
	e.lastSeen = time.Now()
	r.mu.Unlock()

	if e.limiter.Allow() {
		return true, 0
	}

	// One token refills in 60/rpm seconds.
	return false, time.Duration(float64(time.Minute) / float64(rpm))
}

// cleanupLocked drops buckets idle for over ten minutes. Caller holds r.mu.
func (r *RateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, e := range r.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(r.buckets, id)
		}
	}
}

// Lockout tracks authentication failures per IP and blocks IPs that fail
// too often.
type Lockout struct {
	mu      sync.Mutex
	entries map[string]*lockoutEntry
}

type lockoutEntry struct {
	failures    []time.Time
	blockedTill time.Time
}

// NewLockout creates an empty lockout tracker.
func NewLockout() *Lockout {
	return &Lockout{entries: make(map[string]*lockoutEntry)}
}

// Blocked reports whether the IP is currently locked out, and for how much
// longer.
func (l *Lockout) Blocked(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		return false, 0
	}
	now := time.Now()
	if e.blockedTill.After(now) {
		return true, e.blockedTill.Sub(now)
	}
	return false, 0
}

// RecordFailure notes one auth failure from the IP. Crossing the threshold
// within the window starts the lockout.
func (l *Lockout) RecordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= lockoutMaxTracked {
			l.cleanupLocked(now)
		}
		e = &lockoutEntry{}
		l.entries[ip] = e
	}

	// Keep only failures inside the sliding window.
	kept := e.failures[:0]
	for _, t := range e.failures {
		if now.Sub(t) < lockoutWindow {
			kept = append(kept, t)
		}
	}
	e.failures = append(kept, now)

	// More than lockoutMaxFailures failures inside the window starts the
	// block; the failing attempts themselves still see the auth error.
	if len(e.failures) > lockoutMaxFailures {
		e.blockedTill = now.Add(lockoutDuration)
		e.failures = e.failures[:0]
	}
}

// RecordSuccess clears the failure history for an IP.
func (l *Lockout) RecordSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[ip]; ok && e.blockedTill.Before(time.Now()) {
		delete(l.entries, ip)
	}
}

// cleanupLocked drops expired entries. Caller holds l.mu.
func (l *Lockout) cleanupLocked(now time.Time) {
	for ip, e := range l.entries {
		if e.blockedTill.Before(now) && len(e.failures) == 0 {
			delete(l.entries, ip)
		}
	}
}
