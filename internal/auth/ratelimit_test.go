package auth

import (
	"testing"
)

func TestRateLimiterBucket(t *testing.T) {
	rl := NewRateLimiter(Limits{MonitorRPM: 60})

	rejected := 0
	var retryAfter float64
	for i := 0; i < 120; i++ {
		ok, ra := rl.Allow("key1", RoleMonitor)
		if !ok {
			rejected++
			retryAfter = ra.Seconds()
		}
	}

	// A 60 rpm bucket with burst 60 admits at most ~60 of 120 instant calls.
	if rejected < 60 {
		t.Errorf("rejected = %d, want >= 60", rejected)
	}
	if retryAfter <= 0 {
		t.Error("retry_after must be positive on refusal")
	}
}

func TestRateLimiterPerKeyIsolation(t *testing.T) {
	rl := NewRateLimiter(Limits{MonitorRPM: 1})

	if ok, _ := rl.Allow("a", RoleMonitor); !ok {
		t.Fatal("first call for key a should pass")
	}
	if ok, _ := rl.Allow("a", RoleMonitor); ok {
		t.Fatal("second immediate call for key a should fail")
	}
	// A different key has its own bucket.
	if ok, _ := rl.Allow("b", RoleMonitor); !ok {
		t.Error("key b should not share key a's bucket")
	}
}

func TestRateLimiterRoleBudgets(t *testing.T) {
	limits := DefaultLimits()
	if limits.forRole(RoleAdmin) != 1000 ||
		limits.forRole(RoleOperator) != 500 ||
		limits.forRole(RoleMonitor) != 200 ||
		limits.forRole(RoleDeviceScoped) != 100 {
		t.Errorf("default budgets wrong: %+v", limits)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	l := NewLockout()
	ip := "203.0.113.9"

	// The first lockoutMaxFailures+1 failures see auth errors, not a block.
	for i := 0; i <= lockoutMaxFailures; i++ {
		if blocked, _ := l.Blocked(ip); blocked {
			t.Fatalf("blocked after only %d failures", i)
		}
		l.RecordFailure(ip)
	}

	blocked, remaining := l.Blocked(ip)
	if !blocked {
		t.Fatal("should be blocked after exceeding the failure threshold")
	}
	if remaining <= 0 {
		t.Error("remaining block time must be positive")
	}

	// Other IPs are unaffected.
	if b, _ := l.Blocked("198.51.100.1"); b {
		t.Error("unrelated ip blocked")
	}
}

func TestLockoutSuccessClearsHistory(t *testing.T) {
	l := NewLockout()
	ip := "203.0.113.10"

	for i := 0; i < lockoutMaxFailures; i++ {
		l.RecordFailure(ip)
	}
	l.RecordSuccess(ip)

	// The slate is clean: the next failures start counting from zero.
	for i := 0; i <= lockoutMaxFailures; i++ {
		if b, _ := l.Blocked(ip); b {
			t.Fatalf("blocked after success reset at failure %d", i)
		}
		l.RecordFailure(ip)
	}
	if b, _ := l.Blocked(ip); !b {
		t.Error("threshold after reset should still block")
	}
}
