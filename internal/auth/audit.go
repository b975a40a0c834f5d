package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultAuditRing bounds the in-memory audit history.
const defaultAuditRing = 10000

// AuditRecord is one authenticated call, with parameters reduced to a
// digest so secrets never land in the log.
type AuditRecord struct {
	At           time.Time `json:"at"`
	CallerID     string    `json:"caller_id"` // masked key id or "stdio"
	IP           string    `json:"ip"`
	Method       string    `json:"method"`
	ParamsDigest string    `json:"params_digest"`
	Outcome      string    `json:"outcome"`
	LatencyMS    int64     `json:"latency_ms"`
}

// AuditSink receives records beyond the in-memory ring (e.g. SQLite).
type AuditSink interface {
	Write(rec AuditRecord)
}

// Auditor keeps the bounded audit ring and mirrors records to zap and an
// optional sink.
type Auditor struct {
	logger  *zap.Logger
	sink    AuditSink
	verbose bool // also log each record at info level

	mu   sync.Mutex
	ring []AuditRecord
	next int
	full bool
}

// NewAuditor creates an auditor. sink may be nil.
func NewAuditor(logger *zap.Logger, sink AuditSink, verbose bool) *Auditor {
	return &Auditor{
		logger:  logger,
		sink:    sink,
		verbose: verbose,
		ring:    make([]AuditRecord, defaultAuditRing),
	}
}

// Record writes one audit entry.
func (a *Auditor) Record(rec AuditRecord) {
	a.mu.Lock()
	a.ring[a.next] = rec
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	if a.verbose {
		a.logger.Info("audit",
			zap.String("caller", rec.CallerID),
			zap.String("ip", rec.IP),
			zap.String("method", rec.Method),
			zap.String("outcome", rec.Outcome),
			zap.Int64("latency_ms", rec.LatencyMS),
		)
	}
	if a.sink != nil {
		a.sink.Write(rec)
	}
}

// Recent returns up to limit records, newest first.
func (a *Auditor) Recent(limit int) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.full {
		size = len(a.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]AuditRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.next - 1 - i + len(a.ring)) % len(a.ring)
		out = append(out, a.ring[idx])
	}
	return out
}

// DigestParams reduces a parameter payload to a short stable digest.
func DigestParams(params []byte) string {
	if len(params) == 0 {
		return ""
	}
	sum := sha256.Sum256(params)
	return hex.EncodeToString(sum[:8])
}
