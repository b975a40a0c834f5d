package upstream

import (
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// probeCacheTTL bounds how often an ICMP probe actually runs.
const probeCacheTTL = 10 * time.Second

// prober answers "is the Miniserver host reachable at all?". An API failure
// with a reachable host is Degraded; an unreachable host is Down.
type prober struct {
	host   string
	logger *zap.Logger

	mu        sync.Mutex
	lastCheck time.Time
	lastOK    bool
}

func newProber(host string, logger *zap.Logger) *prober {
	return &prober{host: host, logger: logger}
}

// Reachable pings the host (cached for probeCacheTTL). Probe errors count
// as unreachable.
func (p *prober) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastCheck) < probeCacheTTL {
		return p.lastOK
	}
	p.lastCheck = time.Now()
	p.lastOK = p.ping()
	return p.lastOK
}

func (p *prober) ping() bool {
	pinger, err := probing.NewPinger(p.host)
	if err != nil {
		p.logger.Debug("icmp pinger setup failed", zap.Error(err))
		return false
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false) // UDP ping; works without CAP_NET_RAW

	if err := pinger.Run(); err != nil {
		p.logger.Debug("icmp probe failed", zap.Error(err))
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
