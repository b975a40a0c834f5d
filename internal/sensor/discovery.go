package sensor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/pkg/models"
)

// RawReader reads one raw value for a device UUID. Satisfied by the
// upstream client.
type RawReader interface {
	ReadValue(ctx context.Context, uuid string) (json.RawMessage, error)
}

// Proposal is a classification suggestion produced by behavioural sampling.
// Proposals are never auto-applied; they are surfaced read-only and applied
// through Registry.AcceptLearned.
type Proposal struct {
	UUID       string    `json:"uuid"`
	Name       string    `json:"name"`
	Proposed   Type      `json:"proposed"`
	Confidence float64   `json:"confidence"`
	Samples    int       `json:"samples"`
	Suffixes   []string  `json:"suffixes,omitempty"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Discovery runs learning-mode sampling for unknown devices.
type Discovery struct {
	reader  RawReader
	logger  *zap.Logger
	samples int
	cadence time.Duration

	mu        sync.RWMutex
	proposals map[string]Proposal
}

// NewDiscovery creates a discovery sampler. samples and cadence default to
// 10 reads at 30 s apart when zero.
func NewDiscovery(reader RawReader, logger *zap.Logger, samples int, cadence time.Duration) *Discovery {
	if samples <= 0 {
		samples = 10
	}
	if cadence <= 0 {
		cadence = 30 * time.Second
	}
	return &Discovery{
		reader:    reader,
		logger:    logger,
		samples:   samples,
		cadence:   cadence,
		proposals: make(map[string]Proposal),
	}
}

// Proposals returns a snapshot of all current proposals.
func (d *Discovery) Proposals() []Proposal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Proposal, 0, len(d.proposals))
	for _, p := range d.proposals {
		out = append(out, p)
	}
	return out
}

// Sample reads the device repeatedly at the configured cadence, builds a
// value profile, and stores a proposal if the profile is conclusive.
// Blocks until sampling finishes or ctx is cancelled.
func (d *Discovery) Sample(ctx context.Context, dev *models.Device) error {
	var (
		suffixSeen = make(map[string]int)
		minV, maxV float64
		numeric    int
		discrete   = true
		total      int
	)

	ticker := time.NewTicker(d.cadence)
	defer ticker.Stop()

	for total < d.samples {
		raw, err := d.reader.ReadValue(ctx, dev.UUID)
		if err != nil {
			d.logger.Debug("discovery read failed",
				zap.String("uuid", dev.UUID),
				zap.Error(err),
			)
		} else {
			total++
			if r, perr := Parse(raw, Unknown(dev.DeviceType)); perr == nil {
				if numeric == 0 || r.Numeric < minV {
					minV = r.Numeric
				}
				if numeric == 0 || r.Numeric > maxV {
					maxV = r.Numeric
				}
				numeric++
				if r.Numeric != 0 && r.Numeric != 1 {
					discrete = false
				}
				if r.Unit != "" {
					suffixSeen[r.Unit]++
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	proposed, conf := profileType(suffixSeen, minV, maxV, numeric, discrete)
	if proposed.Kind == KindUnknown {
		d.logger.Debug("discovery inconclusive", zap.String("uuid", dev.UUID))
		return nil
	}

	suffixes := make([]string, 0, len(suffixSeen))
	for s := range suffixSeen {
		suffixes = append(suffixes, s)
	}

	d.mu.Lock()
	d.proposals[dev.UUID] = Proposal{
		UUID:       dev.UUID,
		Name:       dev.Name,
		Proposed:   proposed,
		Confidence: conf,
		Samples:    total,
		Suffixes:   suffixes,
		Min:        minV,
		Max:        maxV,
		SampledAt:  time.Now().UTC(),
	}
	d.mu.Unlock()

	d.logger.Info("discovery proposal recorded",
		zap.String("uuid", dev.UUID),
		zap.String("proposed", proposed.String()),
		zap.Float64("confidence", conf),
	)
	return nil
}

// profileType maps an observed value profile to a sensor type proposal.
func profileType(suffixes map[string]int, minV, maxV float64, numeric int, discrete bool) (Type, float64) {
	if numeric == 0 {
		return Unknown(""), 0
	}

	// Unit suffixes are the strongest evidence.
	best, bestCount := "", 0
	for s, c := range suffixes {
		if c > bestCount {
			best, bestCount = s, c
		}
	}
	switch {
	case strings.HasPrefix(best, "°"):
		return Temperature(), 0.9
	case best == "%" && maxV <= 100 && minV >= 0:
		// Percent could be humidity or a position; humidity is the common
		// standalone percent sensor.
		return Humidity(), 0.6
	case strings.EqualFold(best, "lx"):
		return Illuminance(), 0.9
	case best == "W" || best == "kW":
		return Power(), 0.9
	case best == "m/s" || best == "km/h":
		return WindSpeed(), 0.9
	case best == "dB":
		return SoundLevel(), 0.9
	}

	if discrete {
		// Pure 0/1 stream: a contact or motion sensor; contact is the safer
		// default proposal.
		return Contact(), 0.55
	}
	if minV >= -40 && maxV <= 60 && maxV-minV < 30 {
		return Temperature(), 0.5
	}
	return Unknown(""), 0
}
