package sensor

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/hausnetz/loxmcp/pkg/models"
)

// Rule matches a device by normalized name substrings and device-type tokens.
// NameTokens match against the device name, TypeTokens against the upstream
// device type; both lists are OR within themselves and AND across the two
// lists (an empty list always matches).
type Rule struct {
	NameTokens []string
	TypeTokens []string
	Type       Type
	Confidence float64
}

// minMatchConfidence is the floor below which a rule match is ignored.
const minMatchConfidence = 0.5

// defaultRules is the multilingual builtin ruleset. German tokens mirror the
// vocabulary Loxone installations typically use; English tokens cover the
// rest. Order matters: earlier rules win confidence ties.
var defaultRules = []Rule{
	{NameTokens: []string{"temperatur", "temp"}, TypeTokens: []string{"analog", "infoonlyanalog"}, Type: Temperature(), Confidence: 0.9},
	{NameTokens: []string{"luftfeuchte", "feuchte", "humidity"}, Type: Humidity(), Confidence: 0.9},
	{NameTokens: []string{"helligkeit", "brightness", "lux", "illuminance"}, Type: Illuminance(), Confidence: 0.85},
	{NameTokens: []string{"bewegung", "motion", "presence", "präsenz"}, Type: Motion(), Confidence: 0.9},
	{NameTokens: []string{"fenster", "tür", "tuer", "door", "window", "kontakt", "contact"}, TypeTokens: []string{"digital", "infoonlydigital", "windowmonitor"}, Type: Contact(), Confidence: 0.85},
	{NameTokens: []string{"rolladen", "rollladen", "jalousie", "blind", "shutter", "beschattung"}, Type: BlindPosition(), Confidence: 0.85},
	{TypeTokens: []string{"jalousie"}, Type: BlindPosition(), Confidence: 0.8},
	{NameTokens: []string{"leistung", "power", "verbrauch"}, Type: Power(), Confidence: 0.8},
	{NameTokens: []string{"energie", "energy", "zähler", "zaehler", "meter"}, TypeTokens: []string{"meter", "analog", "infoonlyanalog"}, Type: Energy(), Confidence: 0.75},
	{NameTokens: []string{"wind"}, Type: WindSpeed(), Confidence: 0.8},
	{NameTokens: []string{"lärm", "laerm", "sound", "noise", "schall"}, Type: SoundLevel(), Confidence: 0.75},
	{TypeTokens: []string{"irctrl", "iroomcontroller", "iroomcontrollerv2"}, Type: Temperature(), Confidence: 0.7},
	{TypeTokens: []string{"presencedetector"}, Type: Motion(), Confidence: 0.85},
}

// Registry classifies devices and tracks learned overrides.
type Registry struct {
	mu        sync.RWMutex
	rules     []Rule
	overrides map[string]Type // explicit, keyed by device UUID
	learned   map[string]Type // from behavioural discovery, applied on accept
}

// NewRegistry creates a registry with the builtin ruleset and the given
// explicit per-UUID overrides (device UUID -> kind name).
func NewRegistry(overrides map[string]string) *Registry {
	r := &Registry{
		rules:     defaultRules,
		overrides: make(map[string]Type, len(overrides)),
		learned:   make(map[string]Type),
	}
	for uuid, kind := range overrides {
		r.overrides[uuid] = ByKind(kind)
	}
	return r
}

// SetRules replaces the ruleset (configuration override).
func (r *Registry) SetRules(rules []Rule) {
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
}

// AcceptLearned records a learned override for a device. Proposals from
// behavioural discovery are only applied through this call.
func (r *Registry) AcceptLearned(uuid string, t Type) {
	r.mu.Lock()
	r.learned[uuid] = t
	r.mu.Unlock()
}

// Classify resolves the sensor type for a device. Order: explicit override,
// learned override, pattern rules. The highest-confidence rule match at or
// above the confidence floor wins; ties break by rule order.
func (r *Registry) Classify(d *models.Device) Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.overrides[d.UUID]; ok {
		return t
	}
	if t, ok := r.learned[d.UUID]; ok {
		return t
	}

	name := normalize(d.Name)
	devType := normalize(d.DeviceType)

	bestIdx := -1
	bestConf := 0.0
	for i, rule := range r.rules {
		if rule.Confidence < minMatchConfidence {
			continue
		}
		if !matchTokens(name, rule.NameTokens) || !matchTokens(devType, rule.TypeTokens) {
			continue
		}
		if rule.Confidence > bestConf {
			bestConf = rule.Confidence
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return Unknown(d.DeviceType)
	}
	return r.rules[bestIdx].Type
}

// Confidence returns the classification confidence for a device, 0 when the
// device is unknown, 1 for overrides.
func (r *Registry) Confidence(d *models.Device) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.overrides[d.UUID]; ok {
		return 1.0
	}
	if _, ok := r.learned[d.UUID]; ok {
		return 1.0
	}

	name := normalize(d.Name)
	devType := normalize(d.DeviceType)
	best := 0.0
	for _, rule := range r.rules {
		if rule.Confidence < minMatchConfidence {
			continue
		}
		if matchTokens(name, rule.NameTokens) && matchTokens(devType, rule.TypeTokens) && rule.Confidence > best {
			best = rule.Confidence
		}
	}
	return best
}

// matchTokens reports whether s contains any of the tokens. An empty token
// list matches anything.
func matchTokens(s string, tokens []string) bool {
	if len(tokens) == 0 {
		return true
	}
	for _, t := range tokens {
		if strings.Contains(s, normalize(t)) {
			return true
		}
	}
	return false
}

// normalize lowercases and NFKC-normalizes a name for matching.
func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// Categorize derives the coarse device category from the upstream type and
// the classified sensor kind. Used while parsing the structure document.
func Categorize(deviceType string, kind Kind) models.Category {
	dt := normalize(deviceType)
	switch {
	case strings.Contains(dt, "lightcontroller"), strings.Contains(dt, "dimmer"),
		strings.Contains(dt, "switch") && !strings.Contains(dt, "window"),
		strings.Contains(dt, "colorpicker"):
		return models.CategoryLights
	case strings.Contains(dt, "jalousie"), strings.Contains(dt, "gate"),
		kind == KindBlindPosition:
		return models.CategoryShading
	case strings.Contains(dt, "irctrl"), strings.Contains(dt, "iroomcontroller"),
		strings.Contains(dt, "heat"), strings.Contains(dt, "climate"):
		return models.CategoryClimate
	case strings.Contains(dt, "audiozone"), strings.Contains(dt, "mediaclient"),
		strings.Contains(dt, "musicserver"):
		return models.CategoryAudio
	case kind != KindUnknown:
		return models.CategorySensor
	default:
		return models.CategoryOther
	}
}
