package models

import (
	"encoding/json"
	"time"
)

// ValueSource records which upstream path produced a resolved value.
type ValueSource string

const (
	SourceLive      ValueSource = "live"      // live WebSocket event
	SourceBatch     ValueSource = "batch"     // batched value read
	SourceStructure ValueSource = "structure" // inline value from the structure document
	SourceStateRef  ValueSource = "stateref"  // dereferenced state UUID
)

// ValidationState classifies a resolved value.
type ValidationState string

const (
	ValidationValid      ValidationState = "valid"
	ValidationOutOfRange ValidationState = "out_of_range"
	ValidationStale      ValidationState = "stale"
	ValidationParseError ValidationState = "parse_error"
	ValidationUnknown    ValidationState = "unknown"
)

// Validation carries the validation verdict plus per-verdict detail.
type Validation struct {
	State ValidationState `json:"state"`

	// OutOfRange detail.
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
	Actual float64 `json:"actual,omitempty"`

	// Stale detail.
	AgeSeconds float64 `json:"age_seconds,omitempty"`

	// ParseError detail.
	Message string `json:"message,omitempty"`
}

// Valid is the validation verdict for an in-range, well-formed reading.
func Valid() Validation { return Validation{State: ValidationValid} }

// OutOfRange builds an out-of-range verdict with the violated bounds.
func OutOfRange(min, max, actual float64) Validation {
	return Validation{State: ValidationOutOfRange, Min: min, Max: max, Actual: actual}
}

// ParseFailure builds a parse-error verdict.
func ParseFailure(msg string) Validation {
	return Validation{State: ValidationParseError, Message: msg}
}

// ResolvedValue is the unified, typed reading for one device UUID.
type ResolvedValue struct {
	UUID       string          `json:"uuid"`
	Name       string          `json:"name"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Numeric    *float64        `json:"numeric,omitempty"`
	Formatted  string          `json:"formatted"`
	Unit       string          `json:"unit,omitempty"`
	SensorType string          `json:"sensor_type,omitempty"`
	Room       string          `json:"room,omitempty"`
	Source     ValueSource     `json:"source"`
	Timestamp  time.Time       `json:"timestamp"`
	Confidence float64         `json:"confidence"`
	Validation Validation      `json:"validation"`
}

// NumericValue returns the numeric reading and whether one exists.
func (v *ResolvedValue) NumericValue() (float64, bool) {
	if v.Numeric == nil {
		return 0, false
	}
	return *v.Numeric, true
}

// Equal reports whether two resolved values carry the same reading.
// Timestamps and sources are ignored; a re-read that produced the same
// numeric and formatted value is the same reading.
func (v *ResolvedValue) Equal(o *ResolvedValue) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.UUID != o.UUID || v.Formatted != o.Formatted || v.Validation.State != o.Validation.State {
		return false
	}
	vn, vok := v.NumericValue()
	on, ook := o.NumericValue()
	return vok == ook && vn == on
}

// ChangeEvent records a resolved value crossing its change threshold.
type ChangeEvent struct {
	UUID      string         `json:"uuid"`
	Prev      *ResolvedValue `json:"prev,omitempty"`
	Next      *ResolvedValue `json:"next"`
	Magnitude float64        `json:"magnitude"`
	At        time.Time      `json:"at"`
}

// Float64 returns a pointer to f, for ResolvedValue.Numeric literals.
func Float64(f float64) *float64 { return &f }
