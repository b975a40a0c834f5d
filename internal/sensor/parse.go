package sensor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reading is the output of parsing one raw upstream payload.
type Reading struct {
	Numeric   float64
	Formatted string
	Unit      string
}

// ParseError reports an unparseable payload. The message is safe to surface
// to clients.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return e.Msg }

// unitSuffixes lists the recognized unit suffixes, longest first so "°C"
// wins over "°" and "km/h" over "h".
var unitSuffixes = []string{"km/h", "m/s", "°C", "°F", "kW", "Lx", "lx", "dB", "mm", "°", "%", "W", "V", "A"}

// Parse turns a raw JSON payload into a typed reading. Extraction order:
//  1. nested object with a single string "value" field -> parse that string
//  2. bare JSON number -> use directly
//  3. bare JSON string -> parse as a formatted measurement
// Anything else is a ParseError.
func Parse(raw json.RawMessage, t Type) (*Reading, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, &ParseError{Msg: "empty payload"}
	}

	switch trimmed[0] {
	case '{':
		s, ok := nestedStringValue(raw)
		if !ok {
			return nil, &ParseError{Msg: "object payload has no string value field"}
		}
		return parseFormatted(s, t)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &ParseError{Msg: fmt.Sprintf("bad string payload: %v", err)}
		}
		return parseFormatted(s, t)
	default:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, &ParseError{Msg: fmt.Sprintf("payload is neither object, string nor number: %.40s", trimmed)}
		}
		return &Reading{Numeric: n, Formatted: formatNumeric(n, t.Unit), Unit: t.Unit}, nil
	}
}

// nestedStringValue digs out the single string "value" field of an object
// payload. Handles both {"value":"..."} and the Miniserver's
// {"LL":{"value":"..."}} envelope.
func nestedStringValue(raw json.RawMessage) (string, bool) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return "", false
	}
	if v, ok := outer["value"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s, true
		}
		// A numeric value field is fine too.
		var n float64
		if json.Unmarshal(v, &n) == nil {
			return strconv.FormatFloat(n, 'f', -1, 64), true
		}
		return "", false
	}
	// One level of nesting: exactly one object member that itself has a value.
	if len(outer) == 1 {
		for _, inner := range outer {
			return nestedStringValue(inner)
		}
	}
	return "", false
}

// parseFormatted parses a string measurement like "27.0°", "-5,5 °C" or
// "58%": strip a known unit suffix, normalize the decimal separator, parse.
func parseFormatted(s string, t Type) (*Reading, error) {
	body := strings.TrimSpace(s)
	if body == "" {
		return nil, &ParseError{Msg: "empty value string"}
	}

	unit := ""
	for _, suffix := range unitSuffixes {
		if strings.HasSuffix(body, suffix) {
			unit = suffix
			body = strings.TrimSpace(strings.TrimSuffix(body, suffix))
			break
		}
	}

	// Normalize decimal comma and the Unicode minus sign.
	body = strings.ReplaceAll(body, ",", ".")
	body = strings.ReplaceAll(body, "−", "-")

	n, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return nil, &ParseError{Msg: fmt.Sprintf("unparseable value %q", s)}
	}

	// A bare "°" means the type's own temperature unit.
	switch unit {
	case "":
		unit = t.Unit
	case "°":
		if t.Unit != "" {
			unit = t.Unit
		} else {
			unit = "°C"
		}
	case "lx":
		unit = "Lx"
	}

	return &Reading{Numeric: n, Formatted: formatNumeric(n, unit), Unit: unit}, nil
}

// formatNumeric renders a reading to one decimal place, dropping the
// trailing ".0" for whole percentages and counts.
func formatNumeric(n float64, unit string) string {
	var body string
	if n == float64(int64(n)) && (unit == "%" || unit == "") {
		body = strconv.FormatInt(int64(n), 10)
	} else {
		body = strconv.FormatFloat(n, 'f', 1, 64)
	}
	if unit == "" {
		return body
	}
	if unit == "%" || unit == "°" {
		return body + unit
	}
	return body + " " + unit
}

// Validate range-checks a parsed reading against the sensor type. Returns
// min, max and false when the reading is out of range; ok is true for
// untyped or rangeless sensors.
func Validate(r *Reading, t Type) (min, max float64, ok bool) {
	if t.Range == nil {
		return 0, 0, true
	}
	if t.Range.Contains(r.Numeric) {
		return t.Range.Min, t.Range.Max, true
	}
	return t.Range.Min, t.Range.Max, false
}
