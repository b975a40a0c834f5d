package sensor

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseTemperatureString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "bare degree suffix", input: `"27.0°"`, want: 27.0},
		{name: "comma decimal with unicode minus", input: `"−5,5 °C"`, want: -5.5},
		{name: "ascii minus", input: `"-12.3°C"`, want: -12.3},
		{name: "not a number", input: `"not-a-number"`, wantErr: true},
		{name: "bare number", input: `21.5`, want: 21.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(json.RawMessage(tt.input), Temperature())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%s) = %+v, want error", tt.input, r)
				}
				var perr *ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("Parse(%s) error = %v, want *ParseError", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%s) error: %v", tt.input, err)
			}
			if r.Numeric != tt.want {
				t.Errorf("numeric = %v, want %v", r.Numeric, tt.want)
			}
			if r.Unit != "°C" {
				t.Errorf("unit = %q, want °C", r.Unit)
			}
		})
	}
}

func TestParseNestedEnvelope(t *testing.T) {
	raw := json.RawMessage(`{"LL":{"value":"58%"}}`)
	r, err := Parse(raw, Humidity())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Numeric != 58.0 {
		t.Errorf("numeric = %v, want 58", r.Numeric)
	}
	if r.Unit != "%" {
		t.Errorf("unit = %q, want %%", r.Unit)
	}
	if r.Formatted != "58%" {
		t.Errorf("formatted = %q, want 58%%", r.Formatted)
	}
}

func TestParseUnitSuffixes(t *testing.T) {
	tests := []struct {
		input    string
		typ      Type
		want     float64
		wantUnit string
	}{
		{`"230 V"`, Unknown(""), 230, "V"},
		{`"1.5 kW"`, Power(), 1.5, "kW"},
		{`"440 Lx"`, Illuminance(), 440, "Lx"},
		{`"850 lx"`, Illuminance(), 850, "Lx"},
		{`"3.2 m/s"`, WindSpeed(), 3.2, "m/s"},
		{`"12 km/h"`, WindSpeed(), 12, "km/h"},
		{`"45 dB"`, SoundLevel(), 45, "dB"},
	}
	for _, tt := range tests {
		r, err := Parse(json.RawMessage(tt.input), tt.typ)
		if err != nil {
			t.Errorf("Parse(%s): %v", tt.input, err)
			continue
		}
		if r.Numeric != tt.want || r.Unit != tt.wantUnit {
			t.Errorf("Parse(%s) = %v %q, want %v %q", tt.input, r.Numeric, r.Unit, tt.want, tt.wantUnit)
		}
	}
}

func TestValidateRange(t *testing.T) {
	r := &Reading{Numeric: 150.0}
	min, max, ok := Validate(r, Temperature())
	if ok {
		t.Fatal("150 should be out of range for temperature")
	}
	if min != -40 || max != 85 {
		t.Errorf("bounds = (%v, %v), want (-40, 85)", min, max)
	}

	r = &Reading{Numeric: 21.0}
	if _, _, ok := Validate(r, Temperature()); !ok {
		t.Error("21 should be in range")
	}

	// Untyped readings never fail validation.
	if _, _, ok := Validate(&Reading{Numeric: 1e9}, Unknown("x")); !ok {
		t.Error("unknown type must not range-check")
	}
}

func TestParseRejectsJunk(t *testing.T) {
	for _, input := range []string{`[1,2]`, `{"nothing":"here","x":1}`, ``} {
		if _, err := Parse(json.RawMessage(input), Temperature()); err == nil {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}
