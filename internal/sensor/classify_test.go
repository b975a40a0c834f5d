package sensor

import (
	"testing"

	"github.com/hausnetz/loxmcp/pkg/models"
)

func dev(uuid, name, devType string) *models.Device {
	return &models.Device{UUID: uuid, Name: name, DeviceType: devType}
}

func TestClassifyByName(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		name    string
		device  *models.Device
		want    Kind
	}{
		{"german temperature", dev("u1", "Temperatur Wohnzimmer", "InfoOnlyAnalog"), KindTemperature},
		{"english temp", dev("u2", "Office temp", "analog"), KindTemperature},
		{"humidity", dev("u3", "Luftfeuchte Bad", "InfoOnlyAnalog"), KindHumidity},
		{"brightness", dev("u4", "Helligkeit Garten", "InfoOnlyAnalog"), KindIlluminance},
		{"motion", dev("u5", "Bewegung Flur", "InfoOnlyDigital"), KindMotion},
		{"window contact", dev("u6", "Fenster Küche", "InfoOnlyDigital"), KindContact},
		{"blind by type", dev("u7", "Wohnzimmer links", "Jalousie"), KindBlindPosition},
		{"power", dev("u8", "Leistung Gesamt", "Meter"), KindPower},
		{"room controller", dev("u9", "Regelung", "IRoomControllerV2"), KindTemperature},
		{"no match", dev("u10", "Mystery Box", "Widget"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Classify(tt.device)
			if got.Kind != tt.want {
				t.Errorf("Classify(%q/%q) = %s, want %s", tt.device.Name, tt.device.DeviceType, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyUnknownKeepsRawType(t *testing.T) {
	r := NewRegistry(nil)
	got := r.Classify(dev("u1", "???", "SomeVendorThing"))
	if got.Kind != KindUnknown || got.RawType != "SomeVendorThing" {
		t.Errorf("got %+v, want unknown with raw type preserved", got)
	}
}

func TestClassifyOverrideWins(t *testing.T) {
	r := NewRegistry(map[string]string{"u1": "humidity"})
	// The name says temperature but the override pins humidity.
	got := r.Classify(dev("u1", "Temperatur", "analog"))
	if got.Kind != KindHumidity {
		t.Errorf("override ignored: got %s", got.Kind)
	}
	if c := r.Confidence(dev("u1", "Temperatur", "analog")); c != 1.0 {
		t.Errorf("override confidence = %v, want 1.0", c)
	}
}

func TestAcceptLearned(t *testing.T) {
	r := NewRegistry(nil)
	d := dev("u1", "Mystery", "Widget")
	if got := r.Classify(d); got.Kind != KindUnknown {
		t.Fatalf("pre-learned kind = %s", got.Kind)
	}
	r.AcceptLearned("u1", Contact())
	if got := r.Classify(d); got.Kind != KindContact {
		t.Errorf("learned override not applied: got %s", got.Kind)
	}
}

func TestClassifyNFKCNormalization(t *testing.T) {
	r := NewRegistry(nil)
	// Fullwidth characters normalize to ASCII under NFKC.
	got := r.Classify(dev("u1", "ｔｅｍｐ Sensor", "analog"))
	if got.Kind != KindTemperature {
		t.Errorf("NFKC-normalized name not matched: got %s", got.Kind)
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		devType string
		kind    Kind
		want    models.Category
	}{
		{"LightControllerV2", KindUnknown, models.CategoryLights},
		{"Dimmer", KindUnknown, models.CategoryLights},
		{"Jalousie", KindBlindPosition, models.CategoryShading},
		{"IRoomControllerV2", KindTemperature, models.CategoryClimate},
		{"AudioZoneV2", KindUnknown, models.CategoryAudio},
		{"InfoOnlyAnalog", KindTemperature, models.CategorySensor},
		{"Widget", KindUnknown, models.CategoryOther},
	}
	for _, tt := range tests {
		if got := Categorize(tt.devType, tt.kind); got != tt.want {
			t.Errorf("Categorize(%q, %s) = %s, want %s", tt.devType, tt.kind, got, tt.want)
		}
	}
}

func TestChangeThresholds(t *testing.T) {
	if Temperature().ChangeThreshold() != 0.1 {
		t.Error("temperature threshold should be 0.1")
	}
	if Humidity().ChangeThreshold() != 1.0 {
		t.Error("humidity threshold should be 1.0")
	}
	if !Illuminance().RelativeThreshold() {
		t.Error("illuminance threshold should be relative")
	}
	if !Motion().Discrete() || !Contact().Discrete() {
		t.Error("motion and contact are discrete")
	}
}
