package auth

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Nanosecond)
	keys := []*APIKey{
		{
			ID:        "lmk_adm_0001_aabbccddeeff00112233445566778899",
			Name:      "root",
			Role:      RoleAdmin,
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Active:    true,
		},
		{
			ID:          "lmk_dev_0002_99887766554433221100ffeeddccbbaa",
			Name:        "thermostat-only",
			Role:        RoleDeviceScoped,
			DeviceUUIDs: []string{"u1", "u2"},
			IPWhitelist: []string{"192.168.1.0/24"},
			CreatedAt:   time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC),
			ExpiresAt:   &expiry,
			Active:      false,
			LastUsed:    time.Now(), // runtime-only, must not round-trip
			UseCount:    42,
		},
	}

	blob, err := EncodeSnapshot(keys)
	if err != nil {
		t.Fatal(err)
	}
	if blob[0] != snapshotMajor || blob[1] != snapshotMinor {
		t.Errorf("version header = %d.%d", blob[0], blob[1])
	}

	got, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d keys", len(got))
	}

	if got[0].ID != keys[0].ID || got[0].Role != RoleAdmin || !got[0].Active {
		t.Errorf("key 0 = %+v", got[0])
	}
	k := got[1]
	if k.Name != "thermostat-only" || k.Active {
		t.Errorf("key 1 = %+v", k)
	}
	if len(k.DeviceUUIDs) != 2 || k.DeviceUUIDs[1] != "u2" {
		t.Errorf("device uuids = %v", k.DeviceUUIDs)
	}
	if len(k.IPWhitelist) != 1 {
		t.Errorf("whitelist = %v", k.IPWhitelist)
	}
	if k.ExpiresAt == nil || !k.ExpiresAt.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", k.ExpiresAt, expiry)
	}
	if !k.LastUsed.IsZero() || k.UseCount != 0 {
		t.Error("runtime fields must not be persisted")
	}
}

func TestSnapshotSkipsUnknownFields(t *testing.T) {
	keys := []*APIKey{{
		ID:        "lmk_mon_0001_00112233445566778899aabbccddeeff",
		Name:      "m",
		Role:      RoleMonitor,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}}
	blob, err := EncodeSnapshot(keys)
	if err != nil {
		t.Fatal(err)
	}

	// Append an unknown field (tag 200) to the single record, patching the
	// record length, simulating a newer minor version.
	unknown := []byte{200}
	var fieldLen [4]byte
	binary.BigEndian.PutUint32(fieldLen[:], 3)
	unknown = append(unknown, fieldLen[:]...)
	unknown = append(unknown, 'x', 'y', 'z')

	recLenOff := 2 + 4 // version + count
	recLen := binary.BigEndian.Uint32(blob[recLenOff:])
	patched := bytes.Clone(blob)
	binary.BigEndian.PutUint32(patched[recLenOff:], recLen+uint32(len(unknown)))
	patched = append(patched, unknown...)

	got, err := DecodeSnapshot(patched)
	if err != nil {
		t.Fatalf("unknown field broke decoding: %v", err)
	}
	if got[0].ID != keys[0].ID {
		t.Errorf("decoded %+v", got[0])
	}
}

func TestSnapshotRejectsNewerMajor(t *testing.T) {
	blob, _ := EncodeSnapshot(nil)
	blob[0] = snapshotMajor + 1
	if _, err := DecodeSnapshot(blob); err == nil {
		t.Error("newer major version must be rejected")
	}
}

func TestSnapshotRejectsTruncated(t *testing.T) {
	for _, blob := range [][]byte{nil, {1}, {1, 0, 0, 0}} {
		if _, err := DecodeSnapshot(blob); err == nil {
			t.Errorf("truncated snapshot %v accepted", blob)
		}
	}
}
