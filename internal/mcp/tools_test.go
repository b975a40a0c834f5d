package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/pkg/models"
)

func TestControlDevice(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	out := e.callTool(t, sess, "control_device", map[string]any{
		"device_id": "Ceiling Light",
		"action":    "on",
	})
	if out["success"] != true {
		t.Fatalf("out = %v", out)
	}

	writes := e.up.writeLog()
	if len(writes) != 1 || writes[0] != "L1/On" {
		t.Errorf("writes = %v, want [L1/On]", writes)
	}
}

func TestControlDeviceSetValue(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	e.callTool(t, sess, "control_device", map[string]any{
		"device_id": "L2",
		"action":    "set",
		"value":     42.0,
	})
	writes := e.up.writeLog()
	if len(writes) != 1 || writes[0] != "L2/SetValue/42" {
		t.Errorf("writes = %v", writes)
	}
}

func TestControlDeviceSchemaViolations(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	tests := []map[string]any{
		{"device_id": "L1", "action": "explode"}, // enum violation
		{"action": "on"},                         // missing required
		{"device_id": "L1"},                      // missing required
	}
	for _, args := range tests {
		resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "tools/call", map[string]any{
			"name":      "control_device",
			"arguments": args,
		}), "")
		if errorKind(resp) != string(KindInvalid) {
			t.Errorf("args %v: kind = %s, want Invalid", args, errorKind(resp))
		}
	}
	if len(e.up.writeLog()) != 0 {
		t.Error("invalid calls reached upstream")
	}
}

func TestRoomLightsOnScenario(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	out := e.callTool(t, sess, "control_lights_unified", map[string]any{
		"scope":  "room",
		"target": "Living",
		"action": "on",
	})
	if out["success"] != true {
		t.Fatalf("out = %v", out)
	}

	results, _ := out["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %v, want one per light", out["results"])
	}
	for _, raw := range results {
		r := raw.(map[string]any)
		if r["ok"] != true {
			t.Errorf("device result = %v", r)
		}
	}

	writes := e.up.writeLog()
	sort.Strings(writes)
	if len(writes) != 2 || writes[0] != "L1/On" || writes[1] != "L2/On" {
		t.Errorf("writes = %v, want L1/On and L2/On", writes)
	}

	// The write path invalidated both lights: the overview read resolves
	// them live and Valid.
	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(2, "resources/read", map[string]any{
		"uri": "loxone://rooms/Living/overview",
	}), "")
	if resp.Error != nil {
		t.Fatalf("overview read: %+v", resp.Error)
	}
	contents := resp.Result.(resourceContents)
	var envelope struct {
		Data struct {
			Devices []struct {
				Device models.Device         `json:"device"`
				State  *models.ResolvedValue `json:"state"`
			} `json:"devices"`
		} `json:"data"`
		Metadata struct {
			SnapshotAt string   `json:"snapshot_at"`
			Staleness  []string `json:"staleness"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(contents.Contents[0].Text), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Metadata.SnapshotAt == "" {
		t.Error("metadata.snapshot_at missing")
	}
	seen := 0
	for _, d := range envelope.Data.Devices {
		if d.Device.UUID == "L1" || d.Device.UUID == "L2" {
			seen++
			if d.State == nil || d.State.Validation.State != models.ValidationValid {
				t.Errorf("light %s state = %+v, want valid", d.Device.UUID, d.State)
			}
		}
	}
	if seen != 2 {
		t.Errorf("overview covered %d lights, want 2", seen)
	}
}

func TestControlAllRolladen(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	out := e.callTool(t, sess, "control_all_rolladen", map[string]any{"action": "down"})
	if out["success"] != true {
		t.Fatalf("out = %v", out)
	}
	writes := e.up.writeLog()
	if len(writes) != 1 || writes[0] != "B1/FullDown" {
		t.Errorf("writes = %v", writes)
	}
}

func TestControlMultiplePartialFailure(t *testing.T) {
	e := newTestEnv(t)
	key, _ := e.keys.Create("scoped", auth.RoleDeviceScoped, auth.WithDeviceScope([]string{"L1"}))
	sess := e.dispatcher.Sessions().Create(TransportStreamable, "198.51.100.12")
	e.dispatcher.HandleRequest(context.Background(), sess, request(0, "initialize", nil), key.ID)

	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "tools/call", map[string]any{
		"name":      "control_multiple_devices",
		"arguments": map[string]any{"device_ids": []any{"L1", "L2"}, "action": "off"},
	}), key.ID)
	if resp.Error != nil {
		t.Fatalf("tools/call failed: %+v", resp.Error)
	}
	out := decodeToolText(t, resp)
	// L2 is outside the key's scope: that device fails, the call as a whole
	// still succeeds.
	if out["success"] != true {
		t.Errorf("out = %v", out)
	}
	results, _ := out["results"].([]any)
	if len(results) != 2 || results[0].(map[string]any)["ok"] != true || results[1].(map[string]any)["ok"] != false {
		t.Errorf("results = %v, want L1 ok and L2 failed", out["results"])
	}
}

func TestSetRoomTemperature(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	out := e.callTool(t, sess, "set_room_temperature", map[string]any{
		"room_name":   "Office",
		"temperature": 21.5,
	})
	if out["success"] != true {
		t.Fatalf("out = %v", out)
	}
	writes := e.up.writeLog()
	if len(writes) != 1 || writes[0] != "C1/SetTemp/21.5" {
		t.Errorf("writes = %v", writes)
	}

	// Out-of-range temperature is rejected by the schema.
	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "tools/call", map[string]any{
		"name":      "set_room_temperature",
		"arguments": map[string]any{"room_name": "Office", "temperature": 50.0},
	}), "")
	if errorKind(resp) != string(KindInvalid) {
		t.Errorf("50 degrees accepted: %+v", resp)
	}
}

func TestArmAlarmDefaultMode(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	out := e.callTool(t, sess, "arm_alarm", map[string]any{})
	if out["mode"] != "away" {
		t.Errorf("default mode = %v, want away", out["mode"])
	}
	writes := e.up.writeLog()
	if len(writes) != 1 || writes[0] != "A1/On" {
		t.Errorf("writes = %v", writes)
	}

	out = e.callTool(t, sess, "disarm_alarm", nil)
	if out["armed"] != false {
		t.Errorf("out = %v", out)
	}
}

func TestAudioZoneControl(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	e.callTool(t, sess, "control_audio_zone", map[string]any{
		"zone_name": "Living Audio",
		"action":    "play",
	})
	e.callTool(t, sess, "set_audio_volume", map[string]any{
		"zone_name": "Living",
		"volume":    30.0,
	})

	writes := e.up.writeLog()
	if len(writes) != 2 || writes[0] != "Z1/Play" || writes[1] != "Z1/Volume/30" {
		t.Errorf("writes = %v", writes)
	}
}

func TestUnknownDeviceAndRoom(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "tools/call", map[string]any{
		"name":      "control_device",
		"arguments": map[string]any{"device_id": "Ghost", "action": "on"},
	}), "")
	if errorKind(resp) != string(KindNotFound) {
		t.Errorf("unknown device = %+v", resp)
	}

	resp = e.dispatcher.HandleRequest(context.Background(), sess, request(2, "tools/call", map[string]any{
		"name":      "control_room_lights",
		"arguments": map[string]any{"room": "Attic", "action": "on"},
	}), "")
	if errorKind(resp) != string(KindNotFound) {
		t.Errorf("unknown room = %+v", resp)
	}
}

func TestWorkflowCreateAndExecute(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	out := e.callTool(t, sess, "create_workflow", map[string]any{
		"name": "evening",
		"steps": []any{
			map[string]any{"type": "tool", "name": "control_all_lights", "args": map[string]any{"action": "off"}},
			map[string]any{"type": "delay", "ms": 1.0},
		},
	})
	if out["success"] != true {
		t.Fatalf("create_workflow = %v", out)
	}

	demo := e.callTool(t, sess, "execute_workflow_demo", map[string]any{
		"workflow_name": "morning_routine",
	})
	if demo["success"] != true {
		t.Fatalf("demo run = %v", demo)
	}
	results := demo["results"].([]any)
	if len(results) != 3 {
		t.Errorf("demo steps = %d, want 3", len(results))
	}

	// The demo's tool steps went through the real catalogue to upstream.
	writes := strings.Join(e.up.writeLog(), ",")
	if !strings.Contains(writes, "B1/FullUp") {
		t.Errorf("writes = %v, want the rolladen raised", writes)
	}
}

func TestGetDeviceState(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	out := e.callTool(t, sess, "get_device_state", map[string]any{"device_id": "T1"})
	if out["uuid"] != "T1" {
		t.Fatalf("out = %v", out)
	}
	if out["formatted"] != "21.5 °C" {
		t.Errorf("formatted = %v", out["formatted"])
	}
}

func TestAPIKeyLifecycleTools(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	created := e.callTool(t, sess, "create_api_key", map[string]any{
		"name": "ci",
		"role": "monitor",
	})
	id, _ := created["id"].(string)
	if !strings.HasPrefix(id, "lmk_mon_") {
		t.Fatalf("id = %q", id)
	}

	listed := e.callTool(t, sess, "list_api_keys", nil)
	keys := listed["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	maskedID := keys[0].(map[string]any)["id"].(string)
	if maskedID != "lmk_***_***" {
		t.Errorf("listing leaked key id: %q", maskedID)
	}

	revoked := e.callTool(t, sess, "revoke_api_key", map[string]any{"id": id})
	if revoked["success"] != true {
		t.Fatalf("revoke = %v", revoked)
	}
}
