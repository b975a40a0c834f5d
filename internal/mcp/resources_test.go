package mcp

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMatchTemplate(t *testing.T) {
	tests := []struct {
		template string
		uri      string
		ok       bool
		params   map[string]string
	}{
		{"loxone://rooms", "loxone://rooms", true, map[string]string{}},
		{"loxone://rooms/{room}/devices", "loxone://rooms/Living/devices", true, map[string]string{"room": "Living"}},
		{"loxone://rooms/{room}/devices", "loxone://rooms/Living", false, nil},
		{"loxone://devices/category/{category}", "loxone://devices/category/lights", true, map[string]string{"category": "lights"}},
		{"loxone://rooms", "loxone://devices", false, nil},
		{"loxone://rooms", "http://rooms", false, nil},
	}

	for _, tt := range tests {
		params, ok := matchTemplate(tt.template, tt.uri)
		if ok != tt.ok {
			t.Errorf("match(%q, %q) = %v, want %v", tt.template, tt.uri, ok, tt.ok)
			continue
		}
		for k, v := range tt.params {
			if params[k] != v {
				t.Errorf("match(%q, %q) param %s = %q, want %q", tt.template, tt.uri, k, params[k], v)
			}
		}
	}
}

func TestResourcesListAndTemplates(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "resources/list", nil), "")
	if resp.Error != nil {
		t.Fatalf("resources/list: %+v", resp.Error)
	}
	concrete := resp.Result.(map[string]any)["resources"].([]resourceDescriptor)

	wantConcrete := map[string]bool{
		"loxone://rooms":              false,
		"loxone://devices/all":        false,
		"loxone://system/status":      false,
		"loxone://sensors/temperature": false,
		"loxone://weather/current":    false,
		"loxone://security/status":    false,
		"loxone://climate/overview":   false,
		"loxone://audio/zones":        false,
	}
	for _, r := range concrete {
		if _, ok := wantConcrete[r.URI]; ok {
			wantConcrete[r.URI] = true
		}
	}
	for uri, found := range wantConcrete {
		if !found {
			t.Errorf("resources/list missing %s", uri)
		}
	}

	resp = e.dispatcher.HandleRequest(context.Background(), sess, request(2, "resources/templates/list", nil), "")
	templates := resp.Result.(map[string]any)["resourceTemplates"].([]resourceDescriptor)
	wantTemplates := map[string]bool{
		"loxone://rooms/{room}/devices":        false,
		"loxone://rooms/{room}/overview":       false,
		"loxone://devices/category/{category}": false,
		"loxone://devices/type/{type}":         false,
	}
	for _, r := range templates {
		if _, ok := wantTemplates[r.URITemplate]; ok {
			wantTemplates[r.URITemplate] = true
		}
	}
	for uri, found := range wantTemplates {
		if !found {
			t.Errorf("templates/list missing %s", uri)
		}
	}
}

func TestReadUnknownURI(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "resources/read", map[string]any{
		"uri": "loxone://nonsense",
	}), "")
	if errorKind(resp) != string(KindNotFound) {
		t.Errorf("unknown uri = %+v", resp)
	}
}

func TestReadTemperatureSensors(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "resources/read", map[string]any{
		"uri": "loxone://sensors/temperature",
	}), "")
	if resp.Error != nil {
		t.Fatalf("read: %+v", resp.Error)
	}

	contents := resp.Result.(resourceContents)
	var envelope struct {
		Data struct {
			Sensors []struct {
				Device struct {
					UUID string `json:"uuid"`
				} `json:"device"`
				State *struct {
					Formatted string `json:"formatted"`
				} `json:"state"`
			} `json:"sensors"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(contents.Contents[0].Text), &envelope); err != nil {
		t.Fatal(err)
	}
	if len(envelope.Data.Sensors) != 1 || envelope.Data.Sensors[0].Device.UUID != "T1" {
		t.Fatalf("sensors = %+v", envelope.Data.Sensors)
	}
	if envelope.Data.Sensors[0].State == nil || envelope.Data.Sensors[0].State.Formatted != "21.5 °C" {
		t.Errorf("state = %+v", envelope.Data.Sensors[0].State)
	}
}

func TestSystemStatus(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "resources/read", map[string]any{
		"uri": "loxone://system/status",
	}), "")
	if resp.Error != nil {
		t.Fatalf("read: %+v", resp.Error)
	}

	contents := resp.Result.(resourceContents)
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(contents.Contents[0].Text), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Data["upstream"] != "connected" {
		t.Errorf("upstream = %v", envelope.Data["upstream"])
	}
	if envelope.Data["devices"] != float64(7) {
		t.Errorf("devices = %v, want 7", envelope.Data["devices"])
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	e := newTestEnv(t)
	sess := e.stdioSession()

	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "resources/subscribe", map[string]any{
		"uri": "loxone://rooms/Living/overview",
	}), "")
	if resp.Error != nil {
		t.Fatalf("subscribe: %+v", resp.Error)
	}
	subs := sess.Subscriptions()
	if len(subs) != 1 || subs[0] != "loxone://rooms/Living/overview" {
		t.Errorf("subscriptions = %v", subs)
	}

	// Change events for covered uuids notify the session.
	notified := make(chan *Notification, 4)
	sess.SetNotifier(func(n *Notification) { notified <- n })

	e.resolver.IngestEvent("L1", json.RawMessage(`0`))
	e.dispatcher.Subscriptions().dispatchEvent("L1")

	select {
	case n := <-notified:
		params := n.Params.(map[string]any)
		if params["uri"] != "loxone://rooms/Living/overview" {
			t.Errorf("notification = %+v", params)
		}
	default:
		t.Error("no notification dispatched for covered uuid")
	}

	resp = e.dispatcher.HandleRequest(context.Background(), sess, request(2, "resources/unsubscribe", map[string]any{
		"uri": "loxone://rooms/Living/overview",
	}), "")
	if resp.Error != nil {
		t.Fatalf("unsubscribe: %+v", resp.Error)
	}
	if len(sess.Subscriptions()) != 0 {
		t.Error("subscription not removed")
	}

	e.dispatcher.Subscriptions().dispatchEvent("L1")
	select {
	case n := <-notified:
		t.Errorf("notification after unsubscribe: %+v", n)
	default:
	}
}
