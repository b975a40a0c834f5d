package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/resolver"
	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/internal/upstream"
	"github.com/hausnetz/loxmcp/internal/workflow"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// fakeUpstream satisfies both the tool layer's Upstream and the resolver's
// Upstream.
type fakeUpstream struct {
	mu        sync.Mutex
	structure *models.Structure
	values    map[string]json.RawMessage
	writes    []string // "uuid/command"
	health    upstream.Health
}

func (f *fakeUpstream) ReloadStructure(_ context.Context) (*models.Structure, error) {
	return f.structure, nil
}

func (f *fakeUpstream) WriteCommand(_ context.Context, uuid, command string) error {
	f.mu.Lock()
	f.writes = append(f.writes, uuid+"/"+command)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Structure() *models.Structure { return f.structure }

func (f *fakeUpstream) Health() upstream.Health {
	if f.health == "" {
		return upstream.HealthConnected
	}
	return f.health
}

func (f *fakeUpstream) ReadValues(_ context.Context, uuids []string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]json.RawMessage, len(uuids))
	for _, u := range uuids {
		if v, ok := f.values[u]; ok {
			out[u] = v
		} else {
			out[u] = json.RawMessage(`1`)
		}
	}
	return out, nil
}

func (f *fakeUpstream) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// testStructure builds the fixture house: room Living with two lights, an
// office with a temperature sensor and climate controller, plus an alarm.
func testStructure() *models.Structure {
	st := &models.Structure{
		Devices: map[string]*models.Device{
			"L1": {UUID: "L1", Name: "Ceiling Light", DeviceType: "LightControllerV2", Room: "Living", Category: models.CategoryLights},
			"L2": {UUID: "L2", Name: "Floor Lamp", DeviceType: "Dimmer", Room: "Living", Category: models.CategoryLights},
			"B1": {UUID: "B1", Name: "Rolladen West", DeviceType: "Jalousie", Room: "Living", Category: models.CategoryShading},
			"T1": {UUID: "T1", Name: "Temperatur Office", DeviceType: "InfoOnlyAnalog", Room: "Office", Category: models.CategorySensor},
			"C1": {UUID: "C1", Name: "Klima Office", DeviceType: "IRoomControllerV2", Room: "Office", Category: models.CategoryClimate},
			"A1": {UUID: "A1", Name: "Alarmanlage", DeviceType: "Alarm", Category: models.CategoryOther},
			"Z1": {UUID: "Z1", Name: "Living Audio", DeviceType: "AudioZoneV2", Room: "Living", Category: models.CategoryAudio},
		},
		Rooms: map[string]*models.Room{
			"r1": {UUID: "r1", Name: "Living", Devices: []string{"L1", "L2", "B1", "Z1"}},
			"r2": {UUID: "r2", Name: "Office", Devices: []string{"T1", "C1"}},
		},
	}
	return st
}

type testEnv struct {
	dispatcher *Dispatcher
	up         *fakeUpstream
	keys       *auth.KeyStore
	resolver   *resolver.Resolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	up := &fakeUpstream{
		structure: testStructure(),
		values: map[string]json.RawMessage{
			"T1": json.RawMessage(`"21.5°"`),
			"L1": json.RawMessage(`1`),
			"L2": json.RawMessage(`0`),
		},
	}

	registry := sensor.NewRegistry(nil)
	store := resolver.NewStore(8, 1000)
	res := resolver.New(store, up, registry, resolver.DefaultTTLs(), logger)

	keys, err := auth.NewKeyStore(nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(DispatcherDeps{
		Sessions:  NewSessionManager(),
		Keys:      keys,
		Limiter:   auth.NewRateLimiter(auth.DefaultLimits()),
		Lockout:   auth.NewLockout(),
		Auditor:   auth.NewAuditor(logger, nil, false),
		Resolver:  res,
		Upstream:  up,
		Registry:  registry,
		Discovery: sensor.NewDiscovery(readerFunc(up.readOne), logger, 1, time.Millisecond),
		Engine:    workflow.NewEngine(logger),
		Logger:    logger,
	})

	return &testEnv{dispatcher: d, up: up, keys: keys, resolver: res}
}

// readerFunc adapts a function to sensor.RawReader.
type readerFunc func(ctx context.Context, uuid string) (json.RawMessage, error)

func (f readerFunc) ReadValue(ctx context.Context, uuid string) (json.RawMessage, error) {
	return f(ctx, uuid)
}

func (f *fakeUpstream) readOne(ctx context.Context, uuid string) (json.RawMessage, error) {
	out, err := f.ReadValues(ctx, []string{uuid})
	if err != nil {
		return nil, err
	}
	return out[uuid], nil
}

// stdioSession returns an initialized stdio (implicit admin) session.
func (e *testEnv) stdioSession() *Session {
	sess := e.dispatcher.Sessions().Create(TransportStdio, "local")
	sess.markInitialized()
	return sess
}

// request builds a Request with a numeric id.
func request(id int, method string, params any) *Request {
	req := &Request{JSONRPC: "2.0", Method: method}
	idRaw, _ := json.Marshal(id)
	req.ID = idRaw
	if params != nil {
		raw, _ := json.Marshal(params)
		req.Params = raw
	}
	return req
}

// callTool runs one tool call on an admin stdio session and returns the
// decoded text payload.
func (e *testEnv) callTool(t *testing.T, sess *Session, name string, args map[string]any) map[string]any {
	t.Helper()
	resp := e.dispatcher.HandleRequest(context.Background(), sess, request(1, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}), "")
	if resp.Error != nil {
		t.Fatalf("tools/call %s failed: %+v", name, resp.Error)
	}
	return decodeToolText(t, resp)
}

// decodeToolText unwraps the text content of a tools/call result.
func decodeToolText(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	result, ok := resp.Result.(*toolResult)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if len(result.Content) == 0 {
		t.Fatal("empty tool content")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &out); err != nil {
		t.Fatalf("tool payload not JSON: %v", err)
	}
	return out
}

// errorKind extracts the stable taxonomy code from an error response.
func errorKind(resp *Response) string {
	if resp == nil || resp.Error == nil {
		return ""
	}
	kind, _ := resp.Error.Data["code"].(string)
	return kind
}
