package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/config"
	"github.com/hausnetz/loxmcp/internal/sensor"
)

// testClient builds a connected basic-auth client against a test server.
func testClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host := u.Hostname()
	port := 80
	fmt.Sscanf(u.Port(), "%d", &port)

	cfg := config.Upstream{
		Host:          host,
		Port:          port,
		User:          "admin",
		Pass:          "secret",
		ValuePath:     "/jdev/sps/io",
		BatchPath:     "/jdev/sps/io",
		CommandPath:   "/jdev/sps/io",
		StructurePath: "/data/LoxAPP3.json",
	}
	c := NewHTTPClient(cfg, sensor.NewRegistry(nil), zap.NewNop())
	c.prober = nil // no ICMP in tests
	c.mu.Lock()
	c.connected = true
	c.health = HealthConnected
	c.mu.Unlock()
	return c
}

func TestReadValuesBatch(t *testing.T) {
	var batchPaths atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ",") {
			batchPaths.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"u1": "21.5°",
				"u2": "55%",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	got, err := c.ReadValues(context.Background(), []string{"u2", "u1"})
	if err != nil {
		t.Fatalf("ReadValues: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d values", len(got))
	}
	if batchPaths.Load() != 1 {
		t.Errorf("batch calls = %d, want 1", batchPaths.Load())
	}
}

func TestReadValuesFallbackOnBatchRefusal(t *testing.T) {
	var perUUID atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ",") {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		perUUID.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"LL": map[string]any{"value": "1"}})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	got, err := c.ReadValues(context.Background(), []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("ReadValues: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d values, want 3", len(got))
	}
	if perUUID.Load() != 3 {
		t.Errorf("per-uuid reads = %d, want 3", perUUID.Load())
	}
}

func TestWriteCommand(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"LL":{"Code":"200"}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	if err := c.WriteCommand(context.Background(), "L1", "On"); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if p, _ := gotPath.Load().(string); p != "/jdev/sps/io/L1/On" {
		t.Errorf("path = %q, want /jdev/sps/io/L1/On", p)
	}
}

func TestNotConnectedPropagates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := testClient(t, srv)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if _, err := c.ReadValue(context.Background(), "u1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := c.WriteCommand(context.Background(), "u1", "On"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestTransientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"LL": map[string]any{"value": "ok"}})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	if err := c.WriteCommand(context.Background(), "u1", "On"); err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (two transient failures, one success)", calls.Load())
	}
}

func TestStatusErrorTaxonomy(t *testing.T) {
	if !errors.Is(statusError(401, ""), ErrAuthFailed) {
		t.Error("401 should be auth failure")
	}
	if !errors.Is(statusError(404, ""), ErrNotFound) {
		t.Error("404 should be not found")
	}
	if !errors.Is(statusError(400, ""), ErrBatchRefused) {
		t.Error("400 should be batch refusal")
	}
	if !errors.Is(statusError(503, "overloaded"), ErrTransient) {
		t.Error("503 should be transient")
	}
}

func TestExtractValue(t *testing.T) {
	got := extractValue([]byte(`{"LL":{"value":"58%"}}`))
	if string(got) != `"58%"` {
		t.Errorf("extractValue = %s", got)
	}
	plain := extractValue([]byte(`42`))
	if string(plain) != `42` {
		t.Errorf("extractValue passthrough = %s", plain)
	}
}

func TestStateUUIDIndirection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The read must target the state uuid, not the device uuid.
		if strings.Contains(r.URL.Path, "1186a2fe-0378-3e15-ffff-abcdefabcdef") {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"1186a2fe-0378-3e15-ffff-abcdefabcdef": "21.5°",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	st, err := ParseStructure([]byte(`{
		"rooms": {},
		"controls": {
			"dev1": {
				"uuidAction": "dev1",
				"name": "Temperatur",
				"type": "InfoOnlyAnalog",
				"states": {"value": "1186a2fe-0378-3e15-ffff-abcdefabcdef"}
			}
		}
	}`), sensor.NewRegistry(nil))
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	c.structure = st
	c.mu.Unlock()

	got, err := c.ReadValue(context.Background(), "dev1")
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if string(got) != `"21.5°"` {
		t.Errorf("got %s, want the dereferenced state value", got)
	}
}
