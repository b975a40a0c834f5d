package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// recordingCaller records tool invocations and fails on demand.
type recordingCaller struct {
	mu      sync.Mutex
	calls   []string
	args    []map[string]any
	failOn  string
	failErr error
}

func (c *recordingCaller) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	c.args = append(c.args, args)
	if name == c.failOn {
		return nil, c.failErr
	}
	return map[string]any{"ok": true}, nil
}

func TestEngineCreateValidation(t *testing.T) {
	e := NewEngine(zap.NewNop())

	tests := []struct {
		name string
		wf   *Workflow
	}{
		{"empty name", &Workflow{Steps: []Step{{Type: StepDelay, Ms: 1}}}},
		{"no steps", &Workflow{Name: "x"}},
		{"tool without name", &Workflow{Name: "x", Steps: []Step{{Type: StepTool}}}},
		{"delay without ms", &Workflow{Name: "x", Steps: []Step{{Type: StepDelay}}}},
		{"unknown type", &Workflow{Name: "x", Steps: []Step{{Type: "nap"}}}},
	}
	for _, tt := range tests {
		if err := e.Create(tt.wf); err == nil {
			t.Errorf("%s: Create should fail", tt.name)
		}
	}

	ok := &Workflow{Name: "good", Steps: []Step{{Type: StepTool, Name: "list_rooms"}}}
	if err := e.Create(ok); err != nil {
		t.Fatalf("valid workflow rejected: %v", err)
	}
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	e := NewEngine(zap.NewNop())
	_ = e.Create(&Workflow{
		Name: "seq",
		Steps: []Step{
			{Type: StepTool, Name: "first"},
			{Type: StepDelay, Ms: 5},
			{Type: StepTool, Name: "second"},
		},
	})

	caller := &recordingCaller{}
	res, err := e.Execute(context.Background(), "seq", caller, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Results) != 3 {
		t.Fatalf("steps = %d, want 3", len(res.Results))
	}
	if caller.calls[0] != "first" || caller.calls[1] != "second" {
		t.Errorf("call order = %v", caller.calls)
	}
}

func TestExecuteAbortsOnFailure(t *testing.T) {
	e := NewEngine(zap.NewNop())
	_ = e.Create(&Workflow{
		Name: "fail-mid",
		Steps: []Step{
			{Type: StepTool, Name: "a"},
			{Type: StepTool, Name: "b"},
			{Type: StepTool, Name: "c"},
		},
	})

	caller := &recordingCaller{failOn: "b", failErr: errors.New("device offline")}
	res, err := e.Execute(context.Background(), "fail-mid", caller, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("failed workflow reported success")
	}
	// Accumulated results include the failing step, not the aborted tail.
	if len(res.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(res.Results))
	}
	if res.Results[1].OK || res.Results[1].Error == "" {
		t.Errorf("failing step = %+v", res.Results[1])
	}
	if len(caller.calls) != 2 {
		t.Errorf("step c ran after abort: %v", caller.calls)
	}
}

func TestExecuteSubstitutesVariables(t *testing.T) {
	e := NewEngine(zap.NewNop())
	_ = e.Create(&Workflow{
		Name:      "vars",
		Steps:     []Step{{Type: StepTool, Name: "t", Args: map[string]any{"room": "${room}", "n": 2.0}}},
		Variables: map[string]string{"room": "Default"},
	})

	caller := &recordingCaller{}
	// Caller-supplied variables override workflow defaults.
	if _, err := e.Execute(context.Background(), "vars", caller, map[string]string{"room": "Living"}); err != nil {
		t.Fatal(err)
	}
	if got := caller.args[0]["room"]; got != "Living" {
		t.Errorf("room arg = %v, want Living", got)
	}
	if got := caller.args[0]["n"]; got != 2.0 {
		t.Errorf("non-string arg mangled: %v", got)
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e := NewEngine(zap.NewNop())
	if _, err := e.Execute(context.Background(), "nope", &recordingCaller{}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDemoWorkflowsPreloaded(t *testing.T) {
	e := NewEngine(zap.NewNop())
	for _, name := range []string{"home_automation", "morning_routine", "security_check"} {
		if _, err := e.Get(name); err != nil {
			t.Errorf("demo workflow %s missing: %v", name, err)
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := NewEngine(zap.NewNop())
	_ = e.Create(&Workflow{
		Name:           "slow",
		TimeoutSeconds: 1,
		Steps:          []Step{{Type: StepDelay, Ms: 5000}},
	})

	start := time.Now()
	res, err := e.Execute(context.Background(), "slow", &recordingCaller{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout not enforced")
	}
	if res.Success {
		t.Error("timed-out workflow reported success")
	}
}
