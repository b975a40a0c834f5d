// Package workflow runs synchronous, ordered tool-step sequences created
// through the MCP tool surface.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Step kinds.
const (
	StepTool  = "tool"
	StepDelay = "delay"
)

// Step is one workflow action: a tool invocation or a fixed delay.
type Step struct {
	Type string         `json:"type"`
	Name string         `json:"name,omitempty"` // tool name for StepTool
	Args map[string]any `json:"args,omitempty"`
	Ms   int            `json:"ms,omitempty"` // delay for StepDelay
}

// Workflow is a named, ordered step sequence.
type Workflow struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Steps          []Step            `json:"steps"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// StepResult records one executed step.
type StepResult struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	OK      bool   `json:"ok"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// Result is the outcome of a workflow run. Success is false when any step
// failed; Results always holds every step attempted.
type Result struct {
	Workflow string       `json:"workflow"`
	Success  bool         `json:"success"`
	Results  []StepResult `json:"results"`
	Elapsed  string       `json:"elapsed"`
}

// ToolCaller executes one tool by name. Implemented by the MCP dispatcher.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Engine registers and runs workflows.
type Engine struct {
	logger *zap.Logger

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// ErrNotFound is returned for unknown workflow names.
var ErrNotFound = errors.New("workflow not found")

// NewEngine creates an engine preloaded with the builtin demo workflows.
func NewEngine(logger *zap.Logger) *Engine {
	e := &Engine{
		logger:    logger,
		workflows: make(map[string]*Workflow),
	}
	for _, wf := range demoWorkflows() {
		e.workflows[wf.Name] = wf
	}
	return e
}

// Create registers a workflow, replacing any previous one with the same
// name. Validation failures leave the registry untouched.
func (e *Engine) Create(wf *Workflow) error {
	if wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", wf.Name)
	}
	for i, step := range wf.Steps {
		switch step.Type {
		case StepTool:
			if step.Name == "" {
				return fmt.Errorf("step %d: tool step needs a name", i)
			}
		case StepDelay:
			if step.Ms <= 0 {
				return fmt.Errorf("step %d: delay step needs a positive ms", i)
			}
		default:
			return fmt.Errorf("step %d: unknown step type %q", i, step.Type)
		}
	}

	wf.CreatedAt = time.Now().UTC()
	e.mu.Lock()
	e.workflows[wf.Name] = wf
	e.mu.Unlock()

	e.logger.Info("workflow created",
		zap.String("workflow", wf.Name),
		zap.Int("steps", len(wf.Steps)),
	)
	return nil
}

// Get returns a registered workflow.
func (e *Engine) Get(name string) (*Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return wf, nil
}

// List returns all registered workflow names.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	return names
}

// Execute runs a workflow to completion or first failure. Steps run in
// order; a failed step aborts the run and the accumulated results are
// returned either way. Extra variables override the workflow's own.
func (e *Engine) Execute(ctx context.Context, name string, caller ToolCaller, vars map[string]string) (*Result, error) {
	wf, err := e.Get(name)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(wf.Variables)+len(vars))
	for k, v := range wf.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	timeout := 5 * time.Minute
	if wf.TimeoutSeconds > 0 {
		timeout = time.Duration(wf.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := &Result{Workflow: name, Success: true}

	for i, step := range wf.Steps {
		stepStart := time.Now()
		sr := StepResult{Index: i, Type: step.Type, Name: step.Name}

		switch step.Type {
		case StepDelay:
			select {
			case <-ctx.Done():
				sr.Error = ctx.Err().Error()
			case <-time.After(time.Duration(step.Ms) * time.Millisecond):
				sr.OK = true
			}
		case StepTool:
			out, err := caller.CallTool(ctx, step.Name, substituteArgs(step.Args, merged))
			if err != nil {
				sr.Error = err.Error()
			} else {
				sr.OK = true
				sr.Output = out
			}
		}

		sr.Elapsed = time.Since(stepStart).String()
		res.Results = append(res.Results, sr)

		if !sr.OK {
			res.Success = false
			e.logger.Warn("workflow aborted",
				zap.String("workflow", name),
				zap.Int("step", i),
				zap.String("error", sr.Error),
			)
			break
		}
	}

	res.Elapsed = time.Since(start).String()
	return res, nil
}

// substituteArgs replaces ${var} placeholders in string argument values.
func substituteArgs(args map[string]any, vars map[string]string) map[string]any {
	if len(args) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			for name, val := range vars {
				s = strings.ReplaceAll(s, "${"+name+"}", val)
			}
			out[k] = s
			continue
		}
		out[k] = v
	}
	return out
}

// demoWorkflows returns the builtin demo sequences for
// execute_workflow_demo.
func demoWorkflows() []*Workflow {
	return []*Workflow{
		{
			Name:        "home_automation",
			Description: "Evening scene: shade the house, switch the lights on, set a comfortable temperature.",
			Steps: []Step{
				{Type: StepTool, Name: "control_all_rolladen", Args: map[string]any{"action": "down"}},
				{Type: StepDelay, Ms: 500},
				{Type: StepTool, Name: "control_all_lights", Args: map[string]any{"action": "on"}},
				{Type: StepTool, Name: "set_room_temperature", Args: map[string]any{"room_name": "${room}", "temperature": 21.0}},
			},
			Variables: map[string]string{"room": "Living"},
		},
		{
			Name:        "morning_routine",
			Description: "Morning scene: raise the blinds, then switch the lights off.",
			Steps: []Step{
				{Type: StepTool, Name: "control_all_rolladen", Args: map[string]any{"action": "up"}},
				{Type: StepDelay, Ms: 500},
				{Type: StepTool, Name: "control_all_lights", Args: map[string]any{"action": "off"}},
			},
		},
		{
			Name:        "security_check",
			Description: "List the sensor devices, then arm the alarm in away mode. Contact states are not checked.",
			Steps: []Step{
				{Type: StepTool, Name: "list_devices", Args: map[string]any{"category": "sensor"}},
				{Type: StepTool, Name: "arm_alarm", Args: map[string]any{"mode": "away"}},
			},
		},
	}
}
