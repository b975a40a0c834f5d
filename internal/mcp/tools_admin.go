package mcp

import (
	"context"
	"sort"
	"time"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/workflow"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// registerReadTools adds the monitor-level discovery and state tools.
func registerReadTools(cat *ToolCatalog) {
	cat.MustRegister(&Tool{
		Name:        "list_rooms",
		Description: "List all rooms with their device counts.",
		MinRole:     auth.RoleMonitor,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     handleListRooms,
	})

	cat.MustRegister(&Tool{
		Name:        "list_devices",
		Description: "List devices, optionally filtered by room or category (lights, shading, climate, audio, sensor, other).",
		MinRole:     auth.RoleMonitor,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room":     map[string]any{"type": "string"},
				"category": map[string]any{"type": "string", "enum": []any{"lights", "shading", "climate", "audio", "sensor", "other"}},
			},
		},
		Handler: handleListDevices,
	})

	cat.MustRegister(&Tool{
		Name:        "get_device_state",
		Description: "Resolve the current value of one device, from cache when fresh.",
		MinRole:     auth.RoleMonitor,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"device_id": map[string]any{"type": "string", "description": "Device UUID or name"},
			},
			"required": []any{"device_id"},
		},
		Handler: handleGetDeviceState,
	})
}

// registerAdminTools adds structure reload, audit access, and key
// management.
func registerAdminTools(cat *ToolCatalog) {
	cat.MustRegister(&Tool{
		Name:        "reload_structure",
		Description: "Force a reload of the Miniserver structure document, refreshing the device and room inventory.",
		MinRole:     auth.RoleAdmin,
		SideEffect:  true,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     handleReloadStructure,
	})

	cat.MustRegister(&Tool{
		Name:        "get_audit_log",
		Description: "Read recent audit records, newest first.",
		MinRole:     auth.RoleAdmin,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "number", "minimum": 1, "maximum": 1000, "default": 100},
			},
		},
		Handler: handleGetAuditLog,
	})

	cat.MustRegister(&Tool{
		Name:        "create_api_key",
		Description: "Create an API key. The full key id is returned once; store it now.",
		MinRole:     auth.RoleAdmin,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":         map[string]any{"type": "string"},
				"role":         map[string]any{"type": "string", "enum": []any{"admin", "operator", "monitor", "device_scoped"}},
				"expires_in_h": map[string]any{"type": "number", "minimum": 1},
				"ip_whitelist": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"device_uuids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"name", "role"},
		},
		Handler: handleCreateAPIKey,
	})

	cat.MustRegister(&Tool{
		Name:        "list_api_keys",
		Description: "List API keys with masked ids.",
		MinRole:     auth.RoleAdmin,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     handleListAPIKeys,
	})

	cat.MustRegister(&Tool{
		Name:        "revoke_api_key",
		Description: "Revoke an API key by its full id.",
		MinRole:     auth.RoleAdmin,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
			"required": []any{"id"},
		},
		Handler: handleRevokeAPIKey,
	})
}

// registerWorkflowTools adds workflow creation and the demo runner.
func registerWorkflowTools(cat *ToolCatalog) {
	cat.MustRegister(&Tool{
		Name:        "create_workflow",
		Description: "Register a named workflow of ordered tool and delay steps.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":        map[string]any{"type": "string", "pattern": "^[a-zA-Z0-9_-]+$"},
				"description": map[string]any{"type": "string"},
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"type": map[string]any{"type": "string", "enum": []any{"tool", "delay"}},
							"name": map[string]any{"type": "string"},
							"args": map[string]any{"type": "object"},
							"ms":   map[string]any{"type": "number", "minimum": 1},
						},
						"required": []any{"type"},
					},
				},
				"timeout_seconds": map[string]any{"type": "number", "minimum": 1},
				"variables":       map[string]any{"type": "object"},
			},
			"required": []any{"name", "steps"},
		},
		Handler: handleCreateWorkflow,
	})

	cat.MustRegister(&Tool{
		Name:        "execute_workflow_demo",
		Description: "Run one of the builtin demo workflows: home_automation, morning_routine, security_check.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"workflow_name": map[string]any{"type": "string", "enum": []any{"home_automation", "morning_routine", "security_check"}},
				"variables":     map[string]any{"type": "object"},
			},
			"required": []any{"workflow_name"},
		},
		Handler: handleExecuteWorkflowDemo,
	})
}

func handleListRooms(_ context.Context, tc *ToolContext, _ map[string]any) (any, error) {
	st := tc.Upstream.Structure()
	if st == nil {
		return nil, Errorf(KindUpstreamFatal, "structure not loaded")
	}

	type roomInfo struct {
		UUID    string `json:"uuid"`
		Name    string `json:"name"`
		Devices int    `json:"devices"`
	}
	rooms := make([]roomInfo, 0, len(st.Rooms))
	for _, r := range st.Rooms {
		rooms = append(rooms, roomInfo{UUID: r.UUID, Name: r.Name, Devices: len(r.Devices)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	return textResult(map[string]any{"rooms": rooms, "total": len(rooms)}), nil
}

func handleListDevices(_ context.Context, tc *ToolContext, args map[string]any) (any, error) {
	st := tc.Upstream.Structure()
	if st == nil {
		return nil, Errorf(KindUpstreamFatal, "structure not loaded")
	}

	roomFilter := stringArg(args, "room")
	catFilter := models.Category(stringArg(args, "category"))

	devices := make([]*models.Device, 0, len(st.Devices))
	for _, d := range st.Devices {
		if roomFilter != "" && d.Room != roomFilter {
			continue
		}
		if catFilter != "" && d.Category != catFilter {
			continue
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	return textResult(map[string]any{"devices": devices, "total": len(devices)}), nil
}

func handleGetDeviceState(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	dev, err := deviceByRef(tc.Upstream.Structure(), stringArg(args, "device_id"))
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	val, err := tc.Resolver.Resolve(ctx, dev.UUID)
	if err != nil {
		return nil, mapUpstreamError(err)
	}
	return textResult(val), nil
}

func handleReloadStructure(ctx context.Context, tc *ToolContext, _ map[string]any) (any, error) {
	st, err := tc.Upstream.ReloadStructure(ctx)
	if err != nil {
		return nil, mapUpstreamError(err)
	}
	return textResult(map[string]any{
		"success": true,
		"devices": len(st.Devices),
		"rooms":   len(st.Rooms),
	}), nil
}

func handleGetAuditLog(_ context.Context, tc *ToolContext, args map[string]any) (any, error) {
	limit := 100
	if n := floatArg(args, "limit"); n != nil {
		limit = int(*n)
	}
	records := tc.Auditor.Recent(limit)
	return textResult(map[string]any{"records": records, "count": len(records)}), nil
}

func handleCreateAPIKey(_ context.Context, tc *ToolContext, args map[string]any) (any, error) {
	role := auth.Role(stringArg(args, "role"))

	var opts []auth.KeyOption
	if h := floatArg(args, "expires_in_h"); h != nil {
		opts = append(opts, auth.WithExpiry(time.Now().Add(time.Duration(*h)*time.Hour)))
	}
	if cidrs := stringSliceArg(args, "ip_whitelist"); len(cidrs) > 0 {
		opts = append(opts, auth.WithIPWhitelist(cidrs))
	}
	if uuids := stringSliceArg(args, "device_uuids"); len(uuids) > 0 {
		opts = append(opts, auth.WithDeviceScope(uuids))
	}

	key, err := tc.Keys.Create(stringArg(args, "name"), role, opts...)
	if err != nil {
		return nil, Errorf(KindInvalid, "create key: %v", err)
	}

	// The only place the unmasked id ever leaves the server.
	return textResult(map[string]any{
		"id":         key.ID,
		"name":       key.Name,
		"role":       key.Role,
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	}), nil
}

func handleListAPIKeys(_ context.Context, tc *ToolContext, _ map[string]any) (any, error) {
	type keyInfo struct {
		ID        string     `json:"id"` // masked
		Name      string     `json:"name"`
		Role      auth.Role  `json:"role"`
		Active    bool       `json:"active"`
		CreatedAt time.Time  `json:"created_at"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
		LastUsed  time.Time  `json:"last_used,omitempty"`
		UseCount  uint64     `json:"use_count"`
	}

	keys := tc.Keys.List()
	out := make([]keyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyInfo{
			ID:        k.Masked(),
			Name:      k.Name,
			Role:      k.Role,
			Active:    k.Active,
			CreatedAt: k.CreatedAt,
			ExpiresAt: k.ExpiresAt,
			LastUsed:  k.LastUsed,
			UseCount:  k.UseCount,
		})
	}
	return textResult(map[string]any{"keys": out, "total": len(out)}), nil
}

func handleRevokeAPIKey(_ context.Context, tc *ToolContext, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	if err := tc.Keys.Revoke(id); err != nil {
		return nil, Errorf(KindNotFound, "revoke key: %v", err)
	}
	return textResult(map[string]any{"success": true, "id": auth.MaskKeyID(id)}), nil
}

func handleCreateWorkflow(_ context.Context, tc *ToolContext, args map[string]any) (any, error) {
	wf := &workflow.Workflow{
		Name:        stringArg(args, "name"),
		Description: stringArg(args, "description"),
	}
	if t := floatArg(args, "timeout_seconds"); t != nil {
		wf.TimeoutSeconds = int(*t)
	}
	if vars, ok := args["variables"].(map[string]any); ok {
		wf.Variables = make(map[string]string, len(vars))
		for k, v := range vars {
			if s, ok := v.(string); ok {
				wf.Variables[k] = s
			}
		}
	}

	rawSteps, _ := args["steps"].([]any)
	for _, raw := range rawSteps {
		stepMap, ok := raw.(map[string]any)
		if !ok {
			return nil, Errorf(KindInvalid, "steps must be objects")
		}
		step := workflow.Step{
			Type: stringArg(stepMap, "type"),
			Name: stringArg(stepMap, "name"),
		}
		if ms := floatArg(stepMap, "ms"); ms != nil {
			step.Ms = int(*ms)
		}
		if stepArgs, ok := stepMap["args"].(map[string]any); ok {
			step.Args = stepArgs
		}
		wf.Steps = append(wf.Steps, step)
	}

	if err := tc.Engine.Create(wf); err != nil {
		return nil, Errorf(KindInvalid, "%v", err)
	}
	return textResult(map[string]any{
		"success": true,
		"name":    wf.Name,
		"steps":   len(wf.Steps),
	}), nil
}

func handleExecuteWorkflowDemo(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	vars := make(map[string]string)
	if raw, ok := args["variables"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				vars[k] = s
			}
		}
	}

	result, err := tc.Engine.Execute(ctx, stringArg(args, "workflow_name"), tc.caller, vars)
	if err != nil {
		return nil, Errorf(KindNotFound, "%v", err)
	}
	return textResult(result), nil
}

// stringSliceArg extracts a []string argument.
func stringSliceArg(args map[string]any, name string) []string {
	raw, ok := args[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
