package mcp

import (
	"context"
	"errors"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/upstream"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// registerControlTools adds the device, lights, and rolladen control tools.
func registerControlTools(cat *ToolCatalog) {
	cat.MustRegister(&Tool{
		Name:        "control_device",
		Description: "Control a single device by UUID or name. Actions: on, off, toggle, up, down, stop, set (with value).",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"device_id": map[string]any{"type": "string", "description": "Device UUID or name"},
				"action":    map[string]any{"type": "string", "enum": []any{"on", "off", "toggle", "up", "down", "stop", "set"}},
				"value":     map[string]any{"type": "number", "description": "Target value for the set action"},
			},
			"required": []any{"device_id", "action"},
		},
		Handler: handleControlDevice,
	})

	cat.MustRegister(&Tool{
		Name:        "control_multiple_devices",
		Description: "Apply one action to several devices. Success and failure are reported per device; partial success is not an overall failure.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"device_ids": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"action": map[string]any{"type": "string", "enum": []any{"on", "off", "toggle", "up", "down", "stop"}},
			},
			"required": []any{"device_ids", "action"},
		},
		Handler: handleControlMultiple,
	})

	cat.MustRegister(&Tool{
		Name:        "control_lights_unified",
		Description: "Control lights at device, room, or house scope, with optional brightness 0-100.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scope":      map[string]any{"type": "string", "enum": []any{"device", "room", "all"}},
				"target":     map[string]any{"type": "string", "description": "Device or room for device/room scope"},
				"action":     map[string]any{"type": "string", "enum": []any{"on", "off", "toggle", "set"}},
				"brightness": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			},
			"required": []any{"scope", "action"},
		},
		Handler: makeUnifiedHandler(models.CategoryLights, "brightness"),
	})

	cat.MustRegister(&Tool{
		Name:        "control_rolladen_unified",
		Description: "Control blinds at device, room, or house scope, with optional position 0-100.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"scope":    map[string]any{"type": "string", "enum": []any{"device", "room", "all"}},
				"target":   map[string]any{"type": "string"},
				"action":   map[string]any{"type": "string", "enum": []any{"up", "down", "stop", "set"}},
				"position": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			},
			"required": []any{"scope", "action"},
		},
		Handler: makeUnifiedHandler(models.CategoryShading, "position"),
	})

	// Convenience aliases composed over the unified handlers.
	cat.MustRegister(&Tool{
		Name:        "control_room_lights",
		Description: "Control all lights in one room.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room":   map[string]any{"type": "string"},
				"action": map[string]any{"type": "string", "enum": []any{"on", "off", "toggle"}},
			},
			"required": []any{"room", "action"},
		},
		Handler: makeScopedAlias(models.CategoryLights, "room", "room"),
	})

	cat.MustRegister(&Tool{
		Name:        "control_all_lights",
		Description: "Control every light in the house.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"type": "string", "enum": []any{"on", "off", "toggle"}},
			},
			"required": []any{"action"},
		},
		Handler: makeScopedAlias(models.CategoryLights, "all", ""),
	})

	cat.MustRegister(&Tool{
		Name:        "control_room_rolladen",
		Description: "Control all blinds in one room.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room":   map[string]any{"type": "string"},
				"action": map[string]any{"type": "string", "enum": []any{"up", "down", "stop"}},
			},
			"required": []any{"room", "action"},
		},
		Handler: makeScopedAlias(models.CategoryShading, "room", "room"),
	})

	cat.MustRegister(&Tool{
		Name:        "control_all_rolladen",
		Description: "Control every blind in the house.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{"type": "string", "enum": []any{"up", "down", "stop"}},
			},
			"required": []any{"action"},
		},
		Handler: makeScopedAlias(models.CategoryShading, "all", ""),
	})
}

func handleControlDevice(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	dev, err := deviceByRef(tc.Upstream.Structure(), stringArg(args, "device_id"))
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	command, err := actionCommand(stringArg(args, "action"), floatArg(args, "value"))
	if err != nil {
		return nil, err
	}
	if err := writeAndInvalidate(ctx, tc, dev.UUID, command); err != nil {
		return nil, mapUpstreamError(err)
	}

	resp := controlResponse{
		Success: true,
		Action:  stringArg(args, "action"),
		Results: []deviceResult{{UUID: dev.UUID, Name: dev.Name, OK: true}},
	}
	return textResult(resp), nil
}

func handleControlMultiple(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	rawIDs, _ := args["device_ids"].([]any)
	if len(rawIDs) == 0 {
		return nil, Errorf(KindInvalid, "device_ids must not be empty")
	}

	st := tc.Upstream.Structure()
	uuids := make([]string, 0, len(rawIDs))
	for _, raw := range rawIDs {
		ref, _ := raw.(string)
		dev, err := deviceByRef(st, ref)
		if err != nil {
			return nil, err
		}
		uuids = append(uuids, dev.UUID)
	}

	command, err := actionCommand(stringArg(args, "action"), nil)
	if err != nil {
		return nil, err
	}

	resp := controlDevices(ctx, tc, uuids, command)
	resp.Action = stringArg(args, "action")
	return textResult(resp), nil
}

// makeUnifiedHandler builds the scope-aware handler shared by the lights
// and rolladen unified tools. valueArg names the optional numeric argument
// ("brightness" or "position") translated into a set command.
func makeUnifiedHandler(category models.Category, valueArg string) ToolHandler {
	return func(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
		action := stringArg(args, "action")
		value := floatArg(args, valueArg)
		if value != nil {
			action = "set"
		}

		// Scope resolves to the device set at call time, not subscribe or
		// structure-load time.
		uuids, err := scopedDevices(tc.Upstream.Structure(), stringArg(args, "scope"), stringArg(args, "target"), category)
		if err != nil {
			return nil, err
		}
		if len(uuids) == 0 {
			return nil, Errorf(KindNotFound, "no %s devices in scope", category)
		}

		command, err := actionCommand(action, value)
		if err != nil {
			return nil, err
		}

		resp := controlDevices(ctx, tc, uuids, command)
		resp.Action = action
		return textResult(resp), nil
	}
}

// makeScopedAlias builds the room/all convenience tools on top of the same
// fan-out path.
func makeScopedAlias(category models.Category, scope, targetArg string) ToolHandler {
	return func(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
		target := ""
		if targetArg != "" {
			target = stringArg(args, targetArg)
		}

		uuids, err := scopedDevices(tc.Upstream.Structure(), scope, target, category)
		if err != nil {
			return nil, err
		}
		if len(uuids) == 0 {
			return nil, Errorf(KindNotFound, "no %s devices in scope", category)
		}

		command, err := actionCommand(stringArg(args, "action"), nil)
		if err != nil {
			return nil, err
		}

		resp := controlDevices(ctx, tc, uuids, command)
		resp.Action = stringArg(args, "action")
		return textResult(resp), nil
	}
}

// mapUpstreamError translates the upstream failure taxonomy into protocol
// error kinds.
func mapUpstreamError(err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}

	kind := KindUpstreamFatal
	switch {
	case errors.Is(err, upstream.ErrAuthFailed):
		kind = KindUpstreamAuthFailed
	case errors.Is(err, upstream.ErrTransient):
		kind = KindUpstreamTransient
	case errors.Is(err, upstream.ErrNotFound):
		kind = KindNotFound
	default:
		var uperr *upstream.ParseError
		if errors.As(err, &uperr) {
			kind = KindParse
		}
	}
	return WrapError(kind, err, "%s", err.Error())
}
