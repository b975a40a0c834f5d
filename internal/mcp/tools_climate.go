package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// Room-mode commands keyed by mode name.
var roomModeCommands = map[string]string{
	"heating": "SetMode/1",
	"cooling": "SetMode/2",
	"auto":    "SetMode/0",
	"off":     "SetMode/3",
}

// Audio zone commands keyed by action. Value-carrying actions are handled
// separately.
var audioCommands = map[string]string{
	"play":     "Play",
	"stop":     "Stop",
	"pause":    "Pause",
	"mute":     "Mute",
	"unmute":   "Unmute",
	"next":     "Next",
	"previous": "Prev",
}

// registerClimateAudioTools adds the climate, audio, and alarm tools.
func registerClimateAudioTools(cat *ToolCatalog) {
	cat.MustRegister(&Tool{
		Name:        "set_room_temperature",
		Description: "Set the target temperature for a room's climate controller (5-35 °C).",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room_name":   map[string]any{"type": "string"},
				"temperature": map[string]any{"type": "number", "minimum": 5.0, "maximum": 35.0},
			},
			"required": []any{"room_name", "temperature"},
		},
		Handler: handleSetRoomTemperature,
	})

	cat.MustRegister(&Tool{
		Name:        "set_room_mode",
		Description: "Set a room's climate mode: heating, cooling, auto, or off.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room_name": map[string]any{"type": "string"},
				"mode":      map[string]any{"type": "string", "enum": []any{"heating", "cooling", "auto", "off"}},
			},
			"required": []any{"room_name", "mode"},
		},
		Handler: handleSetRoomMode,
	})

	cat.MustRegister(&Tool{
		Name:        "control_audio_zone",
		Description: "Control an audio zone: play, stop, pause, volume (with value), mute, unmute, next, previous.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"zone_name": map[string]any{"type": "string"},
				"action":    map[string]any{"type": "string", "enum": []any{"play", "stop", "pause", "volume", "mute", "unmute", "next", "previous"}},
				"value":     map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			},
			"required": []any{"zone_name", "action"},
		},
		Handler: handleControlAudioZone,
	})

	cat.MustRegister(&Tool{
		Name:        "set_audio_volume",
		Description: "Set an audio zone's volume, 0-100.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"zone_name": map[string]any{"type": "string"},
				"volume":    map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			},
			"required": []any{"zone_name", "volume"},
		},
		Handler: handleSetAudioVolume,
	})

	cat.MustRegister(&Tool{
		Name:        "arm_alarm",
		Description: "Arm the alarm system in home, away, or full mode.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{"type": "string", "enum": []any{"home", "away", "full"}, "default": "away"},
			},
		},
		Handler: handleArmAlarm,
	})

	cat.MustRegister(&Tool{
		Name:        "disarm_alarm",
		Description: "Disarm the alarm system.",
		MinRole:     auth.RoleOperator,
		SideEffect:  true,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler:     handleDisarmAlarm,
	})
}

// climateController finds the climate device serving a room.
func climateController(st *models.Structure, roomName string) (*models.Device, error) {
	room, err := roomByRef(st, roomName)
	if err != nil {
		return nil, err
	}
	for _, uuid := range room.Devices {
		if d, ok := st.Devices[uuid]; ok && d.Category == models.CategoryClimate {
			return d, nil
		}
	}
	return nil, Errorf(KindNotFound, "room %q has no climate controller", room.Name)
}

func handleSetRoomTemperature(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	dev, err := climateController(tc.Upstream.Structure(), stringArg(args, "room_name"))
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	temp := floatArg(args, "temperature")
	command := fmt.Sprintf("SetTemp/%.1f", *temp)
	if err := writeAndInvalidate(ctx, tc, dev.UUID, command); err != nil {
		return nil, mapUpstreamError(err)
	}

	return textResult(map[string]any{
		"success":     true,
		"room":        stringArg(args, "room_name"),
		"device":      dev.Name,
		"temperature": *temp,
	}), nil
}

func handleSetRoomMode(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	dev, err := climateController(tc.Upstream.Structure(), stringArg(args, "room_name"))
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	mode := stringArg(args, "mode")
	command, ok := roomModeCommands[mode]
	if !ok {
		return nil, Errorf(KindInvalid, "unknown mode %q", mode)
	}
	if err := writeAndInvalidate(ctx, tc, dev.UUID, command); err != nil {
		return nil, mapUpstreamError(err)
	}

	return textResult(map[string]any{
		"success": true,
		"room":    stringArg(args, "room_name"),
		"mode":    mode,
	}), nil
}

// audioZone finds an audio device by zone name.
func audioZone(st *models.Structure, zoneName string) (*models.Device, error) {
	if st == nil {
		return nil, Errorf(KindUpstreamFatal, "structure not loaded")
	}
	for _, d := range st.Devices {
		if d.Category == models.CategoryAudio && strings.EqualFold(d.Name, zoneName) {
			return d, nil
		}
	}
	// Zone names often carry the room: "Living Audio". Substring fallback.
	var match *models.Device
	for _, d := range st.Devices {
		if d.Category == models.CategoryAudio && strings.Contains(strings.ToLower(d.Name), strings.ToLower(zoneName)) {
			if match != nil {
				return nil, Errorf(KindInvalid, "audio zone %q is ambiguous", zoneName)
			}
			match = d
		}
	}
	if match == nil {
		return nil, Errorf(KindNotFound, "no audio zone %q", zoneName).WithData("name", zoneName)
	}
	return match, nil
}

func handleControlAudioZone(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	dev, err := audioZone(tc.Upstream.Structure(), stringArg(args, "zone_name"))
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	action := stringArg(args, "action")
	var command string
	if action == "volume" {
		v := floatArg(args, "value")
		if v == nil {
			return nil, Errorf(KindInvalid, "action \"volume\" requires a value")
		}
		command = fmt.Sprintf("Volume/%g", *v)
	} else {
		var ok bool
		command, ok = audioCommands[action]
		if !ok {
			return nil, Errorf(KindInvalid, "unknown action %q", action)
		}
	}

	if err := writeAndInvalidate(ctx, tc, dev.UUID, command); err != nil {
		return nil, mapUpstreamError(err)
	}

	return textResult(map[string]any{
		"success": true,
		"zone":    dev.Name,
		"action":  action,
	}), nil
}

func handleSetAudioVolume(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	dev, err := audioZone(tc.Upstream.Structure(), stringArg(args, "zone_name"))
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	volume := floatArg(args, "volume")
	if err := writeAndInvalidate(ctx, tc, dev.UUID, fmt.Sprintf("Volume/%g", *volume)); err != nil {
		return nil, mapUpstreamError(err)
	}

	return textResult(map[string]any{
		"success": true,
		"zone":    dev.Name,
		"volume":  *volume,
	}), nil
}

// alarmDevice finds the alarm control. Loxone exposes it as an "Alarm" type
// control.
func alarmDevice(st *models.Structure) (*models.Device, error) {
	if st == nil {
		return nil, Errorf(KindUpstreamFatal, "structure not loaded")
	}
	for _, d := range st.Devices {
		if strings.EqualFold(d.DeviceType, "alarm") {
			return d, nil
		}
	}
	return nil, Errorf(KindNotFound, "no alarm control in structure")
}

var alarmModes = map[string]string{
	"home": "DelayedOn/0",
	"away": "On",
	"full": "On/1",
}

func handleArmAlarm(ctx context.Context, tc *ToolContext, args map[string]any) (any, error) {
	dev, err := alarmDevice(tc.Upstream.Structure())
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	mode := stringArg(args, "mode")
	if mode == "" {
		mode = "away"
	}
	command, ok := alarmModes[mode]
	if !ok {
		return nil, Errorf(KindInvalid, "unknown alarm mode %q", mode)
	}

	if err := writeAndInvalidate(ctx, tc, dev.UUID, command); err != nil {
		return nil, mapUpstreamError(err)
	}

	return textResult(map[string]any{"success": true, "armed": true, "mode": mode}), nil
}

func handleDisarmAlarm(ctx context.Context, tc *ToolContext, _ map[string]any) (any, error) {
	dev, err := alarmDevice(tc.Upstream.Structure())
	if err != nil {
		return nil, err
	}
	if err := tc.Authorize(dev.UUID); err != nil {
		return nil, err
	}

	if err := writeAndInvalidate(ctx, tc, dev.UUID, "Off"); err != nil {
		return nil, mapUpstreamError(err)
	}

	return textResult(map[string]any{"success": true, "armed": false}), nil
}
