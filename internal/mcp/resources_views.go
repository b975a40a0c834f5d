package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/internal/version"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// registerResources fills the catalog with every view the server exposes.
func registerResources(cat *ResourceCatalog) {
	views := []*Resource{
		{Template: "loxone://rooms", Name: "Rooms", Description: "All rooms with device counts.", Handler: viewRooms},
		{Template: "loxone://rooms/{room}/devices", Name: "Room devices", Description: "Devices in one room.", Handler: viewRoomDevices},
		{Template: "loxone://rooms/{room}/overview", Name: "Room overview", Description: "Resolved state for every device in one room.", Handler: viewRoomOverview},
		{Template: "loxone://devices/all", Name: "All devices", Description: "The full device inventory.", Handler: viewAllDevices},
		{Template: "loxone://devices/category/{category}", Name: "Devices by category", Description: "Devices filtered by category.", Handler: viewDevicesByCategory},
		{Template: "loxone://devices/type/{type}", Name: "Devices by type", Description: "Devices filtered by upstream device type.", Handler: viewDevicesByType},
		{Template: "loxone://system/status", Name: "System status", Description: "Upstream health, session count, cache stats.", Handler: viewSystemStatus},
		{Template: "loxone://system/capabilities", Name: "Capabilities", Description: "Server capabilities and tool inventory.", Handler: viewCapabilities},
		{Template: "loxone://sensors/door-window", Name: "Door/window sensors", Description: "Contact sensors with resolved state.", Handler: makeSensorView(sensor.KindContact)},
		{Template: "loxone://sensors/temperature", Name: "Temperature sensors", Description: "Temperature sensors with resolved readings.", Handler: makeSensorView(sensor.KindTemperature)},
		{Template: "loxone://sensors/motion", Name: "Motion sensors", Description: "Motion sensors with resolved state.", Handler: makeSensorView(sensor.KindMotion)},
		{Template: "loxone://sensors/discovery", Name: "Sensor discovery", Description: "Classification proposals from behavioural sampling.", Handler: viewDiscovery},
		{Template: "loxone://audio/zones", Name: "Audio zones", Description: "Audio zones with resolved state.", Handler: viewAudioZones},
		{Template: "loxone://weather/current", Name: "Weather", Description: "Weather station readings.", Handler: viewWeather},
		{Template: "loxone://security/status", Name: "Security status", Description: "Alarm state and open contacts.", Handler: viewSecurity},
		{Template: "loxone://climate/overview", Name: "Climate overview", Description: "Climate controllers and temperatures per room.", Handler: viewClimate},
	}
	for _, v := range views {
		v.MinRole = auth.RoleMonitor
		cat.Register(v)
	}
}

func structureOf(rc *ResourceContext) (*models.Structure, error) {
	st := rc.Upstream.Structure()
	if st == nil {
		return nil, Errorf(KindUpstreamFatal, "structure not loaded")
	}
	return st, nil
}

// resolveAll batch-resolves the given UUIDs, tolerating per-UUID failures.
func resolveAll(ctx context.Context, rc *ResourceContext, uuids []string) map[string]*models.ResolvedValue {
	if len(uuids) == 0 {
		return nil
	}
	vals, err := rc.Resolver.ResolveMany(ctx, uuids)
	if err != nil {
		rc.Logger.Debug("resource batch resolve failed")
		return nil
	}
	return vals
}

func viewRooms(_ context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
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
	return map[string]any{"rooms": rooms}, nil, nil
}

func viewRoomDevices(_ context.Context, rc *ResourceContext, params map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}
	room, err := roomByRef(st, params["room"])
	if err != nil {
		return nil, nil, err
	}

	devices := make([]*models.Device, 0, len(room.Devices))
	for _, uuid := range room.Devices {
		if d, ok := st.Devices[uuid]; ok {
			devices = append(devices, d)
		}
	}
	return map[string]any{"room": room.Name, "devices": devices}, room.Devices, nil
}

func viewRoomOverview(ctx context.Context, rc *ResourceContext, params map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}
	room, err := roomByRef(st, params["room"])
	if err != nil {
		return nil, nil, err
	}

	vals := resolveAll(ctx, rc, room.Devices)
	type deviceState struct {
		Device *models.Device        `json:"device"`
		State  *models.ResolvedValue `json:"state,omitempty"`
	}
	states := make([]deviceState, 0, len(room.Devices))
	for _, uuid := range room.Devices {
		d, ok := st.Devices[uuid]
		if !ok {
			continue
		}
		states = append(states, deviceState{Device: d, State: vals[uuid]})
	}
	return map[string]any{"room": room.Name, "devices": states}, room.Devices, nil
}

func viewAllDevices(_ context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}

	devices := make([]*models.Device, 0, len(st.Devices))
	uuids := make([]string, 0, len(st.Devices))
	for _, d := range st.Devices {
		devices = append(devices, d)
		uuids = append(uuids, d.UUID)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return map[string]any{"devices": devices, "total": len(devices)}, uuids, nil
}

func viewDevicesByCategory(_ context.Context, rc *ResourceContext, params map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}

	cat := models.Category(params["category"])
	devices := st.DevicesInCategory(cat)
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	uuids := make([]string, 0, len(devices))
	for _, d := range devices {
		uuids = append(uuids, d.UUID)
	}
	return map[string]any{"category": cat, "devices": devices}, uuids, nil
}

func viewDevicesByType(_ context.Context, rc *ResourceContext, params map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}

	var devices []*models.Device
	var uuids []string
	for _, d := range st.Devices {
		if d.DeviceType == params["type"] {
			devices = append(devices, d)
			uuids = append(uuids, d.UUID)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return map[string]any{"type": params["type"], "devices": devices}, uuids, nil
}

func viewSystemStatus(_ context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	st := rc.Upstream.Structure()
	deviceCount := 0
	roomCount := 0
	if st != nil {
		deviceCount = len(st.Devices)
		roomCount = len(st.Rooms)
	}

	return map[string]any{
		"upstream":      rc.Upstream.Health(),
		"devices":       deviceCount,
		"rooms":         roomCount,
		"sessions":      rc.Sessions.Count(),
		"cached_values": rc.Resolver.CacheLen(),
		"version":       version.Map(),
	}, nil, nil
}

func viewCapabilities(_ context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	return map[string]any{
		"protocol_version": ProtocolVersion,
		"server":           ServerInfo{Name: ServerName, Version: version.Short()},
		"transports":       []string{"stdio", "http", "sse"},
		"subscriptions":    true,
	}, nil, nil
}

// makeSensorView builds a handler listing all sensors of one kind with
// resolved readings.
func makeSensorView(kind sensor.Kind) ResourceHandler {
	return func(ctx context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
		st, err := structureOf(rc)
		if err != nil {
			return nil, nil, err
		}

		var uuids []string
		var devices []*models.Device
		for _, d := range st.Devices {
			if rc.Registry.Classify(d).Kind == kind {
				devices = append(devices, d)
				uuids = append(uuids, d.UUID)
			}
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

		vals := resolveAll(ctx, rc, uuids)
		type sensorState struct {
			Device *models.Device        `json:"device"`
			State  *models.ResolvedValue `json:"state,omitempty"`
		}
		out := make([]sensorState, 0, len(devices))
		for _, d := range devices {
			out = append(out, sensorState{Device: d, State: vals[d.UUID]})
		}
		return map[string]any{"kind": kind, "sensors": out}, uuids, nil
	}
}

func viewDiscovery(_ context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	if rc.Discovery == nil {
		return map[string]any{"proposals": []any{}}, nil, nil
	}
	proposals := rc.Discovery.Proposals()
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].UUID < proposals[j].UUID })
	return map[string]any{"proposals": proposals}, nil, nil
}

func viewAudioZones(ctx context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}

	zones := st.DevicesInCategory(models.CategoryAudio)
	sort.Slice(zones, func(i, j int) bool { return zones[i].Name < zones[j].Name })
	uuids := make([]string, 0, len(zones))
	for _, z := range zones {
		uuids = append(uuids, z.UUID)
	}

	vals := resolveAll(ctx, rc, uuids)
	type zoneState struct {
		Device *models.Device        `json:"device"`
		State  *models.ResolvedValue `json:"state,omitempty"`
	}
	out := make([]zoneState, 0, len(zones))
	for _, z := range zones {
		out = append(out, zoneState{Device: z, State: vals[z.UUID]})
	}
	return map[string]any{"zones": out}, uuids, nil
}

// weatherKinds are the sensor kinds surfaced by the weather view.
var weatherKinds = map[sensor.Kind]bool{
	sensor.KindTemperature: true,
	sensor.KindHumidity:    true,
	sensor.KindWindSpeed:   true,
	sensor.KindIlluminance: true,
}

func viewWeather(ctx context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}

	// Weather readings are the outdoor sensors: devices without a room, or
	// in a room whose name suggests outside.
	var uuids []string
	readings := make(map[string]*models.ResolvedValue)
	var order []string
	for _, d := range st.Devices {
		kind := rc.Registry.Classify(d).Kind
		if !weatherKinds[kind] {
			continue
		}
		if d.Room != "" && !outdoorName(d.Room) && !outdoorName(d.Name) {
			continue
		}
		uuids = append(uuids, d.UUID)
		order = append(order, d.UUID)
	}
	sort.Strings(order)

	vals := resolveAll(ctx, rc, uuids)
	for _, uuid := range order {
		if v, ok := vals[uuid]; ok {
			readings[uuid] = v
		}
	}
	return map[string]any{"readings": readings}, uuids, nil
}

// outdoorName matches room/device names that indicate outdoor placement.
var outdoorTokens = []string{"outdoor", "outside", "aussen", "außen", "garten", "garden", "terrasse", "terrace", "balkon", "balcony", "wetter", "weather"}

func outdoorName(name string) bool {
	s := strings.ToLower(name)
	for _, tok := range outdoorTokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func viewSecurity(ctx context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}

	var uuids []string
	var contacts []*models.Device
	var alarm *models.Device
	for _, d := range st.Devices {
		switch {
		case rc.Registry.Classify(d).Kind == sensor.KindContact:
			contacts = append(contacts, d)
			uuids = append(uuids, d.UUID)
		case alarm == nil && strings.EqualFold(d.DeviceType, "alarm"):
			alarm = d
			uuids = append(uuids, d.UUID)
		}
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].Name < contacts[j].Name })

	vals := resolveAll(ctx, rc, uuids)

	var open []string
	for _, d := range contacts {
		if v, ok := vals[d.UUID]; ok {
			if n, has := v.NumericValue(); has && n != 0 {
				open = append(open, d.Name)
			}
		}
	}

	out := map[string]any{
		"contacts_total": len(contacts),
		"contacts_open":  open,
	}
	if alarm != nil {
		out["alarm"] = vals[alarm.UUID]
	}
	return out, uuids, nil
}

func viewClimate(ctx context.Context, rc *ResourceContext, _ map[string]string) (any, []string, error) {
	st, err := structureOf(rc)
	if err != nil {
		return nil, nil, err
	}

	type roomClimate struct {
		Room        string                `json:"room"`
		Controller  *models.Device        `json:"controller,omitempty"`
		Temperature *models.ResolvedValue `json:"temperature,omitempty"`
	}

	var uuids []string
	perRoom := make(map[string]*roomClimate)
	for _, d := range st.Devices {
		if d.Room == "" {
			continue
		}
		isController := d.Category == models.CategoryClimate
		isTemp := rc.Registry.Classify(d).Kind == sensor.KindTemperature
		if !isController && !isTemp {
			continue
		}
		entry := perRoom[d.Room]
		if entry == nil {
			entry = &roomClimate{Room: d.Room}
			perRoom[d.Room] = entry
		}
		if isController && entry.Controller == nil {
			entry.Controller = d
			uuids = append(uuids, d.UUID)
		}
		if isTemp && entry.Temperature == nil {
			uuids = append(uuids, d.UUID)
			// Filled after the batch resolve below.
			entry.Temperature = &models.ResolvedValue{UUID: d.UUID}
		}
	}

	vals := resolveAll(ctx, rc, uuids)
	rooms := make([]*roomClimate, 0, len(perRoom))
	for _, entry := range perRoom {
		if entry.Temperature != nil {
			if v, ok := vals[entry.Temperature.UUID]; ok {
				entry.Temperature = v
			} else {
				entry.Temperature = nil
			}
		}
		rooms = append(rooms, entry)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Room < rooms[j].Room })

	return map[string]any{"rooms": rooms}, uuids, nil
}

// mustJSON marshals v, returning an error object on failure.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to marshal resource"}`
	}
	return string(data)
}
