package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// structureDoc mirrors the wire shape of the Miniserver structure document.
type structureDoc struct {
	Rooms        map[string]structureRoom    `json:"rooms"`
	Controls     map[string]structureControl `json:"controls"`
	GlobalStates map[string]string           `json:"globalStates"`
}

type structureRoom struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type structureControl struct {
	UUID   string                     `json:"uuidAction"`
	Name   string                     `json:"name"`
	Type   string                     `json:"type"`
	Room   string                     `json:"room"`
	States map[string]json.RawMessage `json:"states"`
}

// ParseStructure turns the raw structure document into the typed inventory.
// Each control state is either a state-UUID string or an inline value; both
// forms are preserved in the device state map.
func ParseStructure(raw []byte, registry *sensor.Registry) (*models.Structure, error) {
	var doc structureDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse structure document: %w", err)
	}
	if doc.Controls == nil {
		return nil, fmt.Errorf("structure document has no controls section")
	}

	st := &models.Structure{
		Devices:      make(map[string]*models.Device, len(doc.Controls)),
		Rooms:        make(map[string]*models.Room, len(doc.Rooms)),
		GlobalStates: doc.GlobalStates,
	}

	for id, r := range doc.Rooms {
		uuid := r.UUID
		if uuid == "" {
			uuid = id
		}
		st.Rooms[uuid] = &models.Room{UUID: uuid, Name: r.Name}
	}

	for id, c := range doc.Controls {
		uuid := c.UUID
		if uuid == "" {
			uuid = id
		}

		dev := &models.Device{
			UUID:       uuid,
			Name:       c.Name,
			DeviceType: c.Type,
			States:     make(map[string]models.StateRef, len(c.States)),
		}
		for name, rawState := range c.States {
			dev.States[name] = parseStateRef(rawState)
		}
		if room, ok := st.Rooms[c.Room]; ok {
			dev.Room = room.Name
			room.Devices = append(room.Devices, uuid)
		}

		kind := registry.Classify(dev).Kind
		dev.Category = sensor.Categorize(c.Type, kind)

		st.Devices[uuid] = dev
	}

	return st, nil
}

// parseStateRef decides whether a raw state entry is a state-UUID reference
// or an inline value. UUID-shaped strings are references; everything else is
// inline.
func parseStateRef(raw json.RawMessage) models.StateRef {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if looksLikeUUID(s) {
			return models.StateRef{UUID: s}
		}
		return models.StateRef{Inline: s}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return models.StateRef{Inline: v}
	}
	return models.StateRef{Inline: string(raw)}
}

// looksLikeUUID matches the Miniserver's 8-8-8-16 hex state identifiers as
// well as canonical RFC 4122 UUIDs.
func looksLikeUUID(s string) bool {
	hyphens := 0
	hex := 0
	for _, r := range s {
		switch {
		case r == '-':
			hyphens++
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			hex++
		default:
			return false
		}
	}
	return hyphens >= 3 && hex >= 28
}

// primaryStateNames lists state names in preference order when a device
// exposes several.
var primaryStateNames = []string{"value", "active", "position", "actual", "state"}

// PrimaryState returns the state entry a plain value read should resolve,
// plus its name. Falls back to the lexicographically first state.
func PrimaryState(d *models.Device) (string, models.StateRef, bool) {
	for _, name := range primaryStateNames {
		if ref, ok := d.States[name]; ok {
			return name, ref, true
		}
	}
	var bestName string
	var best models.StateRef
	for name, ref := range d.States {
		if bestName == "" || name < bestName {
			bestName, best = name, ref
		}
	}
	if bestName == "" {
		return "", models.StateRef{}, false
	}
	return bestName, best, true
}
