package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hausnetz/loxmcp/pkg/models"
)

// controlFanout bounds concurrent upstream writes in multi-device tools.
const controlFanout = 8

// actionCommand maps a tool action (plus optional value) onto the upstream
// command string.
func actionCommand(action string, value *float64) (string, error) {
	switch action {
	case "on":
		return "On", nil
	case "off":
		return "Off", nil
	case "toggle":
		return "Pulse", nil
	case "up":
		return "FullUp", nil
	case "down":
		return "FullDown", nil
	case "stop":
		return "Stop", nil
	case "set":
		if value == nil {
			return "", Errorf(KindInvalid, "action %q requires a value", action)
		}
		return fmt.Sprintf("SetValue/%g", *value), nil
	default:
		return "", Errorf(KindInvalid, "unknown action %q", action)
	}
}

// deviceByRef finds a device by UUID or by exact (then case-insensitive
// unique) name.
func deviceByRef(st *models.Structure, ref string) (*models.Device, error) {
	if st == nil {
		return nil, Errorf(KindUpstreamFatal, "structure not loaded")
	}
	if d, ok := st.Devices[ref]; ok {
		return d, nil
	}
	for _, d := range st.Devices {
		if d.Name == ref {
			return d, nil
		}
	}
	var match *models.Device
	for _, d := range st.Devices {
		if strings.EqualFold(d.Name, ref) {
			if match != nil {
				return nil, Errorf(KindInvalid, "device name %q is ambiguous", ref)
			}
			match = d
		}
	}
	if match == nil {
		return nil, Errorf(KindNotFound, "no device %q", ref).WithData("name", ref)
	}
	return match, nil
}

// roomByRef finds a room by UUID or name.
func roomByRef(st *models.Structure, ref string) (*models.Room, error) {
	if st == nil {
		return nil, Errorf(KindUpstreamFatal, "structure not loaded")
	}
	if r, ok := st.Rooms[ref]; ok {
		return r, nil
	}
	for _, r := range st.Rooms {
		if r.Name == ref {
			return r, nil
		}
	}
	for _, r := range st.Rooms {
		if strings.EqualFold(r.Name, ref) {
			return r, nil
		}
	}
	return nil, Errorf(KindNotFound, "no room %q", ref).WithData("name", ref)
}

// scopedDevices resolves a control scope to its device UUID set at call
// time, so structure reloads take effect immediately.
func scopedDevices(st *models.Structure, scope, target string, category models.Category) ([]string, error) {
	switch scope {
	case "device":
		if target == "" {
			return nil, Errorf(KindInvalid, "scope \"device\" requires a target")
		}
		d, err := deviceByRef(st, target)
		if err != nil {
			return nil, err
		}
		return []string{d.UUID}, nil
	case "room":
		if target == "" {
			return nil, Errorf(KindInvalid, "scope \"room\" requires a target")
		}
		room, err := roomByRef(st, target)
		if err != nil {
			return nil, err
		}
		var uuids []string
		for _, uuid := range room.Devices {
			if d, ok := st.Devices[uuid]; ok && d.Category == category {
				uuids = append(uuids, uuid)
			}
		}
		return uuids, nil
	case "all":
		var uuids []string
		for _, d := range st.DevicesInCategory(category) {
			uuids = append(uuids, d.UUID)
		}
		sort.Strings(uuids)
		return uuids, nil
	default:
		return nil, Errorf(KindInvalid, "unknown scope %q", scope)
	}
}

// deviceResult reports one device's outcome in a multi-device call.
type deviceResult struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// controlResponse is the common multi-device tool response. Partial success
// is still a success; per-device failures live in Results.
type controlResponse struct {
	Success bool           `json:"success"`
	Action  string         `json:"action,omitempty"`
	Results []deviceResult `json:"results"`
}

// controlDevices writes one command to each device with bounded fan-out,
// invalidating the resolver cache for every written UUID so the next read
// is live. Scope violations count as per-device failures.
func controlDevices(ctx context.Context, tc *ToolContext, uuids []string, command string) *controlResponse {
	st := tc.Upstream.Structure()
	results := make([]deviceResult, len(uuids))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(controlFanout)

	for i, uuid := range uuids {
		g.Go(func() error {
			res := deviceResult{UUID: uuid}
			if st != nil {
				if d, ok := st.Devices[uuid]; ok {
					res.Name = d.Name
				}
			}

			if err := tc.Authorize(uuid); err != nil {
				res.Error = err.Error()
			} else if err := writeAndInvalidate(gctx, tc, uuid, command); err != nil {
				res.Error = err.Error()
			} else {
				res.OK = true
			}

			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	anyOK := false
	for _, r := range results {
		if r.OK {
			anyOK = true
			break
		}
	}
	return &controlResponse{Success: anyOK || len(results) == 0, Results: results}
}

// writeAndInvalidate writes one upstream command and, on success, drops the
// resolver cache entry synchronously so the next read after the response
// observes the write.
func writeAndInvalidate(ctx context.Context, tc *ToolContext, uuid, command string) error {
	err := tc.Upstream.WriteCommand(ctx, uuid, command)
	observeWrite(err == nil)
	if err != nil {
		return err
	}
	tc.Resolver.Invalidate(uuid)
	return nil
}

// floatArg extracts an optional numeric argument.
func floatArg(args map[string]any, name string) *float64 {
	v, ok := args[name]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	default:
		return nil
	}
}

// stringArg extracts a string argument, empty when absent.
func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}
