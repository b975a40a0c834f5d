package mcp

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/resolver"
	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/pkg/models"
)

// URIScheme prefixes every resource URI.
const URIScheme = "loxone://"

// Resource is one read-only view with a URI template. Handlers read from
// the state store and structure maps only; the single upstream interaction
// allowed is the batch resolve for stale UUIDs in scope.
type Resource struct {
	Template    string // e.g. "loxone://rooms/{room}/devices"
	Name        string
	Description string
	MinRole     auth.Role
	Handler     ResourceHandler
}

// ResourceHandler produces the view payload plus the device UUIDs the view
// covers (for staleness reporting and subscriptions).
type ResourceHandler func(ctx context.Context, rc *ResourceContext, params map[string]string) (any, []string, error)

// ResourceContext carries per-read dependencies.
type ResourceContext struct {
	Resolver  *resolver.Resolver
	Upstream  Upstream
	Registry  *sensor.Registry
	Discovery *sensor.Discovery
	Sessions  *SessionManager
	Logger    *zap.Logger
}

// resourceMeta is attached to every resource payload.
type resourceMeta struct {
	SnapshotAt time.Time `json:"snapshot_at"`
	Staleness  []string  `json:"staleness"` // uuids read past their TTL
}

// resourceEnvelope wraps a view payload with its metadata.
type resourceEnvelope struct {
	Data     any          `json:"data"`
	Metadata resourceMeta `json:"metadata"`
}

// ResourceCatalog matches URIs against the template table.
type ResourceCatalog struct {
	mu        sync.RWMutex
	resources []*Resource
}

// NewResourceCatalog creates an empty catalog.
func NewResourceCatalog() *ResourceCatalog {
	return &ResourceCatalog{}
}

// Register adds a resource template.
func (c *ResourceCatalog) Register(r *Resource) {
	c.mu.Lock()
	c.resources = append(c.resources, r)
	c.mu.Unlock()
}

// Match finds the resource serving a URI and extracts template parameters.
func (c *ResourceCatalog) Match(uri string) (*Resource, map[string]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.resources {
		if params, ok := matchTemplate(r.Template, uri); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// matchTemplate compares a URI against a template, binding {param}
// segments.
func matchTemplate(template, uri string) (map[string]string, bool) {
	tpl, ok1 := strings.CutPrefix(template, URIScheme)
	got, ok2 := strings.CutPrefix(uri, URIScheme)
	if !ok1 || !ok2 {
		return nil, false
	}

	tplParts := strings.Split(tpl, "/")
	gotParts := strings.Split(got, "/")
	if len(tplParts) != len(gotParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i, part := range tplParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			params[part[1:len(part)-1]] = gotParts[i]
			continue
		}
		if part != gotParts[i] {
			return nil, false
		}
	}
	return params, true
}

// resourceDescriptor is the resources/list and templates/list wire shape.
type resourceDescriptor struct {
	URI         string `json:"uri,omitempty"`
	URITemplate string `json:"uriTemplate,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// List returns concrete (parameterless) resources.
func (c *ResourceCatalog) List() []resourceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []resourceDescriptor
	for _, r := range c.resources {
		if strings.Contains(r.Template, "{") {
			continue
		}
		out = append(out, resourceDescriptor{
			URI:         r.Template,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    "application/json",
		})
	}
	return out
}

// Templates returns the parameterized templates.
func (c *ResourceCatalog) Templates() []resourceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []resourceDescriptor
	for _, r := range c.resources {
		if !strings.Contains(r.Template, "{") {
			continue
		}
		out = append(out, resourceDescriptor{
			URITemplate: r.Template,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    "application/json",
		})
	}
	return out
}

// resourceContents is the resources/read wire shape.
type resourceContents struct {
	Contents []resourceContent `json:"contents"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// Read matches, authorizes, and executes a resource read, wrapping the
// payload in the metadata envelope.
func (c *ResourceCatalog) Read(ctx context.Context, rc *ResourceContext, sess *Session, uri string) (any, []string, error) {
	res, params, ok := c.Match(uri)
	if !ok {
		return nil, nil, Errorf(KindNotFound, "no resource matches %q", uri)
	}

	role := sess.Role()
	if !role.Allows(res.MinRole) && role != auth.RoleDeviceScoped {
		return nil, nil, Errorf(KindForbidden, "resource %q requires role %s", uri, res.MinRole)
	}

	payload, uuids, err := res.Handler(ctx, rc, params)
	if err != nil {
		return nil, nil, err
	}

	// DeviceScoped keys only see views fully inside their scope.
	if key := sess.Key(); key != nil && key.Role == auth.RoleDeviceScoped {
		for _, uuid := range uuids {
			if !key.ScopeAllows(uuid) {
				return nil, nil, Errorf(KindForbidden, "resource %q covers devices outside the key's scope", uri)
			}
		}
	}

	envelope := resourceEnvelope{
		Data: payload,
		Metadata: resourceMeta{
			SnapshotAt: time.Now().UTC(),
			Staleness:  staleUUIDs(rc.Resolver, uuids),
		},
	}

	result := resourceContents{
		Contents: []resourceContent{{
			URI:      uri,
			MimeType: "application/json",
			Text:     mustJSON(envelope),
		}},
	}
	return result, uuids, nil
}

// ScopeUUIDs evaluates which device UUIDs a URI currently covers, for
// subscription registration.
func (c *ResourceCatalog) ScopeUUIDs(ctx context.Context, rc *ResourceContext, uri string) ([]string, error) {
	res, params, ok := c.Match(uri)
	if !ok {
		return nil, Errorf(KindNotFound, "no resource matches %q", uri)
	}
	_, uuids, err := res.Handler(ctx, rc, params)
	return uuids, err
}

// staleUUIDs lists devices whose resolved reading is stale: either the
// cache entry is past its TTL or the value itself was served stale.
func staleUUIDs(r *resolver.Resolver, uuids []string) []string {
	stale := []string{}
	now := time.Now()
	for _, uuid := range uuids {
		e, ok := r.Lookup(uuid)
		if !ok {
			continue
		}
		if !e.Fresh(now) || e.Value.Validation.State == models.ValidationStale {
			stale = append(stale, uuid)
		}
	}
	return stale
}
