package admission

import (
	"fmt"
	"net/http"
	"strings"

	"medgate/core"

	"github.com/gorilla/mux"
)

// Route is the static security profile of one endpoint
type Route struct {
	Method string
	// Path is a gorilla/mux template such as /patients/{id}
	Path  string
	Class core.RouteClass
	// Permission required from the role table; empty means identity only
	Permission string
	// Sensitive routes touch protected health information
	Sensitive bool
	// ResourceType and ResourceParam build the resource reference
	// "type:value" from a path variable. Without ResourceParam the
	// reference is ResourceType alone.
	ResourceType  string
	ResourceParam string
	// AllowAnonymous lets a token-bearing class accept requests without a
	// token. A token that is present is still validated.
	AllowAnonymous bool
}

// Key identifies the route in logs and metrics
func (r Route) Key() string {
	return r.Method + " " + r.Path
}

// RequiresIdentity reports whether a request without a token is rejected
func (r Route) RequiresIdentity() bool {
	return r.Class.RequiresIdentity() && !r.AllowAnonymous
}

// Resource returns the resource reference for a matched request
func (r Route) Resource(vars map[string]string) string {
	if r.ResourceParam == "" {
		return r.ResourceType
	}
	if v := vars[r.ResourceParam]; v != "" {
		return r.ResourceType + ":" + v
	}
	return r.ResourceType
}

// RouteTable matches requests to their Route. Matching uses the same
// gorilla/mux templates the API router is built from, so a request is
// always classified by the route that will serve it.
type RouteTable struct {
	router *mux.Router
	routes map[string]Route
}

// NewRouteTable validates routes and builds the matcher
func NewRouteTable(routes []Route) (*RouteTable, error) {
	t := &RouteTable{
		router: mux.NewRouter(),
		routes: make(map[string]Route, len(routes)),
	}
	for _, rt := range routes {
		rt.Method = strings.ToUpper(rt.Method)
		if rt.Method == "" || !strings.HasPrefix(rt.Path, "/") {
			return nil, fmt.Errorf("route %q needs a method and an absolute path", rt.Key())
		}
		if !rt.Class.IsValid() {
			return nil, fmt.Errorf("route %s: unknown class %q", rt.Key(), rt.Class)
		}
		if rt.Sensitive && rt.Permission == "" {
			return nil, fmt.Errorf("route %s: sensitive routes need a permission", rt.Key())
		}
		if rt.ResourceParam != "" && !strings.Contains(rt.Path, "{"+rt.ResourceParam) {
			return nil, fmt.Errorf("route %s: resource param %q is not in the path", rt.Key(), rt.ResourceParam)
		}
		if _, dup := t.routes[rt.Key()]; dup {
			return nil, fmt.Errorf("duplicate route %s", rt.Key())
		}
		t.routes[rt.Key()] = rt
		t.router.Methods(rt.Method).Path(rt.Path).Name(rt.Key())
	}
	return t, nil
}

// Match returns the route and path variables for r
func (t *RouteTable) Match(r *http.Request) (Route, map[string]string, bool) {
	var m mux.RouteMatch
	if !t.router.Match(r, &m) || m.Route == nil {
		return Route{}, nil, false
	}
	rt, ok := t.routes[m.Route.GetName()]
	return rt, m.Vars, ok
}

// Routes returns every route in registration-independent order
func (t *RouteTable) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, rt := range t.routes {
		out = append(out, rt)
	}
	return out
}

// unmatched is the profile applied to requests no route claims. They are
// scanned and throttled like public traffic and then 404 downstream.
var unmatched = Route{Class: core.RouteClassPublic}
