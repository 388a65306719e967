package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"bustrack/internal/domain"
	"bustrack/internal/geo"
)

//go:embed routes.json
var defaultRoutes []byte

// ErrInvalidRoute marks a route definition that cannot be tracked
var ErrInvalidRoute = errors.New("invalid route")

type file struct {
	Routes []*domain.Route `json:"routes"`
}

// Catalog holds the static route definitions, keyed by route id.
// It is never mutated after Load.
type Catalog struct {
	routes map[string]*domain.Route
	order  []string
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultRoutes)
}

// Load reads a catalog from path. An empty path loads the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding routes: %w", err)
	}
	return New(f.Routes)
}

func New(routes []*domain.Route) (*Catalog, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: catalog has no routes", ErrInvalidRoute)
	}

	c := &Catalog{routes: make(map[string]*domain.Route, len(routes))}
	for _, r := range routes {
		if err := Validate(r); err != nil {
			return nil, err
		}
		if _, dup := c.routes[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate route id %q", ErrInvalidRoute, r.ID)
		}
		c.routes[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Validate checks the invariants a tracking session relies on.
func Validate(r *domain.Route) error {
	if r == nil {
		return fmt.Errorf("%w: nil route", ErrInvalidRoute)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: missing route id", ErrInvalidRoute)
	}
	if r.BusID == "" {
		return fmt.Errorf("%w: route %q has no bus id", ErrInvalidRoute, r.ID)
	}
	if len(r.Stops) == 0 {
		return fmt.Errorf("%w: route %q has no stops", ErrInvalidRoute, r.ID)
	}
	if len(r.Stops) != len(r.Schedule) {
		return fmt.Errorf("%w: route %q has %d stops but %d schedule entries",
			ErrInvalidRoute, r.ID, len(r.Stops), len(r.Schedule))
	}

	seen := make(map[string]struct{}, len(r.Stops))
	for i, s := range r.Stops {
		if s.Name == "" {
			return fmt.Errorf("%w: route %q stop %d has no name", ErrInvalidRoute, r.ID, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: route %q repeats stop %q", ErrInvalidRoute, r.ID, s.Name)
		}
		seen[s.Name] = struct{}{}

		if !geo.ValidCoordinate(s.Lat, s.Lon) {
			return fmt.Errorf("%w: route %q stop %q has invalid coordinates", ErrInvalidRoute, r.ID, s.Name)
		}
		if r.Schedule[i].StopName != s.Name {
			return fmt.Errorf("%w: route %q schedule entry %d is %q, expected %q",
				ErrInvalidRoute, r.ID, i, r.Schedule[i].StopName, s.Name)
		}
	}
	return nil
}

func (c *Catalog) Get(id string) (*domain.Route, bool) {
	r, ok := c.routes[id]
	return r, ok
}

// List returns routes ordered by id
func (c *Catalog) List() []*domain.Route {
	result := make([]*domain.Route, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.routes[id])
	}
	return result
}

func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

// Select returns the routes named by ids, or all routes when ids is empty.
func (c *Catalog) Select(ids []string) ([]*domain.Route, error) {
	if len(ids) == 0 {
		return c.List(), nil
	}
	result := make([]*domain.Route, 0, len(ids))
	for _, id := range ids {
		r, ok := c.routes[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown route %q", ErrInvalidRoute, id)
		}
		result = append(result, r)
	}
	return result, nil
}
