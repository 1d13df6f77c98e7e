/*
topology.go Authoritative model of the electrical entities on the table
and the tiles backing them. The registry is the single source of truth
for topology; every other component reads immutable snapshots.
*/

package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownEntity is returned when an operation references an entity
// the registry does not hold.
var ErrUnknownEntity = errors.New("unknown entity")

// ErrScenarioNotFound is returned when a scenario references
// generators or loads that do not exist. The registry is left
// unmodified.
var ErrScenarioNotFound = errors.New("scenario references unknown entities")

// Bus is a voltage node on the table.
type Bus struct {
	Name         string `json:"name"`
	Tile         string `json:"tile"`
	VoltageClass string `json:"voltage_class"`
}

// Cable links two buses. Enabled is an operator-settable flag; a cable
// additionally requires both endpoint tiles Connected to enter a solve.
type Cable struct {
	Name       string  `json:"name"`
	Tile       string  `json:"tile"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	CapacityKW float64 `json:"capacity_kw"`
	Enabled    bool    `json:"enabled"`
	InService  bool    `json:"in_service"`
}

// Transformer links two buses of different voltage classes with a
// capacity bound. Transformers are optional; compatible buses may be
// cabled directly.
type Transformer struct {
	Name       string  `json:"name"`
	Tile       string  `json:"tile"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	CapacityKW float64 `json:"capacity_kw"`
	InService  bool    `json:"in_service"`
}

// Generator injects power at a bus, up to its scenario setpoint.
type Generator struct {
	Name       string  `json:"name"`
	Tile       string  `json:"tile"`
	Bus        string  `json:"bus"`
	SetpointKW float64 `json:"setpoint_kw"`
	InService  bool    `json:"in_service"`
}

// Load draws a fixed demand at a bus.
type Load struct {
	Name      string  `json:"name"`
	Tile      string  `json:"tile"`
	Bus       string  `json:"bus"`
	DemandKW  float64 `json:"demand_kw"`
	InService bool    `json:"in_service"`
}

// Setpoints is a named, atomic set of generator setpoints and load
// demands.
type Setpoints struct {
	Name       string             `json:"name"`
	Generators map[string]float64 `json:"generators"`
	Loads      map[string]float64 `json:"loads"`
}

// Snapshot is an immutable copy of the registry usable for solving.
// Entities backed by tiles that were not Connected at snapshot time
// are marked out of service.
type Snapshot struct {
	Buses        []Bus
	Cables       []Cable
	Transformers []Transformer
	Generators   []Generator
	Loads        []Load
	Scenario     string
	Taken        time.Time
}

// Registry holds the current entity set. Entities are created by
// configuration load, not at runtime.
type Registry struct {
	mux          *sync.RWMutex
	buses        map[string]*Bus
	cables       map[string]*Cable
	transformers map[string]*Transformer
	generators   map[string]*Generator
	loads        map[string]*Load
	scenario     string
}

// Config is the JSON entity configuration consumed at startup.
type Config struct {
	Buses        []Bus         `json:"buses"`
	Cables       []Cable       `json:"cables"`
	Transformers []Transformer `json:"transformers"`
	Generators   []Generator   `json:"generators"`
	Loads        []Load        `json:"loads"`
}

// New builds a Registry from a JSON entity configuration.
func New(jsonConfig []byte) (*Registry, error) {
	cfg := Config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return nil, err
	}

	r := &Registry{
		mux:          &sync.RWMutex{},
		buses:        make(map[string]*Bus),
		cables:       make(map[string]*Cable),
		transformers: make(map[string]*Transformer),
		generators:   make(map[string]*Generator),
		loads:        make(map[string]*Load),
	}

	for i := range cfg.Buses {
		b := cfg.Buses[i]
		r.buses[b.Name] = &b
	}
	for i := range cfg.Cables {
		c := cfg.Cables[i]
		if _, ok := r.buses[c.From]; !ok {
			return nil, fmt.Errorf("cable %v: %w: bus %v", c.Name, ErrUnknownEntity, c.From)
		}
		if _, ok := r.buses[c.To]; !ok {
			return nil, fmt.Errorf("cable %v: %w: bus %v", c.Name, ErrUnknownEntity, c.To)
		}
		r.cables[c.Name] = &c
	}
	for i := range cfg.Transformers {
		x := cfg.Transformers[i]
		if _, ok := r.buses[x.From]; !ok {
			return nil, fmt.Errorf("transformer %v: %w: bus %v", x.Name, ErrUnknownEntity, x.From)
		}
		if _, ok := r.buses[x.To]; !ok {
			return nil, fmt.Errorf("transformer %v: %w: bus %v", x.Name, ErrUnknownEntity, x.To)
		}
		r.transformers[x.Name] = &x
	}
	for i := range cfg.Generators {
		g := cfg.Generators[i]
		if _, ok := r.buses[g.Bus]; !ok {
			return nil, fmt.Errorf("generator %v: %w: bus %v", g.Name, ErrUnknownEntity, g.Bus)
		}
		r.generators[g.Name] = &g
	}
	for i := range cfg.Loads {
		l := cfg.Loads[i]
		if _, ok := r.buses[l.Bus]; !ok {
			return nil, fmt.Errorf("load %v: %w: bus %v", l.Name, ErrUnknownEntity, l.Bus)
		}
		r.loads[l.Name] = &l
	}
	return r, nil
}

// ApplyScenario swaps all generator setpoints and load demands
// atomically. Validation happens before any write; a scenario that
// references unknown entities leaves the registry untouched.
func (r *Registry) ApplyScenario(s Setpoints) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	for name := range s.Generators {
		if _, ok := r.generators[name]; !ok {
			return fmt.Errorf("scenario %v: %w: generator %v", s.Name, ErrScenarioNotFound, name)
		}
	}
	for name := range s.Loads {
		if _, ok := r.loads[name]; !ok {
			return fmt.Errorf("scenario %v: %w: load %v", s.Name, ErrScenarioNotFound, name)
		}
	}

	for name, kw := range s.Generators {
		r.generators[name].SetpointKW = kw
	}
	for name, kw := range s.Loads {
		r.loads[name].DemandKW = kw
	}
	r.scenario = s.Name
	return nil
}

// SetCableEnabled flips a cable's operator enable flag. Idempotent.
func (r *Registry) SetCableEnabled(name string, enabled bool) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	c, ok := r.cables[name]
	if !ok {
		return fmt.Errorf("set cable enabled: %w: %v", ErrUnknownEntity, name)
	}
	c.Enabled = enabled
	return nil
}

// Scenario returns the name of the active scenario.
func (r *Registry) Scenario() string {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.scenario
}

// TileOf resolves the entity name backing map: returns the tile id
// backing the named entity, if any.
func (r *Registry) TileOf(name string) (string, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	if b, ok := r.buses[name]; ok {
		return b.Tile, true
	}
	if c, ok := r.cables[name]; ok {
		return c.Tile, true
	}
	if x, ok := r.transformers[name]; ok {
		return x.Tile, true
	}
	if g, ok := r.generators[name]; ok {
		return g.Tile, true
	}
	if l, ok := r.loads[name]; ok {
		return l.Tile, true
	}
	return "", false
}

// Snapshot returns an immutable copy of all entities. The connected
// predicate decides which backing tiles count as usable: a cable is in
// service only when enabled and both endpoint buses are backed by
// Connected tiles; generators, loads and transformers require their
// own backing tile Connected.
func (r *Registry) Snapshot(connected func(tileID string) bool) Snapshot {
	r.mux.RLock()
	defer r.mux.RUnlock()

	usable := func(tileID string) bool {
		return tileID != "" && connected(tileID)
	}

	snap := Snapshot{
		Scenario: r.scenario,
		Taken:    time.Now(),
	}

	busUsable := make(map[string]bool, len(r.buses))
	for _, b := range r.buses {
		snap.Buses = append(snap.Buses, *b)
		busUsable[b.Name] = usable(b.Tile)
	}
	for _, c := range r.cables {
		cp := *c
		cp.InService = cp.Enabled && usable(cp.Tile) && busUsable[cp.From] && busUsable[cp.To]
		snap.Cables = append(snap.Cables, cp)
	}
	for _, x := range r.transformers {
		xp := *x
		xp.InService = usable(xp.Tile) && busUsable[xp.From] && busUsable[xp.To]
		snap.Transformers = append(snap.Transformers, xp)
	}
	for _, g := range r.generators {
		gp := *g
		gp.InService = usable(gp.Tile) && busUsable[gp.Bus]
		snap.Generators = append(snap.Generators, gp)
	}
	for _, l := range r.loads {
		lp := *l
		lp.InService = usable(lp.Tile) && busUsable[lp.Bus]
		snap.Loads = append(snap.Loads, lp)
	}
	return snap
}
