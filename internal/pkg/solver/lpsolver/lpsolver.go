/*
lpsolver.go Linear-program power flow over the table topology. Each
connected segment of in-service links is solved independently: flow
variables per link (split into forward/reverse parts), a dispatch
variable per generator bounded by its scenario setpoint, power balance
equality per bus, capacity slack per link. A loaded segment with no
generation at all is a blackout, reported in the result rather than
failing the solve; a segment whose generation cannot cover its load is
infeasible.
*/

package lpsolver

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/sgtlab/sgt_core/internal/pkg/solver"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

type linkKind int

const (
	kindCable linkKind = iota
	kindTransformer
)

// link is the common LP view of cables and transformers.
type link struct {
	kind     linkKind
	name     string
	tile     string
	from, to string
	capacity float64
}

// LP is the gonum simplex-backed Solver.
type LP struct{}

// New returns an initialized LP solver.
func New() *LP {
	return &LP{}
}

// Solve implements solver.Solver.
func (l *LP) Solve(p solver.Problem) (solver.Result, error) {
	snap := p.Snap
	tol := p.Tolerance
	if tol <= 0 {
		tol = solver.DefaultTolerance
	}

	var links []link
	for _, c := range snap.Cables {
		if c.InService {
			links = append(links, link{kindCable, c.Name, c.Tile, c.From, c.To, c.CapacityKW})
		}
	}
	for _, x := range snap.Transformers {
		if x.InService {
			links = append(links, link{kindTransformer, x.Name, x.Tile, x.From, x.To, x.CapacityKW})
		}
	}

	segments := segment(snap.Buses, links)

	pid, err := uuid.NewUUID()
	if err != nil {
		return solver.Result{}, err
	}
	result := solver.Result{
		PID:          pid,
		Feasible:     true,
		Cables:       make(map[string]solver.Flow),
		Transformers: make(map[string]solver.TransformerState),
		Scenario:     snap.Scenario,
		SolvedAt:     time.Now(),
	}

	// Every in-service link starts at zero flow; segment solves fill in
	// the rest. Out-of-service entities never appear in the result.
	for _, lk := range links {
		setLinkFlow(&result, lk, 0)
	}

	for _, seg := range segments {
		gens := segmentGenerators(snap, seg)
		loads := segmentLoads(snap, seg)

		var demand, available float64
		for _, ld := range loads {
			demand += ld.DemandKW
		}
		for _, g := range gens {
			available += g.SetpointKW
		}

		if demand <= tol {
			continue // nothing to serve; zero flows hold
		}
		if available <= tol {
			// Loaded segment with no generation at all: blackout.
			result.Blackouts = append(result.Blackouts, seg.buses...)
			continue
		}
		if available+tol < demand {
			return solver.Result{}, fmt.Errorf("segment rooted at %v: supply %.3f kW < demand %.3f kW: %w",
				seg.buses[0], available, demand, solver.ErrInfeasible)
		}

		flows, err := solveSegment(seg, gens, loads, tol)
		if err != nil {
			return solver.Result{}, err
		}
		for i, lk := range seg.links {
			setLinkFlow(&result, lk, flows[i])
		}
	}

	return result, nil
}

func setLinkFlow(result *solver.Result, lk link, flow float64) {
	switch lk.kind {
	case kindCable:
		congestion := 0.0
		if lk.capacity > 0 {
			congestion = math.Min(math.Abs(flow)/lk.capacity, 1.0)
		}
		result.Cables[lk.name] = solver.Flow{
			Name:       lk.name,
			Tile:       lk.tile,
			FlowKW:     flow,
			Congestion: congestion,
		}
	case kindTransformer:
		result.Transformers[lk.name] = solver.TransformerState{
			Name:       lk.name,
			Tile:       lk.tile,
			FlowKW:     flow,
			HeadroomKW: math.Max(lk.capacity-math.Abs(flow), 0),
		}
	}
}

// segmentData is one connected component of buses and its links.
type segmentData struct {
	buses []string
	set   map[string]bool
	links []link
}

// segment partitions buses into connected components over the
// in-service links. Union-find keyed by bus name.
func segment(buses []topology.Bus, links []link) []segmentData {
	parent := make(map[string]string, len(buses))
	for _, b := range buses {
		parent[b.Name] = b.Name
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for _, lk := range links {
		union(lk.from, lk.to)
	}

	byRoot := make(map[string]*segmentData)
	for _, b := range buses {
		root := find(b.Name)
		seg, ok := byRoot[root]
		if !ok {
			seg = &segmentData{set: make(map[string]bool)}
			byRoot[root] = seg
		}
		seg.buses = append(seg.buses, b.Name)
		seg.set[b.Name] = true
	}
	for _, lk := range links {
		seg := byRoot[find(lk.from)]
		seg.links = append(seg.links, lk)
	}

	segments := make([]segmentData, 0, len(byRoot))
	for _, seg := range byRoot {
		segments = append(segments, *seg)
	}
	return segments
}

func segmentGenerators(snap topology.Snapshot, seg segmentData) []topology.Generator {
	var gens []topology.Generator
	for _, g := range snap.Generators {
		if g.InService && seg.set[g.Bus] {
			gens = append(gens, g)
		}
	}
	return gens
}

func segmentLoads(snap topology.Snapshot, seg segmentData) []topology.Load {
	var loads []topology.Load
	for _, l := range snap.Loads {
		if l.InService && seg.set[l.Bus] {
			loads = append(loads, l)
		}
	}
	return loads
}

// solveSegment builds and solves the standard-form LP for one segment,
// returning the signed flow per segment link (positive from->to).
//
// Variables, in column order:
//
//	per link:      f+ , f- , capacity slack
//	per generator: g  , setpoint slack
//
// Constraints (all equalities, x >= 0):
//
//	per bus:       sum(flows in) - sum(flows out) + sum(g at bus) = demand at bus
//	per link:      f+ + f- + slack = capacity
//	per generator: g + slack = setpoint
//
// The objective minimizes total |flow|, which keeps the solution free
// of circulating flows and deterministic on radial topologies.
func solveSegment(seg segmentData, gens []topology.Generator, loads []topology.Load, tol float64) ([]float64, error) {
	nL := len(seg.links)
	nG := len(gens)
	nB := len(seg.buses)

	busIdx := make(map[string]int, nB)
	for i, name := range seg.buses {
		busIdx[name] = i
	}

	cols := 3*nL + 2*nG
	rows := nB + nL + nG

	c := make([]float64, cols)
	A := mat.NewDense(rows, cols, nil)
	b := make([]float64, rows)

	for _, ld := range loads {
		b[busIdx[ld.Bus]] += ld.DemandKW
	}

	for i, lk := range seg.links {
		fp := 3 * i
		fn := 3*i + 1
		slack := 3*i + 2
		c[fp] = 1
		c[fn] = 1

		// balance contribution: flow leaves from, arrives at to
		A.Set(busIdx[lk.from], fp, -1)
		A.Set(busIdx[lk.from], fn, 1)
		A.Set(busIdx[lk.to], fp, 1)
		A.Set(busIdx[lk.to], fn, -1)

		// capacity bound
		row := nB + i
		A.Set(row, fp, 1)
		A.Set(row, fn, 1)
		A.Set(row, slack, 1)
		b[row] = lk.capacity
	}

	for j, g := range gens {
		col := 3*nL + 2*j
		slack := col + 1
		A.Set(busIdx[g.Bus], col, 1)

		row := nB + nL + j
		A.Set(row, col, 1)
		A.Set(row, slack, 1)
		b[row] = g.SetpointKW
	}

	_, x, err := lp.Simplex(c, A, b, tol, nil)
	if err != nil {
		if err == lp.ErrInfeasible {
			return nil, fmt.Errorf("segment rooted at %v: %w", seg.buses[0], solver.ErrInfeasible)
		}
		return nil, fmt.Errorf("simplex: %w", err)
	}

	flows := make([]float64, nL)
	for i := range seg.links {
		flows[i] = x[3*i] - x[3*i+1]
	}
	return flows, nil
}
