package lpsolver

import (
	"errors"
	"math"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sgtlab/sgt_core/internal/pkg/solver"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

const epsilon = 1e-6

func approx(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > epsilon {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// twoBus is a generator at bus_a feeding a load at bus_b over one cable.
func twoBus(genKW, loadKW, capacityKW float64) topology.Snapshot {
	return topology.Snapshot{
		Buses: []topology.Bus{
			{Name: "bus_a", Tile: "tile-1"},
			{Name: "bus_b", Tile: "tile-2"},
		},
		Cables: []topology.Cable{
			{Name: "cable_ab", Tile: "tile-3", From: "bus_a", To: "bus_b",
				CapacityKW: capacityKW, Enabled: true, InService: true},
		},
		Generators: []topology.Generator{
			{Name: "gen_a", Tile: "tile-4", Bus: "bus_a", SetpointKW: genKW, InService: true},
		},
		Loads: []topology.Load{
			{Name: "load_b", Tile: "tile-5", Bus: "bus_b", DemandKW: loadKW, InService: true},
		},
		Scenario: "test",
	}
}

func TestSingleCableFlow(t *testing.T) {
	res, err := New().Solve(solver.Problem{Snap: twoBus(10, 8, 15)})
	assert.NilError(t, err)
	assert.Assert(t, res.Feasible)
	assert.Equal(t, len(res.Blackouts), 0)

	flow := res.Cables["cable_ab"]
	approx(t, flow.FlowKW, 8)
	approx(t, flow.Congestion, 8.0/15.0)
}

func TestSupplyShortfallIsInfeasible(t *testing.T) {
	_, err := New().Solve(solver.Problem{Snap: twoBus(10, 12, 15)})
	assert.Assert(t, errors.Is(err, solver.ErrInfeasible))
}

func TestCapacityShortfallIsInfeasible(t *testing.T) {
	_, err := New().Solve(solver.Problem{Snap: twoBus(10, 8, 5)})
	assert.Assert(t, errors.Is(err, solver.ErrInfeasible))
}

func TestReverseFlowIsNegative(t *testing.T) {
	snap := twoBus(10, 8, 15)
	snap.Generators[0].Bus = "bus_b"
	snap.Loads[0].Bus = "bus_a"

	res, err := New().Solve(solver.Problem{Snap: snap})
	assert.NilError(t, err)
	approx(t, res.Cables["cable_ab"].FlowKW, -8)
	approx(t, res.Cables["cable_ab"].Congestion, 8.0/15.0)
}

func TestOutOfServiceCableIsExcluded(t *testing.T) {
	snap := twoBus(10, 8, 15)
	snap.Cables[0].InService = false

	res, err := New().Solve(solver.Problem{Snap: snap})
	assert.NilError(t, err)
	assert.Assert(t, res.Feasible)

	// the load bus islands without generation and blacks out
	assert.DeepEqual(t, res.Blackouts, []string{"bus_b"})
	_, reported := res.Cables["cable_ab"]
	assert.Assert(t, !reported)
}

func TestIslandedSegmentsSolveIndependently(t *testing.T) {
	snap := topology.Snapshot{
		Buses: []topology.Bus{
			{Name: "bus_a"}, {Name: "bus_b"},
			{Name: "bus_c"}, {Name: "bus_d"},
		},
		Cables: []topology.Cable{
			{Name: "cable_ab", From: "bus_a", To: "bus_b", CapacityKW: 20, Enabled: true, InService: true},
			{Name: "cable_cd", From: "bus_c", To: "bus_d", CapacityKW: 20, Enabled: true, InService: true},
		},
		Generators: []topology.Generator{
			{Name: "gen_a", Bus: "bus_a", SetpointKW: 10, InService: true},
			{Name: "gen_c", Bus: "bus_c", SetpointKW: 10, InService: true},
		},
		Loads: []topology.Load{
			{Name: "load_b", Bus: "bus_b", DemandKW: 4, InService: true},
			{Name: "load_d", Bus: "bus_d", DemandKW: 7, InService: true},
		},
	}

	res, err := New().Solve(solver.Problem{Snap: snap})
	assert.NilError(t, err)
	approx(t, res.Cables["cable_ab"].FlowKW, 4)
	approx(t, res.Cables["cable_cd"].FlowKW, 7)
}

func TestTransformerHeadroom(t *testing.T) {
	snap := topology.Snapshot{
		Buses: []topology.Bus{
			{Name: "bus_hv"}, {Name: "bus_mv"}, {Name: "bus_lv"},
		},
		Cables: []topology.Cable{
			{Name: "cable_hm", From: "bus_hv", To: "bus_mv", CapacityKW: 30, Enabled: true, InService: true},
		},
		Transformers: []topology.Transformer{
			{Name: "xfmr_ml", From: "bus_mv", To: "bus_lv", CapacityKW: 12, InService: true},
		},
		Generators: []topology.Generator{
			{Name: "gen_hv", Bus: "bus_hv", SetpointKW: 20, InService: true},
		},
		Loads: []topology.Load{
			{Name: "load_lv", Bus: "bus_lv", DemandKW: 9, InService: true},
		},
	}

	res, err := New().Solve(solver.Problem{Snap: snap})
	assert.NilError(t, err)

	x := res.Transformers["xfmr_ml"]
	approx(t, x.FlowKW, 9)
	approx(t, x.HeadroomKW, 3)
	approx(t, res.Cables["cable_hm"].FlowKW, 9)
}

func TestGeneratorDispatchSplitsAcrossSources(t *testing.T) {
	// bus_a and bus_c each feed bus_b; combined setpoints cover demand
	// that neither source covers alone.
	snap := topology.Snapshot{
		Buses: []topology.Bus{
			{Name: "bus_a"}, {Name: "bus_b"}, {Name: "bus_c"},
		},
		Cables: []topology.Cable{
			{Name: "cable_ab", From: "bus_a", To: "bus_b", CapacityKW: 20, Enabled: true, InService: true},
			{Name: "cable_cb", From: "bus_c", To: "bus_b", CapacityKW: 20, Enabled: true, InService: true},
		},
		Generators: []topology.Generator{
			{Name: "gen_a", Bus: "bus_a", SetpointKW: 6, InService: true},
			{Name: "gen_c", Bus: "bus_c", SetpointKW: 6, InService: true},
		},
		Loads: []topology.Load{
			{Name: "load_b", Bus: "bus_b", DemandKW: 10, InService: true},
		},
	}

	res, err := New().Solve(solver.Problem{Snap: snap})
	assert.NilError(t, err)

	total := res.Cables["cable_ab"].FlowKW + res.Cables["cable_cb"].FlowKW
	approx(t, total, 10)
	assert.Assert(t, res.Cables["cable_ab"].FlowKW <= 6+epsilon)
	assert.Assert(t, res.Cables["cable_cb"].FlowKW <= 6+epsilon)
}

func TestNoLoadMeansZeroFlows(t *testing.T) {
	res, err := New().Solve(solver.Problem{Snap: twoBus(10, 0, 15)})
	assert.NilError(t, err)
	approx(t, res.Cables["cable_ab"].FlowKW, 0)
	approx(t, res.Cables["cable_ab"].Congestion, 0)
}

func TestOutOfServiceLoadIgnored(t *testing.T) {
	snap := twoBus(10, 8, 15)
	snap.Loads[0].InService = false

	res, err := New().Solve(solver.Problem{Snap: snap})
	assert.NilError(t, err)
	approx(t, res.Cables["cable_ab"].FlowKW, 0)
	assert.Equal(t, len(res.Blackouts), 0)
}
