/*
solver.go Power-flow solver adapter types. The coordinator builds a
Problem from a topology snapshot and hands it to a Solver; the solver
implementation is a pluggable capability behind this interface so the
coordination layers never depend on the numerical backend.
*/

package solver

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

// ErrInfeasible reports that the topology admits no flow assignment
// satisfying power balance and capacity bounds. Non-fatal: the caller
// retains the last-known-good result.
var ErrInfeasible = errors.New("solve infeasible")

// DefaultTolerance is the numeric tolerance for bus power balance.
const DefaultTolerance = 1e-6

// Problem is one solve request over an immutable topology snapshot.
type Problem struct {
	Snap      topology.Snapshot
	Tolerance float64
}

// Flow is the solved state of one cable.
type Flow struct {
	Name       string  `json:"name"`
	Tile       string  `json:"tile"`
	FlowKW     float64 `json:"flow_kw"`
	Congestion float64 `json:"congestion"` // |flow|/capacity clamped to [0,1]
}

// TransformerState is the solved state of one transformer.
type TransformerState struct {
	Name       string  `json:"name"`
	Tile       string  `json:"tile"`
	FlowKW     float64 `json:"flow_kw"`
	HeadroomKW float64 `json:"headroom_kw"`
}

// Result is one immutable solve outcome. Superseded by the next solve,
// never mutated in place.
type Result struct {
	PID          uuid.UUID                   `json:"pid"`
	Feasible     bool                        `json:"feasible"`
	Blackouts    []string                    `json:"blackouts,omitempty"` // buses in loaded segments without generation
	Cables       map[string]Flow             `json:"cables"`
	Transformers map[string]TransformerState `json:"transformers"`
	Scenario     string                      `json:"scenario"`
	SolvedAt     time.Time                   `json:"solved_at"`
}

// Solver translates a Problem into a Result.
type Solver interface {
	Solve(Problem) (Result, error)
}
