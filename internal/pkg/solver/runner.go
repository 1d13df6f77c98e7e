/*
runner.go Solve trigger loop. Topology-changed events are debounced by
a minimum interval so tile churn cannot cause solve storms; a maximum
interval timer re-solves even without changes. An infeasible outcome
keeps the previous result authoritative (last-known-good).
*/

package solver

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sgtlab/sgt_core/internal/pkg/msg"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

// Conditions surfaced with each published report.
const (
	ConditionOK         = "ok"
	ConditionInfeasible = "infeasible"
	ConditionError      = "error"
)

// Report pairs the authoritative result with the outcome of the most
// recent solve attempt. On infeasibility Result still holds the
// last-known-good values.
type Report struct {
	Result    Result `json:"result"`
	Condition string `json:"condition"`
	Detail    string `json:"detail,omitempty"`
}

// Default trigger intervals.
const (
	DefaultDebounce    = 1 * time.Second
	DefaultMaxInterval = 10 * time.Second
)

// Runner drives a Solver from topology-changed kicks and a periodic
// timer. It only ever reads immutable snapshots, so it runs
// concurrently with incoming tile events.
type Runner struct {
	mux       *sync.Mutex
	pid       uuid.UUID
	solver    Solver
	snapshot  func() topology.Snapshot
	publisher *msg.PubSub
	debounce  time.Duration
	max       time.Duration
	tolerance float64
	last      Report
	solved    bool
	kick      chan struct{}
	stop      chan bool
}

// NewRunner returns an initialized Runner. snapshot must return an
// immutable copy of the current topology.
func NewRunner(s Solver, snapshot func() topology.Snapshot, debounce, max time.Duration, tolerance float64) (*Runner, error) {
	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return &Runner{
		mux:       &sync.Mutex{},
		pid:       pid,
		solver:    s,
		snapshot:  snapshot,
		publisher: msg.NewPublisher(pid),
		debounce:  debounce,
		max:       max,
		tolerance: tolerance,
		kick:      make(chan struct{}, 1),
		stop:      make(chan bool),
	}, nil
}

// PID returns the runner's PID
func (r *Runner) PID() uuid.UUID { return r.pid }

// Subscribe returns a read only channel of Solve reports.
func (r *Runner) Subscribe(pid uuid.UUID, topic msg.Topic) (<-chan msg.Msg, error) {
	return r.publisher.Subscribe(pid, topic)
}

// Unsubscribe closes the channel held for pid.
func (r *Runner) Unsubscribe(pid uuid.UUID) {
	r.publisher.Unsubscribe(pid)
}

// Kick requests a re-solve after the debounce interval. Non-blocking;
// kicks arriving while one is pending coalesce.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Last returns the current authoritative report. ok is false before
// the first completed solve.
func (r *Runner) Last() (Report, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.last, r.solved
}

// Stop terminates the trigger loop.
func (r *Runner) Stop() {
	r.stop <- true
}

// Process runs the trigger loop until stopped.
func (r *Runner) Process() {
	log.Println("[Solver] Process Started")
	debounce := time.NewTimer(r.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false
	max := time.NewTicker(r.max)
	defer max.Stop()
loop:
	for {
		select {
		case <-r.kick:
			if !pending {
				debounce.Reset(r.debounce)
				pending = true
			}
		case <-debounce.C:
			pending = false
			r.solve()
		case <-max.C:
			r.solve()
		case <-r.stop:
			break loop
		}
	}
	log.Println("[Solver] Process Stopped")
}

func (r *Runner) solve() {
	snap := r.snapshot()
	result, err := r.solver.Solve(Problem{Snap: snap, Tolerance: r.tolerance})

	r.mux.Lock()
	switch {
	case err == nil:
		r.last = Report{Result: result, Condition: ConditionOK}
		r.solved = true
	case errors.Is(err, ErrInfeasible):
		r.last.Condition = ConditionInfeasible
		r.last.Detail = err.Error()
	default:
		r.last.Condition = ConditionError
		r.last.Detail = err.Error()
	}
	report := r.last
	r.mux.Unlock()

	if err != nil {
		log.Printf("[Solver] solve failed, retaining previous result: %v\n", err)
	}
	r.publisher.Publish(msg.Solve, report)
}
