/*
session.go One fleet-wide firmware update attempt. A session tracks a
per-tile phase and resolves to a single terminal outcome; it is
archived when every tile reaches a terminal phase or the session
deadline fires.
*/

package ota

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the per-tile rollout progression.
type Phase int

const (
	Pending Phase = iota
	Transferring
	Verifying
	Applied
	RolledBack
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Transferring:
		return "transferring"
	case Verifying:
		return "verifying"
	case Applied:
		return "applied"
	case RolledBack:
		return "rolledback"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) terminal() bool {
	return p == Applied || p == RolledBack || p == Failed
}

// Outcome is the session-wide terminal result.
type Outcome int

const (
	OutcomeOpen Outcome = iota
	Succeeded
	SessionRolledBack
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case SessionRolledBack:
		return "rolledback"
	case Aborted:
		return "aborted"
	default:
		return "open"
	}
}

// Policy selects the partial-failure behavior.
type Policy int

const (
	// AllOrNothing rolls back every applied tile when any target
	// fails, so the fleet reconverges on a single firmware version.
	AllOrNothing Policy = iota
	// BestEffort lets failed tiles keep the old firmware while
	// updated peers keep the new one.
	BestEffort
)

func (p Policy) String() string {
	if p == BestEffort {
		return "best-effort"
	}
	return "all-or-nothing"
}

type tileState struct {
	phase    Phase
	baseline string // firmware version before the rollout
	deadline time.Time
}

// Session is one rollout attempt over a fixed target set.
type Session struct {
	mux      *sync.Mutex
	pid      uuid.UUID
	image    Image
	policy   Policy
	seq      uint64
	tiles    map[string]*tileState
	outcome  Outcome
	rollback bool
	noop     bool
	started  time.Time
	finished time.Time
	deadline time.Time
}

// PID returns the session id.
func (s *Session) PID() uuid.UUID { return s.pid }

// nextSeq returns the next monotonically increasing command sequence
// number. Callers hold s.mux.
func (s *Session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// Report is the archived view of a session.
type Report struct {
	Session     uuid.UUID         `json:"session"`
	Version     string            `json:"version"`
	HardwareSet string            `json:"hardware_set"`
	Policy      string            `json:"policy"`
	Outcome     string            `json:"outcome"`
	Phases      map[string]string `json:"phases"`
	NoOp        bool              `json:"noop,omitempty"`
	Started     time.Time         `json:"started"`
	Finished    time.Time         `json:"finished,omitempty"`
}

// Report returns a copy of the session state.
func (s *Session) Report() Report {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.report()
}

// report assumes s.mux is held.
func (s *Session) report() Report {
	phases := make(map[string]string, len(s.tiles))
	for id, ts := range s.tiles {
		phases[id] = ts.phase.String()
	}
	return Report{
		Session:     s.pid,
		Version:     s.image.Version,
		HardwareSet: s.image.HardwareSet,
		Policy:      s.policy.String(),
		Outcome:     s.outcome.String(),
		Phases:      phases,
		NoOp:        s.noop,
		Started:     s.started,
		Finished:    s.finished,
	}
}

// Outcome returns the session outcome, OutcomeOpen while running.
func (s *Session) Outcome() Outcome {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.outcome
}

// allTerminal assumes s.mux is held.
func (s *Session) allTerminal() bool {
	for _, ts := range s.tiles {
		if !ts.phase.terminal() {
			return false
		}
	}
	return true
}
