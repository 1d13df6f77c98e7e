/*
coordinator.go Firmware rollout coordinator. Runs the multi-phase
protocol (announce, transfer, verify, apply) over all Connected tiles
matching the image's hardware set. Per-tile progression is strictly
ordered; cross-tile progression is independent. The coordinator never
blocks: per-tile transfer deadlines and a session-wide deadline force
terminal resolution.
*/

package ota

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sgtlab/sgt_core/internal/pkg/msg"
	"github.com/sgtlab/sgt_core/internal/pkg/tile"
)

// Command ops published on <base>/ota/<id>/command.
const (
	OpTransfer = "transfer"
	OpVerify   = "verify"
	OpApply    = "apply"
	OpRollback = "rollback"
	OpAbort    = "abort"
	OpPing     = "ping"
	OpReboot   = "reboot"
)

// AckChunk is the per-chunk progress report during transfer.
const AckChunk = "chunk"

// Command is one coordinator-to-tile instruction. Seq increases
// monotonically within a session so tiles can discard stale commands.
type Command struct {
	Session     uuid.UUID `json:"session"`
	Seq         uint64    `json:"seq"`
	Op          string    `json:"op"`
	Version     string    `json:"version,omitempty"`
	HardwareSet string    `json:"hardware_set,omitempty"`
	Size        int       `json:"size,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
}

// Ack is one tile-to-coordinator phase acknowledgment or failure
// report, received on <base>/ota/<id>/ack.
type Ack struct {
	Session uuid.UUID `json:"session"`
	TileID  string    `json:"tile_id"`
	Op      string    `json:"op"`
	OK      bool      `json:"ok"`
	Detail  string    `json:"detail,omitempty"`
}

// Commander publishes a command to one tile.
type Commander interface {
	PublishCommand(tileID string, c Command) error
}

// Fleet is the tile-manager surface the coordinator drives.
type Fleet interface {
	Connected() []tile.Info
	BeginUpdate(id string) error
	FinishUpdate(id string, ok bool)
}

// Config holds the rollout timeouts and policy.
type Config struct {
	TransferTimeout time.Duration
	SessionTimeout  time.Duration
	Policy          Policy
}

// Default rollout timeouts.
const (
	DefaultTransferTimeout = 120 * time.Second
	DefaultSessionTimeout  = 10 * time.Minute
)

// ErrRolloutActive is returned when a session is already in progress.
var ErrRolloutActive = errors.New("rollout session already active")

// ErrNoTargets is returned when no Connected tile matches the image's
// hardware set.
var ErrNoTargets = errors.New("no connected tiles match image hardware set")

// Coordinator executes rollout sessions one at a time.
type Coordinator struct {
	mux       *sync.Mutex
	pid       uuid.UUID
	commander Commander
	fleet     Fleet
	publisher *msg.PubSub
	clock     tile.Clock
	cfg       Config
	active    *Session
}

// NewCoordinator returns an initialized Coordinator.
func NewCoordinator(commander Commander, fleet Fleet, clock tile.Clock, cfg Config) (*Coordinator, error) {
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		mux:       &sync.Mutex{},
		pid:       pid,
		commander: commander,
		fleet:     fleet,
		publisher: msg.NewPublisher(pid),
		clock:     clock,
		cfg:       cfg,
	}, nil
}

// PID returns the coordinator's PID
func (c *Coordinator) PID() uuid.UUID { return c.pid }

// Subscribe returns a read only channel of Rollout reports.
func (c *Coordinator) Subscribe(pid uuid.UUID, topic msg.Topic) (<-chan msg.Msg, error) {
	return c.publisher.Subscribe(pid, topic)
}

// Unsubscribe closes the channel held for pid.
func (c *Coordinator) Unsubscribe(pid uuid.UUID) {
	c.publisher.Unsubscribe(pid)
}

// Active returns the in-progress session report, if any.
func (c *Coordinator) Active() (Report, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.active == nil {
		return Report{}, false
	}
	return c.active.Report(), true
}

// Start creates and announces a rollout session over every Connected
// tile whose hardware set matches the image. Tiles already running the
// image version are skipped; if that leaves no targets the session is
// a no-op and resolves Succeeded immediately.
func (c *Coordinator) Start(img Image) (Report, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.active != nil {
		return Report{}, ErrRolloutActive
	}

	var matched, targets []tile.Info
	for _, info := range c.fleet.Connected() {
		if info.HardwareSet != img.HardwareSet {
			continue
		}
		matched = append(matched, info)
		if info.Firmware != img.Version {
			targets = append(targets, info)
		}
	}
	if len(matched) == 0 {
		return Report{}, ErrNoTargets
	}

	now := c.clock.Now()
	pid, err := uuid.NewUUID()
	if err != nil {
		return Report{}, err
	}
	session := &Session{
		mux:      &sync.Mutex{},
		pid:      pid,
		image:    img,
		policy:   c.cfg.Policy,
		tiles:    make(map[string]*tileState),
		started:  now,
		deadline: now.Add(c.cfg.SessionTimeout),
	}

	if len(targets) == 0 {
		// Whole fleet already runs this version: rollout is a no-op.
		session.noop = true
		session.outcome = Succeeded
		session.finished = now
		report := session.report()
		log.Printf("[OTA] session %v: fleet already at %v, no-op\n", pid, img.Version)
		c.publisher.Publish(msg.Rollout, report)
		return report, nil
	}

	log.Printf("[OTA] session %v: announcing %v to %d tiles (%v)\n",
		pid, img.Version, len(targets), session.policy)

	session.mux.Lock()
	for _, info := range targets {
		if err := c.fleet.BeginUpdate(info.ID); err != nil {
			log.Printf("[OTA] session %v: %v\n", pid, err)
			continue
		}
		session.tiles[info.ID] = &tileState{
			phase:    Pending,
			baseline: info.Firmware,
			deadline: now.Add(c.cfg.TransferTimeout),
		}
		c.send(session, info.ID, Command{
			Op:          OpTransfer,
			Version:     img.Version,
			HardwareSet: img.HardwareSet,
			Size:        img.Size,
			Checksum:    img.Checksum,
		})
	}
	report := session.report()
	session.mux.Unlock()

	if len(report.Phases) == 0 {
		return Report{}, fmt.Errorf("rollout %v: no target could enter updating", pid)
	}

	c.active = session
	return report, nil
}

// send stamps and publishes a command. Callers hold session.mux.
func (c *Coordinator) send(s *Session, tileID string, cmd Command) {
	cmd.Session = s.pid
	cmd.Seq = s.nextSeq()
	if err := c.commander.PublishCommand(tileID, cmd); err != nil {
		log.Printf("[OTA] session %v: publish %v to %v failed: %v\n", s.pid, cmd.Op, tileID, err)
	}
}

// HandleAck advances one tile's phase. Acks for unknown sessions,
// unknown tiles or terminal tiles are discarded.
func (c *Coordinator) HandleAck(a Ack) {
	c.mux.Lock()
	defer c.mux.Unlock()

	s := c.active
	if s == nil || s.pid != a.Session {
		return
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	ts, ok := s.tiles[a.TileID]
	if !ok || ts.phase.terminal() {
		return
	}

	if !a.OK {
		log.Printf("[OTA] session %v: %v reported %v failure: %v\n", s.pid, a.TileID, a.Op, a.Detail)
		c.fail(s, a.TileID, ts)
		c.resolve(s)
		return
	}

	switch a.Op {
	case AckChunk:
		if ts.phase == Pending || ts.phase == Transferring {
			ts.phase = Transferring
			ts.deadline = c.clock.Now().Add(c.cfg.TransferTimeout)
		}
	case OpTransfer:
		if ts.phase == Pending || ts.phase == Transferring {
			ts.phase = Verifying
			ts.deadline = c.clock.Now().Add(c.cfg.TransferTimeout)
			c.send(s, a.TileID, Command{Op: OpVerify, Version: s.image.Version, Checksum: s.image.Checksum})
		}
	case OpVerify:
		if ts.phase == Verifying {
			ts.deadline = c.clock.Now().Add(c.cfg.TransferTimeout)
			c.send(s, a.TileID, Command{Op: OpApply, Version: s.image.Version})
		}
	case OpApply:
		if ts.phase == Verifying {
			ts.phase = Applied
			log.Printf("[OTA] session %v: %v applied %v\n", s.pid, a.TileID, s.image.Version)
			c.fleet.FinishUpdate(a.TileID, true)
		}
	case OpRollback:
		ts.phase = RolledBack
		log.Printf("[OTA] session %v: %v rolled back to %v\n", s.pid, a.TileID, ts.baseline)
		c.fleet.FinishUpdate(a.TileID, true)
	}

	c.resolve(s)
}

// fail marks one tile Failed and, under all-or-nothing, issues
// compensating rollback and abort commands to its peers. Callers hold
// s.mux.
func (c *Coordinator) fail(s *Session, tileID string, ts *tileState) {
	ts.phase = Failed
	c.fleet.FinishUpdate(tileID, s.policy == BestEffort)

	if s.policy != AllOrNothing || s.rollback {
		return
	}
	s.rollback = true
	for id, peer := range s.tiles {
		if id == tileID {
			continue
		}
		switch peer.phase {
		case Applied, Verifying:
			// already carries (or may carry) the new image
			peer.phase = Verifying
			peer.deadline = c.clock.Now().Add(c.cfg.TransferTimeout)
			c.send(s, id, Command{Op: OpRollback, Version: peer.baseline})
		case Pending, Transferring:
			// nothing applied yet; abort reconverges on the old image
			peer.phase = RolledBack
			c.send(s, id, Command{Op: OpAbort})
			c.fleet.FinishUpdate(id, true)
		}
	}
}

// Tick enforces per-tile transfer deadlines and the session deadline.
// Driven by the coordinator's event loop.
func (c *Coordinator) Tick() {
	c.mux.Lock()
	defer c.mux.Unlock()

	s := c.active
	if s == nil {
		return
	}
	now := c.clock.Now()

	s.mux.Lock()
	defer s.mux.Unlock()

	if now.After(s.deadline) {
		log.Printf("[OTA] session %v: session timeout, aborting\n", s.pid)
		c.abort(s)
		return
	}

	for id, ts := range s.tiles {
		if ts.phase.terminal() || !now.After(ts.deadline) {
			continue
		}
		log.Printf("[OTA] session %v: %v timed out in %v\n", s.pid, id, ts.phase)
		c.fail(s, id, ts)
	}
	c.resolve(s)
}

// Abort cancels the in-progress session on operator command.
func (c *Coordinator) Abort(session uuid.UUID) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	s := c.active
	if s == nil || s.pid != session {
		return fmt.Errorf("no active rollout session %v", session)
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	log.Printf("[OTA] session %v: operator abort\n", s.pid)
	c.abort(s)
	return nil
}

// abort halts all non-terminal tiles and resolves the session to
// Aborted. Callers hold c.mux and s.mux.
func (c *Coordinator) abort(s *Session) {
	for id, ts := range s.tiles {
		if ts.phase.terminal() {
			continue
		}
		switch ts.phase {
		case Verifying:
			c.send(s, id, Command{Op: OpRollback, Version: ts.baseline})
		default:
			c.send(s, id, Command{Op: OpAbort})
		}
		ts.phase = Failed
		c.fleet.FinishUpdate(id, false)
	}
	s.outcome = Aborted
	c.finalize(s)
}

// resolve closes the session once every tile is terminal. Callers hold
// c.mux and s.mux.
func (c *Coordinator) resolve(s *Session) {
	if s.outcome != OutcomeOpen || !s.allTerminal() {
		return
	}

	applied, failed := 0, 0
	for _, ts := range s.tiles {
		switch ts.phase {
		case Applied:
			applied++
		case Failed:
			failed++
		}
	}

	switch {
	case failed == 0 && !s.rollback:
		s.outcome = Succeeded
	case s.rollback:
		s.outcome = SessionRolledBack
	case s.policy == BestEffort && applied > 0:
		s.outcome = Succeeded
	default:
		s.outcome = Aborted
	}
	c.finalize(s)
}

// finalize archives the session report. Callers hold c.mux and s.mux.
func (c *Coordinator) finalize(s *Session) {
	s.finished = c.clock.Now()
	report := s.report()
	log.Printf("[OTA] session %v: resolved %v\n", s.pid, report.Outcome)
	c.publisher.Publish(msg.Rollout, report)
	c.active = nil
}
