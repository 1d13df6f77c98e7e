/*
coordinator.go Root of the control system. The System owns the
topology registry and tile manager and runs the single-writer event
loop: all heartbeats, rollout acks and liveness sweeps are serialized
here, while the solver, broadcaster and rollout coordinator operate on
immutable snapshots. Component events are republished on the System's
publisher for the datastream handlers (NATS, MongoDB).
*/

package coordinator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgtlab/sgt_core/internal/pkg/broadcast"
	"github.com/sgtlab/sgt_core/internal/pkg/msg"
	"github.com/sgtlab/sgt_core/internal/pkg/ota"
	"github.com/sgtlab/sgt_core/internal/pkg/scenario"
	"github.com/sgtlab/sgt_core/internal/pkg/solver"
	"github.com/sgtlab/sgt_core/internal/pkg/tile"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

// OpPong is the tile's reply to an OpPing command.
const OpPong = "pong"

// ErrNoImage is returned when a firmware update is requested before an
// image has been loaded.
var ErrNoImage = errors.New("no firmware image loaded")

// Config holds the event-loop timing and the inbound transport
// channels. Nil channels are created.
type Config struct {
	HeartbeatInterval time.Duration
	Heartbeats        chan tile.Heartbeat
	Acks              chan ota.Ack
}

// System is the root node of the control system.
type System struct {
	mux       *sync.Mutex
	pid       uuid.UUID
	publisher *msg.PubSub
	registry  *topology.Registry
	scenarios *scenario.Manager
	tiles     *tile.Manager
	runner    *solver.Runner
	caster    *broadcast.Broadcaster
	rollout   *ota.Coordinator
	commander ota.Commander
	clock     tile.Clock
	image     *ota.Image
	pings     map[string]time.Time

	heartbeats chan tile.Heartbeat
	acks       chan ota.Ack
	sweep      time.Duration
	stop       chan bool
}

// New wires the System together. The runner must have been built over
// this System's Snapshot method.
func New(registry *topology.Registry, scenarios *scenario.Manager, tiles *tile.Manager,
	runner *solver.Runner, caster *broadcast.Broadcaster, rollout *ota.Coordinator,
	commander ota.Commander, clock tile.Clock, cfg Config) (*System, error) {

	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	if cfg.Heartbeats == nil {
		cfg.Heartbeats = make(chan tile.Heartbeat, 100)
	}
	if cfg.Acks == nil {
		cfg.Acks = make(chan ota.Ack, 100)
	}
	return &System{
		mux:        &sync.Mutex{},
		pid:        pid,
		publisher:  msg.NewPublisher(pid),
		registry:   registry,
		scenarios:  scenarios,
		tiles:      tiles,
		runner:     runner,
		caster:     caster,
		rollout:    rollout,
		commander:  commander,
		clock:      clock,
		pings:      make(map[string]time.Time),
		heartbeats: cfg.Heartbeats,
		acks:       cfg.Acks,
		sweep:      cfg.HeartbeatInterval,
		stop:       make(chan bool),
	}, nil
}

// PID returns the system's PID
func (s *System) PID() uuid.UUID { return s.pid }

// Subscribe returns a read only channel of republished system events.
func (s *System) Subscribe(pid uuid.UUID, topic msg.Topic) (<-chan msg.Msg, error) {
	return s.publisher.Subscribe(pid, topic)
}

// Unsubscribe closes the channels held for pid.
func (s *System) Unsubscribe(pid uuid.UUID) {
	s.publisher.Unsubscribe(pid)
}

// Heartbeats is the inbound heartbeat channel for the transport.
func (s *System) Heartbeats() chan<- tile.Heartbeat { return s.heartbeats }

// Acks is the inbound rollout-ack channel for the transport.
func (s *System) Acks() chan<- ota.Ack { return s.acks }

// Snapshot returns an immutable topology copy with in-service flags
// resolved against the current fleet state.
func (s *System) Snapshot() topology.Snapshot {
	return s.registry.Snapshot(s.tiles.IsConnected)
}

// LoadImage stages a firmware image for rollout.
func (s *System) LoadImage(img ota.Image) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.image = &img
	log.Printf("[System] staged firmware %v for hardware set %v\n", img.Version, img.HardwareSet)
}

// Stop terminates the event loop.
func (s *System) Stop() {
	s.stop <- true
}

// Process runs the event loop until stopped.
func (s *System) Process() error {
	fleetCh, err := s.tiles.Subscribe(s.pid, msg.Fleet)
	if err != nil {
		return err
	}
	solveCh, err := s.runner.Subscribe(s.pid, msg.Solve)
	if err != nil {
		return err
	}
	rolloutCh, err := s.rollout.Subscribe(s.pid, msg.Rollout)
	if err != nil {
		return err
	}

	log.Println("[System] Process Started")
	sweep := time.NewTicker(s.sweep)
	defer sweep.Stop()
loop:
	for {
		select {
		case hb := <-s.heartbeats:
			s.tiles.Handle(hb)

		case a := <-s.acks:
			if a.Op == OpPong {
				s.recordPong(a.TileID)
				continue
			}
			s.rollout.HandleAck(a)

		case m := <-fleetCh:
			ev, ok := m.Payload().(tile.Event)
			if !ok {
				continue
			}
			s.handleFleetEvent(ev)

		case m := <-solveCh:
			report, ok := m.Payload().(solver.Report)
			if !ok {
				continue
			}
			s.publisher.Publish(msg.Solve, report)
			s.caster.Publish(s.tiles.Snapshot(), report, s.Snapshot())

		case m := <-rolloutCh:
			s.publisher.Publish(msg.Rollout, m.Payload())

		case <-sweep.C:
			s.tiles.Sweep()
			s.rollout.Tick()

		case <-s.stop:
			break loop
		}
	}
	log.Println("[System] Process Stopped")
	return nil
}

// handleFleetEvent reacts to one tile transition: any membership
// change re-triggers the solver, and a tile entering Connected gets a
// full state refresh so it never depends on messages it missed.
func (s *System) handleFleetEvent(ev tile.Event) {
	s.publisher.Publish(msg.Fleet, ev)
	s.runner.Kick()

	if ev.To == tile.Connected {
		s.caster.MarkReconnected(ev.TileID)
		if report, ok := s.runner.Last(); ok {
			s.caster.Publish(s.tiles.Snapshot(), report, s.Snapshot())
		}
	}
}

func (s *System) recordPong(tileID string) {
	s.mux.Lock()
	sent, ok := s.pings[tileID]
	delete(s.pings, tileID)
	s.mux.Unlock()
	if ok {
		s.tiles.RecordPong(tileID, s.clock.Now().Sub(sent))
	}
}

//-------------------------------
// Operator surface
//-------------------------------

// Fleet returns copies of all known tiles.
func (s *System) Fleet() []tile.Info {
	return s.tiles.Snapshot()
}

// LastSolve returns the authoritative solve report.
func (s *System) LastSolve() (solver.Report, bool) {
	return s.runner.Last()
}

// Scenarios lists the loaded scenario names.
func (s *System) Scenarios() []string {
	return s.scenarios.List()
}

// CurrentScenario returns the active scenario name.
func (s *System) CurrentScenario() string {
	return s.scenarios.Current()
}

// SetScenario atomically applies the named scenario's setpoints and
// re-triggers the solver.
func (s *System) SetScenario(name string) error {
	setpoints, err := s.scenarios.SetCurrent(name)
	if err != nil {
		return err
	}
	if err := s.registry.ApplyScenario(setpoints); err != nil {
		return err
	}
	s.runner.Kick()
	return nil
}

// SetCableEnabled flips a cable's operator enable flag and re-triggers
// the solver.
func (s *System) SetCableEnabled(name string, enabled bool) error {
	if err := s.registry.SetCableEnabled(name, enabled); err != nil {
		return err
	}
	s.runner.Kick()
	return nil
}

// UpdateFirmware starts a rollout of the staged image over the fleet.
func (s *System) UpdateFirmware() (ota.Report, error) {
	s.mux.Lock()
	img := s.image
	s.mux.Unlock()
	if img == nil {
		return ota.Report{}, ErrNoImage
	}
	return s.rollout.Start(*img)
}

// ActiveRollout returns the in-progress session report, if any.
func (s *System) ActiveRollout() (ota.Report, bool) {
	return s.rollout.Active()
}

// AbortRollout cancels the in-progress session.
func (s *System) AbortRollout(id uuid.UUID) error {
	return s.rollout.Abort(id)
}

// RecoverTile returns a Failed tile to Disconnected for reconnection.
func (s *System) RecoverTile(id string) error {
	return s.tiles.Recover(id)
}

// Ping measures a tile's command round-trip time.
func (s *System) Ping(id string) error {
	if _, ok := s.tiles.Get(id); !ok {
		return fmt.Errorf("ping: unknown tile %v", id)
	}
	s.mux.Lock()
	s.pings[id] = s.clock.Now()
	s.mux.Unlock()
	return s.commander.PublishCommand(id, ota.Command{Op: ota.OpPing})
}

// RebootAll publishes a reboot command to every Connected tile.
func (s *System) RebootAll() {
	for _, info := range s.tiles.Connected() {
		if err := s.commander.PublishCommand(info.ID, ota.Command{Op: ota.OpReboot}); err != nil {
			log.Printf("[System] reboot %v failed: %v\n", info.ID, err)
		}
	}
}
