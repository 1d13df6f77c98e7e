/*
manager.go Fleet connection manager. Consumes heartbeat announcements,
runs the per-tile state machine and expires silent tiles. Transitions
are published as Fleet events so the topology and solver layers can
react. Tiles are created on first announcement and never deleted;
prolonged silence parks them in Disconnected.
*/

package tile

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sgtlab/sgt_core/internal/pkg/msg"
)

// Clock abstracts time for liveness testing.
type Clock interface {
	Now() time.Time
}

// WallClock is the production Clock.
type WallClock struct{}

// Now returns the wall time.
func (WallClock) Now() time.Time { return time.Now() }

// Manager owns the set of known tiles and their connection state.
type Manager struct {
	mux       *sync.RWMutex
	pid       uuid.UUID
	clock     Clock
	window    time.Duration
	tiles     map[string]*Tile
	publisher *msg.PubSub
}

// DefaultMissedHeartbeats is the number of silent heartbeat intervals
// tolerated before a tile is marked Disconnected.
const DefaultMissedHeartbeats = 3

// NewManager returns an initialized Manager. A tile is considered lost
// after missed*interval without a heartbeat.
func NewManager(clock Clock, interval time.Duration, missed int) (*Manager, error) {
	if missed < 1 {
		return nil, fmt.Errorf("missed heartbeat count must be positive, got %d", missed)
	}
	pid, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	return &Manager{
		mux:       &sync.RWMutex{},
		pid:       pid,
		clock:     clock,
		window:    time.Duration(missed) * interval,
		tiles:     make(map[string]*Tile),
		publisher: msg.NewPublisher(pid),
	}, nil
}

// PID returns the manager's PID
func (m *Manager) PID() uuid.UUID { return m.pid }

// Subscribe returns a read only channel of Fleet events.
func (m *Manager) Subscribe(pid uuid.UUID, topic msg.Topic) (<-chan msg.Msg, error) {
	return m.publisher.Subscribe(pid, topic)
}

// Unsubscribe closes the channel held for pid.
func (m *Manager) Unsubscribe(pid uuid.UUID) {
	m.publisher.Unsubscribe(pid)
}

func (m *Manager) tile(id string) *Tile {
	m.mux.RLock()
	t, ok := m.tiles[id]
	m.mux.RUnlock()
	if ok {
		return t
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if t, ok := m.tiles[id]; ok {
		return t
	}
	t = newTile(id, m.clock.Now())
	m.tiles[id] = t
	return t
}

// Handle processes one heartbeat and returns the resulting transition,
// if any. Bare announcements move Unknown/Disconnected tiles to
// Connecting; a heartbeat carrying role and firmware completes the
// handshake. Heartbeats during Updating refresh liveness without
// changing state unless the rollout marked the tile as awaiting a
// fresh handshake.
func (m *Manager) Handle(hb Heartbeat) (Event, bool) {
	t := m.tile(hb.TileID)

	t.mux.Lock()
	from := t.state
	t.lastSeen = m.clock.Now()
	if hb.handshake() {
		t.role = ParseRole(hb.Role)
		t.firmware = hb.Firmware
		if hb.HardwareSet != "" {
			t.hardwareSet = hb.HardwareSet
		}
	}

	switch t.state {
	case Unknown, Disconnected, Connecting:
		if hb.handshake() {
			t.state = Connected
		} else {
			t.state = Connecting
		}
	case Updating:
		if t.awaitingHandshake && hb.handshake() {
			t.awaitingHandshake = false
			t.state = Connected
		}
	case Failed:
		// manual recovery only; liveness refreshes but state holds
	}
	to := t.state
	t.mux.Unlock()

	if from == to {
		return Event{}, false
	}
	ev := Event{TileID: hb.TileID, From: from, To: to}
	log.Printf("[Tile Manager] %v: %v -> %v\n", hb.TileID, from, to)
	m.publisher.Publish(msg.Fleet, ev)
	return ev, true
}

// Sweep expires tiles whose liveness window has lapsed and returns the
// transitions made. Updating tiles are left to the rollout timeouts.
func (m *Manager) Sweep() []Event {
	m.mux.RLock()
	tiles := make([]*Tile, 0, len(m.tiles))
	for _, t := range m.tiles {
		tiles = append(tiles, t)
	}
	m.mux.RUnlock()

	now := m.clock.Now()
	var events []Event
	for _, t := range tiles {
		t.mux.Lock()
		expired := now.Sub(t.lastSeen) > m.window
		if expired && (t.state == Connected || t.state == Connecting) {
			ev := Event{TileID: t.id, From: t.state, To: Disconnected}
			t.state = Disconnected
			events = append(events, ev)
		}
		t.mux.Unlock()
	}
	for _, ev := range events {
		log.Printf("[Tile Manager] %v: %v -> %v (liveness expired)\n", ev.TileID, ev.From, ev.To)
		m.publisher.Publish(msg.Fleet, ev)
	}
	return events
}

// BeginUpdate moves a Connected tile to Updating. Only the rollout
// coordinator enters this state.
func (m *Manager) BeginUpdate(id string) error {
	m.mux.RLock()
	t, ok := m.tiles[id]
	m.mux.RUnlock()
	if !ok {
		return fmt.Errorf("begin update: unknown tile %v", id)
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.state != Connected {
		return fmt.Errorf("begin update: tile %v is %v, not connected", id, t.state)
	}
	from := t.state
	t.state = Updating
	t.awaitingHandshake = false
	m.publisher.Publish(msg.Fleet, Event{TileID: id, From: from, To: Updating})
	return nil
}

// FinishUpdate resolves an Updating tile. On success the tile stays in
// Updating until its post-reboot handshake arrives; on failure it is
// marked Failed and excluded from solving until manual recovery.
func (m *Manager) FinishUpdate(id string, ok bool) {
	m.mux.RLock()
	t, exists := m.tiles[id]
	m.mux.RUnlock()
	if !exists {
		return
	}
	t.mux.Lock()
	from := t.state
	if t.state == Updating {
		if ok {
			t.awaitingHandshake = true
		} else {
			t.state = Failed
		}
	}
	to := t.state
	t.mux.Unlock()
	if from != to {
		log.Printf("[Tile Manager] %v: %v -> %v\n", id, from, to)
		m.publisher.Publish(msg.Fleet, Event{TileID: id, From: from, To: to})
	}
}

// Recover returns a Failed tile to Disconnected so a fresh handshake
// can reconnect it. Operator action.
func (m *Manager) Recover(id string) error {
	m.mux.RLock()
	t, ok := m.tiles[id]
	m.mux.RUnlock()
	if !ok {
		return fmt.Errorf("recover: unknown tile %v", id)
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.state != Failed {
		return fmt.Errorf("recover: tile %v is %v, not failed", id, t.state)
	}
	t.state = Disconnected
	m.publisher.Publish(msg.Fleet, Event{TileID: id, From: Failed, To: Disconnected})
	return nil
}

// RecordPong stores a measured command round-trip time for a tile.
func (m *Manager) RecordPong(id string, rtt time.Duration) {
	m.mux.RLock()
	t, ok := m.tiles[id]
	m.mux.RUnlock()
	if !ok {
		return
	}
	t.mux.Lock()
	t.rtt = rtt
	t.mux.Unlock()
}

// Get returns a copy of one tile's state.
func (m *Manager) Get(id string) (Info, bool) {
	m.mux.RLock()
	t, ok := m.tiles[id]
	m.mux.RUnlock()
	if !ok {
		return Info{}, false
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.info(), true
}

// Snapshot returns copies of all known tiles.
func (m *Manager) Snapshot() []Info {
	m.mux.RLock()
	tiles := make([]*Tile, 0, len(m.tiles))
	for _, t := range m.tiles {
		tiles = append(tiles, t)
	}
	m.mux.RUnlock()

	infos := make([]Info, 0, len(tiles))
	for _, t := range tiles {
		t.mux.Lock()
		infos = append(infos, t.info())
		t.mux.Unlock()
	}
	return infos
}

// Connected returns copies of all tiles currently in the Connected state.
func (m *Manager) Connected() []Info {
	var infos []Info
	for _, info := range m.Snapshot() {
		if info.State == Connected.String() {
			infos = append(infos, info)
		}
	}
	return infos
}

// IsConnected reports whether the tile backing id is Connected.
// Unknown tiles are not connected.
func (m *Manager) IsConnected(id string) bool {
	info, ok := m.Get(id)
	return ok && info.State == Connected.String()
}
