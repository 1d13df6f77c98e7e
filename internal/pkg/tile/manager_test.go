package tile

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/sgtlab/sgt_core/internal/pkg/msg"
)

type fakeClock struct {
	mux sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, clock Clock) *Manager {
	t.Helper()
	m, err := NewManager(clock, time.Second, DefaultMissedHeartbeats)
	assert.NilError(t, err)
	return m
}

func handshake(id string) Heartbeat {
	return Heartbeat{TileID: id, Role: "cable", Firmware: "1.0.0", HardwareSet: "esp32-tile-v2"}
}

func TestAnnouncementMovesToConnecting(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	ev, changed := m.Handle(Heartbeat{TileID: "tile-1"})
	assert.Assert(t, changed)
	assert.Equal(t, ev.From, Unknown)
	assert.Equal(t, ev.To, Connecting)

	info, ok := m.Get("tile-1")
	assert.Assert(t, ok)
	assert.Equal(t, info.State, "connecting")
}

func TestHandshakeCompletesConnection(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	m.Handle(Heartbeat{TileID: "tile-1"})
	ev, changed := m.Handle(handshake("tile-1"))
	assert.Assert(t, changed)
	assert.Equal(t, ev.To, Connected)

	info, _ := m.Get("tile-1")
	assert.Equal(t, info.Role, "cable")
	assert.Equal(t, info.Firmware, "1.0.0")
	assert.Equal(t, info.HardwareSet, "esp32-tile-v2")
}

func TestHandshakeHeartbeatConnectsDirectly(t *testing.T) {
	m := newTestManager(t, newFakeClock())

	ev, changed := m.Handle(handshake("tile-1"))
	assert.Assert(t, changed)
	assert.Equal(t, ev.From, Unknown)
	assert.Equal(t, ev.To, Connected)
}

func TestLivenessExpiryDisconnects(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	m.Handle(handshake("tile-1"))

	// two missed intervals is still within the window
	clock.advance(2 * time.Second)
	assert.Equal(t, len(m.Sweep()), 0)

	clock.advance(2 * time.Second)
	events := m.Sweep()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].To, Disconnected)

	info, _ := m.Get("tile-1")
	assert.Equal(t, info.State, "disconnected")
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	m.Handle(handshake("tile-1"))

	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		m.Handle(handshake("tile-1"))
	}
	assert.Equal(t, len(m.Sweep()), 0)

	info, _ := m.Get("tile-1")
	assert.Equal(t, info.State, "connected")
}

func TestDisconnectedReconnects(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	m.Handle(handshake("tile-1"))
	clock.advance(10 * time.Second)
	m.Sweep()

	ev, changed := m.Handle(handshake("tile-1"))
	assert.Assert(t, changed)
	assert.Equal(t, ev.From, Disconnected)
	assert.Equal(t, ev.To, Connected)
}

func TestBeginUpdateRequiresConnected(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	m.Handle(Heartbeat{TileID: "tile-1"})

	err := m.BeginUpdate("tile-1")
	assert.Assert(t, err != nil)

	m.Handle(handshake("tile-1"))
	assert.NilError(t, m.BeginUpdate("tile-1"))

	info, _ := m.Get("tile-1")
	assert.Equal(t, info.State, "updating")
}

func TestHeartbeatDuringUpdateHoldsState(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	m.Handle(handshake("tile-1"))
	assert.NilError(t, m.BeginUpdate("tile-1"))

	_, changed := m.Handle(handshake("tile-1"))
	assert.Assert(t, !changed)

	info, _ := m.Get("tile-1")
	assert.Equal(t, info.State, "updating")
}

func TestFinishUpdateAwaitsFreshHandshake(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	m.Handle(handshake("tile-1"))
	assert.NilError(t, m.BeginUpdate("tile-1"))

	m.FinishUpdate("tile-1", true)
	info, _ := m.Get("tile-1")
	assert.Equal(t, info.State, "updating")

	hb := handshake("tile-1")
	hb.Firmware = "2.0.0"
	ev, changed := m.Handle(hb)
	assert.Assert(t, changed)
	assert.Equal(t, ev.From, Updating)
	assert.Equal(t, ev.To, Connected)

	info, _ = m.Get("tile-1")
	assert.Equal(t, info.Firmware, "2.0.0")
}

func TestFailedUpdateRequiresManualRecovery(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	m.Handle(handshake("tile-1"))
	assert.NilError(t, m.BeginUpdate("tile-1"))

	m.FinishUpdate("tile-1", false)
	info, _ := m.Get("tile-1")
	assert.Equal(t, info.State, "failed")

	// heartbeats do not resurrect a failed tile
	_, changed := m.Handle(handshake("tile-1"))
	assert.Assert(t, !changed)

	assert.NilError(t, m.Recover("tile-1"))
	ev, changed := m.Handle(handshake("tile-1"))
	assert.Assert(t, changed)
	assert.Equal(t, ev.To, Connected)
}

func TestConnectedListsOnlyConnected(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	m.Handle(handshake("tile-1"))
	m.Handle(handshake("tile-2"))
	m.Handle(Heartbeat{TileID: "tile-3"})

	connected := m.Connected()
	assert.Equal(t, len(connected), 2)
	assert.Assert(t, m.IsConnected("tile-1"))
	assert.Assert(t, !m.IsConnected("tile-3"))
	assert.Assert(t, !m.IsConnected("tile-nope"))
}

func TestFleetEventsPublished(t *testing.T) {
	m := newTestManager(t, newFakeClock())
	pid, _ := uuid.NewUUID()
	sub, err := m.Subscribe(pid, msg.Fleet)
	assert.NilError(t, err)

	m.Handle(handshake("tile-1"))

	received := <-sub
	ev := received.Payload().(Event)
	assert.Equal(t, ev.TileID, "tile-1")
	assert.Equal(t, ev.To, Connected)
}
