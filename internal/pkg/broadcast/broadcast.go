/*
broadcast.go State broadcaster. Converts the latest solve result and
fleet state into per-tile LED messages. Unchanged messages are
suppressed (selective publish); a tile that reconnects receives a full
snapshot instead of a delta so it never depends on missed messages.
Delivery is best-effort, at most once per message.
*/

package broadcast

import (
	"log"
	"sync"

	"github.com/sgtlab/sgt_core/internal/pkg/solver"
	"github.com/sgtlab/sgt_core/internal/pkg/tile"
	"github.com/sgtlab/sgt_core/internal/pkg/topology"
)

// StateMessage is the per-tile update published on
// <base>/tile/<id>/state. Optional fields are omitted on deltas when
// unchanged.
type StateMessage struct {
	TileID     string   `json:"tile_id"`
	Full       bool     `json:"full"`
	State      string   `json:"state"`
	Color      Color    `json:"color"`
	Congestion *float64 `json:"congestion,omitempty"`
	FlowKW     *float64 `json:"flow_kw,omitempty"`
	Reverse    bool     `json:"reverse,omitempty"` // flow against the cable's from->to orientation
	HeadroomKW *float64 `json:"headroom_kw,omitempty"`
	Blackout   bool     `json:"blackout,omitempty"`
}

// Sender publishes a state message to one tile.
type Sender interface {
	PublishState(tileID string, m StateMessage) error
}

// Broadcaster tracks the last message sent per tile and publishes
// minimal updates.
type Broadcaster struct {
	mux      *sync.Mutex
	sender   Sender
	lastSent map[string]StateMessage
	needFull map[string]bool
}

// New returns an initialized Broadcaster.
func New(sender Sender) *Broadcaster {
	return &Broadcaster{
		mux:      &sync.Mutex{},
		sender:   sender,
		lastSent: make(map[string]StateMessage),
		needFull: make(map[string]bool),
	}
}

// MarkReconnected flags a tile for a full-snapshot refresh on the next
// publish cycle.
func (b *Broadcaster) MarkReconnected(tileID string) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.needFull[tileID] = true
	delete(b.lastSent, tileID)
}

// ForceAll flags every known tile for a full refresh.
func (b *Broadcaster) ForceAll() {
	b.mux.Lock()
	defer b.mux.Unlock()
	for id := range b.lastSent {
		b.needFull[id] = true
	}
	b.lastSent = make(map[string]StateMessage)
}

// Publish computes and sends per-tile messages for every Connected
// tile. Updating tiles are skipped: their broadcasts are suspended for
// the duration of the rollout.
func (b *Broadcaster) Publish(fleet []tile.Info, report solver.Report, snap topology.Snapshot) {
	blackout := make(map[string]bool, len(report.Result.Blackouts))
	for _, bus := range report.Result.Blackouts {
		blackout[bus] = true
	}

	for _, info := range fleet {
		if info.State != "connected" {
			continue
		}
		m := buildMessage(info, report, snap, blackout)
		b.send(m)
	}
}

func buildMessage(info tile.Info, report solver.Report, snap topology.Snapshot, blackout map[string]bool) StateMessage {
	m := StateMessage{
		TileID: info.ID,
		State:  info.State,
		Color:  ColorConnected,
	}

	for _, flow := range report.Result.Cables {
		if flow.Tile != info.ID {
			continue
		}
		congestion := flow.Congestion
		kw := flow.FlowKW
		m.Congestion = &congestion
		m.FlowKW = &kw
		m.Reverse = kw < 0
		m.Color = CongestionColor(congestion)
		m.Blackout = cableBlacked(flow.Name, snap, blackout)
		if m.Blackout {
			m.Color = ColorOff
		}
		break
	}

	for _, xs := range report.Result.Transformers {
		if xs.Tile != info.ID {
			continue
		}
		headroom := xs.HeadroomKW
		kw := xs.FlowKW
		m.HeadroomKW = &headroom
		m.FlowKW = &kw
		break
	}

	return m
}

func cableBlacked(name string, snap topology.Snapshot, blackout map[string]bool) bool {
	for _, c := range snap.Cables {
		if c.Name == name {
			return blackout[c.From] && blackout[c.To]
		}
	}
	return false
}

// send suppresses unchanged messages and strips unchanged optional
// fields from deltas.
func (b *Broadcaster) send(m StateMessage) {
	b.mux.Lock()
	full := b.needFull[m.TileID]
	prev, seen := b.lastSent[m.TileID]
	b.mux.Unlock()

	if !seen {
		full = true
	}

	if full {
		m.Full = true
	} else {
		if equal(prev, m) {
			return
		}
		m.Full = false
	}

	if err := b.sender.PublishState(m.TileID, m); err != nil {
		log.Printf("[Broadcast] publish to %v failed: %v\n", m.TileID, err)
		return
	}

	b.mux.Lock()
	b.lastSent[m.TileID] = m
	delete(b.needFull, m.TileID)
	b.mux.Unlock()
}

func equal(a, b StateMessage) bool {
	if a.State != b.State || a.Color != b.Color || a.Blackout != b.Blackout || a.Reverse != b.Reverse {
		return false
	}
	if !floatPtrEq(a.Congestion, b.Congestion) || !floatPtrEq(a.FlowKW, b.FlowKW) || !floatPtrEq(a.HeadroomKW, b.HeadroomKW) {
		return false
	}
	return true
}

func floatPtrEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
