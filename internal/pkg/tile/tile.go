/*
tile.go Representation of a single physical table tile. A tile backs one
grid element (bus, cable, transformer, generator or load) and reports
liveness, role and firmware version over the message bus.
*/

package tile

import (
	"sync"
	"time"
)

// State encodes the tile connection state machine.
type State int

const (
	Unknown State = iota
	Connecting
	Connected
	Disconnected
	Updating
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Updating:
		return "updating"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role is the grid element a tile backs.
type Role int

const (
	RoleUnknown Role = iota
	RoleBus
	RoleCable
	RoleTransformer
	RoleGenerator
	RoleLoad
)

var roleNames = map[string]Role{
	"bus":         RoleBus,
	"cable":       RoleCable,
	"transformer": RoleTransformer,
	"generator":   RoleGenerator,
	"load":        RoleLoad,
}

// ParseRole maps the heartbeat role string to a Role.
func ParseRole(s string) Role {
	if r, ok := roleNames[s]; ok {
		return r
	}
	return RoleUnknown
}

func (r Role) String() string {
	for name, role := range roleNames {
		if role == r {
			return name
		}
	}
	return "unknown"
}

// Heartbeat is the periodic liveness announcement published by a tile.
// Role and Firmware are empty on a bare join announcement; a heartbeat
// carrying both acts as the handshake acknowledgment.
type Heartbeat struct {
	TileID      string `json:"tile_id"`
	Role        string `json:"role,omitempty"`
	Firmware    string `json:"firmware,omitempty"`
	HardwareSet string `json:"hardware_set,omitempty"`
}

func (hb Heartbeat) handshake() bool {
	return hb.Role != "" && hb.Firmware != ""
}

// Tile holds the connection and identity state of one physical node.
// Mutation happens under the tile's own lock, never a fleet-wide one.
type Tile struct {
	mux               *sync.Mutex
	id                string
	role              Role
	hardwareSet       string
	firmware          string
	state             State
	lastSeen          time.Time
	rtt               time.Duration
	awaitingHandshake bool
}

func newTile(id string, now time.Time) *Tile {
	return &Tile{
		mux:      &sync.Mutex{},
		id:       id,
		state:    Unknown,
		lastSeen: now,
	}
}

// Info is an immutable copy of a tile's state.
type Info struct {
	ID          string        `json:"id"`
	Role        string        `json:"role"`
	HardwareSet string        `json:"hardware_set"`
	Firmware    string        `json:"firmware"`
	State       string        `json:"state"`
	LastSeen    time.Time     `json:"last_seen"`
	RTT         time.Duration `json:"rtt"`
}

func (t *Tile) info() Info {
	return Info{
		ID:          t.id,
		Role:        t.role.String(),
		HardwareSet: t.hardwareSet,
		Firmware:    t.firmware,
		State:       t.state.String(),
		LastSeen:    t.lastSeen,
		RTT:         t.rtt,
	}
}

// Event reports a tile state transition.
type Event struct {
	TileID string
	From   State
	To     State
}
