package game

import (
	"time"

	"github.com/stackbattle/relay/protocol"
)

// defaultSettings returns the game configuration a room starts with before
// client-supplied overrides are merged in. The hub treats these as opaque.
func defaultSettings() map[string]any {
	return map[string]any{
		"itemsEnabled": true,
		"startLevel":   1,
		"gameMode":     "battle",
	}
}

// Room is a bounded set of player sessions sharing one game instance.
// Rooms are not self-synchronizing; the owning Registry's lock guards all
// member mutation and snapshot reads.
type Room struct {
	ID          string
	MaxPlayers  int
	HostID      string
	GameStarted bool
	Settings    map[string]any
	CreatedAt   time.Time

	members map[string]*Player
	// order preserves join order so snapshots and host reassignment are
	// deterministic; Go maps do not keep insertion order.
	order []string
}

// NewRoom creates an empty room. Capacities below 1 are clamped to 1.
func NewRoom(id string, maxPlayers int, overrides map[string]any) *Room {
	if maxPlayers < 1 {
		maxPlayers = 1
	}
	settings := defaultSettings()
	for k, v := range overrides {
		settings[k] = v
	}
	return &Room{
		ID:         id,
		MaxPlayers: maxPlayers,
		Settings:   settings,
		CreatedAt:  time.Now(),
		members:    make(map[string]*Player),
	}
}

// AddMember inserts a player, returning false only when the room is full.
// Re-adding an id that is already a member overwrites the stale session and
// keeps its position, which makes rejoin idempotent. The first member becomes
// host.
func (r *Room) AddMember(p *Player) bool {
	if _, exists := r.members[p.ID]; exists {
		r.members[p.ID] = p
		p.RoomID = r.ID
		return true
	}
	if len(r.members) >= r.MaxPlayers {
		return false
	}

	r.members[p.ID] = p
	r.order = append(r.order, p.ID)
	p.RoomID = r.ID

	if r.HostID == "" {
		r.HostID = p.ID
	}
	return true
}

// RemoveMember removes a player if present. When the departing player was
// host and members remain, the oldest remaining member becomes host. The
// caller (the registry) is responsible for deleting the room once empty.
func (r *Room) RemoveMember(playerID string) {
	if _, exists := r.members[playerID]; !exists {
		return
	}
	delete(r.members, playerID)
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if r.HostID == playerID {
		if len(r.order) > 0 {
			r.HostID = r.order[0]
		} else {
			r.HostID = ""
		}
	}
}

// Member returns the session for the given player id.
func (r *Room) Member(playerID string) (*Player, bool) {
	p, ok := r.members[playerID]
	return p, ok
}

// Members returns the current sessions in join order.
func (r *Room) Members() []*Player {
	out := make([]*Player, 0, len(r.members))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out
}

// Others returns the current sessions in join order, excluding one id.
func (r *Room) Others(excludeID string) []*Player {
	out := make([]*Player, 0, len(r.members))
	for _, id := range r.order {
		if id != excludeID {
			out = append(out, r.members[id])
		}
	}
	return out
}

// Len returns the current member count.
func (r *Room) Len() int {
	return len(r.members)
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	return len(r.members) == 0
}

// Snapshot returns the read-only member projection used by every
// membership-changed broadcast, in join order.
func (r *Room) Snapshot() []protocol.PlayerInfo {
	out := make([]protocol.PlayerInfo, 0, len(r.members))
	for _, id := range r.order {
		p := r.members[id]
		out = append(out, protocol.PlayerInfo{
			ID:     p.ID,
			Name:   p.Name,
			Ready:  p.Ready,
			IsHost: p.ID == r.HostID,
		})
	}
	return out
}
