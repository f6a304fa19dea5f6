// Package game implements the session and room routing core: player
// sessions, rooms with host tracking, the process-wide registry, and the
// periodic room reaper. The registry's lock guards all shared state; rooms
// and players are plain data structures mutated only through it.
package game

// Sender is what a player session needs from its transport: the ability to
// push one outbound message. Implementations must be safe for concurrent use
// and must never block indefinitely.
type Sender interface {
	Send(msgType string, data any) error
}

// Player tracks one connected player's identity and last known state.
// Fields other than ID and Name are guarded by the owning Registry's lock.
type Player struct {
	// ID is assigned at connection time and stable for the connection's lifetime.
	ID string
	// Name is the display name derived from the ID.
	Name string
	// RoomID is the currently joined room, or "" when unassigned.
	RoomID string
	// Ready mirrors the client's lobby readiness flag.
	Ready bool
	// Snapshot is the last game-state blob received from this player,
	// shallow-merged on every GAME_STATE and never validated.
	Snapshot map[string]any

	conn Sender
}

// NewPlayer creates a session for a freshly accepted connection.
func NewPlayer(id string, conn Sender) *Player {
	name := "Player " + id
	if len(id) >= 4 {
		name = "Player " + id[len(id)-4:]
	}
	return &Player{
		ID:       id,
		Name:     name,
		Snapshot: defaultSnapshot(),
		conn:     conn,
	}
}

// Send forwards one outbound message to the player's connection.
func (p *Player) Send(msgType string, data any) error {
	return p.conn.Send(msgType, data)
}

// mergeSnapshot shallow-merges a state update into the player's snapshot.
// Called with the registry lock held.
func (p *Player) mergeSnapshot(state map[string]any) {
	for k, v := range state {
		p.Snapshot[k] = v
	}
}

// score reads the player's last reported score, 0 when absent. JSON numbers
// decode as float64; integer scores sent by atypical clients are accepted too.
func (p *Player) score() float64 {
	switch v := p.Snapshot["score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// defaultSnapshot is the blob a player carries before its first GAME_STATE:
// an empty 20x10 board and zeroed counters.
func defaultSnapshot() map[string]any {
	board := make([][]int, 20)
	for i := range board {
		board[i] = make([]int, 10)
	}
	return map[string]any{
		"board": board,
		"score": 0,
		"level": 1,
		"lines": 0,
		"combo": 0,
		"items": []any{},
	}
}
