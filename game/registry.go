package game

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stackbattle/relay/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrNotHost      = errors.New("only host can start the game")
)

// Registry owns the process-wide player and room tables. Every mutation and
// every snapshot read used for broadcast fan-out happens under its lock, so
// connection goroutines and the reaper never race on membership state.
type Registry struct {
	mu      sync.RWMutex
	players map[string]*Player
	rooms   map[string]*Room

	defaultMaxPlayers int
	idPrefix          string
	logger            *zap.Logger
}

// NewRegistry creates an empty registry. defaultMaxPlayers is the capacity
// used when a create request omits one and for every quick-match room;
// idPrefix is prepended to generated room ids.
func NewRegistry(defaultMaxPlayers int, idPrefix string, logger *zap.Logger) *Registry {
	if defaultMaxPlayers < 1 {
		defaultMaxPlayers = 1
	}
	return &Registry{
		players:           make(map[string]*Player),
		rooms:             make(map[string]*Room),
		defaultMaxPlayers: defaultMaxPlayers,
		idPrefix:          idPrefix,
		logger:            logger,
	}
}

// Register creates a session for a newly accepted connection and adds it to
// the player table.
func (r *Registry) Register(conn Sender) *Player {
	p := NewPlayer(uuid.NewString(), conn)

	r.mu.Lock()
	r.players[p.ID] = p
	r.mu.Unlock()

	r.logger.Info("player connected", zap.String("player_id", p.ID))
	return p
}

// Departure describes the room-side fallout of a player leaving, so the
// caller can notify the remaining members outside the lock.
type Departure struct {
	// WasPresent is false when the player was already unregistered, which
	// makes disconnect cleanup idempotent.
	WasPresent bool
	RoomID     string
	// Remaining holds the members still in the room after the departure.
	Remaining   []*Player
	RoomDeleted bool
}

// Unregister removes a player and cleans up its room membership. A room whose
// member set becomes empty is deleted immediately.
func (r *Registry) Unregister(playerID string) Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[playerID]
	if !ok {
		return Departure{}
	}
	delete(r.players, playerID)

	dep := Departure{WasPresent: true}
	dep.RoomID, dep.Remaining, dep.RoomDeleted = r.leaveRoomLocked(p)
	return dep
}

// leaveRoomLocked removes p from its current room, deleting the room when it
// empties. Returns the former room id, the remaining members, and whether the
// room was deleted. Caller holds r.mu.
func (r *Registry) leaveRoomLocked(p *Player) (string, []*Player, bool) {
	if p.RoomID == "" {
		return "", nil, false
	}
	roomID := p.RoomID
	p.RoomID = ""

	room, ok := r.rooms[roomID]
	if !ok {
		return roomID, nil, false
	}

	room.RemoveMember(p.ID)
	if room.Empty() {
		delete(r.rooms, roomID)
		r.logger.Info("room deleted", zap.String("room_id", roomID), zap.String("reason", "empty"))
		return roomID, nil, true
	}
	return roomID, room.Members(), false
}

// JoinResult carries everything a reply and its companion broadcasts need,
// snapshotted atomically with the membership change.
type JoinResult struct {
	RoomID     string
	MaxPlayers int
	// Players is the ordered member projection after the join.
	Players []protocol.PlayerInfo
	// Others holds the members to notify, excluding the joiner.
	Others []*Player
	// Created reports whether quick match created a fresh room.
	Created bool

	// A join implicitly leaves any previously joined room; these describe
	// that departure so the old room can be notified.
	LeftRoomID    string
	LeftRemaining []*Player
}

// CreateRoom creates a room and joins the creator as its host. A non-positive
// maxPlayers falls back to the configured default. Generated ids that collide
// with a live room are retried, never overwritten.
func (r *Registry) CreateRoom(p *Player, maxPlayers int, settings map[string]any) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createRoomLocked(p, maxPlayers, settings)
}

func (r *Registry) createRoomLocked(p *Player, maxPlayers int, settings map[string]any) (JoinResult, error) {
	if maxPlayers <= 0 {
		maxPlayers = r.defaultMaxPlayers
	}

	var res JoinResult
	res.LeftRoomID, res.LeftRemaining, _ = r.leaveRoomLocked(p)

	room := NewRoom(r.newRoomIDLocked(), maxPlayers, settings)
	room.AddMember(p)
	r.rooms[room.ID] = room

	res.RoomID = room.ID
	res.MaxPlayers = room.MaxPlayers
	res.Players = room.Snapshot()
	res.Created = true

	r.logger.Info("room created",
		zap.String("room_id", room.ID),
		zap.String("host_id", p.ID),
		zap.Int("max_players", room.MaxPlayers))
	return res, nil
}

// newRoomIDLocked generates a room id with a readable prefix and a random
// uppercase suffix, retrying on the (negligible) chance of collision.
func (r *Registry) newRoomIDLocked() string {
	for {
		id := r.idPrefix + strings.ToUpper(uuid.NewString()[:8])
		if _, exists := r.rooms[id]; !exists {
			return id
		}
	}
}

// JoinRoom adds the player to an existing room.
func (r *Registry) JoinRoom(p *Player, roomID string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinRoomLocked(p, roomID)
}

func (r *Registry) joinRoomLocked(p *Player, roomID string) (JoinResult, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	if _, member := room.Member(p.ID); !member && room.Len() >= room.MaxPlayers {
		return JoinResult{}, ErrRoomFull
	}

	var res JoinResult
	if p.RoomID != roomID {
		res.LeftRoomID, res.LeftRemaining, _ = r.leaveRoomLocked(p)
	}
	room.AddMember(p)

	res.RoomID = room.ID
	res.MaxPlayers = room.MaxPlayers
	res.Players = room.Snapshot()
	res.Others = room.Others(p.ID)

	r.logger.Info("player joined room",
		zap.String("player_id", p.ID),
		zap.String("room_id", room.ID),
		zap.Int("members", room.Len()))
	return res, nil
}

// QuickMatch places the player in the oldest room with spare capacity whose
// game has not started, or creates a fresh default-capacity room when none
// qualifies.
func (r *Registry) QuickMatch(p *Player) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidate *Room
	for _, room := range r.rooms {
		if room.GameStarted || room.Len() >= room.MaxPlayers {
			continue
		}
		if room.ID == p.RoomID {
			continue
		}
		if candidate == nil ||
			room.CreatedAt.Before(candidate.CreatedAt) ||
			(room.CreatedAt.Equal(candidate.CreatedAt) && room.ID < candidate.ID) {
			candidate = room
		}
	}

	if candidate != nil {
		return r.joinRoomLocked(p, candidate.ID)
	}
	return r.createRoomLocked(p, r.defaultMaxPlayers, nil)
}

// RejoinRoom re-establishes membership under a new connection: the stale
// member entry keyed by oldPlayerID is dropped (if present) and the current
// session takes its place. The old id is taken on trust; there is no
// ownership proof in the wire contract.
func (r *Registry) RejoinRoom(p *Player, roomID, oldPlayerID string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	room.RemoveMember(oldPlayerID)

	if _, member := room.Member(p.ID); !member && room.Len() >= room.MaxPlayers {
		return JoinResult{}, ErrRoomFull
	}

	var res JoinResult
	if p.RoomID != roomID {
		res.LeftRoomID, res.LeftRemaining, _ = r.leaveRoomLocked(p)
	}
	room.AddMember(p)

	res.RoomID = room.ID
	res.MaxPlayers = room.MaxPlayers
	res.Players = room.Snapshot()

	r.logger.Info("player rejoined room",
		zap.String("player_id", p.ID),
		zap.String("old_player_id", oldPlayerID),
		zap.String("room_id", room.ID))
	return res, nil
}

// StartResult is the fan-out context for a successful game start.
type StartResult struct {
	// Members holds every current member, the start announcement goes to all
	// of them including the host.
	Members []*Player
	Players []protocol.PlayerInfo
}

// StartGame marks the room started. Only the host may start.
func (r *Registry) StartGame(playerID, roomID string) (StartResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return StartResult{}, ErrRoomNotFound
	}
	if room.HostID != playerID {
		return StartResult{}, ErrNotHost
	}

	room.GameStarted = true
	r.logger.Info("game started", zap.String("room_id", roomID), zap.String("host_id", playerID))
	return StartResult{Members: room.Members(), Players: room.Snapshot()}, nil
}

// MergeState shallow-merges a state update into the sender's snapshot and
// returns the other room members to forward it to. ok is false when the room
// does not exist; the update is then dropped.
func (r *Registry) MergeState(p *Player, roomID string, state map[string]any) ([]*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	p.mergeSnapshot(state)
	return room.Others(p.ID), true
}

// GameOver reads the sender's last reported score and returns the other room
// members to notify.
func (r *Registry) GameOver(p *Player, roomID string) (float64, []*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return 0, nil, false
	}
	return p.score(), room.Others(p.ID), true
}

// RoomOthers returns a stable snapshot of a room's members excluding one id,
// or nil when the room does not exist. Pass "" to include every member.
func (r *Registry) RoomOthers(roomID, excludeID string) []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.Others(excludeID)
}

// Player returns the session for the given id, regardless of room membership.
func (r *Registry) Player(playerID string) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[playerID]
	return p, ok
}

// Room returns the room for the given id. The returned room is shared state;
// callers outside this package must treat it as read-only.
func (r *Registry) Room(roomID string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// RoomSummary is the listing projection served by the HTTP API.
type RoomSummary struct {
	ID          string    `json:"id"`
	Players     int       `json:"players"`
	MaxPlayers  int       `json:"maxPlayers"`
	HostID      string    `json:"hostId"`
	GameStarted bool      `json:"gameStarted"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RoomDetail is the single-room projection served by the HTTP API.
type RoomDetail struct {
	RoomSummary
	Members  []protocol.PlayerInfo `json:"members"`
	Settings map[string]any        `json:"settings"`
}

// Stats reports registry-wide counts.
type Stats struct {
	Players int `json:"players"`
	Rooms   int `json:"rooms"`
}

// RoomSummaries lists all rooms, oldest first.
func (r *Registry) RoomSummaries() []RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomSummary, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, r.summaryLocked(room))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RoomDetails returns the full projection for one room.
func (r *Registry) RoomDetails(roomID string) (RoomDetail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return RoomDetail{}, false
	}

	settings := make(map[string]any, len(room.Settings))
	for k, v := range room.Settings {
		settings[k] = v
	}
	return RoomDetail{
		RoomSummary: r.summaryLocked(room),
		Members:     room.Snapshot(),
		Settings:    settings,
	}, true
}

func (r *Registry) summaryLocked(room *Room) RoomSummary {
	return RoomSummary{
		ID:          room.ID,
		Players:     room.Len(),
		MaxPlayers:  room.MaxPlayers,
		HostID:      room.HostID,
		GameStarted: room.GameStarted,
		CreatedAt:   room.CreatedAt,
	}
}

// Stats returns current player and room counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Players: len(r.players), Rooms: len(r.rooms)}
}

// ReapRooms deletes rooms that are empty or older than maxAge and returns the
// removed ids. Members of an over-age room (if any) have their room reference
// cleared; their connections stay up.
func (r *Registry) ReapRooms(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var removed []string
	for id, room := range r.rooms {
		if room.Empty() || now.Sub(room.CreatedAt) > maxAge {
			for _, p := range room.Members() {
				p.RoomID = ""
			}
			delete(r.rooms, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
