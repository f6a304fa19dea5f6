// Package protocol defines the wire envelope and message payloads exchanged
// with game clients. Every frame, in both directions, is a UTF-8 JSON text
// message of the form {"type": "<MESSAGE_TYPE>", "data": {...}}.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types (client → server).
const (
	TypeCreateRoom = "CREATE_ROOM"
	TypeJoinRoom   = "JOIN_ROOM"
	TypeQuickMatch = "QUICK_MATCH"
	TypeStartGame  = "START_GAME"
	TypeGameState  = "GAME_STATE"
	TypeAttack     = "ATTACK"
	TypeItemUsed   = "ITEM_USED"
	TypeGameOver   = "GAME_OVER"
	TypeRejoinRoom = "REJOIN_ROOM"
)

// Outbound message types (server → client).
const (
	TypeRoomCreated      = "ROOM_CREATED"
	TypeRoomJoined       = "ROOM_JOINED"
	TypePlayerJoined     = "PLAYER_JOINED"
	TypeMatchFound       = "MATCH_FOUND"
	TypeGameStarted      = "GAME_STARTED"
	TypeGameStateUpdate  = "GAME_STATE_UPDATE"
	TypeAttackReceived   = "ATTACK_RECEIVED"
	TypeItemEffect       = "ITEM_EFFECT"
	TypePlayerEliminated = "PLAYER_ELIMINATED"
	TypePlayerLeft       = "PLAYER_LEFT"
	TypeRejoined         = "REJOINED"
	TypeError            = "ERROR"
	TypeRoomError        = "ROOM_ERROR"
)

// AttackAllTargets is the ATTACK target value that fans the attack out to
// every other room member instead of a single player.
const AttackAllTargets = "all"

// Envelope is the outer frame structure. Data is left raw on decode so each
// handler can unmarshal its own payload shape.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw text frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decoding envelope: missing type")
	}
	return env, nil
}

// Marshal encodes an outbound message as a complete wire frame.
func Marshal(msgType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: payload})
}

// PlayerInfo is the per-member projection carried by every membership-changed
// broadcast. Ordering of []PlayerInfo slices follows room join order.
type PlayerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Ready  bool   `json:"isReady"`
	IsHost bool   `json:"isHost"`
}

// Inbound payloads.

type CreateRoomRequest struct {
	MaxPlayers int            `json:"maxPlayers"`
	Settings   map[string]any `json:"settings"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type StartGameRequest struct {
	RoomID string `json:"roomId"`
}

type GameStateRequest struct {
	RoomID string         `json:"roomId"`
	State  map[string]any `json:"state"`
}

type AttackRequest struct {
	RoomID string         `json:"roomId"`
	Target string         `json:"target"`
	Attack map[string]any `json:"attack"`
}

type ItemUsedRequest struct {
	RoomID string `json:"roomId"`
	Item   string `json:"item"`
	Target string `json:"target"`
}

type GameOverRequest struct {
	RoomID string `json:"roomId"`
}

type RejoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

// Outbound payloads.

type RoomCreated struct {
	RoomID     string       `json:"roomId"`
	PlayerID   string       `json:"playerId"`
	MaxPlayers int          `json:"maxPlayers"`
	Players    []PlayerInfo `json:"players"`
}

type RoomJoined struct {
	RoomID   string       `json:"roomId"`
	PlayerID string       `json:"playerId"`
	Players  []PlayerInfo `json:"players"`
}

// JoinedInfo is the joiner summary inside PLAYER_JOINED. Unlike PlayerInfo it
// carries no host flag; the joiner is never the host of an existing room.
type JoinedInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Ready bool   `json:"isReady"`
}

type PlayerJoined struct {
	PlayerID   string     `json:"playerId"`
	PlayerInfo JoinedInfo `json:"playerInfo"`
}

type MatchFound struct {
	RoomID     string       `json:"roomId"`
	PlayerID   string       `json:"playerId"`
	MaxPlayers int          `json:"maxPlayers,omitempty"`
	Players    []PlayerInfo `json:"players"`
}

type GameStarted struct {
	Seed    int64        `json:"seed"`
	Players []PlayerInfo `json:"players"`
}

type GameStateUpdate struct {
	PlayerID string         `json:"playerId"`
	State    map[string]any `json:"state"`
}

type AttackReceived struct {
	From   string         `json:"from"`
	Attack map[string]any `json:"attack"`
}

type ItemEffect struct {
	From   string `json:"from"`
	Item   string `json:"item"`
	Target string `json:"target"`
}

type PlayerEliminated struct {
	PlayerID   string  `json:"playerId"`
	FinalScore float64 `json:"finalScore"`
}

type PlayerLeft struct {
	PlayerID string `json:"playerId"`
}

type Rejoined struct {
	RoomID  string       `json:"roomId"`
	Players []PlayerInfo `json:"players"`
}

type ErrorMessage struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}
