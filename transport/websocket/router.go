package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stackbattle/relay/game"
	"github.com/stackbattle/relay/protocol"
)

// Router decodes inbound envelopes, dispatches them by message kind, and
// performs unicast/broadcast delivery. All room and player mutation goes
// through the registry; the router only moves messages.
type Router struct {
	registry *game.Registry
	logger   *zap.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *game.Registry, logger *zap.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// ServeWS upgrades an HTTP request to a WebSocket connection, registers a
// fresh player session, and starts the connection's pumps.
func (rt *Router) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		router: rt,
		logger: rt.logger,
	}
	client.player = rt.registry.Register(client)

	go client.writePump()
	go client.readPump()
}

// Dispatch routes one inbound frame. Malformed frames earn the sender an
// ERROR reply; unknown types are logged and dropped. The connection stays
// open either way.
func (rt *Router) Dispatch(p *game.Player, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		rt.logger.Warn("invalid message",
			zap.String("player_id", p.ID),
			zap.Error(err))
		rt.sendError(p, "Invalid message format", protocol.TypeError)
		return
	}

	switch env.Type {
	case protocol.TypeCreateRoom:
		rt.handleCreateRoom(p, env.Data)
	case protocol.TypeJoinRoom:
		rt.handleJoinRoom(p, env.Data)
	case protocol.TypeQuickMatch:
		rt.handleQuickMatch(p)
	case protocol.TypeStartGame:
		rt.handleStartGame(p, env.Data)
	case protocol.TypeGameState:
		rt.handleGameState(p, env.Data)
	case protocol.TypeAttack:
		rt.handleAttack(p, env.Data)
	case protocol.TypeItemUsed:
		rt.handleItemUsed(p, env.Data)
	case protocol.TypeGameOver:
		rt.handleGameOver(p, env.Data)
	case protocol.TypeRejoinRoom:
		rt.handleRejoinRoom(p, env.Data)
	default:
		rt.logger.Warn("unknown message type",
			zap.String("type", env.Type),
			zap.String("player_id", p.ID))
	}
}

// HandleDisconnect runs the cleanup path shared by graceful closes and read
// failures: unregister the session and tell the former room mates.
func (rt *Router) HandleDisconnect(p *game.Player) {
	dep := rt.registry.Unregister(p.ID)
	if !dep.WasPresent {
		return
	}
	if dep.RoomID != "" && len(dep.Remaining) > 0 {
		rt.deliver(dep.Remaining, protocol.TypePlayerLeft, protocol.PlayerLeft{PlayerID: p.ID})
	}
	rt.logger.Info("player unregistered", zap.String("player_id", p.ID))
}

func (rt *Router) handleCreateRoom(p *game.Player, data json.RawMessage) {
	var req protocol.CreateRoomRequest
	if !rt.decode(p, data, &req) {
		return
	}

	res, err := rt.registry.CreateRoom(p, req.MaxPlayers, req.Settings)
	if err != nil {
		rt.sendError(p, "Failed to create room", protocol.TypeError)
		return
	}

	rt.unicast(p, protocol.TypeRoomCreated, protocol.RoomCreated{
		RoomID:     res.RoomID,
		PlayerID:   p.ID,
		MaxPlayers: res.MaxPlayers,
		Players:    res.Players,
	})
	rt.notifyLeftRoom(p, res)
}

func (rt *Router) handleJoinRoom(p *game.Player, data json.RawMessage) {
	var req protocol.JoinRoomRequest
	if !rt.decode(p, data, &req) {
		return
	}

	res, err := rt.registry.JoinRoom(p, req.RoomID)
	switch {
	case errors.Is(err, game.ErrRoomNotFound):
		rt.sendError(p, "Room not found", protocol.TypeRoomError)
		return
	case errors.Is(err, game.ErrRoomFull):
		rt.sendError(p, "Room is full", protocol.TypeRoomError)
		return
	case err != nil:
		rt.sendError(p, "Failed to join room", protocol.TypeRoomError)
		return
	}

	rt.unicast(p, protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:   res.RoomID,
		PlayerID: p.ID,
		Players:  res.Players,
	})
	rt.deliver(res.Others, protocol.TypePlayerJoined, protocol.PlayerJoined{
		PlayerID: p.ID,
		PlayerInfo: protocol.JoinedInfo{
			ID:    p.ID,
			Name:  p.Name,
			Ready: p.Ready,
		},
	})
	rt.notifyLeftRoom(p, res)
}

func (rt *Router) handleQuickMatch(p *game.Player) {
	res, err := rt.registry.QuickMatch(p)
	if err != nil {
		rt.sendError(p, "Failed to find a match", protocol.TypeError)
		return
	}

	found := protocol.MatchFound{
		RoomID:   res.RoomID,
		PlayerID: p.ID,
		Players:  res.Players,
	}
	if res.Created {
		found.MaxPlayers = res.MaxPlayers
	}
	rt.unicast(p, protocol.TypeMatchFound, found)

	rt.deliver(res.Others, protocol.TypePlayerJoined, protocol.PlayerJoined{
		PlayerID: p.ID,
		PlayerInfo: protocol.JoinedInfo{
			ID:    p.ID,
			Name:  p.Name,
			Ready: p.Ready,
		},
	})
	rt.notifyLeftRoom(p, res)
}

func (rt *Router) handleStartGame(p *game.Player, data json.RawMessage) {
	var req protocol.StartGameRequest
	if !rt.decode(p, data, &req) {
		return
	}

	res, err := rt.registry.StartGame(p.ID, req.RoomID)
	switch {
	case errors.Is(err, game.ErrRoomNotFound):
		rt.sendError(p, "Room not found", protocol.TypeError)
		return
	case errors.Is(err, game.ErrNotHost):
		rt.sendError(p, "Only host can start the game", protocol.TypeError)
		return
	case err != nil:
		rt.sendError(p, "Failed to start game", protocol.TypeError)
		return
	}

	// One seed, derived from current time, so every client generates the
	// same piece sequence.
	seed := time.Now().UnixMilli()
	rt.deliver(res.Members, protocol.TypeGameStarted, protocol.GameStarted{
		Seed:    seed,
		Players: res.Players,
	})
}

func (rt *Router) handleGameState(p *game.Player, data json.RawMessage) {
	var req protocol.GameStateRequest
	if !rt.decode(p, data, &req) {
		return
	}

	others, ok := rt.registry.MergeState(p, req.RoomID, req.State)
	if !ok {
		return
	}
	rt.deliver(others, protocol.TypeGameStateUpdate, protocol.GameStateUpdate{
		PlayerID: p.ID,
		State:    req.State,
	})
}

func (rt *Router) handleAttack(p *game.Player, data json.RawMessage) {
	var req protocol.AttackRequest
	if !rt.decode(p, data, &req) {
		return
	}
	if _, ok := rt.registry.Room(req.RoomID); !ok {
		return
	}

	payload := protocol.AttackReceived{From: p.ID, Attack: req.Attack}
	if req.Target == protocol.AttackAllTargets {
		rt.Broadcast(req.RoomID, protocol.TypeAttackReceived, payload, p.ID)
		return
	}

	// Targeted attacks resolve through the global player table; the
	// target's room membership is not re-verified.
	target, ok := rt.registry.Player(req.Target)
	if !ok {
		return
	}
	rt.unicast(target, protocol.TypeAttackReceived, payload)
}

func (rt *Router) handleItemUsed(p *game.Player, data json.RawMessage) {
	var req protocol.ItemUsedRequest
	if !rt.decode(p, data, &req) {
		return
	}

	// Target rides along as payload only; routing is room-wide.
	rt.Broadcast(req.RoomID, protocol.TypeItemEffect, protocol.ItemEffect{
		From:   p.ID,
		Item:   req.Item,
		Target: req.Target,
	}, p.ID)
}

func (rt *Router) handleGameOver(p *game.Player, data json.RawMessage) {
	var req protocol.GameOverRequest
	if !rt.decode(p, data, &req) {
		return
	}

	score, others, ok := rt.registry.GameOver(p, req.RoomID)
	if !ok {
		return
	}
	rt.deliver(others, protocol.TypePlayerEliminated, protocol.PlayerEliminated{
		PlayerID:   p.ID,
		FinalScore: score,
	})
}

func (rt *Router) handleRejoinRoom(p *game.Player, data json.RawMessage) {
	var req protocol.RejoinRoomRequest
	if !rt.decode(p, data, &req) {
		return
	}

	res, err := rt.registry.RejoinRoom(p, req.RoomID, req.PlayerID)
	switch {
	case errors.Is(err, game.ErrRoomNotFound):
		rt.sendError(p, "Room not found", protocol.TypeRoomError)
		return
	case errors.Is(err, game.ErrRoomFull):
		rt.sendError(p, "Room is full", protocol.TypeRoomError)
		return
	case err != nil:
		rt.sendError(p, "Failed to rejoin room", protocol.TypeRoomError)
		return
	}

	// Rejoin is silent toward the other members.
	rt.unicast(p, protocol.TypeRejoined, protocol.Rejoined{
		RoomID:  res.RoomID,
		Players: res.Players,
	})
	rt.notifyLeftRoom(p, res)
}

// notifyLeftRoom tells a previously joined room that the player moved on.
// Joining a room implicitly leaves the old one, so membership stays unique.
func (rt *Router) notifyLeftRoom(p *game.Player, res game.JoinResult) {
	if res.LeftRoomID == "" || len(res.LeftRemaining) == 0 {
		return
	}
	rt.deliver(res.LeftRemaining, protocol.TypePlayerLeft, protocol.PlayerLeft{PlayerID: p.ID})
}

// Delivery records the outcome of one recipient's send attempt during a
// fan-out.
type Delivery struct {
	PlayerID string
	Err      error
}

// Broadcast fans a message out to every current member of a room except
// excludeID (pass "" to include everyone). The member list is snapshotted
// under the registry lock before any send, and each delivery is attempted
// independently: one failing recipient never blocks the rest.
func (rt *Router) Broadcast(roomID, msgType string, data any, excludeID string) []Delivery {
	return rt.deliver(rt.registry.RoomOthers(roomID, excludeID), msgType, data)
}

func (rt *Router) deliver(recipients []*game.Player, msgType string, data any) []Delivery {
	results := make([]Delivery, 0, len(recipients))
	for _, member := range recipients {
		err := member.Send(msgType, data)
		if err != nil {
			rt.logger.Warn("delivery failed",
				zap.String("player_id", member.ID),
				zap.String("type", msgType),
				zap.Error(err))
		}
		results = append(results, Delivery{PlayerID: member.ID, Err: err})
	}
	return results
}

// unicast sends one message to one player; failures are logged, never
// propagated.
func (rt *Router) unicast(p *game.Player, msgType string, data any) {
	if err := p.Send(msgType, data); err != nil {
		rt.logger.Warn("send failed",
			zap.String("player_id", p.ID),
			zap.String("type", msgType),
			zap.Error(err))
	}
}

func (rt *Router) sendError(p *game.Player, message, errType string) {
	rt.unicast(p, errType, protocol.ErrorMessage{
		Error:     message,
		Timestamp: time.Now().Unix(),
	})
}

// decode unmarshals a handler payload, surfacing malformed payloads to the
// sender the same way as an undecodable envelope.
func (rt *Router) decode(p *game.Player, data json.RawMessage, dst any) bool {
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, dst); err != nil {
		rt.logger.Warn("invalid payload",
			zap.String("player_id", p.ID),
			zap.Error(err))
		rt.sendError(p, "Invalid message format", protocol.TypeError)
		return false
	}
	return true
}
