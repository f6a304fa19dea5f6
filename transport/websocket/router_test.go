package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stackbattle/relay/game"
	"github.com/stackbattle/relay/protocol"
)

func newTestServer(t *testing.T) (*game.Registry, *httptest.Server) {
	t.Helper()
	registry := game.NewRegistry(4, "ROOM_", zap.NewNop())
	router := NewRouter(registry, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(router.ServeWS))
	t.Cleanup(srv.Close)
	return registry, srv
}

// wsClient wraps a dialed connection. Every frame carries exactly one
// envelope, so each read decodes the whole frame as one JSON document.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msgType string, data any) {
	c.t.Helper()
	raw, err := protocol.Marshal(msgType, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *wsClient) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *wsClient) recv() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	env, err := protocol.Decode(raw)
	require.NoError(c.t, err)
	return env
}

// expect receives the next message, asserts its type, and unmarshals the
// payload into dst (when non-nil).
func (c *wsClient) expect(msgType string, dst any) {
	c.t.Helper()
	env := c.recv()
	require.Equal(c.t, msgType, env.Type)
	if dst != nil {
		require.NoError(c.t, json.Unmarshal(env.Data, dst))
	}
}

func TestServeWSRegistersSession(t *testing.T) {
	registry, srv := newTestServer(t)

	dialClient(t, srv)
	require.Eventually(t, func() bool {
		return registry.Stats().Players == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullMatchLifecycle(t *testing.T) {
	registry, srv := newTestServer(t)

	// Host creates a two player room.
	host := dialClient(t, srv)
	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{MaxPlayers: 2})

	var created protocol.RoomCreated
	host.expect(protocol.TypeRoomCreated, &created)
	assert.True(t, strings.HasPrefix(created.RoomID, "ROOM_"))
	assert.Equal(t, 2, created.MaxPlayers)
	require.Len(t, created.Players, 1)
	assert.True(t, created.Players[0].IsHost)

	// Second player joins; the host hears about it.
	guest := dialClient(t, srv)
	guest.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID})

	var joined protocol.RoomJoined
	guest.expect(protocol.TypeRoomJoined, &joined)
	assert.Equal(t, created.RoomID, joined.RoomID)
	require.Len(t, joined.Players, 2)
	assert.Equal(t, created.PlayerID, joined.Players[0].ID)
	assert.Equal(t, joined.PlayerID, joined.Players[1].ID)

	var playerJoined protocol.PlayerJoined
	host.expect(protocol.TypePlayerJoined, &playerJoined)
	assert.Equal(t, joined.PlayerID, playerJoined.PlayerID)
	assert.Equal(t, joined.PlayerID, playerJoined.PlayerInfo.ID)

	// Host starts; both sides get the same seed.
	host.send(protocol.TypeStartGame, protocol.StartGameRequest{RoomID: created.RoomID})

	var startHost, startGuest protocol.GameStarted
	host.expect(protocol.TypeGameStarted, &startHost)
	guest.expect(protocol.TypeGameStarted, &startGuest)
	assert.NotZero(t, startHost.Seed)
	assert.Equal(t, startHost.Seed, startGuest.Seed)
	assert.Len(t, startHost.Players, 2)

	// Guest reports state; only the host sees the relay.
	guest.send(protocol.TypeGameState, protocol.GameStateRequest{
		RoomID: created.RoomID,
		State:  map[string]any{"score": 777},
	})

	var update protocol.GameStateUpdate
	host.expect(protocol.TypeGameStateUpdate, &update)
	assert.Equal(t, joined.PlayerID, update.PlayerID)
	assert.Equal(t, float64(777), update.State["score"])

	// Guest tops out; its last reported score rides the elimination notice.
	guest.send(protocol.TypeGameOver, protocol.GameOverRequest{RoomID: created.RoomID})

	var eliminated protocol.PlayerEliminated
	host.expect(protocol.TypePlayerEliminated, &eliminated)
	assert.Equal(t, joined.PlayerID, eliminated.PlayerID)
	assert.Equal(t, float64(777), eliminated.FinalScore)

	// Guest disconnects; the host is told and the room survives.
	guest.conn.Close()

	var left protocol.PlayerLeft
	host.expect(protocol.TypePlayerLeft, &left)
	assert.Equal(t, joined.PlayerID, left.PlayerID)

	room, ok := registry.Room(created.RoomID)
	require.True(t, ok)
	assert.Equal(t, 1, room.Len())

	// Last player out deletes the room.
	host.conn.Close()
	require.Eventually(t, func() bool {
		_, ok := registry.Room(created.RoomID)
		return !ok && registry.Stats().Players == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartGameNonHostRejected(t *testing.T) {
	registry, srv := newTestServer(t)

	host := dialClient(t, srv)
	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{})
	var created protocol.RoomCreated
	host.expect(protocol.TypeRoomCreated, &created)

	guest := dialClient(t, srv)
	guest.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID})
	guest.expect(protocol.TypeRoomJoined, nil)
	host.expect(protocol.TypePlayerJoined, nil)

	guest.send(protocol.TypeStartGame, protocol.StartGameRequest{RoomID: created.RoomID})

	var errMsg protocol.ErrorMessage
	guest.expect(protocol.TypeError, &errMsg)
	assert.Equal(t, "Only host can start the game", errMsg.Error)
	assert.NotZero(t, errMsg.Timestamp)

	room, ok := registry.Room(created.RoomID)
	require.True(t, ok)
	assert.False(t, room.GameStarted)
}

func TestJoinRoomErrors(t *testing.T) {
	_, srv := newTestServer(t)

	c := dialClient(t, srv)
	c.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: "ROOM_MISSING1"})

	var errMsg protocol.ErrorMessage
	c.expect(protocol.TypeRoomError, &errMsg)
	assert.Equal(t, "Room not found", errMsg.Error)

	// Fill a solo room, then have a third connection bounce off it.
	host := dialClient(t, srv)
	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{MaxPlayers: 1})
	var created protocol.RoomCreated
	host.expect(protocol.TypeRoomCreated, &created)

	c.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID})
	c.expect(protocol.TypeRoomError, &errMsg)
	assert.Equal(t, "Room is full", errMsg.Error)
}

func TestQuickMatchCreatesThenFills(t *testing.T) {
	registry, srv := newTestServer(t)

	first := dialClient(t, srv)
	first.send(protocol.TypeQuickMatch, nil)

	var found protocol.MatchFound
	first.expect(protocol.TypeMatchFound, &found)
	assert.NotEmpty(t, found.RoomID)
	// A freshly created room announces its capacity.
	assert.Equal(t, 4, found.MaxPlayers)
	require.Len(t, found.Players, 1)
	assert.True(t, found.Players[0].IsHost)

	second := dialClient(t, srv)
	second.send(protocol.TypeQuickMatch, nil)

	var joined protocol.MatchFound
	second.expect(protocol.TypeMatchFound, &joined)
	assert.Equal(t, found.RoomID, joined.RoomID)
	// An existing room omits maxPlayers.
	assert.Zero(t, joined.MaxPlayers)
	assert.Len(t, joined.Players, 2)

	var playerJoined protocol.PlayerJoined
	first.expect(protocol.TypePlayerJoined, &playerJoined)
	assert.Equal(t, joined.PlayerID, playerJoined.PlayerID)

	assert.Equal(t, 1, registry.Stats().Rooms)
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	_, srv := newTestServer(t)

	c := dialClient(t, srv)
	c.sendRaw("this is not json")

	var errMsg protocol.ErrorMessage
	c.expect(protocol.TypeError, &errMsg)
	assert.Equal(t, "Invalid message format", errMsg.Error)

	c.sendRaw(`{"data":{"roomId":"ROOM_X"}}`)
	c.expect(protocol.TypeError, &errMsg)

	// The connection still works.
	c.send(protocol.TypeQuickMatch, nil)
	c.expect(protocol.TypeMatchFound, nil)
}

func TestUnknownTypeDroppedSilently(t *testing.T) {
	_, srv := newTestServer(t)

	c := dialClient(t, srv)
	c.sendRaw(`{"type":"TELEPORT","data":{}}`)

	// No reply for the unknown kind; the next request is answered normally.
	c.send(protocol.TypeQuickMatch, nil)
	c.expect(protocol.TypeMatchFound, nil)
}

// threeInRoom wires up a room with one host and two guests, draining all the
// membership traffic so each connection's next read is test-relevant.
func threeInRoom(t *testing.T, srv *httptest.Server) (roomID string, host, guestB, guestC *wsClient, hostID, bID, cID string) {
	t.Helper()

	host = dialClient(t, srv)
	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{})
	var created protocol.RoomCreated
	host.expect(protocol.TypeRoomCreated, &created)

	guestB = dialClient(t, srv)
	guestB.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID})
	var joinedB protocol.RoomJoined
	guestB.expect(protocol.TypeRoomJoined, &joinedB)
	host.expect(protocol.TypePlayerJoined, nil)

	guestC = dialClient(t, srv)
	guestC.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID})
	var joinedC protocol.RoomJoined
	guestC.expect(protocol.TypeRoomJoined, &joinedC)
	host.expect(protocol.TypePlayerJoined, nil)
	guestB.expect(protocol.TypePlayerJoined, nil)

	return created.RoomID, host, guestB, guestC, created.PlayerID, joinedB.PlayerID, joinedC.PlayerID
}

func TestAttackTargetedUnicast(t *testing.T) {
	_, srv := newTestServer(t)
	roomID, host, guestB, guestC, hostID, bID, _ := threeInRoom(t, srv)

	host.send(protocol.TypeAttack, protocol.AttackRequest{
		RoomID: roomID,
		Target: bID,
		Attack: map[string]any{"lines": 2},
	})

	var attack protocol.AttackReceived
	guestB.expect(protocol.TypeAttackReceived, &attack)
	assert.Equal(t, hostID, attack.From)
	assert.Equal(t, float64(2), attack.Attack["lines"])

	// A follow-up broadcast proves the bystander never saw the attack: its
	// next message is the item effect, not ATTACK_RECEIVED.
	host.send(protocol.TypeItemUsed, protocol.ItemUsedRequest{RoomID: roomID, Item: "bomb"})
	var item protocol.ItemEffect
	guestC.expect(protocol.TypeItemEffect, &item)
	assert.Equal(t, "bomb", item.Item)
}

func TestAttackAllBroadcastsToOthers(t *testing.T) {
	_, srv := newTestServer(t)
	roomID, host, guestB, guestC, hostID, _, _ := threeInRoom(t, srv)

	host.send(protocol.TypeAttack, protocol.AttackRequest{
		RoomID: roomID,
		Target: protocol.AttackAllTargets,
		Attack: map[string]any{"lines": 4},
	})

	var attackB, attackC protocol.AttackReceived
	guestB.expect(protocol.TypeAttackReceived, &attackB)
	guestC.expect(protocol.TypeAttackReceived, &attackC)
	assert.Equal(t, hostID, attackB.From)
	assert.Equal(t, hostID, attackC.From)
}

func TestAttackUnknownRoomOrTargetDropped(t *testing.T) {
	_, srv := newTestServer(t)
	roomID, host, _, _, _, _, _ := threeInRoom(t, srv)

	host.send(protocol.TypeAttack, protocol.AttackRequest{
		RoomID: "ROOM_MISSING1",
		Target: protocol.AttackAllTargets,
	})
	host.send(protocol.TypeAttack, protocol.AttackRequest{
		RoomID: roomID,
		Target: "nobody-here",
	})

	// Neither produced an error; the connection answers the next request.
	host.send(protocol.TypeGameState, protocol.GameStateRequest{RoomID: roomID, State: map[string]any{"score": 1}})
	host.send(protocol.TypeStartGame, protocol.StartGameRequest{RoomID: roomID})
	host.expect(protocol.TypeGameStarted, nil)
}

func TestItemUsedExcludesSender(t *testing.T) {
	_, srv := newTestServer(t)
	roomID, host, guestB, guestC, _, bID, _ := threeInRoom(t, srv)

	guestB.send(protocol.TypeItemUsed, protocol.ItemUsedRequest{
		RoomID: roomID,
		Item:   "clear_row",
		Target: "all",
	})

	var itemHost, itemC protocol.ItemEffect
	host.expect(protocol.TypeItemEffect, &itemHost)
	guestC.expect(protocol.TypeItemEffect, &itemC)
	assert.Equal(t, bID, itemHost.From)
	assert.Equal(t, "clear_row", itemC.Item)
}

func TestRejoinRoom(t *testing.T) {
	registry, srv := newTestServer(t)

	host := dialClient(t, srv)
	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{})
	var created protocol.RoomCreated
	host.expect(protocol.TypeRoomCreated, &created)

	guest := dialClient(t, srv)
	guest.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID})
	var joined protocol.RoomJoined
	guest.expect(protocol.TypeRoomJoined, &joined)
	host.expect(protocol.TypePlayerJoined, nil)

	// Guest drops and comes back on a fresh connection claiming its old id.
	guest.conn.Close()
	host.expect(protocol.TypePlayerLeft, nil)

	revenant := dialClient(t, srv)
	revenant.send(protocol.TypeRejoinRoom, protocol.RejoinRoomRequest{
		RoomID:   created.RoomID,
		PlayerID: joined.PlayerID,
	})

	var rejoined protocol.Rejoined
	revenant.expect(protocol.TypeRejoined, &rejoined)
	assert.Equal(t, created.RoomID, rejoined.RoomID)
	require.Len(t, rejoined.Players, 2)
	assert.Equal(t, created.PlayerID, rejoined.Players[0].ID)
	assert.NotEqual(t, joined.PlayerID, rejoined.Players[1].ID)

	room, ok := registry.Room(created.RoomID)
	require.True(t, ok)
	assert.Equal(t, 2, room.Len())
	_, stale := room.Member(joined.PlayerID)
	assert.False(t, stale)

	// Rejoin is silent toward the rest of the room: the host's next message
	// is an ordinary broadcast, not a join notice.
	revenant.send(protocol.TypeItemUsed, protocol.ItemUsedRequest{RoomID: created.RoomID, Item: "shield"})
	var item protocol.ItemEffect
	host.expect(protocol.TypeItemEffect, &item)
	assert.Equal(t, "shield", item.Item)
}

func TestRejoinUnknownRoom(t *testing.T) {
	_, srv := newTestServer(t)

	c := dialClient(t, srv)
	c.send(protocol.TypeRejoinRoom, protocol.RejoinRoomRequest{RoomID: "ROOM_MISSING1", PlayerID: "old"})

	var errMsg protocol.ErrorMessage
	c.expect(protocol.TypeRoomError, &errMsg)
	assert.Equal(t, "Room not found", errMsg.Error)
}

func TestSwitchingRoomsNotifiesOldRoom(t *testing.T) {
	_, srv := newTestServer(t)

	host := dialClient(t, srv)
	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{})
	var created protocol.RoomCreated
	host.expect(protocol.TypeRoomCreated, &created)

	mover := dialClient(t, srv)
	mover.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID})
	var joined protocol.RoomJoined
	mover.expect(protocol.TypeRoomJoined, &joined)
	host.expect(protocol.TypePlayerJoined, nil)

	// Creating a new room implicitly leaves the first one.
	mover.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{})
	mover.expect(protocol.TypeRoomCreated, nil)

	var left protocol.PlayerLeft
	host.expect(protocol.TypePlayerLeft, &left)
	assert.Equal(t, joined.PlayerID, left.PlayerID)
}

// stubConn is a game.Sender recording delivered types, optionally failing.
type stubConn struct {
	mu    sync.Mutex
	types []string
	fail  bool
}

func (s *stubConn) Send(msgType string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errClientClosed
	}
	s.types = append(s.types, msgType)
	return nil
}

func (s *stubConn) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

func TestBroadcastSkipsFailedRecipientAndContinues(t *testing.T) {
	registry := game.NewRegistry(4, "ROOM_", zap.NewNop())
	rt := NewRouter(registry, zap.NewNop())

	okA := &stubConn{}
	bad := &stubConn{fail: true}
	okB := &stubConn{}

	first := registry.Register(okA)
	second := registry.Register(bad)
	third := registry.Register(okB)

	res, err := registry.CreateRoom(first, 4, nil)
	require.NoError(t, err)
	_, err = registry.JoinRoom(second, res.RoomID)
	require.NoError(t, err)
	_, err = registry.JoinRoom(third, res.RoomID)
	require.NoError(t, err)

	results := rt.Broadcast(res.RoomID, protocol.TypeGameStarted, protocol.GameStarted{Seed: 1}, "")
	require.Len(t, results, 3)

	byID := map[string]error{}
	for _, d := range results {
		byID[d.PlayerID] = d.Err
	}
	assert.NoError(t, byID[first.ID])
	assert.Error(t, byID[second.ID])
	assert.NoError(t, byID[third.ID])

	assert.Contains(t, okA.received(), protocol.TypeGameStarted)
	assert.Contains(t, okB.received(), protocol.TypeGameStarted)
}

func TestWritePumpOneEnvelopePerFrame(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	rt := NewRouter(game.NewRegistry(4, "ROOM_", zap.NewNop()), zap.NewNop())
	client := &Client{
		conn:   <-conns,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		router: rt,
		logger: zap.NewNop(),
	}
	client.player = rt.registry.Register(client)

	// Queue a burst before the pump starts so both envelopes are pending
	// in the same pump iteration.
	require.NoError(t, client.Send(protocol.TypeGameStarted, protocol.GameStarted{Seed: 42}))
	require.NoError(t, client.Send(protocol.TypeGameStateUpdate, protocol.GameStateUpdate{PlayerID: "p1"}))
	go client.writePump()

	// Each envelope arrives in its own frame; the whole frame must be a
	// single JSON document.
	for _, want := range []string{protocol.TypeGameStarted, protocol.TypeGameStateUpdate} {
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, frame, err := peer.ReadMessage()
		require.NoError(t, err)

		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(frame, &doc), "frame is not one JSON document: %s", frame)

		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, want, env.Type)
	}
}

func TestBroadcastConcurrentWithMembershipChanges(t *testing.T) {
	registry := game.NewRegistry(8, "ROOM_", zap.NewNop())
	rt := NewRouter(registry, zap.NewNop())

	sender := registry.Register(&stubConn{})
	res, err := registry.CreateRoom(sender, 8, nil)
	require.NoError(t, err)

	stayA, stayB := &stubConn{}, &stubConn{}
	a := registry.Register(stayA)
	_, err = registry.JoinRoom(a, res.RoomID)
	require.NoError(t, err)
	b := registry.Register(stayB)
	_, err = registry.JoinRoom(b, res.RoomID)
	require.NoError(t, err)

	// Churn membership on the same room while broadcasts run.
	done := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			p := registry.Register(&stubConn{})
			if _, err := registry.JoinRoom(p, res.RoomID); err != nil {
				registry.Unregister(p.ID)
				continue
			}
			registry.Unregister(p.ID)
		}
	}()

	const rounds = 200
	for i := 0; i < rounds; i++ {
		results := rt.Broadcast(res.RoomID, protocol.TypeItemEffect, protocol.ItemEffect{From: sender.ID}, sender.ID)

		// The snapshot delivers to every non-excluded member exactly once.
		seen := make(map[string]int, len(results))
		for _, d := range results {
			seen[d.PlayerID]++
			require.NoError(t, d.Err)
		}
		for id, n := range seen {
			require.Equal(t, 1, n, "recipient %s delivered %d times", id, n)
		}
		require.NotContains(t, seen, sender.ID)
		require.Equal(t, 1, seen[a.ID])
		require.Equal(t, 1, seen[b.ID])
	}

	close(done)
	churn.Wait()

	// The members that never moved saw every broadcast exactly once each.
	require.Len(t, stayA.received(), rounds)
	require.Len(t, stayB.received(), rounds)
}

func TestBroadcastExcludesSender(t *testing.T) {
	registry := game.NewRegistry(4, "ROOM_", zap.NewNop())
	rt := NewRouter(registry, zap.NewNop())

	connA, connB := &stubConn{}, &stubConn{}
	a := registry.Register(connA)
	b := registry.Register(connB)

	res, err := registry.CreateRoom(a, 4, nil)
	require.NoError(t, err)
	_, err = registry.JoinRoom(b, res.RoomID)
	require.NoError(t, err)

	results := rt.Broadcast(res.RoomID, protocol.TypeItemEffect, protocol.ItemEffect{From: a.ID}, a.ID)
	require.Len(t, results, 1)
	assert.Equal(t, b.ID, results[0].PlayerID)
	assert.Empty(t, connA.received())
	assert.Equal(t, []string{protocol.TypeItemEffect}, connB.received())
}
