// Package websocket provides the WebSocket transport for the relay hub.
//
// The package implements:
//   - One full-duplex, message-framed connection per player
//   - Envelope decoding and per-kind dispatch (the message router)
//   - Unicast and broadcast delivery with exclusion support
//   - Connection lifecycle management with exactly-once cleanup
//
// Architecture:
//
// Each accepted connection gets a Client with a dedicated read pump and
// write pump goroutine. The read pump dispatches frames strictly
// sequentially into the Router, so messages from one sender keep their
// order. The write pump serializes outbound frames through a buffered
// channel and keeps the connection alive with pings.
//
// Message Protocol:
//
// Frames in both directions are JSON envelopes:
//
//	{"type": "<MESSAGE_TYPE>", "data": { ... }}
//
// Inbound kinds: CREATE_ROOM, JOIN_ROOM, QUICK_MATCH, START_GAME,
// GAME_STATE, ATTACK, ITEM_USED, GAME_OVER, REJOIN_ROOM. Malformed frames
// earn the sender an ERROR reply; unknown kinds are logged and dropped. The
// connection stays open either way.
//
// Delivery Semantics:
//
// Broadcast snapshots the recipient list under the registry lock before any
// send, then attempts each delivery independently and reports a
// per-recipient outcome. A recipient with a closed connection or a full
// send buffer is logged and skipped; it never blocks the other recipients
// and never surfaces back to the original sender.
//
// Usage:
//
//	router := websocket.NewRouter(registry, logger)
//	http.HandleFunc("/ws", router.ServeWS)
package websocket
