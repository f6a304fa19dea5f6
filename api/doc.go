// Package api provides the HTTP surface of the relay server.
//
// The api package implements:
//   - The WebSocket upgrade endpoint used by game clients
//   - Read-only room listing and inspection for operators and tooling
//   - Liveness and server statistics endpoints
//
// Endpoints:
//
// Game clients:
//   - GET /ws - Upgrade to the game WebSocket connection
//
// Observation:
//   - GET /healthz - Liveness check
//   - GET /api/rooms - List all rooms (oldest first)
//   - GET /api/rooms/{id} - One room with member snapshot and settings
//   - GET /api/stats - Connected player count, room count, uptime
//
// All non-WebSocket endpoints return JSON; errors are returned as
//
//	{"error": "message"}
//
// with an appropriate HTTP status code. The API never mutates rooms or
// sessions; all game-facing state changes flow through the WebSocket
// protocol.
package api
