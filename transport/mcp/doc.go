// Package mcp provides an MCP (Model Context Protocol) admin interface for
// the relay server.
//
// The package is a thin proxy: every tool call is translated into a request
// against the relay's REST API, so MCP clients observe exactly what the
// HTTP API serves and no game state is duplicated here.
//
// Tools:
//   - list_rooms: list active rooms with occupancy and game status
//   - get_room: inspect one room's members and settings
//   - server_stats: player count, room count, uptime
//
// The MCP server is mounted at POST /mcp by the main entry point.
package mcp
