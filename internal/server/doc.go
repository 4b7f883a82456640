// Package server is the relay's WebSocket front end.
//
// The Hub runs the single event loop that owns all connection state; Client
// pumps move frames between sockets and the loop; Server wires the HTTP
// routes (/ws, /health, /stats) with origin checks and per-connection rate
// limiting. Configuration is read from the environment.
package server
