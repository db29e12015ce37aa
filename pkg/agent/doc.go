// Package agent is the edge runtime: registration, the periodic
// collect-and-push loop, remote command execution and the websocket
// command stream.
package agent
