// Package command implements the control channel from admins to agents:
// FIFO queueing, atomic delivery claims, result capture and TTL expiry,
// plus the wake-up hub behind the optional streaming path.
package command
