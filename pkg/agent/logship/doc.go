// Package logship collects host log streams (kernel ring buffer,
// systemd journal, plain syslog files) incrementally with persistent
// cursors, so every line is shipped at most once across agent restarts.
package logship
