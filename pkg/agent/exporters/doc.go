// Package exporters collects hardware and OS telemetry samples on the
// agent. Each exporter covers one subsystem (OS counters, IPMI sensors,
// NVMe SMART, NVIDIA GPUs, power supplies, BMC fans, APT state) and the
// Manager runs the enabled set concurrently per collection cycle.
package exporters
