// Package scheduler drives periodic maintenance. All recurring work
// shares a single ticker and runs under an advisory lease so overlapping
// sweeps are no-ops.
package scheduler
