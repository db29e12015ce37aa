// Package client is the agent's HTTP client for the control plane, with
// exponential backoff on transient failures and Retry-After honoring.
package client
