// Package api serves the HTTP/HTTPS control plane: enrollment, metric
// and log ingestion, queries, the command queue and the optional
// websocket command stream.
package api
