// Package ingest reconciles incoming metric batches against the series
// catalog and appends points. Series are discovered on first sight; the
// first sample fixes a series' numeric kind and later mismatches are
// rejected per-sample while the batch continues.
package ingest
