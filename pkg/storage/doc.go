// Package storage persists agents, the metric series catalog, points,
// log entries and commands in a single SQLite file.
//
// Integer and float samples live in separate physical tables keyed by
// (series_id, timestamp_utc_sec); duplicate submissions are dropped at
// the primary key. Series creation relies on the UNIQUE constraint to
// serialize concurrent ingests instead of an application lock.
package storage
