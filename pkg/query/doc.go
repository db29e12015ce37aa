// Package query implements the read side: latest values, time-range
// retrieval with optional downsampling, counter rates and composite
// fractions. Queries batch one SQL statement per physical point table
// and do the grouping in memory.
package query
