package query

import "github.com/perchlabs/perch/pkg/types"

// Aggregation reduces values from multiple series at one timestamp.
type Aggregation string

const (
	AggNone Aggregation = "none"
	AggMax  Aggregation = "max"
	AggMin  Aggregation = "min"
	AggAvg  Aggregation = "avg"
	AggSum  Aggregation = "sum"
)

// ParseAggregation normalizes the wire spelling; "mean" and "raw" are
// accepted as aliases.
func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "", "none", "raw":
		return AggNone, nil
	case "max":
		return AggMax, nil
	case "min":
		return AggMin, nil
	case "avg", "mean":
		return AggAvg, nil
	case "sum":
		return AggSum, nil
	}
	return "", types.Ef(types.KindBadRequest, "unknown aggregation %q", s)
}

// reduce collapses values to one number. Empty input is the caller's
// problem; AggNone returns the first value.
func (a Aggregation) reduce(values []float64) float64 {
	switch a {
	case AggMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case AggMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case AggSum:
		var s float64
		for _, v := range values {
			s += v
		}
		return s
	case AggAvg:
		var s float64
		for _, v := range values {
			s += v
		}
		return s / float64(len(values))
	default:
		return values[0]
	}
}
