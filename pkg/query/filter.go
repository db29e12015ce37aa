package query

import (
	"encoding/json"

	"github.com/perchlabs/perch/pkg/types"
)

// LabelFilter is a disjunction of label-equality conjuncts:
// [{k1:v1, k2:v2}, {k1:v3}] matches (k1=v1 AND k2=v2) OR (k1=v3).
// An empty filter matches every series.
type LabelFilter []types.Labels

// ParseLabelFilter decodes the JSON form accepted on query endpoints.
// Both a bare object and a list of objects are accepted.
func ParseLabelFilter(raw string) (LabelFilter, error) {
	if raw == "" {
		return nil, nil
	}
	var list []types.Labels
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return LabelFilter(list), nil
	}
	var single types.Labels
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		return nil, types.Wrap(types.KindBadRequest, "invalid label filter", err)
	}
	return LabelFilter{single}, nil
}

// Matches reports whether a series' labels satisfy the filter.
func (f LabelFilter) Matches(labels types.Labels) bool {
	if len(f) == 0 {
		return true
	}
	for _, conjunct := range f {
		if conjunctMatches(conjunct, labels) {
			return true
		}
	}
	return false
}

func conjunctMatches(conjunct, labels types.Labels) bool {
	for k, v := range conjunct {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// filterSeries keeps the series whose labels pass the filter.
func filterSeries(series []*types.Series, f LabelFilter) []*types.Series {
	if len(f) == 0 {
		return series
	}
	var out []*types.Series
	for _, sr := range series {
		if f.Matches(sr.Labels()) {
			out = append(out, sr)
		}
	}
	return out
}
