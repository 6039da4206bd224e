package selectexec

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"gastrolog-qe/internal/qe/queryplan"
	"gastrolog-qe/internal/qe/storage"
)

// FlowRow is one flow-record's contribution to a flow-series SELECT: its
// timestamp, its flow-tuple field values, and any numeric columns a stats
// aggregate function may reference (packets, bytes, ...).
type FlowRow struct {
	TimestampMicros int64
	Tuple           map[string]string
	Values          map[string]storage.Cell
}

// snapTime buckets a timestamp to a granularitySec-wide bin; granularitySec
// <= 0 leaves the timestamp unbucketed (the "T" raw-time shape).
func snapTime(ts int64, granularitySec int) int64 {
	if granularitySec <= 0 {
		return ts
	}
	bucket := int64(granularitySec) * 1_000_000
	return (ts / bucket) * bucket
}

const timeGroupField = "__time"

// RunFlowSeries executes a flow-series SELECT: a StatsAggregator grouped by
// whichever combination of (time bucket, flow-tuple fields) the SELECT
// list names, with any stats aggregate functions folded in per row. The
// FS_SELECT_* codes queryplan.ClassifySelect resolves (the 11 non-invalid
// queryplan.FSSelectCode values; RAW and SUM stats share a code) gate which
// combinations are *valid*; once validated, every combination reduces to
// the same group-by-then-optionally-aggregate execution, so this function
// does not re-branch on the code (see DESIGN.md).
func RunFlowSeries(toks []queryplan.SelectToken, rows []FlowRow) ([]*StatRow, []string, error) {
	includeTime := false
	granularitySec := 0
	for _, t := range toks {
		switch t.Kind {
		case queryplan.SelectRawTime:
			includeTime = true
		case queryplan.SelectTimeBin:
			includeTime = true
			granularitySec = t.GranularitySec
		}
	}

	agg, err := NewStatsAggregator(toks)
	if err != nil {
		return nil, nil, err
	}
	if includeTime {
		agg.groupFields = append([]string{timeGroupField}, agg.groupFields...)
	}

	for _, r := range rows {
		fields := make(map[string]storage.Cell, len(r.Tuple)+len(r.Values)+1)
		for k, v := range r.Tuple {
			fields[k] = storage.StrCell(v)
		}
		for k, v := range r.Values {
			fields[k] = v
		}
		if includeTime {
			fields[timeGroupField] = storage.IntCell(snapTime(r.TimestampMicros, granularitySec))
		}
		if err := agg.AddRow(fields); err != nil {
			return nil, nil, err
		}
	}
	return agg.Result(), agg.groupFields, nil
}

// FlowClassRegistry assigns stable flow_class_id values to flow-tuple
// combinations within one query's execution, logging (and keeping the
// first-seen tuple for) any hash collision rather than inventing a
// collision-avoidance scheme (spec.md §9 Open Question, preserved as
// specified). Scoped per query rather than package-global so collision
// history does not leak or grow across unrelated queries. RunFlowSeries
// does not use it, so a flow_class_id SELECT entry produces no output
// column.
type FlowClassRegistry struct {
	mu     sync.Mutex
	byID   map[uint64]string
	logger *slog.Logger
}

func NewFlowClassRegistry(logger *slog.Logger) *FlowClassRegistry {
	return &FlowClassRegistry{byID: make(map[uint64]string), logger: logger}
}

// ID hashes tupleKey (a stable join of a flow's tuple field values) into a
// flow_class_id. Each call that collides with a different previously-seen
// tuple is logged; the first-seen tuple stays recorded for that id and the
// id is returned unchanged.
func (r *FlowClassRegistry) ID(tupleKey string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tupleKey))
	id := h.Sum64()

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.byID[id]
	if !ok {
		r.byID[id] = tupleKey
		return id
	}
	if prev != tupleKey && r.logger != nil {
		r.logger.Warn("flow_class_id collision", "id", id, "existing_tuple", prev, "new_tuple", tupleKey)
	}
	return id
}
