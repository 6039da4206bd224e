package selectexec

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gastrolog-qe/internal/qe/queryplan"
	"gastrolog-qe/internal/qe/storage"
)

// CellDynamicUnchecked names the fallback stats_select.cc's AttribStatAttr
// falls back to when a column's datatype can't be resolved from
// table_schema (SUPPLEMENTED FEATURES): a storage.CellBlank value flowing
// into an aggregate is passed to the accumulator unchanged and warned about
// at most once per StatsAggregator rather than per row, matching the
// sparse-logging convention. The warning is emitted only when a logger has
// been attached with SetLogger; RunFlowSeries attaches none.
const CellDynamicUnchecked = "dynamic_unchecked"

// StatRow is one StatsSelect output row: its grouping-key values plus one
// accumulator per requested aggregate function, in SELECT-list order.
type StatRow struct {
	GroupValues []string
	Aggs        []Accumulator
	aggNames    []string
}

// StatsAggregator performs streaming StatsSelect aggregation: CLASS, COUNT,
// SUM, MIN, MAX, AVG, PERCENTILES grouped by zero or more unique-column
// keys (spec.md §4.6).
type StatsAggregator struct {
	groupFields []string
	aggToks     []queryplan.SelectToken

	state map[string]*StatRow
	order []string

	logger      *slog.Logger
	dynWarnOnce sync.Once
}

// SetLogger attaches a logger used for the one-time-per-query
// CellDynamicUnchecked warning.
func (a *StatsAggregator) SetLogger(logger *slog.Logger) { a.logger = logger }

func (a *StatsAggregator) warnDynamicUnchecked(attr string) {
	a.dynWarnOnce.Do(func() {
		if a.logger != nil {
			a.logger.Warn("stats attribute datatype unresolved", "attr", attr, "fallback", CellDynamicUnchecked)
		}
	})
}

// NewStatsAggregator builds an aggregator from a parsed SELECT list; toks
// partitions into grouping keys (SelectStatUnique/SelectFlowTuple) and
// aggregate functions (SelectStatAgg and the fixed packets/bytes/flow_count
// shortcuts, which desugar to SUM/COUNT).
func NewStatsAggregator(toks []queryplan.SelectToken) (*StatsAggregator, error) {
	a := &StatsAggregator{state: make(map[string]*StatRow)}
	for _, t := range toks {
		switch t.Kind {
		case queryplan.SelectStatUnique, queryplan.SelectFlowTuple:
			a.groupFields = append(a.groupFields, t.AttrName)
		case queryplan.SelectStatAgg, queryplan.SelectPackets, queryplan.SelectBytes, queryplan.SelectFlowCount:
			a.aggToks = append(a.aggToks, t)
		case queryplan.SelectRawTime, queryplan.SelectTimeBin, queryplan.SelectFlowClassID:
			// T and T= are handled by RunFlowSeries, not StatsSelect grouping
			// itself; flow_class_id is not handled by either, and produces no
			// output column
		}
	}
	return a, nil
}

func statFuncFor(t queryplan.SelectToken) queryplan.StatFunc {
	switch t.Kind {
	case queryplan.SelectPackets, queryplan.SelectBytes:
		return queryplan.StatSum
	case queryplan.SelectFlowCount:
		return queryplan.StatCount
	default:
		return t.StatFunc
	}
}

func statArgFor(t queryplan.SelectToken) string {
	switch t.Kind {
	case queryplan.SelectPackets:
		return "packets"
	case queryplan.SelectBytes:
		return "bytes"
	case queryplan.SelectFlowCount:
		return "uuid"
	default:
		return t.AttrName
	}
}

func (a *StatsAggregator) newRow(groupValues []string) (*StatRow, error) {
	row := &StatRow{GroupValues: append([]string(nil), groupValues...)}
	for _, t := range a.aggToks {
		acc, err := NewAccumulator(statFuncFor(t))
		if err != nil {
			return nil, err
		}
		row.Aggs = append(row.Aggs, acc)
		row.aggNames = append(row.aggNames, t.Raw)
	}
	return row, nil
}

func groupKey(values []string) string { return strings.Join(values, "\x00") }

// AddRow folds one input row's values into the matching group.
// fields maps attribute name -> cell value, used both to compute group
// values and to feed the aggregate accumulators.
func (a *StatsAggregator) AddRow(fields map[string]storage.Cell) error {
	groupValues := make([]string, len(a.groupFields))
	for i, f := range a.groupFields {
		if c, ok := fields[f]; ok {
			groupValues[i] = c.String()
		}
	}
	key := groupKey(groupValues)
	row, ok := a.state[key]
	if !ok {
		var err error
		row, err = a.newRow(groupValues)
		if err != nil {
			return err
		}
		a.state[key] = row
		a.order = append(a.order, key)
	}
	for i, t := range a.aggToks {
		if ch, ok := row.Aggs[i].(classHasher); ok {
			ch.AddUnique(a.uniqueColumnsExcept(t.AttrName, fields))
			continue
		}
		arg := statArgFor(t)
		c, ok := fields[arg]
		switch {
		case !ok:
			if statFuncFor(t) != queryplan.StatCount {
				continue
			}
			c = storage.IntCell(1) // bare-count-style args (flow_count/COUNT with no column) still tick
		case c.Type == storage.CellBlank:
			a.warnDynamicUnchecked(arg)
		}
		row.Aggs[i].Add(c)
	}
	return nil
}

// classHasher is implemented only by the CLASS accumulator; AddRow special-
// cases it because CLASS needs the query's group-by column values rather
// than a single cell (spec.md §4.6).
type classHasher interface {
	AddUnique(huniks map[string]string)
}

// uniqueColumnsExcept builds the huniks map CLASS(except) hashes: the
// query's own unique/group-by columns (a.groupFields), restricted to the
// ones present in this row and excluding except itself
// (original_source/query_engine/stats_select.cc's huniks construction).
func (a *StatsAggregator) uniqueColumnsExcept(except string, fields map[string]storage.Cell) map[string]string {
	huniks := make(map[string]string, len(a.groupFields))
	for _, f := range a.groupFields {
		if f == except {
			continue
		}
		if c, ok := fields[f]; ok {
			huniks[f] = c.String()
		}
	}
	return huniks
}

// Result returns the aggregator's rows, sorted ascending by group key for
// deterministic output (spec.md §4.6; an explicit sort clause may reorder
// this downstream in C7).
func (a *StatsAggregator) Result() []*StatRow {
	out := make([]*StatRow, 0, len(a.order))
	keys := append([]string(nil), a.order...)
	sortStrings(keys)
	for _, k := range keys {
		out = append(out, a.state[k])
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// MergeFullRow merges two partial StatRows computed over disjoint row sets
// for the same group key, index-wise per aggregate (spec.md §4.6's
// associative/commutative merge law: MergeFullRow(a, MergeFullRow(b, c)) ==
// MergeFullRow(MergeFullRow(a, b), c), independent of chunk merge order).
func MergeFullRow(a, b *StatRow) (*StatRow, error) {
	if len(a.Aggs) != len(b.Aggs) {
		return nil, fmt.Errorf("selectexec: MergeFullRow shape mismatch: %d vs %d aggregates", len(a.Aggs), len(b.Aggs))
	}
	for i := range a.Aggs {
		a.Aggs[i].Merge(b.Aggs[i])
	}
	return a, nil
}

// Render converts a StatRow into a map keyed by SELECT-list entry, the
// shape C7/the result bus JSON-encode as one row. Most aggregates render
// as their string cell value; an aggregate implementing JSONResult (only
// PERCENTILES today) renders as its own structured value instead, so it
// reaches the wire as a nested JSON object rather than an escaped string.
func (r *StatRow) Render(groupFields []string) map[string]any {
	out := make(map[string]any, len(groupFields)+len(r.Aggs))
	for i, f := range groupFields {
		if i < len(r.GroupValues) {
			out[f] = r.GroupValues[i]
		}
	}
	for i, acc := range r.Aggs {
		if j, ok := acc.(JSONResult); ok {
			out[r.aggNames[i]] = j.ResultJSON()
			continue
		}
		out[r.aggNames[i]] = acc.Result().String()
	}
	return out
}
