// Package postproc implements POST-PROCESSING (C7): filtering, sorting,
// limiting, and the cross-chunk merge that combines per-chunk SELECT
// results into one ordered answer (spec.md §4.7).
//
// The heap-based cross-chunk merge generalizes internal/query/merge.go's
// mergeHeap/mergeHeapReverse (container/heap over chunk.Record, ordered by
// IngestTS) from that fixed field to the row-handle total order spec.md §3
// defines: (timestamp, cell-vector) via storage.Compare.
package postproc

import (
	"container/heap"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gastrolog-qe/internal/qe/queryplan"
	"gastrolog-qe/internal/qe/selectexec"
	"gastrolog-qe/internal/qe/storage"
)

// RowValues is one rendered output row, field name -> string value, the
// shape every SELECT access pattern (row-wise fetch, flow-series, stats)
// converges on before POST-PROCESSING and the result-bus encoding.
type RowValues map[string]string

func matchesTerm(term queryplan.MatchTerm, row RowValues) bool {
	v, ok := row[term.Name]
	if !ok {
		return term.IgnoreColAbsence
	}
	switch term.Op {
	case queryplan.OpEqual:
		return v == term.Value
	case queryplan.OpNotEqual:
		return v != term.Value
	case queryplan.OpLEQ:
		return v <= term.Value
	case queryplan.OpGEQ:
		return v >= term.Value
	case queryplan.OpInRange:
		return v >= term.Value && v <= term.Value2
	case queryplan.OpPrefix:
		return strings.HasPrefix(v, term.Value)
	case queryplan.OpContains:
		return strings.Contains(v, term.Value)
	case queryplan.OpRegexMatch:
		re, err := regexp.Compile(term.Value)
		if err != nil {
			return false
		}
		return re.MatchString(v)
	default:
		return false
	}
}

// MatchesFilter evaluates an OR-of-Conjunctions filter clause against one
// rendered row; an empty clause matches everything.
func MatchesFilter(clause queryplan.Clause, row RowValues) bool {
	if len(clause) == 0 {
		return true
	}
	for _, conj := range clause {
		all := true
		for _, term := range conj {
			if !matchesTerm(term, row) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// Filter keeps only the rows MatchesFilter accepts.
func Filter(clause queryplan.Clause, rows []RowValues) []RowValues {
	if len(clause) == 0 {
		return rows
	}
	out := make([]RowValues, 0, len(rows))
	for _, r := range rows {
		if MatchesFilter(clause, r) {
			out = append(out, r)
		}
	}
	return out
}

// compareValues compares two rendered field values numerically when both
// parse as numbers, falling back to lexicographic comparison otherwise —
// the typed comparison a rendered string column needs without carrying its
// original storage.CellType through POST-PROCESSING.
func compareValues(a, b string) int {
	fa, erra := strconv.ParseFloat(a, 64)
	fb, errb := strconv.ParseFloat(b, 64)
	if erra == nil && errb == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// Sort orders rows in place by the given multi-key sort spec.
func Sort(fields []queryplan.SortField, rows []RowValues) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, f := range fields {
			c := compareValues(rows[i][f.Name], rows[j][f.Name])
			if c == 0 {
				continue
			}
			if f.Dir == queryplan.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// SkipSort reports whether q's WHERE/sort combination already guarantees
// row-handle order end to end, letting C3 skip the Sort stage entirely
// (queryplan.BuildQuery computes this; see queryplan.Query.SkipSort).
func SkipSort(q *queryplan.Query) bool { return q.SkipSort }

// Limit truncates rows to at most limit entries; limit <= 0 means
// unbounded. C3 calls Limit once, on the row-wise/flow-tuple result after
// the cross-chunk merge and sort; StatsSelect results are truncated to the
// limit in the same place, after MergeStatsRows combines every chunk's
// partial groups. No shape is truncated per chunk. When to truncate is a
// C3 wiring decision, not something Limit itself knows about.
func Limit(rows []RowValues, limit int) []RowValues {
	if limit <= 0 || limit >= len(rows) {
		return rows
	}
	return rows[:limit]
}

// ChunkResult is one chunk's row-wise or flow-tuple SELECT output: handles
// and their rendered values, in parallel, both already in row-handle order.
type ChunkResult struct {
	Handles []storage.RowHandle
	Values  []RowValues
}

type rowHeapItem struct {
	handle        storage.RowHandle
	values        RowValues
	chunkIdx, pos int
}

type rowHeap struct {
	items   []*rowHeapItem
	reverse bool
}

func (h *rowHeap) Len() int { return len(h.items) }
func (h *rowHeap) Less(i, j int) bool {
	c := storage.Compare(h.items[i].handle, h.items[j].handle)
	if h.reverse {
		return c > 0
	}
	return c < 0
}
func (h *rowHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rowHeap) Push(x any)    { h.items = append(h.items, x.(*rowHeapItem)) }
func (h *rowHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return x
}

// MergeChunks merges several chunks' already row-handle-ordered results
// into one globally ordered stream via a container/heap min- (or, if
// reverse, max-) heap, generalizing internal/query/merge.go's
// mergeHeap/mergeHeapReverse from IngestTS order to storage.Compare's
// (timestamp, cell-vector) order.
func MergeChunks(chunks []ChunkResult, reverse bool) []RowValues {
	h := &rowHeap{reverse: reverse}
	heap.Init(h)
	for ci, c := range chunks {
		if len(c.Handles) == 0 {
			continue
		}
		heap.Push(h, &rowHeapItem{handle: c.Handles[0], values: c.Values[0], chunkIdx: ci, pos: 0})
	}

	out := make([]RowValues, 0)
	for h.Len() > 0 {
		item := heap.Pop(h).(*rowHeapItem)
		out = append(out, item.values)
		next := item.pos + 1
		chunk := chunks[item.chunkIdx]
		if next < len(chunk.Handles) {
			heap.Push(h, &rowHeapItem{handle: chunk.Handles[next], values: chunk.Values[next], chunkIdx: item.chunkIdx, pos: next})
		}
	}
	return out
}

// MergeStatsRows combines every chunk's partial StatsSelect groups
// (spec.md §4.7's "final_merge_processing" for stats-shaped SELECTs) by
// merging same-group-key rows via selectexec.MergeFullRow, associative and
// commutative regardless of chunk arrival order.
func MergeStatsRows(chunkResults [][]*selectexec.StatRow) ([]*selectexec.StatRow, error) {
	byKey := make(map[string]*selectexec.StatRow)
	var order []string
	for _, rows := range chunkResults {
		for _, r := range rows {
			key := strings.Join(r.GroupValues, "\x00")
			if existing, ok := byKey[key]; ok {
				merged, err := selectexec.MergeFullRow(existing, r)
				if err != nil {
					return nil, err
				}
				byKey[key] = merged
			} else {
				byKey[key] = r
				order = append(order, key)
			}
		}
	}
	sort.Strings(order)
	out := make([]*selectexec.StatRow, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out, nil
}
