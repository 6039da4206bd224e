// Package selectexec implements the SELECT stage (C6): turning a sorted
// row-handle set from whereexec into result rows, via three distinct
// access patterns spec.md §4.6 names — per-UUID row-wise fetch,
// flow-series matrix construction, and StatsSelect streaming aggregation.
//
// The accumulator interface and its concrete Add/Result implementations
// are a direct generalization of internal/query/aggregate.go's
// accumulator (sumAcc/countAcc/minAcc/maxAcc/avgAcc over querylang.Value)
// to storage.Cell-typed values, extended with classAcc and percentileAcc
// for the two aggregate kinds the teacher's stats engine never needed.
package selectexec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/influxdata/tdigest"

	"gastrolog-qe/internal/qe/queryplan"
	"gastrolog-qe/internal/qe/storage"
)

// Accumulator is one StatsSelect aggregate cell: Add folds in one row's
// value, Merge combines another partial accumulator of the same kind
// (associatively and commutatively, per spec.md §4.6's MergeFullRow law),
// Result renders the final cell.
type Accumulator interface {
	Add(c storage.Cell)
	Merge(other Accumulator)
	Result() storage.Cell
}

// JSONResult is implemented by accumulators whose result must reach the
// wire as a structured JSON value rather than a string cell — PERCENTILES'
// {"01":...} object (spec.md §4.6). StatRow.Render checks for it.
type JSONResult interface {
	ResultJSON() any
}

func cellToFloat(c storage.Cell) (float64, bool) {
	switch c.Type {
	case storage.CellInt:
		return float64(c.Int), true
	case storage.CellDouble:
		return c.Dbl, true
	default:
		f, err := strconv.ParseFloat(c.Str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

type sumAcc struct {
	sum float64
	any bool
}

func (a *sumAcc) Add(c storage.Cell) {
	if f, ok := cellToFloat(c); ok {
		a.sum += f
		a.any = true
	}
}
func (a *sumAcc) Merge(other Accumulator) {
	o := other.(*sumAcc)
	a.sum += o.sum
	a.any = a.any || o.any
}
func (a *sumAcc) Result() storage.Cell {
	if !a.any {
		return storage.Cell{}
	}
	return storage.DoubleCell(a.sum)
}

type countAcc struct{ n int64 }

func (a *countAcc) Add(c storage.Cell) { a.n++ }
func (a *countAcc) Merge(other Accumulator) {
	a.n += other.(*countAcc).n
}
func (a *countAcc) Result() storage.Cell { return storage.IntCell(a.n) }

type minAcc struct {
	min float64
	any bool
}

func (a *minAcc) Add(c storage.Cell) {
	if f, ok := cellToFloat(c); ok {
		if !a.any || f < a.min {
			a.min, a.any = f, true
		}
	}
}
func (a *minAcc) Merge(other Accumulator) {
	o := other.(*minAcc)
	if o.any && (!a.any || o.min < a.min) {
		a.min, a.any = o.min, true
	}
}
func (a *minAcc) Result() storage.Cell {
	if !a.any {
		return storage.Cell{}
	}
	return storage.DoubleCell(a.min)
}

type maxAcc struct {
	max float64
	any bool
}

func (a *maxAcc) Add(c storage.Cell) {
	if f, ok := cellToFloat(c); ok {
		if !a.any || f > a.max {
			a.max, a.any = f, true
		}
	}
}
func (a *maxAcc) Merge(other Accumulator) {
	o := other.(*maxAcc)
	if o.any && (!a.any || o.max > a.max) {
		a.max, a.any = o.max, true
	}
}
func (a *maxAcc) Result() storage.Cell {
	if !a.any {
		return storage.Cell{}
	}
	return storage.DoubleCell(a.max)
}

type avgAcc struct {
	sum   float64
	count int64
}

func (a *avgAcc) Add(c storage.Cell) {
	if f, ok := cellToFloat(c); ok {
		a.sum += f
		a.count++
	}
}
func (a *avgAcc) Merge(other Accumulator) {
	o := other.(*avgAcc)
	a.sum += o.sum
	a.count += o.count
}
func (a *avgAcc) Result() storage.Cell {
	if a.count == 0 {
		return storage.Cell{}
	}
	return storage.DoubleCell(a.sum / float64(a.count))
}

// classAcc is CLASS(X): a 64-bit hash of the query's unique (group-by)
// column values with X excluded, i.e. the equivalence-class key a row
// belongs to (spec.md §4.6). It is fixed at the first row folded in for
// this group via AddUnique; Merge only adopts the other side's hash when
// this side has none, and never overwrites a set hash — the hash is an
// attribute of the group, not an aggregate over the rows in it
// (original_source/query_engine/stats_select.cc's huniks/boost::hash_range).
type classAcc struct {
	hash uint64
	seen bool
}

// AddUnique hashes huniks, the row's group-by column values minus the
// CLASS argument itself. StatsAggregator.AddRow computes huniks and calls
// this instead of Add; Add exists only to satisfy Accumulator.
func (a *classAcc) AddUnique(huniks map[string]string) {
	if a.seen {
		return
	}
	a.hash = hashUniqueColumns(huniks)
	a.seen = true
}

func (a *classAcc) Add(c storage.Cell) {}

func (a *classAcc) Merge(other Accumulator) {
	o := other.(*classAcc)
	if !a.seen && o.seen {
		a.hash, a.seen = o.hash, true
	}
}
func (a *classAcc) Result() storage.Cell {
	if !a.seen {
		return storage.Cell{}
	}
	return storage.IntCell(int64(a.hash))
}

// hashUniqueColumns hashes a group-by-column-name -> value map in a
// deterministic (sort-by-key) order, so the same column set hashes the
// same regardless of map iteration order.
func hashUniqueColumns(cols map[string]string) uint64 {
	keys := sortedKeys(cols)
	h := xxhash.New()
	for _, k := range keys {
		h.WriteString(k)
		h.Write([]byte{0})
		h.WriteString(cols[k])
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// percentileReportPoints are the fixed percentile keys spec.md §4.6's
// PERCENTILES aggregate reports.
var percentileReportPoints = []string{"01", "05", "25", "50", "75", "95", "99"}

// percentileAcc maintains a t-digest sketch so percentile merges across
// chunk boundaries stay accurate without retaining every raw sample.
type percentileAcc struct {
	td  *tdigest.TDigest
	any bool
}

func newPercentileAcc() *percentileAcc {
	return &percentileAcc{td: tdigest.NewWithCompression(100)}
}

func (a *percentileAcc) Add(c storage.Cell) {
	if f, ok := cellToFloat(c); ok {
		a.td.Add(f, 1)
		a.any = true
	}
}
func (a *percentileAcc) Merge(other Accumulator) {
	o := other.(*percentileAcc)
	if o.any {
		a.td.Merge(o.td)
		a.any = true
	}
}
func (a *percentileAcc) quantiles() map[string]float64 {
	out := make(map[string]float64, len(percentileReportPoints))
	for _, p := range percentileReportPoints {
		pctInt, _ := strconv.Atoi(p)
		out[p] = a.td.Quantile(float64(pctInt) / 100)
	}
	return out
}

// Result renders the percentile set as a StrCell, for callers that only
// deal in storage.Cell (e.g. row-wise fetch paths). StatRow.Render uses
// ResultJSON instead so PERCENTILES reaches the wire as a nested object
// rather than an escaped string (spec.md §4.6).
func (a *percentileAcc) Result() storage.Cell {
	if !a.any {
		return storage.Cell{}
	}
	q := a.quantiles()
	parts := make([]string, 0, len(percentileReportPoints))
	for _, p := range percentileReportPoints {
		parts = append(parts, fmt.Sprintf("%q:%g", p, q[p]))
	}
	return storage.StrCell("{" + strings.Join(parts, ",") + "}")
}

// ResultJSON returns the percentile set as a map so it marshals as a
// genuine JSON object instead of a string. Implements the JSONResult
// interface StatRow.Render checks for.
func (a *percentileAcc) ResultJSON() any {
	if !a.any {
		return nil
	}
	return a.quantiles()
}

// NewAccumulator constructs the accumulator for one StatsSelect function.
func NewAccumulator(fn queryplan.StatFunc) (Accumulator, error) {
	switch fn {
	case queryplan.StatSum:
		return &sumAcc{}, nil
	case queryplan.StatCount:
		return &countAcc{}, nil
	case queryplan.StatMin:
		return &minAcc{}, nil
	case queryplan.StatMax:
		return &maxAcc{}, nil
	case queryplan.StatAvg:
		return &avgAcc{}, nil
	case queryplan.StatClass:
		return &classAcc{}, nil
	case queryplan.StatPercentiles:
		return newPercentileAcc(), nil
	default:
		return nil, fmt.Errorf("selectexec: unknown stat function %q", fn)
	}
}

// sortedKeys returns m's keys in ascending order, so hashUniqueColumns
// hashes a column map in the same order regardless of map iteration.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
