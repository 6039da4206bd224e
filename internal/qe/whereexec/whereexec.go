// Package whereexec implements the WHERE stage (C5): compiling a
// queryplan.Clause against one chunk's time range into the sorted
// set<RowHandle> spec.md §4.5 describes, via per-term composite
// column-family range scans against a storage.Engine.
//
// AND (a Conjunction) is row-handle-set intersection; OR (a Clause) is
// row-handle-set union; an empty WHERE synthesizes the full per-chunk scan.
// Grounded on internal/index's "indexed range lookup over a sealed unit"
// shape (internal/index.IndexManager), generalized here from chunk-id-keyed
// positional indexes to storage.Engine's typed CF row-key/column-range
// scans, since the two index models don't share a concrete type to reuse
// directly (see DESIGN.md).
package whereexec

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gastrolog-qe/internal/qe/queryplan"
	"gastrolog-qe/internal/qe/storage"
)

// ErrorKind is one of the WHERE stage's reported error kinds (spec.md §4.5).
type ErrorKind string

const (
	KindNone    ErrorKind = ""
	KindBadMsg  ErrorKind = "EBADMSG"
	KindInvalid ErrorKind = "EINVAL"
	KindIO      ErrorKind = "EIO"
)

// QueryError wraps a WHERE-stage failure with its reported kind.
type QueryError struct {
	Kind ErrorKind
	Err  error
}

func (e *QueryError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// Classify maps an underlying error to one of the four WHERE error kinds.
// Anything not recognized as malformed input, invalid semantics, or a
// storage failure is classified EINVAL rather than silently treated as
// success — an unrecognized failure is still a failure (spec.md §9 Open
// Question: "else" case resolved conservatively, see DESIGN.md).
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, queryplan.ErrBadMsg):
		return KindBadMsg
	case errors.Is(err, queryplan.ErrInvalid):
		return KindInvalid
	case errors.Is(err, storage.ErrStorage):
		return KindIO
	default:
		return KindInvalid
	}
}

// TermIndex resolves one WHERE/filter match term, or the empty-WHERE case,
// into a sorted row-handle set for one chunk.
type TermIndex interface {
	Scan(ctx context.Context, chunk queryplan.ChunkRange, term queryplan.MatchTerm) ([]storage.RowHandle, error)
	ScanAll(ctx context.Context, chunk queryplan.ChunkRange) ([]storage.RowHandle, error)
}

// EngineIndex is the storage.Engine-backed TermIndex. Every table gets two
// kinds of composite CF: "<table>__all" (column name = timestamp, column
// value = uuid-tagged cell-vector; spans the full per-chunk row set) and
// "<table>__term__<field>" (column name = the field's value, column value =
// (timestamp, uuid...); one such CF per indexable WHERE field).
type EngineIndex struct {
	Engine storage.Engine
	Table  string
}

func (e *EngineIndex) allCF() storage.CFDescriptor {
	return storage.CFDescriptor{Name: e.Table + "__all"}
}

func (e *EngineIndex) termCF(field string) storage.CFDescriptor {
	return storage.CFDescriptor{Name: e.Table + "__term__" + field}
}

func rowKeyForChunk(chunk queryplan.ChunkRange) string {
	return fmt.Sprintf("%d-%d", chunk.From, chunk.To)
}

func rowToHandle(row storage.Row) storage.RowHandle {
	if len(row.Values) < 1 {
		return storage.RowHandle{}
	}
	return storage.RowHandle{
		TimestampMicros: row.Values[0].Int,
		Cells:           append([]storage.Cell(nil), row.Values[1:]...),
	}
}

func (e *EngineIndex) ScanAll(ctx context.Context, chunk queryplan.ChunkRange) ([]storage.RowHandle, error) {
	cf := e.allCF()
	if err := e.Engine.UseColumnFamily(ctx, cf); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	out, errc := e.Engine.GetRowAsync(ctx, cf.Name, rowKeyForChunk(chunk), storage.ColumnRange{})
	handles, err := drain(out, errc, nil)
	if err != nil {
		return nil, err
	}
	sortHandles(handles)
	return handles, nil
}

// postFilter is applied to a raw scan row when the match-term operator
// cannot be expressed as a contiguous Start/Finish column-name range.
type postFilter func(nameValue string) bool

func columnRangeForTerm(term queryplan.MatchTerm) (storage.ColumnRange, postFilter, error) {
	switch term.Op {
	case queryplan.OpEqual:
		v := storage.StrCell(term.Value)
		return storage.ColumnRange{Start: v, Finish: v}, nil, nil
	case queryplan.OpInRange:
		return storage.ColumnRange{Start: storage.StrCell(term.Value), Finish: storage.StrCell(term.Value2)}, nil, nil
	case queryplan.OpLEQ:
		return storage.ColumnRange{Finish: storage.StrCell(term.Value)}, nil, nil
	case queryplan.OpGEQ:
		return storage.ColumnRange{Start: storage.StrCell(term.Value)}, nil, nil
	case queryplan.OpPrefix:
		return storage.ColumnRange{Start: storage.StrCell(term.Value), Finish: storage.StrCell(term.Value + "￿")}, nil, nil
	case queryplan.OpNotEqual:
		return storage.ColumnRange{}, func(nv string) bool { return nv != term.Value }, nil
	case queryplan.OpContains:
		return storage.ColumnRange{}, func(nv string) bool { return strings.Contains(nv, term.Value) }, nil
	case queryplan.OpRegexMatch:
		re, err := regexp.Compile(term.Value)
		if err != nil {
			return storage.ColumnRange{}, nil, fmt.Errorf("%w: %v", queryplan.ErrBadMsg, err)
		}
		return storage.ColumnRange{}, func(nv string) bool { return re.MatchString(nv) }, nil
	default:
		return storage.ColumnRange{}, nil, fmt.Errorf("%w: unsupported op %q", queryplan.ErrInvalid, term.Op)
	}
}

func (e *EngineIndex) Scan(ctx context.Context, chunk queryplan.ChunkRange, term queryplan.MatchTerm) ([]storage.RowHandle, error) {
	cf := e.termCF(term.Name)
	if err := e.Engine.UseColumnFamily(ctx, cf); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	colRange, filter, err := columnRangeForTerm(term)
	if err != nil {
		return nil, err
	}
	out, errc := e.Engine.GetRowAsync(ctx, cf.Name, rowKeyForChunk(chunk), colRange)

	var handles []storage.RowHandle
	for row := range out {
		if len(row.Names) == 0 {
			continue
		}
		if filter != nil && !filter(row.Names[0].String()) {
			continue
		}
		handles = append(handles, rowToHandle(row))
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	sortHandles(handles)
	return handles, nil
}

func drain(out <-chan storage.Row, errc <-chan error, filter postFilter) ([]storage.RowHandle, error) {
	var handles []storage.RowHandle
	for row := range out {
		if filter != nil && len(row.Names) > 0 && !filter(row.Names[0].String()) {
			continue
		}
		handles = append(handles, rowToHandle(row))
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return handles, nil
}

func sortHandles(h []storage.RowHandle) {
	sort.Slice(h, func(i, j int) bool { return storage.Compare(h[i], h[j]) < 0 })
}

// intersect computes the sorted merge-join intersection of two already
// sorted row-handle sets (AND within a Conjunction).
func intersect(a, b []storage.RowHandle) []storage.RowHandle {
	out := make([]storage.RowHandle, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := storage.Compare(a[i], b[j]); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// union merges multiple sorted row-handle sets (OR across Conjunctions),
// deduplicating row handles that compare equal.
func union(sets [][]storage.RowHandle) []storage.RowHandle {
	var all []storage.RowHandle
	for _, s := range sets {
		all = append(all, s...)
	}
	sortHandles(all)
	if len(all) == 0 {
		return nil
	}
	out := make([]storage.RowHandle, 0, len(all))
	out = append(out, all[0])
	for _, h := range all[1:] {
		if storage.Compare(out[len(out)-1], h) != 0 {
			out = append(out, h)
		}
	}
	return out
}

// dedupLatestWins applies spec.md §9's flow-record dedup policy: reverse
// iterate, keep first-seen-from-the-end (i.e. the later occurrence in
// ascending order) per UUID, no column-level reconciliation.
func dedupLatestWins(rows []storage.RowHandle, uuidIndex int) []storage.RowHandle {
	seen := make(map[string]bool, len(rows))
	rev := make([]storage.RowHandle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if uuid, ok := rows[i].UUID(uuidIndex); ok {
			if seen[uuid] {
				continue
			}
			seen[uuid] = true
		}
		rev = append(rev, rows[i])
	}
	out := make([]storage.RowHandle, len(rev))
	for i, h := range rev {
		out[len(rev)-1-i] = h
	}
	return out
}

// Execute resolves a WHERE/filter Clause for one chunk into the sorted,
// deduplicated row-handle set that stage feeds to SELECT (spec.md §4.5).
func Execute(ctx context.Context, idx TermIndex, family queryplan.TableFamily, clause queryplan.Clause, chunk queryplan.ChunkRange) ([]storage.RowHandle, error) {
	if len(clause) == 0 {
		handles, err := idx.ScanAll(ctx, chunk)
		if err != nil {
			return nil, err
		}
		return finalize(handles, family), nil
	}

	sets := make([][]storage.RowHandle, 0, len(clause))
	for _, conj := range clause {
		if len(conj) == 0 {
			continue
		}
		var acc []storage.RowHandle
		for i, term := range conj {
			h, err := idx.Scan(ctx, chunk, term)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				acc = h
				continue
			}
			acc = intersect(acc, h)
		}
		sets = append(sets, acc)
	}
	return finalize(union(sets), family), nil
}

func finalize(handles []storage.RowHandle, family queryplan.TableFamily) []storage.RowHandle {
	if family == queryplan.FamilyFlow {
		return dedupLatestWins(handles, 0)
	}
	return handles
}
