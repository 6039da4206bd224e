// Package storage implements the storage-engine contract spec.md §6 treats
// as an external collaborator, plus a self-contained in-memory engine
// (Memory) so the query engine is runnable and testable end-to-end without
// a real column-family store.
//
// Row handles, cell vectors, and column-family descriptors are grounded on
// the teacher's chunk.Record/chunk.RecordCursor/index.IndexManager shape
// (internal/chunk, internal/index), generalized from the teacher's
// log-record model to the typed CF row-key/column-range model spec.md
// requires.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// CellType tags the dynamic value a Cell carries (spec.md §9: DbDataValue is
// a tagged-sum over {u8,u16,u32,u64,string,uuid,double,ipaddr,blob,blank}).
type CellType int

const (
	CellBlank CellType = iota
	CellString
	CellUUID
	CellIPAddr
	CellDouble
	CellInt
	CellBlob
)

func (t CellType) String() string {
	switch t {
	case CellString:
		return "string"
	case CellUUID:
		return "uuid"
	case CellIPAddr:
		return "ipaddr"
	case CellDouble:
		return "double"
	case CellInt:
		return "int"
	case CellBlob:
		return "blob"
	default:
		return "blank"
	}
}

// Cell is one typed value in a row-handle's cell-vector or a CF column.
type Cell struct {
	Type CellType
	Str  string
	Int  int64
	Dbl  float64
	Blob []byte
}

func StrCell(s string) Cell   { return Cell{Type: CellString, Str: s} }
func UUIDCell(s string) Cell  { return Cell{Type: CellUUID, Str: s} }
func IPCell(s string) Cell    { return Cell{Type: CellIPAddr, Str: s} }
func IntCell(n int64) Cell    { return Cell{Type: CellInt, Int: n} }
func DoubleCell(f float64) Cell { return Cell{Type: CellDouble, Dbl: f} }

// Compare orders two cells of (assumed) matching type: numeric types
// compare numerically, everything else lexicographically on Str.
func (c Cell) Compare(o Cell) int {
	switch c.Type {
	case CellInt:
		switch {
		case c.Int < o.Int:
			return -1
		case c.Int > o.Int:
			return 1
		default:
			return 0
		}
	case CellDouble:
		switch {
		case c.Dbl < o.Dbl:
			return -1
		case c.Dbl > o.Dbl:
			return 1
		default:
			return 0
		}
	default:
		if c.Str < o.Str {
			return -1
		}
		if c.Str > o.Str {
			return 1
		}
		return 0
	}
}

func (c Cell) String() string {
	switch c.Type {
	case CellInt:
		return fmt.Sprintf("%d", c.Int)
	case CellDouble:
		return fmt.Sprintf("%g", c.Dbl)
	case CellBlob:
		return fmt.Sprintf("blob(%d)", len(c.Blob))
	default:
		return c.Str
	}
}

// RowHandle is the WHERE stage's per-row output: a timestamp plus the
// table-family-specific cell-vector (spec.md §3).
type RowHandle struct {
	TimestampMicros int64
	Cells           []Cell
}

// Compare implements RH's total order: ascending by (timestamp, cell-vector
// lexicographic) (spec.md §3).
func Compare(a, b RowHandle) int {
	if a.TimestampMicros != b.TimestampMicros {
		if a.TimestampMicros < b.TimestampMicros {
			return -1
		}
		return 1
	}
	for i := 0; i < len(a.Cells) && i < len(b.Cells); i++ {
		if c := a.Cells[i].Compare(b.Cells[i]); c != 0 {
			return c
		}
	}
	return len(a.Cells) - len(b.Cells)
}

// UUID returns the row handle's UUID cell, used for flow-record dedup. Every
// table family's cell-vector carries uuid at a fixed position; uuidIndex
// gives that position.
func (rh RowHandle) UUID(uuidIndex int) (string, bool) {
	if uuidIndex < 0 || uuidIndex >= len(rh.Cells) {
		return "", false
	}
	c := rh.Cells[uuidIndex]
	if c.Type != CellUUID {
		return "", false
	}
	return c.Str, true
}

// ColumnRange is a typed column-name range within a composed row key
// (spec.md §3: "a ColumnNameRange{start, finish, count}").
type ColumnRange struct {
	Start  Cell
	Finish Cell
	Count  int // 0 means unbounded
}

// CFDescriptor names a column family plus the fixed suffix components of its
// row key, appended after the t2 time-bucket (spec.md §3).
type CFDescriptor struct {
	Name         string
	RowKeySuffix []Cell
}

// RowKey composes a CF row key from a t2 bucket and the descriptor's suffix.
func (d CFDescriptor) RowKey(t2Bucket int64) string {
	s := fmt.Sprintf("%d", t2Bucket)
	for _, c := range d.RowKeySuffix {
		s += "|" + c.String()
	}
	return s
}

// Row is one stored (name-cells, value-cells) pair returned by a range scan.
type Row struct {
	Names  []Cell
	Values []Cell
}

// ErrStorage wraps any engine-side failure; WHERE maps it to EIO (spec.md §4.5).
var ErrStorage = errors.New("storage: engine error")

// Engine is the storage-engine contract spec.md §6 names.
type Engine interface {
	Init(ctx context.Context, keyspace string) error
	SetTablespace(ctx context.Context, name string) error
	UseColumnFamily(ctx context.Context, cf CFDescriptor) error

	// GetRowAsync scans colRange within cf's row (keyed by rowKey) and
	// delivers matching rows on the returned channel, closing it when
	// exhausted or on error (in which case a final Row{} is not sent and the
	// error channel carries the failure).
	GetRowAsync(ctx context.Context, cf string, rowKey string, colRange ColumnRange) (<-chan Row, <-chan error)

	// GetRow performs the synchronous hash-style read used for admission
	// (spec.md §4.3 step 1 reads QUERY:<qid> via the result bus, not this
	// contract; GetRow here backs object-table and config-audit lookups
	// that key by row rather than column range).
	GetRow(ctx context.Context, cf string, rowKey string) ([]Row, error)

	// GetMultiRow batches GetRow over several keys (object-value summaries).
	GetMultiRow(ctx context.Context, cf string, rowKeys []string) (map[string][]Row, error)
}

// Stats tracks storage-engine hit/miss counters as atomic integers, so they
// are updated without holding the engine's lock.
type Stats struct {
	Hits   atomic.Int64
	Misses atomic.Int64
}

// Memory is an in-memory Engine. It stores rows per (tablespace, cf, rowKey)
// and answers range scans by linear scan over the column-sorted slice,
// adapted from chunk/memory.Manager's guarded-map-of-slices shape.
type Memory struct {
	mu         sync.RWMutex
	keyspace   string
	tablespace string
	cfs        map[string]CFDescriptor
	rows       map[string]map[string][]Row // cf -> rowKey -> rows, sorted by Names
	stats      Stats
}

// NewMemory returns an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{
		cfs:  make(map[string]CFDescriptor),
		rows: make(map[string]map[string][]Row),
	}
}

func (m *Memory) Init(ctx context.Context, keyspace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyspace = keyspace
	return nil
}

func (m *Memory) SetTablespace(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tablespace = name
	return nil
}

func (m *Memory) UseColumnFamily(ctx context.Context, cf CFDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfs[cf.Name] = cf
	if _, ok := m.rows[cf.Name]; !ok {
		m.rows[cf.Name] = make(map[string][]Row)
	}
	return nil
}

// Put inserts a row into cf at rowKey, keeping the CF's per-row rows sorted
// by their leading name cell (the column-name range scan key). Tests and
// fixtures use Put to seed the engine; production wiring uses it from the
// ingestion-adjacent write path this module does not own.
func (m *Memory) Put(cf, rowKey string, row Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.rows[cf]
	if !ok {
		byKey = make(map[string][]Row)
		m.rows[cf] = byKey
	}
	rows := append(byKey[rowKey], row)
	sort.SliceStable(rows, func(i, j int) bool {
		if len(rows[i].Names) == 0 || len(rows[j].Names) == 0 {
			return false
		}
		return rows[i].Names[0].Compare(rows[j].Names[0]) < 0
	})
	byKey[rowKey] = rows
}

func inRange(name Cell, r ColumnRange) bool {
	if r.Start.Type != CellBlank && name.Compare(r.Start) < 0 {
		return false
	}
	if r.Finish.Type != CellBlank && name.Compare(r.Finish) > 0 {
		return false
	}
	return true
}

func (m *Memory) GetRowAsync(ctx context.Context, cf string, rowKey string, colRange ColumnRange) (<-chan Row, <-chan error) {
	out := make(chan Row)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		m.mu.RLock()
		rows := append([]Row(nil), m.rows[cf][rowKey]...)
		m.mu.RUnlock()

		n := 0
		for _, row := range rows {
			if ctx.Err() != nil {
				errc <- ctx.Err()
				return
			}
			if len(row.Names) == 0 || !inRange(row.Names[0], colRange) {
				continue
			}
			select {
			case out <- row:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
			n++
			if colRange.Count > 0 && n >= colRange.Count {
				return
			}
		}
		if n > 0 {
			m.stats.Hits.Add(1)
		} else {
			m.stats.Misses.Add(1)
		}
	}()

	return out, errc
}

func (m *Memory) GetRow(ctx context.Context, cf string, rowKey string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.rows[cf][rowKey]
	if !ok {
		m.stats.Misses.Add(1)
		return nil, nil
	}
	m.stats.Hits.Add(1)
	return append([]Row(nil), rows...), nil
}

func (m *Memory) GetMultiRow(ctx context.Context, cf string, rowKeys []string) (map[string][]Row, error) {
	out := make(map[string][]Row, len(rowKeys))
	for _, k := range rowKeys {
		rows, err := m.GetRow(ctx, cf, k)
		if err != nil {
			return nil, err
		}
		if rows != nil {
			out[k] = rows
		}
	}
	return out, nil
}
