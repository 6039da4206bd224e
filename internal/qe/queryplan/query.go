package queryplan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SortDir is a single sort-field direction.
type SortDir int

const (
	Ascending SortDir = iota
	Descending
)

// SortField is one entry of a "sort" request field: "+col" or "-col", "col"
// defaulting to ascending.
type SortField struct {
	Name string
	Dir  SortDir
}

// ParseSortFields parses the sort-spec list (spec.md §4.4 post-processing).
func ParseSortFields(raw []string) []SortField {
	out := make([]SortField, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		switch r[0] {
		case '-':
			out = append(out, SortField{Name: r[1:], Dir: Descending})
		case '+':
			out = append(out, SortField{Name: r[1:], Dir: Ascending})
		default:
			out = append(out, SortField{Name: r, Dir: Ascending})
		}
	}
	return out
}

// ParseLimit parses the limit parameter: absent/zero means unbounded.
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad limit %q", ErrBadMsg, raw)
	}
	return n, nil
}

// Direction is the object-log query direction (spec.md SUPPLEMENTED
// FEATURES: forward/backward object-log paging).
type Direction int

const (
	DirForward Direction = iota
	DirBackward
)

// TableSchema carries the per-table column-type map a real deployment loads
// from DDL. queryplan ships a minimal hardcoded default (see KnownTables);
// callers may override per request for tables this package doesn't know
// about, matching the original's dynamic schema-discovery behavior without
// requiring a live DDL connection (out of scope per spec.md §1).
type TableSchema struct {
	Table   string
	Columns map[string]StatsOracleDatatype
}

// Query is the fully parsed and validated request this package hands to
// WHERE/SELECT/POST-PROCESSING (C5/C6/C7).
type Query struct {
	ID          string
	Table       string
	Family      TableFamily
	TTL         TTLBucket
	StartMicros int64
	EndMicros   int64
	Where       Clause
	Select      []SelectToken
	Sort        []SortField
	Filter      Clause
	Limit       int
	Granularity int // seconds; 0 means none (FS_SELECT raw/no-bin)
	Direction   Direction
	ObjectID    string

	// FSCode is the flow-series SELECT classification ClassifySelect
	// resolved Select to; zero value (FSInvalid) for non-flow families,
	// where this grammar doesn't apply.
	FSCode FSSelectCode

	ChunkSize int64
	Chunks    []ChunkRange

	// TableSchema holds the column datatypes parsed from the admission hash's
	// table_schema field, when the caller sends one (SUPPLEMENTED FEATURES:
	// original_source/'s QUERY:<qid> admission hash carries a table_schema
	// field for dynamic StatsOracle tables that KnownTables doesn't list).
	// It is carried on the Query only; StatsOracleCF and InferDatatype do not
	// consult it.
	TableSchema map[string]StatsOracleDatatype

	// SkipSort is true when every chunk's WHERE output is already in the
	// requested sort order, so POST-PROCESSING's final sort stage is a no-op
	// (SUPPLEMENTED FEATURES: original_source/post_processing.cc's "sorted
	// input" fast path). Set when the only sort field is "T" (timestamp) and
	// WHERE reduces to a single time-range scan with no other terms.
	SkipSort bool
}

// TableSchemaParam is the raw per-column datatype override a request may
// carry for a table KnownTables doesn't pin a schema for.
type TableSchemaParam struct {
	Table   string
	Columns map[string]string // column name -> "string"|"u64"|"double"
}

func resolveTableSchema(p TableSchemaParam) map[string]StatsOracleDatatype {
	if len(p.Columns) == 0 {
		return nil
	}
	out := make(map[string]StatsOracleDatatype, len(p.Columns))
	for col, dt := range p.Columns {
		switch strings.ToLower(dt) {
		case "u64", "uint64", "long":
			out[col] = DTU64
		case "double", "float":
			out[col] = DTDouble
		default:
			out[col] = DTString
		}
	}
	return out
}

// computeSkipSort implements the "sorted input" fast path: true only when
// sort asks for nothing but ascending/descending time and WHERE is either
// empty or a single conjunction containing no non-time terms.
func computeSkipSort(sort []SortField, where Clause) bool {
	if len(sort) != 1 || !strings.EqualFold(sort[0].Name, "T") {
		return false
	}
	if len(where) > 1 {
		return false
	}
	if len(where) == 1 {
		for _, term := range where[0] {
			if term.Name != "T" {
				return false
			}
		}
	}
	return true
}

// Params is the raw, JSON-decoded query request (the result bus hands
// queryplan a map[string]string of field -> JSON-encoded value per
// spec.md §4.3's QUERY:<qid> hash; Params is the typed staging area before
// JSON-decoding the array fields).
type Params struct {
	ID          string
	Table       string
	StartTime   string
	EndTime     string
	Where       []interface{}
	Select      []string
	Sort        []string
	Filter      []interface{}
	Limit       string
	Granularity string
	Direction   string
	ObjectID    string
	TableSchema TableSchemaParam
}

// BuildQuery validates and resolves a raw Params into a Query, including TTL
// clamping, flow-series SELECT shape classification, and chunk planning
// (spec.md §4.3-§4.4). A flow-family table whose SELECT doesn't resolve to
// one of ClassifySelect's shapes fails here with ErrInvalid (EINVAL), before
// any pipeline is built.
func BuildQuery(p Params, now time.Time, tunableMaxSlice int) (*Query, error) {
	if p.Table == "" {
		return nil, fmt.Errorf("%w: missing table", ErrBadMsg)
	}
	info, ok := KnownTables[p.Table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalid, p.Table)
	}

	startReq, err := ParseTimeString(p.StartTime, now)
	if err != nil {
		return nil, err
	}
	endReq, err := ParseTimeString(p.EndTime, now)
	if err != nil {
		return nil, err
	}
	start, end := ClampTTL(info.TTL, startReq, endReq, now.UnixMicro())

	where, err := ParseClause(p.Where)
	if err != nil {
		return nil, err
	}
	for _, conj := range where {
		if err := ValidateCrossFields(conj); err != nil {
			return nil, err
		}
	}

	filter, err := ParseClause(p.Filter)
	if err != nil {
		return nil, err
	}

	selectToks, err := ParseSelectList(p.Select)
	if err != nil {
		return nil, err
	}

	var fsCode FSSelectCode
	if info.Family == FamilyFlow {
		fsCode, _, err = ClassifySelect(selectToks)
		if err != nil {
			return nil, err
		}
	}

	limit, err := ParseLimit(p.Limit)
	if err != nil {
		return nil, err
	}

	var granularity int
	if p.Granularity != "" {
		granularity, err = strconv.Atoi(p.Granularity)
		if err != nil || granularity < 0 {
			return nil, fmt.Errorf("%w: bad granularity %q", ErrBadMsg, p.Granularity)
		}
	}

	dir := DirForward
	if strings.EqualFold(p.Direction, "backward") {
		dir = DirBackward
	}

	q := &Query{
		ID:          p.ID,
		Table:       p.Table,
		Family:      info.Family,
		TTL:         info.TTL,
		StartMicros: start,
		EndMicros:   end,
		Where:       where,
		Select:      selectToks,
		Sort:        ParseSortFields(p.Sort),
		Filter:      filter,
		Limit:       limit,
		Granularity: granularity,
		Direction:   dir,
		ObjectID:    p.ObjectID,
		FSCode:      fsCode,
		TableSchema: resolveTableSchema(p.TableSchema),
	}
	q.SkipSort = computeSkipSort(q.Sort, q.Where)

	if Parallelizable(info.Family) {
		q.ChunkSize = ChunkSize(start, end, tunableMaxSlice, tunableMaxSlice, granularity)
		q.Chunks = Chunks(start, end, q.ChunkSize)
	} else {
		q.Chunks = []ChunkRange{{From: start, To: end}}
	}

	return q, nil
}
