// Package queryplan implements the query parser & planner (C4): turning the
// front-end's JSON query parameters into a Query plus a chunk plan.
//
// The OR-of-ANDs WHERE/filter grammar is a direct value-level analogue of
// internal/querylang's Expr/AndExpr/OrExpr/DNF shape (OR of Conjunctions,
// each a set of positive/negative predicates): querylang's PredicateExpr is
// a free-text-search leaf (token/kv/regex against a log line), which does
// not fit spec.md's typed match-term grammar (EQUAL/NOT_EQUAL/IN_RANGE/...
// against named, typed fields), so this package defines its own MatchTerm
// leaf and reuses only the OR-of-Conjunctions *shape*, not querylang's
// concrete predicate types.
package queryplan

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Op is a WHERE/filter match-term operator (spec.md §4.4).
type Op string

const (
	OpEqual      Op = "EQUAL"
	OpNotEqual   Op = "NOT_EQUAL"
	OpInRange    Op = "IN_RANGE"
	OpLEQ        Op = "LEQ"
	OpGEQ        Op = "GEQ"
	OpPrefix     Op = "PREFIX"
	OpRegexMatch Op = "REGEX_MATCH"
	OpContains   Op = "CONTAINS"
)

var validOps = map[Op]bool{
	OpEqual: true, OpNotEqual: true, OpInRange: true, OpLEQ: true, OpGEQ: true,
	OpPrefix: true, OpRegexMatch: true, OpContains: true,
}

// MatchTerm is one WHERE/filter leaf: {name, value, value2?, op, suffix?}.
type MatchTerm struct {
	Name             string
	Value            string
	Value2           string // used by IN_RANGE
	Op               Op
	Suffix           string // StatsOracle dynamic-suffix qualifier
	IgnoreColAbsence bool   // filter-only: missing column passes rather than fails
}

// Conjunction is one AND-group; Clause is an OR-of-Conjunctions (spec.md §4.4).
type Conjunction []MatchTerm
type Clause []Conjunction

// ParseClause accepts either the documented array-of-arrays form or the
// legacy flat array of ANDs, which is wrapped into a single conjunction.
func ParseClause(raw []interface{}) (Clause, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if isFlatTermArray(raw) {
		conj, err := parseConjunction(raw)
		if err != nil {
			return nil, err
		}
		return Clause{conj}, nil
	}

	clause := make(Clause, 0, len(raw))
	for _, group := range raw {
		arr, ok := group.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: WHERE/filter group must be an array", ErrBadMsg)
		}
		conj, err := parseConjunction(arr)
		if err != nil {
			return nil, err
		}
		clause = append(clause, conj)
	}
	return clause, nil
}

func isFlatTermArray(raw []interface{}) bool {
	if len(raw) == 0 {
		return false
	}
	_, isMap := raw[0].(map[string]interface{})
	return isMap
}

func parseConjunction(raw []interface{}) (Conjunction, error) {
	conj := make(Conjunction, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: match term must be an object", ErrBadMsg)
		}
		term, err := parseMatchTerm(m)
		if err != nil {
			return nil, err
		}
		conj = append(conj, term)
	}
	return conj, nil
}

func parseMatchTerm(m map[string]interface{}) (MatchTerm, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return MatchTerm{}, fmt.Errorf("%w: match term missing name", ErrBadMsg)
	}
	opStr, _ := m["op"].(string)
	op := Op(opStr)
	if !validOps[op] {
		return MatchTerm{}, fmt.Errorf("%w: unrecognized op %q", ErrBadMsg, opStr)
	}
	term := MatchTerm{Name: name, Op: op}
	term.Value = stringify(m["value"])
	if v2, ok := m["value2"]; ok {
		term.Value2 = stringify(v2)
	}
	if s, ok := m["suffix"].(string); ok {
		term.Suffix = s
	}
	if b, ok := m["ignore_col_absence"].(bool); ok {
		term.IgnoreColAbsence = b
	}
	if op == OpRegexMatch {
		if _, err := regexp.Compile(term.Value); err != nil {
			return MatchTerm{}, fmt.Errorf("%w: invalid regex %q: %v", ErrBadMsg, term.Value, err)
		}
	}
	return term, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Errors surfaced as QueryError kinds (spec.md §7).
var (
	ErrBadMsg  = errors.New("query: malformed")
	ErrInvalid = errors.New("query: invalid")
)

// ValidateCrossFields enforces spec.md §4.4's flow-tuple cross-field rules
// against one conjunction.
func ValidateCrossFields(conj Conjunction) error {
	has := func(name string) (MatchTerm, bool) {
		for _, t := range conj {
			if t.Name == name {
				return t, true
			}
		}
		return MatchTerm{}, false
	}

	if _, ok := has("sip"); ok {
		if _, ok := has("svn"); !ok {
			return fmt.Errorf("%w: sip requires svn", ErrInvalid)
		}
	}
	if _, ok := has("dip"); ok {
		if _, ok := has("dvn"); !ok {
			return fmt.Errorf("%w: dip requires dvn", ErrInvalid)
		}
	}
	if _, hasSport := has("sport"); hasSport {
		if _, ok := has("proto"); !ok {
			return fmt.Errorf("%w: sport requires proto", ErrInvalid)
		}
	}
	if _, hasDport := has("dport"); hasDport {
		if _, ok := has("proto"); !ok {
			return fmt.Errorf("%w: dport requires proto", ErrInvalid)
		}
	}
	if svn, ok := has("svn"); ok && svn.Op == OpInRange {
		if _, ok := has("sip"); ok {
			return fmt.Errorf("%w: sip must be absent when svn is a range", ErrInvalid)
		}
	}
	if dvn, ok := has("dvn"); ok && dvn.Op == OpInRange {
		if _, ok := has("dip"); ok {
			return fmt.Errorf("%w: dip must be absent when dvn is a range", ErrInvalid)
		}
	}
	if proto, ok := has("proto"); ok && proto.Op == OpInRange {
		if _, ok := has("sport"); ok {
			return fmt.Errorf("%w: sport must be absent when proto is a range", ErrInvalid)
		}
		if _, ok := has("dport"); ok {
			return fmt.Errorf("%w: dport must be absent when proto is a range", ErrInvalid)
		}
	}
	return nil
}

// TableFamily selects the TTL bucket and row-handle cell-vector shape.
type TableFamily int

const (
	FamilyMessage TableFamily = iota
	FamilyFlow
	FamilySession
	FamilyObject
	FamilyStats
	FamilyConfigAudit
)

// TTLBucket names the four TTL buckets (spec.md §4.4).
type TTLBucket string

const (
	TTLGlobal      TTLBucket = "GLOBAL"
	TTLFlowData    TTLBucket = "FLOWDATA"
	TTLStatsData   TTLBucket = "STATSDATA"
	TTLConfigAudit TTLBucket = "CONFIGAUDIT"
)

// TableInfo describes a known table name's family and TTL bucket.
type TableInfo struct {
	Family TableFamily
	TTL    TTLBucket
}

// KnownTables is the static table-name registry. A real deployment would
// load this from the column-family DDL (out of scope per spec.md §1); this
// module hardcodes the table names spec.md's boundary scenarios exercise.
var KnownTables = map[string]TableInfo{
	"MessageTable":      {FamilyMessage, TTLGlobal},
	"FlowRecordTable":    {FamilyFlow, TTLFlowData},
	"FlowSeriesTable":    {FamilyFlow, TTLFlowData},
	"SessionTable":       {FamilySession, TTLFlowData},
	"ObjectValueTable":   {FamilyObject, TTLGlobal},
	"StatsTable":         {FamilyStats, TTLStatsData},
	"ConfigAuditTable":   {FamilyConfigAudit, TTLConfigAudit},
}

// TTLDurations maps bucket to retention window. A real deployment derives
// these from the storage engine's DDL; this module hardcodes conservative
// defaults since TTL policy is out of scope (spec.md §1).
var TTLDurations = map[TTLBucket]time.Duration{
	TTLGlobal:      24 * time.Hour,
	TTLFlowData:    7 * 24 * time.Hour,
	TTLStatsData:   7 * 24 * time.Hour,
	TTLConfigAudit: 30 * 24 * time.Hour,
}

// ParseTimeString parses start_time/end_time: a pure integer of
// microseconds, "now", or "now±N{s,m,h,d}" (spec.md §6).
func ParseTimeString(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "now" {
		return now.UnixMicro(), nil
	}
	if strings.HasPrefix(s, "now+") || strings.HasPrefix(s, "now-") {
		sign := int64(1)
		if s[3] == '-' {
			sign = -1
		}
		rest := s[4:]
		if len(rest) < 2 {
			return 0, fmt.Errorf("%w: malformed relative time %q", ErrBadMsg, s)
		}
		unit := rest[len(rest)-1]
		numStr := rest[:len(rest)-1]
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed relative time %q: %v", ErrBadMsg, s, err)
		}
		var d time.Duration
		switch unit {
		case 's':
			d = time.Duration(n) * time.Second
		case 'm':
			d = time.Duration(n) * time.Minute
		case 'h':
			d = time.Duration(n) * time.Hour
		case 'd':
			d = time.Duration(n) * 24 * time.Hour
		default:
			return 0, fmt.Errorf("%w: unknown time unit %q", ErrBadMsg, string(unit))
		}
		return now.Add(time.Duration(sign) * d).UnixMicro(), nil
	}
	micros, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed time string %q: %v", ErrBadMsg, s, err)
	}
	return micros, nil
}

// RenderTimeMicros is ParseTimeString's round-trip inverse for the pure
// integer form (spec.md §8 round-trip law).
func RenderTimeMicros(micros int64) string {
	return strconv.FormatInt(micros, 10)
}

// ClampTTL applies the TTL clamp: effective t_from = max(requested, now-TTL),
// t_to = min(requested, now); if t_from > t_to after clamping, t_from is set
// to t_to - 1 microsecond (spec.md §4.4).
func ClampTTL(bucket TTLBucket, reqFrom, reqTo, nowMicros int64) (effFrom, effTo int64) {
	ttl := TTLDurations[bucket]
	floor := nowMicros - ttl.Microseconds()
	effFrom = reqFrom
	if effFrom < floor {
		effFrom = floor
	}
	effTo = reqTo
	if effTo > nowMicros {
		effTo = nowMicros
	}
	if effFrom > effTo {
		effFrom = effTo - 1
	}
	return effFrom, effTo
}

// RowTimeBits is the fixed number of low-order microsecond bits defining a
// row bucket (spec.md GLOSSARY). 2^RowTimeBits == 2^22 us ~= 4.19s buckets,
// matching the teacher corpus convention of coarse multi-second row keys.
const RowTimeBits = 22

// ChunkSize computes the per-chunk time slice: ((t_to-t_from)/parallel)+1,
// clamped to [2^RowTimeBits, 2^RowTimeBits*maxSlice], rounded up to a
// multiple of granularitySeconds*1e6 if set (spec.md §3, §4.4).
func ChunkSize(tFrom, tTo int64, parallelBatches, maxSlice int, granularitySeconds int) int64 {
	if parallelBatches <= 0 {
		parallelBatches = 1
	}
	size := (tTo-tFrom)/int64(parallelBatches) + 1

	minSize := int64(1) << RowTimeBits
	maxSize := minSize * int64(maxSlice)
	if size < minSize {
		size = minSize
	}
	if size > maxSize {
		size = maxSize
	}
	if granularitySeconds > 0 {
		g := int64(granularitySeconds) * 1_000_000
		if size%g != 0 {
			size = (size/g + 1) * g
		}
	}
	return size
}

// Chunks splits [tFrom, tTo) into chunkSize slices; every observed timestamp
// in range is covered by exactly one chunk (spec.md §3 invariant).
type ChunkRange struct {
	From, To int64
}

func Chunks(tFrom, tTo, chunkSize int64) []ChunkRange {
	if chunkSize <= 0 || tFrom >= tTo {
		return nil
	}
	var out []ChunkRange
	for start := tFrom; start < tTo; start += chunkSize {
		end := start + chunkSize
		if end > tTo {
			end = tTo
		}
		out = append(out, ChunkRange{From: start, To: end})
	}
	return out
}

// Parallelizable reports whether the table should be chunked (spec.md §4.4:
// "parallelize unless table = object-value").
func Parallelizable(family TableFamily) bool {
	return family != FamilyObject
}
