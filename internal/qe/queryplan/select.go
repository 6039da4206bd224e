package queryplan

import (
	"fmt"
	"strconv"
	"strings"
)

// SelectTokenKind classifies one SELECT token (spec.md §4.4).
type SelectTokenKind int

const (
	SelectRawTime    SelectTokenKind = iota // "T"
	SelectTimeBin                           // "T=<granularity-seconds>"
	SelectFlowTuple                         // flow-tuple field name
	SelectPackets                           // packets | sum(packets)
	SelectBytes                             // bytes | sum(bytes)
	SelectFlowClassID
	SelectFlowCount
	SelectStatUnique // unique-column (grouping key) for StatsSelect
	SelectStatAgg    // CLASS/COUNT/SUM/MIN/MAX/AVG/PERCENTILES(attr)
)

// StatFunc is a StatsSelect aggregate function name.
type StatFunc string

const (
	StatSum         StatFunc = "SUM"
	StatCount       StatFunc = "COUNT"
	StatClass       StatFunc = "CLASS"
	StatMin         StatFunc = "MIN"
	StatMax         StatFunc = "MAX"
	StatAvg         StatFunc = "AVG"
	StatPercentiles StatFunc = "PERCENTILES"
)

var statFuncs = map[string]StatFunc{
	"SUM": StatSum, "COUNT": StatCount, "CLASS": StatClass,
	"MIN": StatMin, "MAX": StatMax, "AVG": StatAvg, "PERCENTILES": StatPercentiles,
}

// flowTupleFields is the set of recognized flow-tuple projection fields.
var flowTupleFields = map[string]bool{
	"vrouter": true, "svn": true, "dvn": true, "sip": true, "dip": true,
	"proto": true, "sport": true, "dport": true,
}

// SelectToken is one resolved SELECT entry.
type SelectToken struct {
	Raw            string
	Kind           SelectTokenKind
	GranularitySec int    // set for SelectTimeBin
	StatFunc       StatFunc
	AttrName       string // argument of a stat function, or the field name

	// StatRaw distinguishes the RAW spelling ("packets"/"bytes") from the
	// SUM spelling ("sum(packets)"/"sum(bytes)") for a SelectPackets/
	// SelectBytes token. Both desugar to the same grouping/aggregate
	// behavior in StatsSelect, but the two spellings are valid in
	// different flow-series SELECT shapes (spec.md §4.4): RAW pairs with
	// bare T, SUM pairs with no-T or T=.
	StatRaw bool
}

// ParseSelectToken classifies one SELECT list entry.
func ParseSelectToken(raw string) (SelectToken, error) {
	tok := raw
	switch {
	case tok == "T":
		return SelectToken{Raw: raw, Kind: SelectRawTime}, nil
	case strings.HasPrefix(tok, "T="):
		g, err := strconv.Atoi(tok[2:])
		if err != nil || g <= 0 {
			return SelectToken{}, fmt.Errorf("%w: bad granularity in %q", ErrBadMsg, raw)
		}
		return SelectToken{Raw: raw, Kind: SelectTimeBin, GranularitySec: g}, nil
	case tok == "packets":
		return SelectToken{Raw: raw, Kind: SelectPackets, StatRaw: true}, nil
	case tok == "sum(packets)":
		return SelectToken{Raw: raw, Kind: SelectPackets}, nil
	case tok == "bytes":
		return SelectToken{Raw: raw, Kind: SelectBytes, StatRaw: true}, nil
	case tok == "sum(bytes)":
		return SelectToken{Raw: raw, Kind: SelectBytes}, nil
	case tok == "flow_class_id":
		return SelectToken{Raw: raw, Kind: SelectFlowClassID}, nil
	case tok == "flow_count":
		return SelectToken{Raw: raw, Kind: SelectFlowCount}, nil
	case flowTupleFields[tok]:
		return SelectToken{Raw: raw, Kind: SelectFlowTuple, AttrName: tok}, nil
	}

	if i := strings.IndexByte(tok, '('); i > 0 && strings.HasSuffix(tok, ")") {
		fnName := strings.ToUpper(tok[:i])
		if fn, ok := statFuncs[fnName]; ok {
			arg := tok[i+1 : len(tok)-1]
			return SelectToken{Raw: raw, Kind: SelectStatAgg, StatFunc: fn, AttrName: arg}, nil
		}
	}

	// Anything else is a bare unique-column grouping key (StatsSelect) or a
	// per-UUID fetch's projected column name.
	return SelectToken{Raw: raw, Kind: SelectStatUnique, AttrName: tok}, nil
}

// ParseSelectList parses every token in a SELECT list.
func ParseSelectList(raw []string) ([]SelectToken, error) {
	toks := make([]SelectToken, 0, len(raw))
	for _, r := range raw {
		t, err := ParseSelectToken(r)
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
	}
	return toks, nil
}

// FSSelectCode is one of the enumerated flow-series SELECT shapes
// (spec.md §4.6): the cartesian product of {no-T, T, T=} x {no-tuple,
// tuple} x {no-stats, stats}, minus the fully-empty combination. Within
// the stats-present cells, a RAW-style stat (bare "packets"/"bytes") and a
// SUM-style stat (sum(packets)/sum(bytes)) are mutually exclusive and each
// pairs with only one T-state — RAW with bare T or no T, SUM with no T or
// T= — so T+SUM and T=+RAW never resolve to a code.
type FSSelectCode int

const (
	FSInvalid FSSelectCode = iota
	FSTupleOnly
	FSStatsOnly
	FSTupleStats
	FSTimeOnly
	FSTimeTuple
	FSTimeStats
	FSTimeTupleStats
	FSTimeBinOnly
	FSTimeBinTuple
	FSTimeBinStats
	FSTimeBinTupleStats
)

// FSShape is the intermediate-state kind C6 maintains for a code.
type FSShape int

const (
	ShapeSetT FSShape = iota
	ShapeSetTuple
	ShapeMapTStats
	ShapeMapTSetTuple
	ShapeMapTupleStats
	ShapeMapTupleMapTStats
	ShapeSingleStats
)

// ClassifySelect resolves a parsed flow-series SELECT list into one of the
// FSSelectCode shapes, or FSInvalid with EINVAL if the combination is not
// one of the documented shapes (spec.md §4.4, §4.6).
func ClassifySelect(toks []SelectToken) (FSSelectCode, FSShape, error) {
	var hasT, hasTBin, hasTuple, hasStats, hasRawStat, hasSumStat bool
	for _, t := range toks {
		switch t.Kind {
		case SelectRawTime:
			hasT = true
		case SelectTimeBin:
			hasTBin = true
		case SelectFlowTuple:
			hasTuple = true
		case SelectPackets, SelectBytes:
			hasStats = true
			if t.StatRaw {
				hasRawStat = true
			} else {
				hasSumStat = true
			}
		case SelectFlowCount, SelectFlowClassID:
			hasStats = true
		case SelectStatAgg:
			hasStats = true
		}
	}
	if hasT && hasTBin {
		return FSInvalid, 0, fmt.Errorf("%w: T and T= are mutually exclusive", ErrInvalid)
	}
	if !hasT && !hasTBin && !hasTuple && !hasStats {
		return FSInvalid, 0, fmt.Errorf("%w: empty SELECT", ErrInvalid)
	}
	// RAW ("packets"/"bytes") and SUM ("sum(packets)"/"sum(bytes)") are
	// mutually exclusive within one query, and each pairs with only one
	// T-state: RAW needs a bare T (or no T at all), SUM needs no-T or T=
	// (original_source/query_engine/select.cc's evaluate_fs_query_type).
	if hasRawStat && hasSumStat {
		return FSInvalid, 0, fmt.Errorf("%w: packets/bytes and sum(packets)/sum(bytes) are mutually exclusive", ErrInvalid)
	}
	if hasTBin && hasRawStat {
		return FSInvalid, 0, fmt.Errorf("%w: T= with raw packets/bytes is not a supported shape", ErrInvalid)
	}
	if hasT && hasSumStat {
		return FSInvalid, 0, fmt.Errorf("%w: T with sum-style stats is not a supported shape", ErrInvalid)
	}

	switch {
	case !hasT && !hasTBin:
		switch {
		case hasTuple && !hasStats:
			return FSTupleOnly, ShapeSetTuple, nil
		case !hasTuple && hasStats:
			return FSStatsOnly, ShapeSingleStats, nil
		case hasTuple && hasStats:
			return FSTupleStats, ShapeMapTupleStats, nil
		}
	case hasT:
		switch {
		case !hasTuple && !hasStats:
			return FSTimeOnly, ShapeSetT, nil
		case hasTuple && !hasStats:
			return FSTimeTuple, ShapeMapTSetTuple, nil
		case !hasTuple && hasStats:
			return FSTimeStats, ShapeMapTStats, nil
		case hasTuple && hasStats:
			return FSTimeTupleStats, ShapeMapTupleMapTStats, nil
		}
	case hasTBin:
		switch {
		case !hasTuple && !hasStats:
			return FSTimeBinOnly, ShapeSetT, nil
		case hasTuple && !hasStats:
			return FSTimeBinTuple, ShapeMapTSetTuple, nil
		case !hasTuple && hasStats:
			return FSTimeBinStats, ShapeMapTStats, nil
		case hasTuple && hasStats:
			return FSTimeBinTupleStats, ShapeMapTupleMapTStats, nil
		}
	}
	return FSInvalid, 0, fmt.Errorf("%w: unresolvable SELECT shape", ErrInvalid)
}

// StatsOracleDatatype is one of the three value datatypes a StatsOracle
// prefix/suffix term may carry (spec.md §4.4).
type StatsOracleDatatype int

const (
	DTString StatsOracleDatatype = iota
	DTU64
	DTDouble
)

// StatsOracleSuffixKind is "none" or one of the two suffix datatypes.
type StatsOracleSuffixKind int

const (
	SuffixNone StatsOracleSuffixKind = iota
	SuffixString
	SuffixU64
)

// StatsOracleCF picks one of the six indexed stat-tag CFs by the datatypes
// of the prefix and optional suffix values: {STR,U64,DBL} x {none,STR,U64}
// (spec.md §4.4).
func StatsOracleCF(prefix StatsOracleDatatype, suffix StatsOracleSuffixKind) string {
	p := [...]string{"Str", "U64", "Dbl"}[prefix]
	s := [...]string{"", "Str", "U64"}[suffix]
	return "StatTableTag" + p + s
}

// InferDatatype guesses a StatsOracle value's datatype from its string form,
// used when table_schema doesn't pin it (spec.md §9: DynamicUnchecked).
func InferDatatype(s string) StatsOracleDatatype {
	if _, err := strconv.ParseUint(s, 10, 64); err == nil {
		return DTU64
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return DTDouble
	}
	return DTString
}
