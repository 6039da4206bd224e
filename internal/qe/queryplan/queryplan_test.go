package queryplan

import (
	"errors"
	"testing"
	"time"
)

func TestParseClauseFlatForm(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"name": "sip", "value": "10.0.0.1", "op": "EQUAL"},
	}
	clause, err := ParseClause(raw)
	if err != nil {
		t.Fatalf("ParseClause: %v", err)
	}
	if len(clause) != 1 || len(clause[0]) != 1 {
		t.Fatalf("clause = %+v, want single conjunction of one term", clause)
	}
	if clause[0][0].Name != "sip" || clause[0][0].Op != OpEqual {
		t.Errorf("term = %+v", clause[0][0])
	}
}

func TestParseClauseNestedForm(t *testing.T) {
	raw := []interface{}{
		[]interface{}{
			map[string]interface{}{"name": "a", "value": "1", "op": "EQUAL"},
			map[string]interface{}{"name": "b", "value": "2", "op": "EQUAL"},
		},
		[]interface{}{
			map[string]interface{}{"name": "c", "value": "3", "op": "EQUAL"},
		},
	}
	clause, err := ParseClause(raw)
	if err != nil {
		t.Fatalf("ParseClause: %v", err)
	}
	if len(clause) != 2 || len(clause[0]) != 2 || len(clause[1]) != 1 {
		t.Fatalf("clause = %+v", clause)
	}
}

func TestParseClauseRejectsBadOp(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"name": "a", "value": "1", "op": "BOGUS"},
	}
	if _, err := ParseClause(raw); !errors.Is(err, ErrBadMsg) {
		t.Fatalf("err = %v, want ErrBadMsg", err)
	}
}

func TestParseClauseRejectsBadRegex(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"name": "a", "value": "(", "op": "REGEX_MATCH"},
	}
	if _, err := ParseClause(raw); !errors.Is(err, ErrBadMsg) {
		t.Fatalf("err = %v, want ErrBadMsg", err)
	}
}

func TestValidateCrossFields(t *testing.T) {
	cases := []struct {
		name    string
		conj    Conjunction
		wantErr bool
	}{
		{"sip without svn", Conjunction{{Name: "sip", Op: OpEqual}}, true},
		{"sip with svn ok", Conjunction{{Name: "sip", Op: OpEqual}, {Name: "svn", Op: OpEqual}}, false},
		{"sport without proto", Conjunction{{Name: "sport", Op: OpEqual}}, true},
		{"sport with proto ok", Conjunction{{Name: "sport", Op: OpEqual}, {Name: "proto", Op: OpEqual}}, false},
		{"svn range excludes sip", Conjunction{{Name: "svn", Op: OpInRange}, {Name: "sip", Op: OpEqual}}, true},
		{"proto range excludes sport", Conjunction{{Name: "proto", Op: OpInRange}, {Name: "sport", Op: OpEqual}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateCrossFields(c.conj)
			if c.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseTimeStringAndRenderRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	micros, err := ParseTimeString("1234567890", now)
	if err != nil {
		t.Fatalf("ParseTimeString: %v", err)
	}
	if micros != 1234567890 {
		t.Errorf("micros = %d, want 1234567890", micros)
	}
	if RenderTimeMicros(micros) != "1234567890" {
		t.Errorf("round trip failed: %s", RenderTimeMicros(micros))
	}
}

func TestParseTimeStringNow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	micros, err := ParseTimeString("now", now)
	if err != nil {
		t.Fatalf("ParseTimeString: %v", err)
	}
	if micros != now.UnixMicro() {
		t.Errorf("micros = %d, want %d", micros, now.UnixMicro())
	}
}

func TestParseTimeStringRelative(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	micros, err := ParseTimeString("now-5m", now)
	if err != nil {
		t.Fatalf("ParseTimeString: %v", err)
	}
	want := now.Add(-5 * time.Minute).UnixMicro()
	if micros != want {
		t.Errorf("micros = %d, want %d", micros, want)
	}

	micros, err = ParseTimeString("now+1d", now)
	if err != nil {
		t.Fatalf("ParseTimeString: %v", err)
	}
	want = now.Add(24 * time.Hour).UnixMicro()
	if micros != want {
		t.Errorf("micros = %d, want %d", micros, want)
	}
}

func TestParseTimeStringRejectsGarbage(t *testing.T) {
	if _, err := ParseTimeString("not-a-time", time.Now()); !errors.Is(err, ErrBadMsg) {
		t.Errorf("err = %v, want ErrBadMsg", err)
	}
}

func TestClampTTLWithinWindow(t *testing.T) {
	now := int64(1_000_000_000)
	from, to := ClampTTL(TTLGlobal, now-1000, now-10, now)
	if from != now-1000 || to != now-10 {
		t.Errorf("from,to = %d,%d, want unchanged", from, to)
	}
}

func TestClampTTLClampsFloorAndCeiling(t *testing.T) {
	ttl := TTLDurations[TTLGlobal].Microseconds()
	now := int64(10_000_000_000)
	from, to := ClampTTL(TTLGlobal, now-ttl-5000, now+5000, now)
	if from != now-ttl {
		t.Errorf("from = %d, want floor %d", from, now-ttl)
	}
	if to != now {
		t.Errorf("to = %d, want ceiling %d", to, now)
	}
}

func TestClampTTLFromAfterToFallsBackToToMinusOne(t *testing.T) {
	now := int64(1_000_000_000)
	from, to := ClampTTL(TTLGlobal, now+500, now-500, now)
	if to != now-500 {
		t.Fatalf("to = %d, want %d", to, now-500)
	}
	if from != to-1 {
		t.Errorf("from = %d, want to-1 = %d", from, to-1)
	}
}

func TestChunkSizeClampedToBounds(t *testing.T) {
	minSize := int64(1) << RowTimeBits
	size := ChunkSize(0, 100, 4, 32, 0)
	if size != minSize {
		t.Errorf("size = %d, want min %d for a tiny range", size, minSize)
	}

	maxSize := minSize * 32
	hugeRange := maxSize * 1000
	size = ChunkSize(0, hugeRange, 1, 32, 0)
	if size != maxSize {
		t.Errorf("size = %d, want max %d", size, maxSize)
	}
}

func TestChunksCoverRangeExactly(t *testing.T) {
	chunks := Chunks(0, 1000, 300)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	if chunks[0].From != 0 || chunks[len(chunks)-1].To != 1000 {
		t.Errorf("chunks don't cover [0,1000): %+v", chunks)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].From != chunks[i-1].To {
			t.Errorf("gap/overlap between chunks %d and %d: %+v", i-1, i, chunks)
		}
	}
}

func TestParallelizable(t *testing.T) {
	if !Parallelizable(FamilyFlow) {
		t.Error("flow family should be parallelizable")
	}
	if Parallelizable(FamilyObject) {
		t.Error("object family should not be parallelizable")
	}
}

func TestParseSelectTokenKinds(t *testing.T) {
	cases := []struct {
		raw  string
		kind SelectTokenKind
	}{
		{"T", SelectRawTime},
		{"T=60", SelectTimeBin},
		{"sip", SelectFlowTuple},
		{"packets", SelectPackets},
		{"sum(bytes)", SelectBytes},
		{"flow_class_id", SelectFlowClassID},
		{"flow_count", SelectFlowCount},
		{"SUM(packets)", SelectStatAgg},
		{"some_attr", SelectStatUnique},
	}
	for _, c := range cases {
		tok, err := ParseSelectToken(c.raw)
		if err != nil {
			t.Fatalf("ParseSelectToken(%q): %v", c.raw, err)
		}
		if tok.Kind != c.kind {
			t.Errorf("ParseSelectToken(%q).Kind = %v, want %v", c.raw, tok.Kind, c.kind)
		}
	}

	if tok, _ := ParseSelectToken("packets"); !tok.StatRaw {
		t.Error(`ParseSelectToken("packets").StatRaw = false, want true`)
	}
	if tok, _ := ParseSelectToken("sum(packets)"); tok.StatRaw {
		t.Error(`ParseSelectToken("sum(packets)").StatRaw = true, want false`)
	}
	if tok, _ := ParseSelectToken("bytes"); !tok.StatRaw {
		t.Error(`ParseSelectToken("bytes").StatRaw = false, want true`)
	}
	if tok, _ := ParseSelectToken("sum(bytes)"); tok.StatRaw {
		t.Error(`ParseSelectToken("sum(bytes)").StatRaw = true, want false`)
	}
}

func TestParseSelectTokenBadGranularity(t *testing.T) {
	if _, err := ParseSelectToken("T=abc"); !errors.Is(err, ErrBadMsg) {
		t.Errorf("err = %v, want ErrBadMsg", err)
	}
}

func TestClassifySelectShapes(t *testing.T) {
	mustTok := func(raw string) SelectToken {
		tok, err := ParseSelectToken(raw)
		if err != nil {
			t.Fatalf("ParseSelectToken(%q): %v", raw, err)
		}
		return tok
	}
	cases := []struct {
		toks []string
		want FSSelectCode
	}{
		{[]string{"sip"}, FSTupleOnly},
		{[]string{"SUM(packets)"}, FSStatsOnly},
		{[]string{"sip", "SUM(packets)"}, FSTupleStats},
		{[]string{"T"}, FSTimeOnly},
		{[]string{"T", "sip"}, FSTimeTuple},
		{[]string{"T", "packets"}, FSTimeStats},
		{[]string{"T", "sip", "packets"}, FSTimeTupleStats},
		{[]string{"T=60"}, FSTimeBinOnly},
		{[]string{"T=60", "sip"}, FSTimeBinTuple},
		{[]string{"T=60", "SUM(packets)"}, FSTimeBinStats},
		{[]string{"T=60", "sip", "SUM(packets)"}, FSTimeBinTupleStats},
	}
	for _, c := range cases {
		var toks []SelectToken
		for _, r := range c.toks {
			toks = append(toks, mustTok(r))
		}
		code, _, err := ClassifySelect(toks)
		if err != nil {
			t.Fatalf("ClassifySelect(%v): %v", c.toks, err)
		}
		if code != c.want {
			t.Errorf("ClassifySelect(%v) = %v, want %v", c.toks, code, c.want)
		}
	}
}

func TestClassifySelectRejectsEmptyAndConflicting(t *testing.T) {
	if _, _, err := ClassifySelect(nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty select: err = %v, want ErrInvalid", err)
	}
	tTok, _ := ParseSelectToken("T")
	tBinTok, _ := ParseSelectToken("T=30")
	if _, _, err := ClassifySelect([]SelectToken{tTok, tBinTok}); !errors.Is(err, ErrInvalid) {
		t.Errorf("T+T=: err = %v, want ErrInvalid", err)
	}
}

// TestClassifySelectRawVsSumStats pins the RAW ("packets"/"bytes") vs SUM
// ("sum(packets)"/"sum(bytes)") distinction: RAW pairs with bare T (or no
// T), SUM pairs with no T or T=; the opposite pairing is EINVAL
// (original_source/query_engine/select.cc's evaluate_fs_query_type).
func TestClassifySelectRawVsSumStats(t *testing.T) {
	mustTok := func(raw string) SelectToken {
		tok, err := ParseSelectToken(raw)
		if err != nil {
			t.Fatalf("ParseSelectToken(%q): %v", raw, err)
		}
		return tok
	}

	if code, _, err := ClassifySelect([]SelectToken{mustTok("T"), mustTok("packets")}); err != nil {
		t.Fatalf("T + raw packets should be valid: %v", err)
	} else if code != FSTimeStats {
		t.Errorf("T + raw packets = %v, want FSTimeStats", code)
	}

	if _, _, err := ClassifySelect([]SelectToken{mustTok("T=60"), mustTok("packets")}); !errors.Is(err, ErrInvalid) {
		t.Errorf("T= + raw packets: err = %v, want ErrInvalid", err)
	}

	if _, _, err := ClassifySelect([]SelectToken{mustTok("T"), mustTok("sum(packets)")}); !errors.Is(err, ErrInvalid) {
		t.Errorf("T + sum(packets): err = %v, want ErrInvalid", err)
	}

	if code, _, err := ClassifySelect([]SelectToken{mustTok("T=60"), mustTok("sum(packets)")}); err != nil {
		t.Fatalf("T= + sum(packets) should be valid: %v", err)
	} else if code != FSTimeBinStats {
		t.Errorf("T= + sum(packets) = %v, want FSTimeBinStats", code)
	}
}

func TestBuildQueryRejectsInvalidFlowSeriesShape(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := Params{
		Table:     "FlowRecordTable",
		StartTime: "now-1h",
		EndTime:   "now",
		Select:    []string{"T=60", "packets"},
	}
	if _, err := BuildQuery(p, now, 8); !errors.Is(err, ErrInvalid) {
		t.Errorf("BuildQuery with T=+raw packets: err = %v, want ErrInvalid", err)
	}
}

func TestStatsOracleCF(t *testing.T) {
	if got := StatsOracleCF(DTString, SuffixNone); got != "StatTableTagStr" {
		t.Errorf("got %q", got)
	}
	if got := StatsOracleCF(DTU64, SuffixString); got != "StatTableTagU64Str" {
		t.Errorf("got %q", got)
	}
}

func TestInferDatatype(t *testing.T) {
	if InferDatatype("123") != DTU64 {
		t.Error("expected DTU64 for integer string")
	}
	if InferDatatype("1.5") != DTDouble {
		t.Error("expected DTDouble for float string")
	}
	if InferDatatype("hello") != DTString {
		t.Error("expected DTString for non-numeric")
	}
}

func TestBuildQueryEndToEnd(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := Params{
		ID:      "q1",
		Table:   "FlowRecordTable",
		StartTime: "now-1h",
		EndTime:   "now",
		Where: []interface{}{
			map[string]interface{}{"name": "sip", "value": "10.0.0.1", "op": "EQUAL"},
			map[string]interface{}{"name": "svn", "value": "default-domain:vn1", "op": "EQUAL"},
		},
		Select: []string{"T", "sip", "packets"},
		Sort:   []string{"-T"},
		Limit:  "100",
	}
	q, err := BuildQuery(p, now, 8)
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if q.Family != FamilyFlow {
		t.Errorf("family = %v, want FamilyFlow", q.Family)
	}
	if len(q.Chunks) == 0 {
		t.Error("expected chunk plan for parallelizable family")
	}
	if q.Limit != 100 {
		t.Errorf("limit = %d, want 100", q.Limit)
	}
	if len(q.Sort) != 1 || q.Sort[0].Dir != Descending {
		t.Errorf("sort = %+v", q.Sort)
	}
}

func TestBuildQueryRejectsUnknownTable(t *testing.T) {
	_, err := BuildQuery(Params{Table: "NoSuchTable", StartTime: "0", EndTime: "1"}, time.Now(), 4)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestBuildQueryObjectTableIsNotChunked(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q, err := BuildQuery(Params{Table: "ObjectValueTable", StartTime: "now-1h", EndTime: "now"}, now, 8)
	if err != nil {
		t.Fatalf("BuildQuery: %v", err)
	}
	if len(q.Chunks) != 1 {
		t.Errorf("object table should produce exactly one chunk, got %d", len(q.Chunks))
	}
}
