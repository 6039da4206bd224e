// Package jobserver implements the job-server proxy (C3): the coordinator
// that admits queries off the result bus, drives their WHERE/SELECT/
// POST-PROCESSING pipeline to completion, and streams the result back.
//
// Grounded on internal/orchestrator's lifecycle/registry shape — Start/Stop
// with context.WithCancel and a sync.WaitGroup, a mutex-guarded slot map,
// atomic stat counters surfaced as metrics. That file was never copied into
// this tree: the domain differs (scheduling query pipelines, not routing
// ingestion/store traffic), so only the pattern is reused here, not the code
// (see DESIGN.md).
package jobserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gastrolog-qe/internal/config"
	"gastrolog-qe/internal/logging"
	"gastrolog-qe/internal/qe/pipeline"
	"gastrolog-qe/internal/qe/postproc"
	"gastrolog-qe/internal/qe/queryplan"
	"gastrolog-qe/internal/qe/resultbus"
	"gastrolog-qe/internal/qe/selectexec"
	"gastrolog-qe/internal/qe/storage"
	"gastrolog-qe/internal/qe/whereexec"

	"github.com/prometheus/client_golang/prometheus"
)

// Errno-style codes the result bus's negative progress frames carry (real
// Linux errno values; spec.md §6-7 names these both symbolically, -EBADMSG
// etc, and literally, QueryError(qid, 5)).
const (
	ErrnoEIO     = 5
	ErrnoEINVAL  = 22
	ErrnoEMFILE  = 24
	ErrnoEBADMSG = 74
	ErrnoENOBUFS = 105
)

// ErrAlreadyRunning and ErrNotRunning guard Start/Stop against double calls.
var (
	ErrAlreadyRunning = errors.New("jobserver: already running")
	ErrNotRunning     = errors.New("jobserver: not running")
)

var (
	errEMFILE         = errors.New("jobserver: pipeline admission at capacity")
	errPipelineFailed = errors.New("jobserver: pipeline execution failed")
)

// Metrics are the coordinator's Prometheus surface (spec.md §8).
type Metrics struct {
	InflightPipelines prometheus.Gauge
	EMFILETotal       prometheus.Counter
	RowsStreamedTotal prometheus.Counter
}

// NewMetrics constructs and, if reg is non-nil, registers the coordinator's
// metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InflightPipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qe_inflight_pipelines",
			Help: "Number of query pipelines currently admitted and running.",
		}),
		EMFILETotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qe_emfile_total",
			Help: "Queries rejected at admission because max_pipelines was reached.",
		}),
		RowsStreamedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qe_rows_streamed_total",
			Help: "Result rows pushed to the result bus across all queries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InflightPipelines, m.EMFILETotal, m.RowsStreamedTotal)
	}
	return m
}

type pipelineEntry struct {
	qid     string
	conn    *resultbus.Conn
	started time.Time
}

// Coordinator admits queries from the result bus, runs each on its own
// pipeline.Pipeline, and streams the merged result back.
type Coordinator struct {
	bus     *resultbus.Bus
	engine  storage.Engine
	tun     config.Tunables
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.RWMutex
	pipelines map[string]*pipelineEntry
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a Coordinator. metrics may be nil, in which case unregistered
// metrics are created (useful for tests).
func New(bus *resultbus.Bus, engine storage.Engine, tun config.Tunables, logger *slog.Logger, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Coordinator{
		bus:       bus,
		engine:    engine,
		tun:       tun,
		logger:    logging.Default(logger).With("component", "jobserver"),
		metrics:   metrics,
		now:       time.Now,
		pipelines: make(map[string]*pipelineEntry),
	}
}

// Start launches the intake loop that admits queries off bus.NewQueries().
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.intakeLoop(runCtx)
	}()

	c.logger.Info("job server started", "max_pipelines", c.tun.MaxPipelines, "max_rows", c.tun.MaxRows)
	return nil
}

// Stop cancels the intake loop and waits for every in-flight query pipeline
// goroutine to return.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) intakeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qid, ok := <-c.bus.NewQueries():
			if !ok {
				return
			}
			c.admit(ctx, qid)
		}
	}
}

// admit implements spec.md §4.3's admission round-trip: capacity check,
// QUERY:<qid> hash read, query-plan build, connection pin, pipeline launch.
func (c *Coordinator) admit(ctx context.Context, qid string) {
	c.mu.Lock()
	if len(c.pipelines) >= c.tun.MaxPipelines {
		c.mu.Unlock()
		c.metrics.EMFILETotal.Inc()
		c.logger.Warn("pipeline admission rejected: at capacity", "qid", qid, "max_pipelines", c.tun.MaxPipelines)
		c.failQuery(ctx, qid, errEMFILE)
		return
	}
	c.mu.Unlock()

	fields, err := c.bus.ReadQuery(ctx, qid)
	if err != nil {
		c.failQuery(ctx, qid, err)
		return
	}

	q, err := c.buildQuery(qid, fields)
	if err != nil {
		c.failQuery(ctx, qid, err)
		return
	}

	conn := c.bus.LeastLoaded()
	conn.Pin()

	c.mu.Lock()
	c.pipelines[qid] = &pipelineEntry{qid: qid, conn: conn, started: c.now()}
	n := len(c.pipelines)
	c.mu.Unlock()
	c.metrics.InflightPipelines.Set(float64(n))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finishPipeline(qid, conn)
		c.runQuery(ctx, q, conn)
	}()
}

func (c *Coordinator) finishPipeline(qid string, conn *resultbus.Conn) {
	c.mu.Lock()
	delete(c.pipelines, qid)
	n := len(c.pipelines)
	c.mu.Unlock()
	c.metrics.InflightPipelines.Set(float64(n))
	conn.Unpin()
}

// buildQuery JSON-decodes the QUERY:<qid> hash's array-valued fields into
// queryplan.Params and resolves it into a Query (spec.md §4.3 step 2).
func (c *Coordinator) buildQuery(qid string, fields map[string]string) (*queryplan.Query, error) {
	p := queryplan.Params{
		ID:          qid,
		Table:       fields["table"],
		StartTime:   fields["start_time"],
		EndTime:     fields["end_time"],
		Limit:       fields["limit"],
		Granularity: fields["granularity"],
		Direction:   fields["direction"],
		ObjectID:    fields["object_id"],
	}
	if raw := fields["where"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Where); err != nil {
			return nil, fmt.Errorf("%w: bad where: %v", queryplan.ErrBadMsg, err)
		}
	}
	if raw := fields["filter"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Filter); err != nil {
			return nil, fmt.Errorf("%w: bad filter: %v", queryplan.ErrBadMsg, err)
		}
	}
	if raw := fields["select"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Select); err != nil {
			return nil, fmt.Errorf("%w: bad select: %v", queryplan.ErrBadMsg, err)
		}
	}
	if raw := fields["sort"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Sort); err != nil {
			return nil, fmt.Errorf("%w: bad sort: %v", queryplan.ErrBadMsg, err)
		}
	}
	if raw := fields["table_schema"]; raw != "" {
		var cols map[string]string
		if err := json.Unmarshal([]byte(raw), &cols); err != nil {
			return nil, fmt.Errorf("%w: bad table_schema: %v", queryplan.ErrBadMsg, err)
		}
		p.TableSchema = queryplan.TableSchemaParam{Table: p.Table, Columns: cols}
	}
	return queryplan.BuildQuery(p, c.now(), c.tun.MaxSlice)
}

func errnoForKind(kind whereexec.ErrorKind) int {
	switch kind {
	case whereexec.KindBadMsg:
		return ErrnoEBADMSG
	case whereexec.KindIO:
		return ErrnoEIO
	default:
		return ErrnoEINVAL
	}
}

// failQuery reports a query failure as a negative-progress frame (spec.md
// §6-7). A missing QUERY:<qid> hash or no healthy connection is reported as
// errno 5 per spec.md's literal QueryError(qid, 5); admission-capacity
// rejection as EMFILE; everything else through whereexec.Classify.
func (c *Coordinator) failQuery(ctx context.Context, qid string, err error) {
	var code int
	switch {
	case errors.Is(err, errEMFILE):
		code = ErrnoEMFILE
	case errors.Is(err, resultbus.ErrQueryNotFound), errors.Is(err, resultbus.ErrNoConnection):
		code = ErrnoEIO
	default:
		code = errnoForKind(whereexec.Classify(err))
	}
	c.logger.Warn("query failed", "qid", qid, "errno", code, "err", err)

	conn := c.bus.LeastLoaded()
	frame := resultbus.RenderProgress(-code, nil, nil)
	if pErr := conn.PushProgress(ctx, qid, frame); pErr != nil {
		c.logger.Warn("failed to push failure progress frame", "qid", qid, "err", pErr)
	}
}

// execMode distinguishes a plain per-UUID row fetch from a flow-series/
// StatsSelect execution, which determines how a chunk's WHERE output is
// turned into rendered rows (spec.md §4.6).
type execMode int

const (
	modeRowWise execMode = iota
	modeStats
)

func classifyExecutionMode(toks []queryplan.SelectToken) execMode {
	for _, t := range toks {
		switch t.Kind {
		case queryplan.SelectRawTime, queryplan.SelectTimeBin, queryplan.SelectFlowTuple,
			queryplan.SelectStatAgg, queryplan.SelectPackets, queryplan.SelectBytes,
			queryplan.SelectFlowCount, queryplan.SelectFlowClassID:
			return modeStats
		}
	}
	return modeRowWise
}

// chunkResult is one chunk's WHERE+SELECT output, in either shape.
type chunkResult struct {
	isStats     bool
	statRows    []*selectexec.StatRow
	groupFields []string
	handles     []storage.RowHandle
	values      []postproc.RowValues
}

func (c *Coordinator) execChunk(ctx context.Context, q *queryplan.Query, chunk queryplan.ChunkRange) (chunkResult, error) {
	idx := &whereexec.EngineIndex{Engine: c.engine, Table: q.Table}
	handles, err := whereexec.Execute(ctx, idx, q.Family, q.Where, chunk)
	if err != nil {
		return chunkResult{}, err
	}
	if classifyExecutionMode(q.Select) == modeStats {
		return c.execStatsChunk(ctx, q, handles)
	}
	return c.execRowChunk(ctx, q, handles)
}

func cellFromString(v string) storage.Cell {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return storage.IntCell(n)
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return storage.DoubleCell(f)
	}
	return storage.StrCell(v)
}

func (c *Coordinator) execStatsChunk(ctx context.Context, q *queryplan.Query, handles []storage.RowHandle) (chunkResult, error) {
	fetched, err := selectexec.FetchByUUID(ctx, c.engine, q.Table+"__record", handles, 0)
	if err != nil {
		return chunkResult{}, err
	}

	tsByUUID := make(map[string]int64, len(handles))
	for _, h := range handles {
		if u, ok := h.UUID(0); ok {
			tsByUUID[u] = h.TimestampMicros
		}
	}

	flowRows := make([]selectexec.FlowRow, 0, len(fetched))
	for _, r := range fetched {
		tuple := make(map[string]string, len(r.Fields))
		values := make(map[string]storage.Cell, len(r.Fields))
		for k, v := range r.Fields {
			tuple[k] = v
			values[k] = cellFromString(v)
		}
		flowRows = append(flowRows, selectexec.FlowRow{
			TimestampMicros: tsByUUID[r.UUID],
			Tuple:           tuple,
			Values:          values,
		})
	}

	statRows, groupFields, err := selectexec.RunFlowSeries(q.Select, flowRows)
	if err != nil {
		return chunkResult{}, err
	}
	return chunkResult{isStats: true, statRows: statRows, groupFields: groupFields}, nil
}

func (c *Coordinator) execRowChunk(ctx context.Context, q *queryplan.Query, handles []storage.RowHandle) (chunkResult, error) {
	fetched, err := selectexec.FetchByUUID(ctx, c.engine, q.Table+"__record", handles, 0)
	if err != nil {
		return chunkResult{}, err
	}

	handleByUUID := make(map[string]storage.RowHandle, len(handles))
	for _, h := range handles {
		if u, ok := h.UUID(0); ok {
			handleByUUID[u] = h
		}
	}

	outHandles := make([]storage.RowHandle, 0, len(fetched))
	rendered := make([]postproc.RowValues, 0, len(fetched))
	for _, r := range fetched {
		if q.ObjectID != "" && r.UUID != q.ObjectID {
			continue
		}
		rv := projectFields(q.Select, r.Fields)
		if !postproc.MatchesFilter(q.Filter, rv) {
			continue
		}
		outHandles = append(outHandles, handleByUUID[r.UUID])
		rendered = append(rendered, rv)
	}
	return chunkResult{handles: outHandles, values: rendered}, nil
}

// projectFields narrows a fetched row to the named SELECT columns; an empty
// SELECT list (spec.md's worked MessageTable example never omits fields, but
// a bare "select all" request may) passes every field through unchanged.
func projectFields(toks []queryplan.SelectToken, fields map[string]string) postproc.RowValues {
	if len(toks) == 0 {
		out := make(postproc.RowValues, len(fields))
		for k, v := range fields {
			out[k] = v
		}
		return out
	}
	out := make(postproc.RowValues, len(toks))
	for _, t := range toks {
		if t.AttrName == "" {
			continue
		}
		if v, ok := fields[t.AttrName]; ok {
			out[t.AttrName] = v
		}
	}
	return out
}

// finalResult is stage 1's input: every chunk's contribution merged into one
// answer, or marked overflow when it exceeds the tunable row cap.
type finalResult struct {
	isStats     bool
	statRows    []*selectexec.StatRow
	groupFields []string
	rows        []postproc.RowValues
	overflow    bool
}

// mergeChunks combines stage-0's per-chunk sub-results into one finalResult
// (spec.md §4.7's final_merge_processing). Row-wise results merge via the
// row-handle-ordered heap merge when postproc.SkipSort(q) holds, otherwise
// via a concatenate-then-sort fallback; StatsSelect results merge by group
// key. The max_rows cap is checked once here, after the full merge, rather
// than mid-scan per chunk (spec.md §3 describes stopping chunk draws as soon
// as the running total crosses max_rows; chunks run concurrently as stage-0
// instances, so this coordinator enforces the cap at the point it can act on
// it without re-opening pipeline.Pipeline's instance-level control flow).
func (c *Coordinator) mergeChunks(q *queryplan.Query, subResults []any) (any, error) {
	chunkResults := make([]chunkResult, 0, len(subResults))
	isStats := false
	for _, sr := range subResults {
		cr, ok := sr.(chunkResult)
		if !ok {
			return nil, fmt.Errorf("jobserver: unexpected stage-0 sub-result type %T", sr)
		}
		if cr.isStats {
			isStats = true
		}
		chunkResults = append(chunkResults, cr)
	}

	fr := finalResult{isStats: isStats}

	if isStats {
		var groupFields []string
		chunkStatRows := make([][]*selectexec.StatRow, 0, len(chunkResults))
		for _, cr := range chunkResults {
			chunkStatRows = append(chunkStatRows, cr.statRows)
			if len(cr.groupFields) > 0 {
				groupFields = cr.groupFields
			}
		}
		merged, err := postproc.MergeStatsRows(chunkStatRows)
		if err != nil {
			return nil, err
		}
		fr.groupFields = groupFields
		fr.statRows = merged
		if c.tun.MaxRows > 0 && len(fr.statRows) > c.tun.MaxRows {
			fr.overflow = true
			fr.statRows = fr.statRows[:c.tun.MaxRows]
			return fr, nil
		}
		if q.Limit > 0 && len(fr.statRows) > q.Limit {
			fr.statRows = fr.statRows[:q.Limit]
		}
		return fr, nil
	}

	var rows []postproc.RowValues
	if postproc.SkipSort(q) {
		pc := make([]postproc.ChunkResult, 0, len(chunkResults))
		for _, cr := range chunkResults {
			pc = append(pc, postproc.ChunkResult{Handles: cr.handles, Values: cr.values})
		}
		reverse := len(q.Sort) > 0 && q.Sort[0].Dir == queryplan.Descending
		rows = postproc.MergeChunks(pc, reverse)
	} else {
		for _, cr := range chunkResults {
			rows = append(rows, cr.values...)
		}
		if len(q.Sort) > 0 {
			postproc.Sort(q.Sort, rows)
		}
	}

	if c.tun.MaxRows > 0 && len(rows) > c.tun.MaxRows {
		fr.overflow = true
		return fr, nil
	}
	fr.rows = postproc.Limit(rows, q.Limit)
	return fr, nil
}

// finalizeQuery renders the merged result to the result bus (spec.md §4.2,
// §6): batched RPUSHes of JSON rows every ResultByteThreshold bytes, a
// {"progress":90} heartbeat per flush, and a final {"progress":100} frame
// before Finish sets TTLs and removes qid from the engine's backup list. An
// overflowing result skips row streaming entirely and reports -ENOBUFS, per
// spec.md §3.
func (c *Coordinator) finalizeQuery(ctx context.Context, q *queryplan.Query, conn *resultbus.Conn, fr finalResult) error {
	if fr.overflow {
		frame := resultbus.RenderProgress(-ErrnoENOBUFS, nil, nil)
		if err := conn.PushProgress(ctx, q.ID, frame); err != nil {
			return err
		}
		return conn.Finish(ctx, c.bus.EngineQueueKey(), q.ID, nil)
	}

	var encoded []string
	if fr.isStats {
		for _, r := range fr.statRows {
			b, err := json.Marshal(r.Render(fr.groupFields))
			if err != nil {
				return err
			}
			encoded = append(encoded, string(b))
		}
	} else {
		for _, r := range fr.rows {
			b, err := json.Marshal(r)
			if err != nil {
				return err
			}
			encoded = append(encoded, string(b))
		}
	}

	var rownums []int
	rownum := 0
	batch := make([]string, 0, 32)
	batchBytes := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := conn.PushResultBatch(ctx, q.ID, rownum, batch); err != nil {
			return err
		}
		rownums = append(rownums, rownum)
		c.metrics.RowsStreamedTotal.Add(float64(len(batch)))
		rownum++
		batch = batch[:0]
		batchBytes = 0
		return conn.PushProgress(ctx, q.ID, resultbus.RenderProgress(90, nil, nil))
	}

	for _, row := range encoded {
		batch = append(batch, row)
		batchBytes += len(row)
		if batchBytes >= resultbus.ResultByteThreshold {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	lines := len(encoded)
	count := lines
	if err := conn.PushProgress(ctx, q.ID, resultbus.RenderProgress(100, &lines, &count)); err != nil {
		return err
	}
	return conn.Finish(ctx, c.bus.EngineQueueKey(), q.ID, rownums)
}

// runQuery wires one query's two-stage pipeline: stage 0 runs WHERE+SELECT
// per chunk (one instance per chunk, merging when there's more than one),
// stage 1 finalizes the merged result. When stage 0 has a single instance,
// pipeline.Pipeline promotes its sole sub-result directly (no Merge is
// required when Instances == 1), so stage 1's Execute accepts either a
// chunkResult (that promoted case, merged here) or a finalResult (the normal
// multi-chunk case, already merged by stage 0).
func (c *Coordinator) runQuery(ctx context.Context, q *queryplan.Query, conn *resultbus.Conn) {
	if err := conn.PushProgress(ctx, q.ID, resultbus.RenderProgress(15, nil, nil)); err != nil {
		c.logger.Warn("failed to push admission heartbeat", "qid", q.ID, "err", err)
	}

	stage0 := pipeline.Stage{
		Name:      "where_select",
		Instances: len(q.Chunks),
		Execute: func(ctx context.Context, instance int, _ []any, input any) (pipeline.StepResult, error) {
			qq := input.(*queryplan.Query)
			cr, err := c.execChunk(ctx, qq, qq.Chunks[instance])
			if err != nil {
				return pipeline.StepResult{}, err
			}
			return pipeline.StepResult{Outcome: pipeline.Done, SubResult: cr}, nil
		},
	}
	if stage0.Instances > 1 {
		stage0.Merge = func(ctx context.Context, subResults []any, input any) (any, error) {
			return c.mergeChunks(input.(*queryplan.Query), subResults)
		}
	}

	stage1 := pipeline.Stage{
		Name:      "final_merge",
		Instances: 1,
		Execute: func(ctx context.Context, _ int, _ []any, input any) (pipeline.StepResult, error) {
			switch v := input.(type) {
			case finalResult:
				return pipeline.StepResult{Outcome: pipeline.Done, SubResult: v}, nil
			case chunkResult:
				fr, err := c.mergeChunks(q, []any{v})
				if err != nil {
					return pipeline.StepResult{}, err
				}
				return pipeline.StepResult{Outcome: pipeline.Done, SubResult: fr}, nil
			default:
				return pipeline.StepResult{}, fmt.Errorf("jobserver: unexpected final_merge input type %T", input)
			}
		},
	}

	p, err := pipeline.New(stage0, stage1)
	if err != nil {
		c.failQuery(ctx, q.ID, err)
		return
	}

	p.Run(ctx, q, func(result any, ok bool) {
		if !ok {
			// pipeline.Pipeline.Run's CompletionFunc reports only success or
			// failure, not the failing stage's error, so the reported kind
			// here is a conservative EINVAL default rather than the WHERE
			// stage's actual classification (see DESIGN.md).
			c.failQuery(ctx, q.ID, errPipelineFailed)
			return
		}
		fr, ok := result.(finalResult)
		if !ok {
			c.failQuery(ctx, q.ID, fmt.Errorf("jobserver: unexpected pipeline result type %T", result))
			return
		}
		if err := c.finalizeQuery(ctx, q, conn, fr); err != nil {
			c.logger.Warn("failed to finalize query", "qid", q.ID, "err", err)
		}
	})
}
