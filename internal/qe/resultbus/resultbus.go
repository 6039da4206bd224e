// Package resultbus implements the result-bus client (C2): the coordinator's
// connections to the front-end queue/result store.
//
// The bus models K+1 logical connections per spec.md §4.2. Connection 0 is
// reserved for new-query intake (BRPOPLPUSH); connections 1..K carry
// per-query I/O (reading query parameters, pushing progress and result
// rows). go-redis/v9 already pools sockets internally, so each "connection"
// here is a distinct *redis.Client wrapped with its own state machine and
// atomic pipeline counter, to keep the blocking-pop isolation and
// least-loaded selection the spec describes explicit in the code rather than
// delegated to the pool.
package resultbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gastrolog-qe/internal/logging"

	"github.com/redis/go-redis/v9"
)

// ReconnectInterval is the fixed reconnect timer period (spec.md §4.2: 5s).
const ReconnectInterval = 5 * time.Second

// ResultByteThreshold is the accumulated-bytes threshold before a result
// batch is flushed with RPUSH (spec.md §4.2, §6: 10000 bytes).
const ResultByteThreshold = 10_000

// ResultTTL is the TTL set on per-query result/reply/query keys at
// completion (spec.md §6: 300s).
const ResultTTL = 300 * time.Second

// State is a connection's position in the {INIT,PENDING,CONNECTED,DISCONNECTED} machine.
type State int32

const (
	StateInit State = iota
	StatePending
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePending:
		return "PENDING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ErrNoConnection is returned when the admission-time hash read finds no
// healthy connection (spec.md §4.3 step 1: "No Redis Connection").
var ErrNoConnection = errors.New("resultbus: no redis connection")

// Conn is one logical connection: a client plus its state and, for workers,
// the count of pipelines currently pinned to it.
type Conn struct {
	id     int
	client *redis.Client
	state  atomic.Int32
	pinned atomic.Int64
}

func newConn(id int, opts *redis.Options) *Conn {
	return &Conn{id: id, client: redis.NewClient(opts)}
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Pinned reports how many pipelines are currently pinned to this connection.
func (c *Conn) Pinned() int64 { return c.pinned.Load() }

// Client exposes the underlying go-redis client for callers that need direct access.
func (c *Conn) Client() *redis.Client { return c.client }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// supervise keeps the connection's state machine current: PENDING until the
// first successful PING, CONNECTED while pings succeed, DISCONNECTED on
// failure with a fixed reconnect timer. Reconnect does not pre-empt
// in-flight work on this connection (spec.md §4.2).
func (c *Conn) supervise(ctx context.Context, logger *slog.Logger) {
	c.setState(StatePending)
	ticker := time.NewTicker(ReconnectInterval)
	defer ticker.Stop()

	check := func() {
		if err := c.client.Ping(ctx).Err(); err != nil {
			if c.State() == StateConnected {
				logger.Warn("connection lost", "conn", c.id, "err", err)
			}
			c.setState(StateDisconnected)
			return
		}
		if c.State() != StateConnected {
			logger.Info("connection up", "conn", c.id)
		}
		c.setState(StateConnected)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Config describes how to dial the result bus.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Connections int    // K; connection 0 (intake) is implicit
	Host        string // this engine's identity, used in ENGINE:<host>
}

// Bus owns the K+1 connections and the intake loop.
type Bus struct {
	logger  *slog.Logger
	host    string
	intake  *Conn
	workers []*Conn

	newQueries chan string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Bus without connecting. Call Start to begin the intake
// loop and connection supervisors.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("resultbus: addr is required")
	}
	if cfg.Connections <= 0 {
		cfg.Connections = 4
	}
	if cfg.Host == "" {
		return nil, errors.New("resultbus: host is required")
	}

	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	b := &Bus{
		logger:     logging.Default(logger).With("component", "resultbus"),
		host:       cfg.Host,
		intake:     newConn(0, opts),
		workers:    make([]*Conn, cfg.Connections),
		newQueries: make(chan string, 64),
	}
	for i := range b.workers {
		b.workers[i] = newConn(i+1, opts)
	}
	return b, nil
}

// EngineQueueKey is the per-engine backup list (ENGINE:<host>).
func (b *Bus) EngineQueueKey() string { return "ENGINE:" + b.host }

// Start launches the intake BRPOPLPUSH loop and every connection's state
// supervisor. It returns as soon as they are launched, without waiting for
// any connection's first ping.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("resultbus: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	all := append([]*Conn{b.intake}, b.workers...)
	for _, c := range all {
		c := c
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.supervise(runCtx, b.logger)
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.intakeLoop(runCtx)
	}()

	b.logger.Info("result bus started", "connections", len(b.workers)+1, "host", b.host)
	return nil
}

// Stop cancels every connection's supervisor and the intake loop and waits
// for them to exit.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	return b.intake.client.Close()
}

// intakeLoop blocks on BRPOPLPUSH(QUERYQ, ENGINE:<host>, 0) and forwards
// delivered query-ids to NewQueries. The blocking pop never runs on the
// compute path (spec.md §5).
func (b *Bus) intakeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		qid, err := b.intake.client.BRPopLPush(ctx, QueueKey, b.EngineQueueKey(), 0).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			// transient: the connection supervisor will mark this
			// connection DISCONNECTED; back off briefly and retry.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		select {
		case b.newQueries <- qid:
		case <-ctx.Done():
			return
		}
	}
}

// NewQueries delivers one query-id per admitted query.
func (b *Bus) NewQueries() <-chan string { return b.newQueries }

// LeastLoaded returns the worker connection (1..K) with the fewest pinned
// pipelines, for pinning a newly admitted pipeline (spec.md §4.3 step 4).
func (b *Bus) LeastLoaded() *Conn {
	best := b.workers[0]
	for _, c := range b.workers[1:] {
		if c.Pinned() < best.Pinned() {
			best = c
		}
	}
	return best
}

// Pin increments the pinned-pipeline counter for a connection a pipeline is
// now bound to for its lifetime.
func (c *Conn) Pin() { c.pinned.Add(1) }

// Unpin decrements the pinned-pipeline counter when a pipeline completes.
func (c *Conn) Unpin() { c.pinned.Add(-1) }

// ReadQuery reads the QUERY:<qid> hash at admission time (spec.md §4.3 step 1).
// Returns ErrNoConnection if no connection is currently CONNECTED.
func (b *Bus) ReadQuery(ctx context.Context, qid string) (map[string]string, error) {
	if b.intake.State() != StateConnected && allDisconnected(b.workers) {
		return nil, ErrNoConnection
	}
	fields, err := b.intake.client.HGetAll(ctx, QueryKey(qid)).Result()
	if err != nil {
		return nil, fmt.Errorf("resultbus: read %s: %w", QueryKey(qid), err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, qid)
	}
	return fields, nil
}

func allDisconnected(conns []*Conn) bool {
	for _, c := range conns {
		if c.State() == StateConnected {
			return false
		}
	}
	return true
}

// ErrQueryNotFound is returned by ReadQuery when QUERY:<qid> does not exist
// (surfaced by the caller as QueryError kind 5, per spec.md §7: "-5").
var ErrQueryNotFound = errors.New("resultbus: query hash not found")

// Key layout helpers (spec.md §6).
const QueueKey = "QUERYQ"

func QueryKey(qid string) string  { return "QUERY:" + qid }
func ReplyKey(qid string) string  { return "REPLY:" + qid }
func ResultKey(qid string, rownum int) string {
	return fmt.Sprintf("RESULT:%s:%d", qid, rownum)
}

// PushProgress RPUSHes a JSON-encoded progress frame onto REPLY:<qid>.
func (c *Conn) PushProgress(ctx context.Context, qid string, frame string) error {
	return c.client.RPush(ctx, ReplyKey(qid), frame).Err()
}

// PushResultBatch RPUSHes a batch of already-encoded JSON rows onto
// RESULT:<qid>:<rownum>. Callers accumulate rows until ResultByteThreshold
// bytes before calling this, per spec.md §4.2/§6.
func (c *Conn) PushResultBatch(ctx context.Context, qid string, rownum int, rows []string) error {
	if len(rows) == 0 {
		return nil
	}
	args := make([]interface{}, len(rows))
	for i, r := range rows {
		args[i] = r
	}
	return c.client.RPush(ctx, ResultKey(qid, rownum), args...).Err()
}

// Finish sets the 300s TTL on the query's result/reply/query keys and
// removes the qid from the engine's backup list (spec.md §4.3 step 5, §6).
func (c *Conn) Finish(ctx context.Context, engineQueueKey, qid string, resultRownums []int) error {
	pipe := c.client.TxPipeline()
	pipe.Expire(ctx, QueryKey(qid), ResultTTL)
	pipe.Expire(ctx, ReplyKey(qid), ResultTTL)
	for _, n := range resultRownums {
		pipe.Expire(ctx, ResultKey(qid, n), ResultTTL)
	}
	pipe.LRem(ctx, engineQueueKey, 0, qid)
	_, err := pipe.Exec(ctx)
	return err
}

// BatchBytes estimates the byte size of an already-encoded row for batching
// decisions against ResultByteThreshold.
func BatchBytes(rows []string) int {
	n := 0
	for _, r := range rows {
		n += len(r)
	}
	return n
}

// RenderProgress formats a {"progress":N[,"lines":L,"count":C]} frame. N may
// be a positive percentage or a negative error code (spec.md §6).
func RenderProgress(progress int, lines, count *int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{"progress":%d`, progress)
	if lines != nil {
		fmt.Fprintf(&b, `,"lines":%d`, *lines)
	}
	if count != nil {
		fmt.Fprintf(&b, `,"count":%d`, *count)
	}
	b.WriteByte('}')
	return b.String()
}
