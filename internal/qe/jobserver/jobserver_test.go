package jobserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"gastrolog-qe/internal/config"
	"gastrolog-qe/internal/qe/queryplan"
	"gastrolog-qe/internal/qe/resultbus"
	"gastrolog-qe/internal/qe/storage"

	"github.com/alicebob/miniredis/v2"
)

func newTestBus(t *testing.T) (*resultbus.Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	bus, err := resultbus.New(resultbus.Config{Addr: mr.Addr(), Connections: 2, Host: "engine-test"}, nil)
	if err != nil {
		t.Fatalf("resultbus.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		bus.Stop()
	})
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("bus.Start: %v", err)
	}
	return bus, mr
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func progressLines(t *testing.T, mr *miniredis.Miniredis, qid string) []string {
	t.Helper()
	lines, _ := mr.List(resultbus.ReplyKey(qid))
	return lines
}

func hasProgress(lines []string, want string) bool {
	for _, l := range lines {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}

func TestRunQuerySingleChunkRowWise(t *testing.T) {
	bus, mr := newTestBus(t)
	eng := storage.NewMemory()
	ctx := context.Background()
	if err := eng.Init(ctx, "ks"); err != nil {
		t.Fatal(err)
	}

	now := int64(100_000_000)
	start, end := queryplan.ClampTTL(queryplan.TTLGlobal, 0, now, now)
	key := fmt.Sprintf("%d-%d", start, end)

	eng.Put("ObjectValueTable__all", key, storage.Row{
		Names:  []storage.Cell{storage.IntCell(10)},
		Values: []storage.Cell{storage.IntCell(10), storage.UUIDCell("obj-1")},
	})
	eng.Put("ObjectValueTable__record", "obj-1", storage.Row{
		Names:  []storage.Cell{storage.StrCell("state")},
		Values: []storage.Cell{storage.StrCell("up")},
	})

	c := New(bus, eng, config.DefaultTunables(), nil, nil)
	c.now = func() time.Time { return time.UnixMicro(now) }
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	mr.HSet(resultbus.QueryKey("qid-1"),
		"table", "ObjectValueTable",
		"start_time", "0",
		"end_time", fmt.Sprintf("%d", now),
	)
	mr.Lpush(resultbus.QueueKey, "qid-1")

	waitUntil(t, func() bool {
		return hasProgress(progressLines(t, mr, "qid-1"), `"progress":100`)
	})

	rows, _ := mr.List(resultbus.ResultKey("qid-1", 0))
	if len(rows) != 1 {
		t.Fatalf("got %d result rows, want 1: %v", len(rows), rows)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(rows[0]), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["state"] != "up" {
		t.Errorf("row = %+v, want state=up", decoded)
	}
}

func TestRunQueryMultiChunkMergesInTimeOrder(t *testing.T) {
	bus, mr := newTestBus(t)
	eng := storage.NewMemory()
	ctx := context.Background()
	if err := eng.Init(ctx, "ks"); err != nil {
		t.Fatal(err)
	}

	now := int64(10_000_000)
	tun := config.Tunables{MaxTasks: 4, MaxSlice: 64, MaxPipelines: 32, MaxRows: 1_000_000}
	start, end := queryplan.ClampTTL(queryplan.TTLGlobal, 0, now, now)
	chunkSize := queryplan.ChunkSize(start, end, tun.MaxSlice, tun.MaxSlice, 0)
	chunks := queryplan.Chunks(start, end, chunkSize)
	if len(chunks) < 2 {
		t.Fatalf("test setup: want >= 2 chunks, got %d", len(chunks))
	}

	for i, ch := range chunks {
		key := fmt.Sprintf("%d-%d", ch.From, ch.To)
		ts := ch.From + 1
		uuid := fmt.Sprintf("rec-%d", i)
		eng.Put("MessageTable__all", key, storage.Row{
			Names:  []storage.Cell{storage.IntCell(ts)},
			Values: []storage.Cell{storage.IntCell(ts), storage.UUIDCell(uuid)},
		})
		eng.Put("MessageTable__record", uuid, storage.Row{
			Names:  []storage.Cell{storage.StrCell("seq")},
			Values: []storage.Cell{storage.StrCell(strconv.Itoa(i))},
		})
	}

	c := New(bus, eng, tun, nil, nil)
	c.now = func() time.Time { return time.UnixMicro(now) }
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	mr.HSet(resultbus.QueryKey("qid-multi"),
		"table", "MessageTable",
		"start_time", "0",
		"end_time", fmt.Sprintf("%d", now),
		"sort", `["T"]`,
	)
	mr.Lpush(resultbus.QueueKey, "qid-multi")

	waitUntil(t, func() bool {
		return hasProgress(progressLines(t, mr, "qid-multi"), `"progress":100`)
	})

	rows, _ := mr.List(resultbus.ResultKey("qid-multi", 0))
	if len(rows) != len(chunks) {
		t.Fatalf("got %d result rows, want %d", len(rows), len(chunks))
	}

	prevSeq := -1
	for _, r := range rows {
		var decoded map[string]string
		if err := json.Unmarshal([]byte(r), &decoded); err != nil {
			t.Fatal(err)
		}
		seq, err := strconv.Atoi(decoded["seq"])
		if err != nil {
			t.Fatalf("bad seq %q: %v", decoded["seq"], err)
		}
		if seq <= prevSeq {
			t.Errorf("rows not ascending by time: seq=%d after prevSeq=%d", seq, prevSeq)
		}
		prevSeq = seq
	}
}

func TestAdmitRejectsAtCapacity(t *testing.T) {
	bus, mr := newTestBus(t)
	eng := storage.NewMemory()
	if err := eng.Init(context.Background(), "ks"); err != nil {
		t.Fatal(err)
	}

	tun := config.DefaultTunables()
	tun.MaxPipelines = 0
	c := New(bus, eng, tun, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	mr.HSet(resultbus.QueryKey("qid-full"), "table", "MessageTable", "start_time", "0", "end_time", "1000")
	mr.Lpush(resultbus.QueueKey, "qid-full")

	waitUntil(t, func() bool { return len(progressLines(t, mr, "qid-full")) > 0 })

	lines := progressLines(t, mr, "qid-full")
	want := fmt.Sprintf(`{"progress":%d}`, -ErrnoEMFILE)
	if lines[0] != want {
		t.Errorf("reply = %v, want %q", lines, want)
	}
}

func TestAdmitMissingQueryHashReportsErrno5(t *testing.T) {
	bus, mr := newTestBus(t)
	eng := storage.NewMemory()
	if err := eng.Init(context.Background(), "ks"); err != nil {
		t.Fatal(err)
	}

	c := New(bus, eng, config.DefaultTunables(), nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	mr.Lpush(resultbus.QueueKey, "qid-ghost")

	waitUntil(t, func() bool { return len(progressLines(t, mr, "qid-ghost")) > 0 })

	lines := progressLines(t, mr, "qid-ghost")
	want := fmt.Sprintf(`{"progress":%d}`, -ErrnoEIO)
	if lines[0] != want {
		t.Errorf("reply = %v, want %q (missing QUERY:<qid> hash reports errno 5)", lines, want)
	}
}
