package storage

import (
	"context"
	"testing"
)

func TestRowHandleOrdering(t *testing.T) {
	a := RowHandle{TimestampMicros: 100, Cells: []Cell{UUIDCell("aaa")}}
	b := RowHandle{TimestampMicros: 100, Cells: []Cell{UUIDCell("bbb")}}
	c := RowHandle{TimestampMicros: 200, Cells: []Cell{UUIDCell("aaa")}}

	if Compare(a, b) >= 0 {
		t.Errorf("a should sort before b")
	}
	if Compare(b, c) >= 0 {
		t.Errorf("b should sort before c (earlier timestamp wins regardless of cells)")
	}
	if Compare(a, a) != 0 {
		t.Errorf("a should equal itself")
	}
}

func TestMemoryEnginePutAndScan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Init(ctx, "ks"); err != nil {
		t.Fatal(err)
	}
	cf := CFDescriptor{Name: "MessageTable"}
	if err := m.UseColumnFamily(ctx, cf); err != nil {
		t.Fatal(err)
	}

	m.Put("MessageTable", "bucket-1", Row{Names: []Cell{IntCell(30)}, Values: []Cell{UUIDCell("u3")}})
	m.Put("MessageTable", "bucket-1", Row{Names: []Cell{IntCell(10)}, Values: []Cell{UUIDCell("u1")}})
	m.Put("MessageTable", "bucket-1", Row{Names: []Cell{IntCell(20)}, Values: []Cell{UUIDCell("u2")}})

	out, errc := m.GetRowAsync(ctx, "MessageTable", "bucket-1", ColumnRange{})
	var got []Row
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	// Put keeps rows sorted by leading name cell.
	if got[0].Names[0].Int != 10 || got[1].Names[0].Int != 20 || got[2].Names[0].Int != 30 {
		t.Errorf("rows not sorted: %+v", got)
	}
}

func TestMemoryEngineRangeFiltersAndCounts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := int64(0); i < 10; i++ {
		m.Put("CF", "k", Row{Names: []Cell{IntCell(i)}, Values: []Cell{IntCell(i * 10)}})
	}

	out, errc := m.GetRowAsync(ctx, "CF", "k", ColumnRange{Start: IntCell(3), Finish: IntCell(6), Count: 2})
	var got []Row
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2 (Count cap)", len(got))
	}
	if got[0].Names[0].Int != 3 || got[1].Names[0].Int != 4 {
		t.Errorf("unexpected rows: %+v", got)
	}
}

func TestMemoryEngineGetRowMiss(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rows, err := m.GetRow(ctx, "CF", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if rows != nil {
		t.Errorf("expected nil rows for miss, got %v", rows)
	}
	if m.stats.Misses.Load() != 1 {
		t.Errorf("misses = %d, want 1", m.stats.Misses.Load())
	}
}

func TestMemoryEngineGetMultiRow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put("CF", "k1", Row{Names: []Cell{IntCell(1)}, Values: []Cell{StrCell("a")}})
	m.Put("CF", "k2", Row{Names: []Cell{IntCell(2)}, Values: []Cell{StrCell("b")}})

	out, err := m.GetMultiRow(ctx, "CF", []string{"k1", "k2", "k3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d keys, want 2 (k3 missing omitted)", len(out))
	}
}
