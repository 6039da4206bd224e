package selectexec

import (
	"context"
	"fmt"

	"gastrolog-qe/internal/qe/storage"
)

// FetchedRow is one per-UUID row result: the row's own fields and its
// originating UUID.
type FetchedRow struct {
	UUID   string
	Fields map[string]string
}

// FetchByUUID performs the per-UUID fetch family (spec.md §4.6): given a
// row-handle set naming the UUIDs to retrieve (already deduplicated by
// whereexec for flow families), batch-reads the backing record CF and
// renders each stored row's cell columns to strings.
func FetchByUUID(ctx context.Context, eng storage.Engine, recordCF string, handles []storage.RowHandle, uuidIndex int) ([]FetchedRow, error) {
	uuids := make([]string, 0, len(handles))
	seen := make(map[string]bool, len(handles))
	for _, h := range handles {
		u, ok := h.UUID(uuidIndex)
		if !ok || seen[u] {
			continue
		}
		seen[u] = true
		uuids = append(uuids, u)
	}

	rowsByKey, err := eng.GetMultiRow(ctx, recordCF, uuids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}

	out := make([]FetchedRow, 0, len(uuids))
	for _, u := range uuids {
		rows, ok := rowsByKey[u]
		if !ok || len(rows) == 0 {
			continue
		}
		out = append(out, FetchedRow{UUID: u, Fields: renderRow(rows[0])})
	}
	return out, nil
}

func renderRow(row storage.Row) map[string]string {
	fields := make(map[string]string, len(row.Names))
	for i, name := range row.Names {
		if i >= len(row.Values) {
			break
		}
		fields[name.String()] = row.Values[i].String()
	}
	return fields
}

// ObjectRenderer renders one object-log row after SandeshType dispatch.
type ObjectRenderer func(storage.Row) map[string]string

// objectRenderers holds per-SandeshType overrides; unregistered types fall
// back to generic name/value rendering.
var objectRenderers = map[string]ObjectRenderer{}

// RegisterObjectRenderer installs a SandeshType-specific row renderer
// (spec.md SUPPLEMENTED FEATURES: object-log queries route by SandeshType
// the way StatsSelect routes by StatsOracle datatype).
func RegisterObjectRenderer(sandeshType string, fn ObjectRenderer) {
	objectRenderers[sandeshType] = fn
}

// RenderObjectRow dispatches one object-log row to its SandeshType's
// renderer, or the generic fallback if none is registered.
func RenderObjectRow(sandeshType string, row storage.Row) map[string]string {
	if fn, ok := objectRenderers[sandeshType]; ok {
		return fn(row)
	}
	fields := renderRow(row)
	fields["sandesh_type"] = sandeshType
	return fields
}
