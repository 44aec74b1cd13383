// vecindex.go registers a pure-Go vec0-compatible virtual table module and
// a vec_distance_cosine scalar function against modernc.org/sqlite, so
// Collection.init's "CREATE VIRTUAL TABLE ... USING vec0(...)" and
// searchVec's "vec_distance_cosine(...)" succeed without cgo. Ported from
// the second pack example's internal/store/vec_compat.go (an in-memory
// vtab.Module-backed vec0 shim over the same driver), trimmed from its
// three-column (embedding, content, metadata) table to the single
// embedding column this store's schema actually queries through vec_index.
package vectorstore

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	sqlite "modernc.org/sqlite"
	"modernc.org/sqlite/vtab"
)

func init() {
	_ = vtab.RegisterModule(nil, "vec0", &vec0Module{})
	_ = sqlite.RegisterDeterministicScalarFunction("vec_distance_cosine", 2, vecDistanceCosine)
}

// vec0Module implements a minimal vec0 virtual table: one BLOB column
// (embedding), rows keyed by an application-managed rowid. Good enough for
// this store's usage (insert-or-replace by explicit rowid, full-scan
// search via searchVec's JOIN) without vec0's real ANN indexing — the
// brute-force searchBruteForce path remains the correctness fallback if
// this module is ever unavailable.
type vec0Module struct{}

var (
	vec0TablesMu sync.RWMutex
	vec0Tables   = make(map[string]*vec0Table)
)

type vec0Table struct {
	mu        sync.RWMutex
	rows      map[int64][]byte
	nextRowID int64
}

func (m *vec0Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.connect(ctx, args)
}

func (m *vec0Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.connect(ctx, args)
}

func (m *vec0Module) connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("vec0: insufficient args")
	}
	name := args[2]
	if err := ctx.Declare("CREATE TABLE x(embedding BLOB)"); err != nil {
		return nil, err
	}

	vec0TablesMu.Lock()
	defer vec0TablesMu.Unlock()
	t, ok := vec0Tables[name]
	if !ok {
		t = &vec0Table{rows: make(map[int64][]byte), nextRowID: 1}
		vec0Tables[name] = t
	}
	return t, nil
}

func (t *vec0Table) BestIndex(info *vtab.IndexInfo) error {
	t.mu.RLock()
	info.EstimatedRows = int64(len(t.rows))
	t.mu.RUnlock()
	return nil
}

func (t *vec0Table) Open() (vtab.Cursor, error) {
	t.mu.RLock()
	ids := make([]int64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	return &vec0Cursor{tbl: t, ids: ids, idx: -1}, nil
}

func (t *vec0Table) Disconnect() error { return nil }
func (t *vec0Table) Destroy() error    { return nil }

// Insert handles both plain INSERT (rowid <= 0, allocate one) and the
// "INSERT OR REPLACE" callers in this package use (rowid pre-resolved by a
// sub-select; overwrite if present).
func (t *vec0Table) Insert(cols []vtab.Value, rowid *int64) error {
	if len(cols) < 1 {
		return fmt.Errorf("vec0: insert expects 1 column")
	}
	emb, err := coerceBlob(cols[0])
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rid := *rowid
	if rid <= 0 {
		rid = t.nextRowID
		t.nextRowID++
	}
	t.rows[rid] = emb
	if rid >= t.nextRowID {
		t.nextRowID = rid + 1
	}
	*rowid = rid
	return nil
}

func (t *vec0Table) Update(oldRowid int64, cols []vtab.Value, newRowid *int64) error {
	if len(cols) < 1 {
		return fmt.Errorf("vec0: update expects 1 column")
	}
	emb, err := coerceBlob(cols[0])
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	target := oldRowid
	if newRowid != nil && *newRowid > 0 {
		target = *newRowid
	}
	if target != oldRowid {
		delete(t.rows, oldRowid)
	}
	t.rows[target] = emb
	if target >= t.nextRowID {
		t.nextRowID = target + 1
	}
	return nil
}

func (t *vec0Table) Delete(oldRowid int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, oldRowid)
	return nil
}

type vec0Cursor struct {
	tbl *vec0Table
	ids []int64
	idx int
}

func (c *vec0Cursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.idx = -1
	return c.Next()
}

func (c *vec0Cursor) Next() error {
	c.idx++
	return nil
}

func (c *vec0Cursor) Eof() bool {
	return c.idx >= len(c.ids)
}

func (c *vec0Cursor) Column(col int) (vtab.Value, error) {
	if col != 0 {
		return nil, fmt.Errorf("vec0: invalid column %d", col)
	}
	c.tbl.mu.RLock()
	defer c.tbl.mu.RUnlock()
	if c.idx < 0 || c.idx >= len(c.ids) {
		return nil, fmt.Errorf("vec0: cursor out of range")
	}
	return c.tbl.rows[c.ids[c.idx]], nil
}

func (c *vec0Cursor) Rowid() (int64, error) {
	if c.idx < 0 || c.idx >= len(c.ids) {
		return 0, fmt.Errorf("vec0: cursor out of range")
	}
	return c.ids[c.idx], nil
}

func (c *vec0Cursor) Close() error { return nil }

func coerceBlob(v vtab.Value) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		cp := make([]byte, len(x))
		copy(cp, x)
		return cp, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("vec0: unsupported embedding value type %T", v)
	}
}

// vecDistanceCosine is registered as SQL function vec_distance_cosine(a, b),
// matching searchVec's query and this package's own cosineSimilarity/
// encodeVector blob layout (little-endian float32).
func vecDistanceCosine(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_distance_cosine expects 2 arguments")
	}
	a, err := decodeFloat32Arg(args[0])
	if err != nil {
		return nil, err
	}
	b, err := decodeFloat32Arg(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) != len(b) || len(a) == 0 {
		return float64(1), nil
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return float64(1), nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

func decodeFloat32Arg(v driver.Value) ([]float32, error) {
	switch x := v.(type) {
	case []byte:
		return decodeVector(x), nil
	case string:
		return decodeVector([]byte(x)), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("vec_distance_cosine: unsupported argument type %T", v)
	}
}

var _ = binary.LittleEndian
