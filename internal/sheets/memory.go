package sheets

import (
	"context"
	"fmt"
	"sync"

	"github.com/sweeplog/sweeplog/internal/shared"
)

// MemoryStore is an in-memory Store used by tests. It behaves like a
// healthy spreadsheet (schema-missing errors for absent tables, keyed
// single-row upserts) and can be told to fail specific operations.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][][]string
	ops    []string
	forced map[string][]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string][][]string),
		forced: make(map[string][]error),
	}
}

// ForceError queues err for an upcoming call to op ("ensure_schema",
// "append", "upsert", "read"). Entries are consumed in order; a nil
// entry lets one call through.
func (m *MemoryStore) ForceError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced[op] = append(m.forced[op], err)
}

// SeedTable replaces a table's data rows wholesale, creating the table
// if needed.
func (m *MemoryStore) SeedTable(table string, rows [][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([][]string, len(rows))
	for i, r := range rows {
		copied[i] = copyRow(r)
	}
	m.tables[table] = copied
}

// Ops returns the chronological operation log.
func (m *MemoryStore) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ops))
	copy(out, m.ops)
	return out
}

// RowCount reports the number of data rows in table.
func (m *MemoryStore) RowCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Rows returns a copy of the table's data rows.
func (m *MemoryStore) Rows(table string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = copyRow(r)
	}
	return out
}

func (m *MemoryStore) EnsureSchema(ctx context.Context, tables []TableSpec) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "ensure_schema")
	if err := m.takeForced("ensure_schema"); err != nil {
		return err
	}
	for _, table := range tables {
		if _, ok := m.tables[table.Name]; !ok {
			m.tables[table.Name] = nil
		}
	}
	return nil
}

func (m *MemoryStore) AppendRow(ctx context.Context, table string, row []string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "append "+table)
	if err := m.takeForced("append"); err != nil {
		return err
	}
	rows, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("append %s: %w", table, shared.ErrSchemaMissing)
	}
	m.tables[table] = append(rows, copyRow(row))
	return nil
}

func (m *MemoryStore) UpsertRow(ctx context.Context, table string, key string, row []string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "upsert "+table)
	if err := m.takeForced("upsert"); err != nil {
		return err
	}
	rows, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("upsert %s: %w", table, shared.ErrSchemaMissing)
	}

	if key == "" {
		if len(rows) == 0 {
			m.tables[table] = [][]string{copyRow(row)}
		} else {
			rows[0] = copyRow(row)
		}
		return nil
	}

	for i, r := range rows {
		if len(r) > 0 && r[0] == key {
			rows[i] = copyRow(row)
			return nil
		}
	}
	m.tables[table] = append(rows, copyRow(row))
	return nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, table string) ([][]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "read "+table)
	if err := m.takeForced("read"); err != nil {
		return nil, err
	}
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", table, shared.ErrSchemaMissing)
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = copyRow(r)
	}
	return out, nil
}

func (m *MemoryStore) takeForced(op string) error {
	queue := m.forced[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.forced[op] = queue[1:]
	return err
}

func copyRow(row []string) []string {
	out := make([]string, len(row))
	copy(out, row)
	return out
}
