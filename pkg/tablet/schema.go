package tablet

// ColumnType enumerates the wire-level value types a column may hold.
// These mirror the type tags of the binary command stream.
type ColumnType int

const (
	ColumnTypeInt64 ColumnType = iota
	ColumnTypeUint64
	ColumnTypeDouble
	ColumnTypeBoolean
	ColumnTypeString
	ColumnTypeBytes
	ColumnTypeAny
)

// Column describes one schema column: its name, type, whether it
// participates in the sort key, and (value columns only) the lock
// group it belongs to.
type Column struct {
	Name      string
	Type      ColumnType
	SortOrder bool // true for key columns
	LockGroup int  // 0 = primary; only meaningful for non-key columns
	Expression string
}

// Schema is the ordered list of columns for a tablet, split into key
// columns (the first KeyColumnCount) followed by value columns.
type Schema struct {
	Columns        []Column
	KeyColumnCount int
}

// KeyColumns returns the schema's key-column slice.
func (s *Schema) KeyColumns() []Column { return s.Columns[:s.KeyColumnCount] }

// ValueColumns returns the schema's non-key column slice.
func (s *Schema) ValueColumns() []Column { return s.Columns[s.KeyColumnCount:] }

// ColumnIndex returns the index of name in s.Columns, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// LockGroupCount returns one plus the maximum lock group referenced by
// any value column (lock group 0, the primary, always exists).
func (s *Schema) LockGroupCount() int {
	max := 0
	for _, c := range s.ValueColumns() {
		if c.LockGroup > max {
			max = c.LockGroup
		}
	}
	return max + 1
}

// LockMaskFor returns the bitset of lock groups touched when writing
// columnIndexes (schema-relative, value columns only). Row-mode writes
// pass a nil slice and get the primary-only mask.
func (s *Schema) LockMaskFor(columnIndexes []int) uint64 {
	if len(columnIndexes) == 0 {
		return 1 // primary bit
	}
	var mask uint64 = 1
	for _, idx := range columnIndexes {
		col := s.Columns[idx]
		mask |= 1 << uint(col.LockGroup)
	}
	return mask
}
