package tablet

import "bytes"

// Key is a packed sequence of key-column values, compared byte-wise.
// Encoding of individual values into a Key is the caller's
// responsibility (the wire protocol already delivers
// length-prefixed column values; callers concatenate the key columns
// in schema order to form a Key).
type Key []byte

// Compare orders two keys byte-wise, which is the tablet's row-key
// comparer for all sorted-table components.
func Compare(a, b Key) int { return bytes.Compare(a, b) }

// Less reports whether a sorts strictly before b.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// Value is a single decoded column value. Which Go type populates the
// interface depends on the column's ColumnType; nil means "no value
// captured" (distinct from an explicit empty string/bytes).
type Value any

// Row is the externally-visible decoded form of a single row at some
// read timestamp: key-column values and the value columns visible at
// that timestamp (by schema column index, sparse — absent entries are
// not included in Values).
type Row struct {
	Key    Key
	Values map[int]Value // value-column schema index -> value
	Delete bool          // true for a tombstone row surfaced to a versioned reader
}

// WriteRow is a single row mutation as decoded off the wire: full key,
// plus the value columns being written (by schema index).
type WriteRow struct {
	Key     Key
	Columns map[int]Value
}
