// Package wire implements the binary command stream carried by write
// and lookup RPCs: each command is a 32-bit tag followed by a
// length-prefixed options message, a 32-bit row count, and that many
// length-prefixed rows (possibly none), every integer little-endian. Rows are flat sequences of
// (column_id, type_tag, payload) tuples; variable-width payloads
// carry their own length prefix, fixed-width ones do not. The format
// is a compatibility contract with clients and must not change shape.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/tablekit/tabletnode/pkg/tablet"
)

// CommandTag identifies one command in the stream.
type CommandTag uint32

const (
	TagWriteRow CommandTag = iota + 1
	TagDeleteRow
	TagLookupRows
)

func (t CommandTag) String() string {
	switch t {
	case TagWriteRow:
		return "WriteRow"
	case TagDeleteRow:
		return "DeleteRow"
	case TagLookupRows:
		return "LookupRows"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// Command is one decoded command: its tag, the lock mask from the
// options message (zero means row mode, primary lock only), and the
// decoded rows.
type Command struct {
	Tag      CommandTag
	LockMask uint64
	Rows     []tablet.WriteRow
}

// Encoder appends commands to an in-memory buffer. Clients hold one
// per request batch and ship Bytes() as the RPC body.
type Encoder struct {
	schema *tablet.Schema
	buf    []byte
}

func NewEncoder(schema *tablet.Schema) *Encoder {
	return &Encoder{schema: schema}
}

func (e *Encoder) Bytes() []byte { return e.buf }

// EncodeCommand appends one command. Row values are encoded in schema
// column order; absent columns are skipped.
func (e *Encoder) EncodeCommand(tag CommandTag, lockMask uint64, rows []tablet.WriteRow) error {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(tag))

	var msg []byte
	if lockMask != 0 {
		msg = binary.LittleEndian.AppendUint64(nil, lockMask)
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(msg)))
	e.buf = append(e.buf, msg...)

	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(rows)))
	for _, row := range rows {
		encoded, err := encodeRow(e.schema, row)
		if err != nil {
			return err
		}
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(encoded)))
		e.buf = append(e.buf, encoded...)
	}
	return nil
}

func encodeRow(schema *tablet.Schema, row tablet.WriteRow) ([]byte, error) {
	var out []byte
	for idx, col := range schema.Columns {
		value, ok := row.Columns[idx]
		if !ok {
			continue
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(idx))
		out = append(out, byte(col.Type))
		encoded, err := encodeValue(col.Type, value)
		if err != nil {
			return nil, fmt.Errorf("wire: column %q: %w", col.Name, err)
		}
		out = append(out, encoded...)
	}
	return out, nil
}

func encodeValue(typ tablet.ColumnType, v tablet.Value) ([]byte, error) {
	switch typ {
	case tablet.ColumnTypeInt64:
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("expected int64, got %T", v)
		}
		return binary.LittleEndian.AppendUint64(nil, uint64(n)), nil
	case tablet.ColumnTypeUint64:
		n, ok := v.(uint64)
		if !ok {
			return nil, fmt.Errorf("expected uint64, got %T", v)
		}
		return binary.LittleEndian.AppendUint64(nil, n), nil
	case tablet.ColumnTypeDouble:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("expected float64, got %T", v)
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
	case tablet.ColumnTypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case tablet.ColumnTypeString, tablet.ColumnTypeBytes, tablet.ColumnTypeAny:
		var payload []byte
		switch s := v.(type) {
		case string:
			payload = []byte(s)
		case []byte:
			payload = s
		default:
			return nil, fmt.Errorf("expected string or bytes, got %T", v)
		}
		out := binary.LittleEndian.AppendUint32(nil, uint32(len(payload)))
		return append(out, payload...), nil
	default:
		return nil, fmt.Errorf("unknown column type %d", typ)
	}
}

// Decoder walks a command-stream buffer. Next returns io.EOF once the
// buffer is exhausted; any malformed prefix or truncated payload is an
// error, never a silent partial command.
type Decoder struct {
	schema *tablet.Schema
	buf    []byte
	off    int
}

func NewDecoder(buf []byte, schema *tablet.Schema) *Decoder {
	return &Decoder{schema: schema, buf: buf}
}

func (d *Decoder) remaining() int { return len(d.buf) - d.off }

func (d *Decoder) uint16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, fmt.Errorf("wire: truncated uint16 at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *Decoder) uint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, fmt.Errorf("wire: truncated uint32 at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) uint64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, fmt.Errorf("wire: truncated uint64 at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *Decoder) bytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("wire: truncated payload of %d bytes at offset %d", n, d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

// Next decodes the next command, or io.EOF at end of stream.
func (d *Decoder) Next() (Command, error) {
	if d.remaining() == 0 {
		return Command{}, io.EOF
	}
	rawTag, err := d.uint32()
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Tag: CommandTag(rawTag)}

	msgLen, err := d.uint32()
	if err != nil {
		return Command{}, err
	}
	msg, err := d.bytes(int(msgLen))
	if err != nil {
		return Command{}, err
	}
	switch len(msg) {
	case 0:
	case 8:
		cmd.LockMask = binary.LittleEndian.Uint64(msg)
	default:
		return Command{}, fmt.Errorf("wire: %s options message has unexpected length %d", cmd.Tag, len(msg))
	}

	rowCount, err := d.uint32()
	if err != nil {
		return Command{}, err
	}
	cmd.Rows = make([]tablet.WriteRow, 0, rowCount)
	for i := uint32(0); i < rowCount; i++ {
		rowLen, err := d.uint32()
		if err != nil {
			return Command{}, err
		}
		rowBytes, err := d.bytes(int(rowLen))
		if err != nil {
			return Command{}, err
		}
		row, err := decodeRow(d.schema, rowBytes)
		if err != nil {
			return Command{}, err
		}
		cmd.Rows = append(cmd.Rows, row)
	}
	return cmd, nil
}

func decodeRow(schema *tablet.Schema, buf []byte) (tablet.WriteRow, error) {
	sub := &Decoder{schema: schema, buf: buf}
	values := make(map[int]tablet.Value)
	for sub.remaining() > 0 {
		colID, err := sub.uint16()
		if err != nil {
			return tablet.WriteRow{}, err
		}
		if int(colID) >= len(schema.Columns) {
			return tablet.WriteRow{}, fmt.Errorf("wire: column id %d out of range", colID)
		}
		typeTag, err := sub.bytes(1)
		if err != nil {
			return tablet.WriteRow{}, err
		}
		typ := tablet.ColumnType(typeTag[0])
		if typ != schema.Columns[colID].Type {
			return tablet.WriteRow{}, fmt.Errorf("wire: column %d type tag %d does not match schema type %d",
				colID, typ, schema.Columns[colID].Type)
		}
		value, err := decodeValue(sub, typ)
		if err != nil {
			return tablet.WriteRow{}, err
		}
		values[int(colID)] = value
	}

	key, err := EncodeKey(schema, values)
	if err != nil {
		return tablet.WriteRow{}, err
	}
	return tablet.WriteRow{Key: key, Columns: values}, nil
}

func decodeValue(d *Decoder, typ tablet.ColumnType) (tablet.Value, error) {
	switch typ {
	case tablet.ColumnTypeInt64:
		n, err := d.uint64()
		return int64(n), err
	case tablet.ColumnTypeUint64:
		return d.uint64()
	case tablet.ColumnTypeDouble:
		n, err := d.uint64()
		return math.Float64frombits(n), err
	case tablet.ColumnTypeBoolean:
		b, err := d.bytes(1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case tablet.ColumnTypeString:
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tablet.ColumnTypeBytes, tablet.ColumnTypeAny:
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	default:
		return nil, fmt.Errorf("wire: unknown type tag %d", typ)
	}
}

// EncodeKey packs the key-column values of values into a byte-wise
// comparable tablet.Key: integers are big-endian with the sign bit
// flipped so byte order matches numeric order; strings and bytes are
// zero-terminated with embedded zero bytes escaped as 0x00 0xFF, which
// keeps multi-column keys unambiguous without breaking lexicographic
// order the way a length prefix would. Every key column must be
// present.
func EncodeKey(schema *tablet.Schema, values map[int]tablet.Value) (tablet.Key, error) {
	var key tablet.Key
	for idx := 0; idx < schema.KeyColumnCount; idx++ {
		v, ok := values[idx]
		if !ok {
			return nil, tablet.NewError(tablet.CodeInvalidState, "write row missing key column").
				WithAttr("column", schema.Columns[idx].Name)
		}
		switch schema.Columns[idx].Type {
		case tablet.ColumnTypeInt64:
			n, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("wire: key column %q: expected int64, got %T", schema.Columns[idx].Name, v)
			}
			key = binary.BigEndian.AppendUint64(key, uint64(n)^(1<<63))
		case tablet.ColumnTypeUint64:
			n, ok := v.(uint64)
			if !ok {
				return nil, fmt.Errorf("wire: key column %q: expected uint64, got %T", schema.Columns[idx].Name, v)
			}
			key = binary.BigEndian.AppendUint64(key, n)
		case tablet.ColumnTypeString:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("wire: key column %q: expected string, got %T", schema.Columns[idx].Name, v)
			}
			key = appendEscaped(key, []byte(s))
		case tablet.ColumnTypeBytes:
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("wire: key column %q: expected bytes, got %T", schema.Columns[idx].Name, v)
			}
			key = appendEscaped(key, b)
		default:
			return nil, fmt.Errorf("wire: key column %q has non-key-encodable type", schema.Columns[idx].Name)
		}
	}
	return key, nil
}

func appendEscaped(key tablet.Key, b []byte) tablet.Key {
	for _, c := range b {
		if c == 0x00 {
			key = append(key, 0x00, 0xFF)
			continue
		}
		key = append(key, c)
	}
	return append(key, 0x00)
}
