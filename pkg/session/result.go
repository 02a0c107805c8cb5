// Copyright (C) 2025 ScyllaDB

package session

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
)

var ErrNoMoreRows = errors.New("no more rows")

// Result is the outcome of a successful Execute.
type Result struct {
	// Host served the final attempt.
	Host     string
	Attempts int
	Warnings []string

	Columns     []frame.ColumnSpec
	PagingState []byte
	// Keyspace is set by USE statements.
	Keyspace string
	// SchemaChange is set by DDL statements.
	SchemaChange *frame.SchemaChangeDetail

	version frame.Version
	rows    [][][]byte
}

func newResult(m frame.Message, v frame.Version, ps *PreparedStatement) (*Result, error) {
	r := &Result{version: v}
	switch m := m.(type) {
	case *frame.VoidResult:
	case *frame.RowsResult:
		r.Columns = m.Metadata.Columns
		if m.Metadata.NoMetadata && ps != nil {
			r.Columns = ps.ResultMetadata.Columns
		}
		r.PagingState = m.Metadata.PagingState
		r.rows = m.Rows
	case *frame.SetKeyspaceResult:
		r.Keyspace = m.Keyspace
	case *frame.SchemaChangeResult:
		d := m.SchemaChangeDetail
		r.SchemaChange = &d
	case *frame.PreparedResult:
		r.Columns = m.ResultMetadata.Columns
	default:
		return nil, fmt.Errorf("%w: %s", frame.ErrUnexpectedOpcode, m.OpCode())
	}
	return r, nil
}

// RowCount returns the number of rows in this page.
func (r *Result) RowCount() int {
	return len(r.rows)
}

// HasMorePages reports whether the statement has further pages, fetch them
// by executing it again with PagingState.
func (r *Result) HasMorePages() bool {
	return len(r.PagingState) > 0
}

// Rows iterates the rows of this page.
func (r *Result) Rows() *Rows {
	return &Rows{res: r, pos: -1}
}

// Rows is a cursor over result rows, call Next before each Scan.
type Rows struct {
	res *Result
	pos int
}

func (rs *Rows) Next() bool {
	if rs.pos+1 >= len(rs.res.rows) {
		rs.pos = len(rs.res.rows)
		return false
	}
	rs.pos++
	return true
}

func (rs *Rows) row() ([][]byte, error) {
	if rs.pos < 0 || rs.pos >= len(rs.res.rows) {
		return nil, ErrNoMoreRows
	}
	row := rs.res.rows[rs.pos]
	if len(row) != len(rs.res.Columns) {
		return nil, fmt.Errorf("row has %d cells, metadata has %d columns", len(row), len(rs.res.Columns))
	}
	return row, nil
}

// Scan decodes the current row into dest, one pointer per column. A nil
// destination skips its column.
func (rs *Rows) Scan(dest ...interface{}) error {
	row, err := rs.row()
	if err != nil {
		return err
	}
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		if d == nil {
			continue
		}
		col := rs.res.Columns[i]
		if err := col.Type.Unmarshal(rs.res.version, row[i], d); err != nil {
			return fmt.Errorf("can't unmarshal column %q: %w", col.Name, err)
		}
	}
	return nil
}

// MapScan decodes the current row into values keyed by column name, using
// the default Go type of each CQL type.
func (rs *Rows) MapScan() (map[string]interface{}, error) {
	row, err := rs.row()
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(row))
	for i, cell := range row {
		col := rs.res.Columns[i]
		v, err := decodeCell(rs.res.version, col.Type, cell)
		if err != nil {
			return nil, fmt.Errorf("can't unmarshal column %q: %w", col.Name, err)
		}
		out[col.Name] = v
	}
	return out, nil
}

func decodeCell(v frame.Version, opt frame.Option, cell []byte) (interface{}, error) {
	ptr, err := opt.TypeInfo(v).NewWithError()
	if err != nil {
		return nil, err
	}
	if err := opt.Unmarshal(v, cell, ptr); err != nil {
		return nil, err
	}
	return reflect.ValueOf(ptr).Elem().Interface(), nil
}
