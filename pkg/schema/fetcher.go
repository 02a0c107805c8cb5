// Copyright (C) 2025 ScyllaDB

package schema

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/scylladb/gocqlx/v2/qb"
	"github.com/scylladb/scylla-cql-client/pkg/util/parallel"
	"k8s.io/klog/v2"
)

// Row is a system table row keyed by column name.
type Row = map[string]interface{}

// Querier runs a statement binding text values and returns every row.
type Querier interface {
	Query(ctx context.Context, stmt string, values ...string) ([]Row, error)
}

// Fetcher loads schema definitions from the cluster.
type Fetcher interface {
	// FetchKeyspace returns ErrNotFound when the keyspace doesn't exist.
	FetchKeyspace(ctx context.Context, name string) (*Keyspace, error)
	FetchAll(ctx context.Context) ([]*Keyspace, error)
}

const (
	schemaKeyspaces  = "system_schema.keyspaces"
	schemaTables     = "system_schema.tables"
	schemaColumns    = "system_schema.columns"
	schemaTypes      = "system_schema.types"
	schemaFunctions  = "system_schema.functions"
	schemaAggregates = "system_schema.aggregates"
	schemaViews      = "system_schema.views"
	schemaIndexes    = "system_schema.indexes"
)

var schemaTableNames = []string{
	schemaKeyspaces,
	schemaTables,
	schemaColumns,
	schemaTypes,
	schemaFunctions,
	schemaAggregates,
	schemaViews,
	schemaIndexes,
}

// SystemFetcher reads system_schema tables.
type SystemFetcher struct {
	q Querier
}

var _ Fetcher = &SystemFetcher{}

func NewSystemFetcher(q Querier) *SystemFetcher {
	return &SystemFetcher{q: q}
}

// selectStmt returns the statement reading table, limited to a single
// keyspace unless keyspace is empty.
func selectStmt(table, keyspace string) string {
	b := qb.Select(table)
	if keyspace != "" {
		b = b.Where(qb.Eq("keyspace_name"))
	}
	stmt, _ := b.ToCql()
	return stmt
}

func (f *SystemFetcher) FetchKeyspace(ctx context.Context, name string) (*Keyspace, error) {
	out, err := f.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	ks, ok := out[name]
	if !ok {
		return nil, notFound("keyspace", name)
	}
	return ks, nil
}

func (f *SystemFetcher) FetchAll(ctx context.Context) ([]*Keyspace, error) {
	out, err := f.fetch(ctx, "")
	if err != nil {
		return nil, err
	}
	keyspaces := make([]*Keyspace, 0, len(out))
	for _, ks := range out {
		keyspaces = append(keyspaces, ks)
	}
	sort.Slice(keyspaces, func(i, j int) bool {
		return keyspaces[i].Name < keyspaces[j].Name
	})
	return keyspaces, nil
}

func (f *SystemFetcher) fetch(ctx context.Context, keyspace string) (map[string]*Keyspace, error) {
	rows := make([][]Row, len(schemaTableNames))
	err := parallel.ForEach(len(schemaTableNames), func(i int) error {
		var values []string
		if keyspace != "" {
			values = append(values, keyspace)
		}
		r, err := f.q.Query(ctx, selectStmt(schemaTableNames[i], keyspace), values...)
		if err != nil {
			return fmt.Errorf("can't query %s: %w", schemaTableNames[i], err)
		}
		rows[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	b := newBuilder()
	for i, table := range schemaTableNames {
		b.add(table, rows[i])
	}
	return b.build(), nil
}

// builder assembles keyspace trees from system_schema rows.
type builder struct {
	keyspaces map[string]*Keyspace
	tables    map[[2]string]*Table
	rows      map[string][]Row
	errs      []error
}

func newBuilder() *builder {
	return &builder{
		keyspaces: map[string]*Keyspace{},
		tables:    map[[2]string]*Table{},
		rows:      map[string][]Row{},
	}
}

func (b *builder) add(table string, rows []Row) {
	b.rows[table] = append(b.rows[table], rows...)
}

func (b *builder) build() map[string]*Keyspace {
	for _, r := range b.rows[schemaKeyspaces] {
		ks := newKeyspace(str(r["keyspace_name"]))
		ks.DurableWrites = boolean(r["durable_writes"])
		ks.Replication = stringMap(r["replication"])
		ks.RawFields = RawFields(r)
		b.keyspaces[ks.Name] = ks
	}

	for _, r := range b.rows[schemaTables] {
		ks, ok := b.keyspace(r)
		if !ok {
			continue
		}
		t := b.table(ks, r, "table_name")
		ks.tables[t.Name] = t
	}
	for _, r := range b.rows[schemaViews] {
		ks, ok := b.keyspace(r)
		if !ok {
			continue
		}
		v := &View{
			Table:             b.table(ks, r, "view_name"),
			BaseTable:         str(r["base_table_name"]),
			IncludeAllColumns: boolean(r["include_all_columns"]),
			WhereClause:       str(r["where_clause"]),
		}
		ks.views[v.Name] = v
	}

	for _, r := range b.rows[schemaColumns] {
		t, ok := b.tables[[2]string{str(r["keyspace_name"]), str(r["table_name"])}]
		if !ok {
			continue
		}
		c, err := newColumn(r)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("column %s.%s.%s: %w", t.Keyspace, t.Name, str(r["column_name"]), err))
			continue
		}
		t.addColumn(c)
	}
	for _, t := range b.tables {
		t.sortColumns()
	}

	for _, r := range b.rows[schemaIndexes] {
		t, ok := b.tables[[2]string{str(r["keyspace_name"]), str(r["table_name"])}]
		if !ok {
			continue
		}
		i := &Index{
			Name:    str(r["index_name"]),
			Table:   t.Name,
			Kind:    str(r["kind"]),
			Options: stringMap(r["options"]),
		}
		t.indexes[i.Name] = i
	}

	for _, r := range b.rows[schemaTypes] {
		ks, ok := b.keyspace(r)
		if !ok {
			continue
		}
		u := &UserType{
			Keyspace:   ks.Name,
			Name:       str(r["type_name"]),
			FieldNames: stringList(r["field_names"]),
		}
		types, err := parseTypes(stringList(r["field_types"]))
		if err == nil && len(types) != len(u.FieldNames) {
			err = fmt.Errorf("%d field names, %d field types", len(u.FieldNames), len(types))
		}
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("user type %s.%s: %w", ks.Name, u.Name, err))
			continue
		}
		u.FieldTypes = types
		ks.types[u.Name] = u
	}

	for _, r := range b.rows[schemaFunctions] {
		ks, ok := b.keyspace(r)
		if !ok {
			continue
		}
		fn, err := newFunction(ks.Name, r)
		if err != nil {
			b.errs = append(b.errs, err)
			continue
		}
		ks.functions[fn.Signature()] = fn
	}

	for _, r := range b.rows[schemaAggregates] {
		ks, ok := b.keyspace(r)
		if !ok {
			continue
		}
		a, err := newAggregate(ks.Name, r)
		if err != nil {
			b.errs = append(b.errs, err)
			continue
		}
		ks.aggregates[a.Signature()] = a
	}

	// A malformed entry shouldn't hide the rest of the schema.
	for _, err := range b.errs {
		klog.ErrorS(err, "Skipping schema entry")
	}

	return b.keyspaces
}

func (b *builder) keyspace(r Row) (*Keyspace, bool) {
	ks, ok := b.keyspaces[str(r["keyspace_name"])]
	return ks, ok
}

func (b *builder) table(ks *Keyspace, r Row, nameColumn string) *Table {
	t := newTable(ks.Name, str(r[nameColumn]))
	if id, ok := r["id"]; ok && id != nil {
		t.ID = fmt.Sprint(id)
	}
	t.RawFields = RawFields(r)
	if err := decodeOptions(r, &t.Options); err != nil {
		b.errs = append(b.errs, fmt.Errorf("table %s.%s options: %w", ks.Name, t.Name, err))
	}
	b.tables[[2]string{ks.Name, t.Name}] = t
	return t
}

func decodeOptions(r Row, opts *TableOptions) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           opts,
	})
	if err != nil {
		return err
	}
	return d.Decode(r)
}

func newColumn(r Row) (*Column, error) {
	t, err := ParseType(str(r["type"]))
	if err != nil {
		return nil, err
	}
	c := &Column{
		Name:            str(r["column_name"]),
		Kind:            ColumnKind(str(r["kind"])),
		Type:            t,
		ClusteringOrder: ClusteringOrder(str(r["clustering_order"])),
		Position:        integer(r["position"]),
		RawFields:       RawFields(r),
	}
	if c.Kind != ColumnPartitionKey && c.Kind != ColumnClustering {
		c.Position = -1
	}
	return c, nil
}

func newFunction(keyspace string, r Row) (*Function, error) {
	args, err := parseTypes(stringList(r["argument_types"]))
	if err != nil {
		return nil, fmt.Errorf("function %s.%s: %w", keyspace, str(r["function_name"]), err)
	}
	ret, err := ParseType(str(r["return_type"]))
	if err != nil {
		return nil, fmt.Errorf("function %s.%s: %w", keyspace, str(r["function_name"]), err)
	}
	return &Function{
		Keyspace:          keyspace,
		Name:              str(r["function_name"]),
		ArgumentNames:     stringList(r["argument_names"]),
		ArgumentTypes:     args,
		ReturnType:        ret,
		Language:          str(r["language"]),
		Body:              str(r["body"]),
		CalledOnNullInput: boolean(r["called_on_null_input"]),
	}, nil
}

func newAggregate(keyspace string, r Row) (*Aggregate, error) {
	name := str(r["aggregate_name"])
	args, err := parseTypes(stringList(r["argument_types"]))
	if err != nil {
		return nil, fmt.Errorf("aggregate %s.%s: %w", keyspace, name, err)
	}
	a := &Aggregate{
		Keyspace:      keyspace,
		Name:          name,
		ArgumentTypes: args,
		StateFunc:     str(r["state_func"]),
		FinalFunc:     str(r["final_func"]),
		InitCond:      str(r["initcond"]),
	}
	if a.ReturnType, err = ParseType(str(r["return_type"])); err != nil {
		return nil, fmt.Errorf("aggregate %s.%s: %w", keyspace, name, err)
	}
	if a.StateType, err = ParseType(str(r["state_type"])); err != nil {
		return nil, fmt.Errorf("aggregate %s.%s: %w", keyspace, name, err)
	}
	return a, nil
}

func parseTypes(in []string) ([]DataType, error) {
	out := make([]DataType, 0, len(in))
	for _, s := range in {
		t, err := ParseType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func str(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func boolean(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func integer(v interface{}) int {
	switch v := v.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func stringList(v interface{}) []string {
	s, _ := v.([]string)
	return s
}

func stringMap(v interface{}) map[string]string {
	m, _ := v.(map[string]string)
	return m
}
