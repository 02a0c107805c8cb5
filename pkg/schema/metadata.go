// Copyright (C) 2025 ScyllaDB

package schema

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/scylladb/scylla-cql-client/pkg/token"
)

// ErrNotFound is returned by lookups of missing schema entries.
var ErrNotFound = errors.New("not found")

func notFound(kind, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
}

// Field is a raw system_schema column of a metadata entry.
type Field struct {
	Name  string
	Value interface{}
}

// RawFields holds the raw system_schema row of an entry.
type RawFields map[string]interface{}

// Field returns the raw value of name.
func (f RawFields) Field(name string) (interface{}, error) {
	v, ok := f[name]
	if !ok {
		return nil, notFound("field", name)
	}
	return v, nil
}

// Fields iterates raw values ordered by name.
func (f RawFields) Fields() *Iterator[Field] {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]Field, 0, len(names))
	for _, n := range names {
		out = append(out, Field{Name: n, Value: f[n]})
	}
	return newIterator(out)
}

type Keyspace struct {
	Name          string
	DurableWrites bool
	Replication   map[string]string
	RawFields

	tables     map[string]*Table
	views      map[string]*View
	types      map[string]*UserType
	functions  map[string]*Function
	aggregates map[string]*Aggregate
}

func newKeyspace(name string) *Keyspace {
	return &Keyspace{
		Name:       name,
		RawFields:  RawFields{},
		tables:     map[string]*Table{},
		views:      map[string]*View{},
		types:      map[string]*UserType{},
		functions:  map[string]*Function{},
		aggregates: map[string]*Aggregate{},
	}
}

// Strategy parses the replication settings.
func (k *Keyspace) Strategy() (token.Strategy, error) {
	return token.ParseStrategy(k.Replication)
}

func (k *Keyspace) Table(name string) (*Table, error) {
	t, ok := k.tables[name]
	if !ok {
		return nil, notFound("table", k.Name+"."+name)
	}
	return t, nil
}

func (k *Keyspace) Tables() *Iterator[*Table] {
	return sortedIterator(k.tables)
}

func (k *Keyspace) View(name string) (*View, error) {
	v, ok := k.views[name]
	if !ok {
		return nil, notFound("materialized view", k.Name+"."+name)
	}
	return v, nil
}

func (k *Keyspace) Views() *Iterator[*View] {
	return sortedIterator(k.views)
}

func (k *Keyspace) UserType(name string) (*UserType, error) {
	t, ok := k.types[name]
	if !ok {
		return nil, notFound("user type", k.Name+"."+name)
	}
	return t, nil
}

func (k *Keyspace) UserTypes() *Iterator[*UserType] {
	return sortedIterator(k.types)
}

// Function looks a function up by name and argument types, for example
// Function("avg_state", "frozen<tuple<int, bigint>>", "int").
func (k *Keyspace) Function(name string, argTypes ...string) (*Function, error) {
	sig, err := signature(name, argTypes)
	if err != nil {
		return nil, err
	}
	f, ok := k.functions[sig]
	if !ok {
		return nil, notFound("function", k.Name+"."+sig)
	}
	return f, nil
}

func (k *Keyspace) Functions() *Iterator[*Function] {
	return sortedIterator(k.functions)
}

func (k *Keyspace) Aggregate(name string, argTypes ...string) (*Aggregate, error) {
	sig, err := signature(name, argTypes)
	if err != nil {
		return nil, err
	}
	a, ok := k.aggregates[sig]
	if !ok {
		return nil, notFound("aggregate", k.Name+"."+sig)
	}
	return a, nil
}

func (k *Keyspace) Aggregates() *Iterator[*Aggregate] {
	return sortedIterator(k.aggregates)
}

// signature normalizes argument types so that spelling differences don't matter.
func signature(name string, argTypes []string) (string, error) {
	types := make([]DataType, 0, len(argTypes))
	for _, s := range argTypes {
		t, err := ParseType(s)
		if err != nil {
			return "", err
		}
		types = append(types, t)
	}
	return typesSignature(name, types), nil
}

func typesSignature(name string, types []DataType) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, t.String())
	}
	return name + "(" + strings.Join(parts, ",") + ")"
}

type ColumnKind string

const (
	ColumnPartitionKey ColumnKind = "partition_key"
	ColumnClustering   ColumnKind = "clustering"
	ColumnRegular      ColumnKind = "regular"
	ColumnStatic       ColumnKind = "static"
	ColumnCompactValue ColumnKind = "compact_value"
)

func (k ColumnKind) order() int {
	switch k {
	case ColumnPartitionKey:
		return 0
	case ColumnClustering:
		return 1
	case ColumnStatic:
		return 2
	case ColumnRegular:
		return 3
	default:
		return 4
	}
}

type ClusteringOrder string

const (
	OrderAsc  ClusteringOrder = "asc"
	OrderDesc ClusteringOrder = "desc"
	OrderNone ClusteringOrder = "none"
)

type Column struct {
	Name            string
	Kind            ColumnKind
	Type            DataType
	ClusteringOrder ClusteringOrder
	// Position within the partition or clustering key, -1 for other columns.
	Position int
	RawFields
}

// TableOptions are the table properties of system_schema.tables and views.
type TableOptions struct {
	BloomFilterFPChance     float64           `mapstructure:"bloom_filter_fp_chance" json:"bloomFilterFPChance,omitempty"`
	Caching                 map[string]string `mapstructure:"caching" json:"caching,omitempty"`
	Comment                 string            `mapstructure:"comment" json:"comment,omitempty"`
	Compaction              map[string]string `mapstructure:"compaction" json:"compaction,omitempty"`
	Compression             map[string]string `mapstructure:"compression" json:"compression,omitempty"`
	CRCCheckChance          float64           `mapstructure:"crc_check_chance" json:"crcCheckChance,omitempty"`
	DefaultTimeToLive       int               `mapstructure:"default_time_to_live" json:"defaultTimeToLive,omitempty"`
	GCGraceSeconds          int               `mapstructure:"gc_grace_seconds" json:"gcGraceSeconds,omitempty"`
	MaxIndexInterval        int               `mapstructure:"max_index_interval" json:"maxIndexInterval,omitempty"`
	MinIndexInterval        int               `mapstructure:"min_index_interval" json:"minIndexInterval,omitempty"`
	MemtableFlushPeriodInMs int               `mapstructure:"memtable_flush_period_in_ms" json:"memtableFlushPeriodInMs,omitempty"`
	SpeculativeRetry        string            `mapstructure:"speculative_retry" json:"speculativeRetry,omitempty"`
	Flags                   []string          `mapstructure:"flags" json:"flags,omitempty"`
}

type Table struct {
	Keyspace string
	Name     string
	ID       string
	Options  TableOptions
	RawFields

	columns []*Column
	byName  map[string]*Column
	indexes map[string]*Index
}

func newTable(keyspace, name string) *Table {
	return &Table{
		Keyspace: keyspace,
		Name:     name,
		RawFields: RawFields{},
		byName:   map[string]*Column{},
		indexes:  map[string]*Index{},
	}
}

func (t *Table) addColumn(c *Column) {
	t.columns = append(t.columns, c)
	t.byName[c.Name] = c
}

// sortColumns orders partition key, clustering key, static and regular
// columns, keys by position and the rest by name.
func (t *Table) sortColumns() {
	slices.SortStableFunc(t.columns, func(a, b *Column) int {
		if d := a.Kind.order() - b.Kind.order(); d != 0 {
			return d
		}
		if a.Kind == ColumnPartitionKey || a.Kind == ColumnClustering {
			return a.Position - b.Position
		}
		return strings.Compare(a.Name, b.Name)
	})
}

func (t *Table) Column(name string) (*Column, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, notFound("column", t.Keyspace+"."+t.Name+"."+name)
	}
	return c, nil
}

// Columns iterates partition key, clustering key and then the other columns.
func (t *Table) Columns() *Iterator[*Column] {
	return newIterator(t.columns)
}

func (t *Table) keyColumns(kind ColumnKind) []*Column {
	var out []*Column
	for _, c := range t.columns {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (t *Table) PartitionKey() []*Column {
	return t.keyColumns(ColumnPartitionKey)
}

func (t *Table) ClusteringKey() []*Column {
	return t.keyColumns(ColumnClustering)
}

func (t *Table) Index(name string) (*Index, error) {
	i, ok := t.indexes[name]
	if !ok {
		return nil, notFound("index", t.Keyspace+"."+name)
	}
	return i, nil
}

func (t *Table) Indexes() *Iterator[*Index] {
	return sortedIterator(t.indexes)
}

// View is a materialized view, a table maintained from its base table.
type View struct {
	*Table
	BaseTable         string
	IncludeAllColumns bool
	WhereClause       string
}

// Index is a secondary index of a table.
type Index struct {
	Name    string
	Table   string
	Kind    string
	Options map[string]string
}

// Target returns the indexed column expression.
func (i *Index) Target() string {
	return i.Options["target"]
}

type UserTypeField struct {
	Name string
	Type DataType
}

type UserType struct {
	Keyspace   string
	Name       string
	FieldNames []string
	FieldTypes []DataType
}

// Fields iterates the fields of the type in declaration order.
func (u *UserType) Fields() *Iterator[UserTypeField] {
	out := make([]UserTypeField, 0, len(u.FieldNames))
	for i, n := range u.FieldNames {
		out = append(out, UserTypeField{Name: n, Type: u.FieldTypes[i]})
	}
	return newIterator(out)
}

func (u *UserType) Field(name string) (UserTypeField, error) {
	i := slices.Index(u.FieldNames, name)
	if i < 0 {
		return UserTypeField{}, notFound("user type field", u.Name+"."+name)
	}
	return UserTypeField{Name: name, Type: u.FieldTypes[i]}, nil
}

type Function struct {
	Keyspace          string
	Name              string
	ArgumentNames     []string
	ArgumentTypes     []DataType
	ReturnType        DataType
	Language          string
	Body              string
	CalledOnNullInput bool
}

func (f *Function) Signature() string {
	return typesSignature(f.Name, f.ArgumentTypes)
}

type Aggregate struct {
	Keyspace      string
	Name          string
	ArgumentTypes []DataType
	ReturnType    DataType
	StateFunc     string
	StateType     DataType
	FinalFunc     string
	InitCond      string
}

func (a *Aggregate) Signature() string {
	return typesSignature(a.Name, a.ArgumentTypes)
}
