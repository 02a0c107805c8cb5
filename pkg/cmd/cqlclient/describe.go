// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/scylladb/scylla-cql-client/pkg/cmdutil"
	"github.com/scylladb/scylla-cql-client/pkg/genericclioptions"
	"github.com/scylladb/scylla-cql-client/pkg/naming"
	"github.com/scylladb/scylla-cql-client/pkg/schema"
	"github.com/scylladb/scylla-cql-client/pkg/signals"
	"github.com/scylladb/scylla-cql-client/pkg/util/hash"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"k8s.io/kubectl/pkg/util/templates"
	"sigs.k8s.io/yaml"
)

type DescribeOptions struct {
	*ClientOptions

	Output string

	filter *schemaFilter
}

func NewDescribeOptions(streams genericclioptions.IOStreams) *DescribeOptions {
	return &DescribeOptions{
		ClientOptions: NewClientOptions(),
		Output:        "text",
	}
}

func (o *DescribeOptions) AddFlags(cmd *cobra.Command) {
	o.ClientOptions.AddFlags(cmd)

	cmd.Flags().StringVarP(&o.Output, "output", "o", o.Output, "Output format, one of text or yaml.")
}

func NewDescribeCmd(streams genericclioptions.IOStreams) *cobra.Command {
	o := NewDescribeOptions(streams)

	cmd := &cobra.Command{
		Use:   "describe [KEYSPACE_GLOB[.TABLE_GLOB]]",
		Short: "Prints schema metadata.",
		Long: templates.LongDesc(`
		describe prints the schema of keyspaces and tables matching a glob
		pattern, either as CQL statements or as YAML. Every keyspace is printed
		when no pattern is given.
		`),
		Example: templates.Examples(`
		# Print the whole schema
		scylla-cql-client describe -c 10.0.0.1

		# Print tables starting with "events" of every keyspace but the system ones
		scylla-cql-client describe -c 10.0.0.1 '[!s]*.events*'

		# Print a keyspace as YAML
		scylla-cql-client describe -c 10.0.0.1 -o yaml ks
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.Validate(args)
			if err != nil {
				return err
			}

			err = o.Complete(args)
			if err != nil {
				return err
			}

			err = o.Run(streams, cmd)
			if err != nil {
				return err
			}

			return nil
		},

		SilenceErrors: true,
		SilenceUsage:  true,
	}

	o.AddFlags(cmd)

	return cmd
}

func (o *DescribeOptions) Validate(args []string) error {
	var errs []error

	errs = append(errs, o.ClientOptions.Validate())

	if len(args) > 1 {
		errs = append(errs, fmt.Errorf("expected at most one pattern, got %d arguments", len(args)))
	}

	switch o.Output {
	case "text", "yaml":
	default:
		errs = append(errs, fmt.Errorf("unsupported output format %q", o.Output))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *DescribeOptions) Complete(args []string) error {
	err := o.ClientOptions.Complete()
	if err != nil {
		return err
	}

	pattern := ""
	if len(args) == 1 {
		pattern = args[0]
	}
	o.filter, err = newSchemaFilter(pattern)
	if err != nil {
		return err
	}

	return nil
}

func (o *DescribeOptions) Run(streams genericclioptions.IOStreams, cmd *cobra.Command) error {
	cmdutil.LogCommandStarting(cmd)
	cmdutil.PrintFlags(cmd.Flags())

	ctx, cancel := signals.Context(context.Background())
	defer cancel()

	return o.Execute(ctx, streams)
}

func (o *DescribeOptions) Execute(ctx context.Context, streams genericclioptions.IOStreams) error {
	s, err := o.NewSession(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		err := s.Close(context.Background())
		if err != nil {
			klog.ErrorS(err, "Can't close session")
		}
	}()

	h := s.AcquireSchema()
	defer h.Release()

	klog.V(2).InfoS("Describing schema", "Version", h.Snapshot().Version(), "Digest", hash.Short(h.Snapshot().Digest()), "Age", h.Snapshot().Age())

	switch o.Output {
	case "yaml":
		return describeYAML(streams.Out, h.Snapshot(), o.filter)
	default:
		return describeText(streams.Out, h.Snapshot(), o.filter)
	}
}

// schemaFilter matches keyspaces and tables against KEYSPACE_GLOB[.TABLE_GLOB].
type schemaFilter struct {
	keyspace glob.Glob
	// table is nil when the pattern has no table part.
	table glob.Glob
}

func newSchemaFilter(pattern string) (*schemaFilter, error) {
	if len(pattern) == 0 {
		pattern = "*"
	}
	ksPattern, tablePattern, hasTable := strings.Cut(pattern, ".")

	f := &schemaFilter{}
	var err error
	f.keyspace, err = glob.Compile(ksPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid keyspace pattern %q: %w", ksPattern, err)
	}
	if hasTable {
		f.table, err = glob.Compile(tablePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", tablePattern, err)
		}
	}
	return f, nil
}

func (f *schemaFilter) matchKeyspace(name string) bool {
	return f.keyspace.Match(name)
}

func (f *schemaFilter) matchTable(name string) bool {
	return f.table == nil || f.table.Match(name)
}

// wholeKeyspace is true when keyspace level objects are printed too.
func (f *schemaFilter) wholeKeyspace() bool {
	return f.table == nil
}

func describeYAML(w io.Writer, snap *schema.Snapshot, f *schemaFilter) error {
	models := []schema.KeyspaceModel{}
	for ks := range snap.Keyspaces().All() {
		if !f.matchKeyspace(ks.Name) {
			continue
		}
		m := ks.Model()
		if !f.wholeKeyspace() {
			m.Tables = filterModels(m.Tables, func(t schema.TableModel) bool { return f.matchTable(t.Name) })
			m.Views = filterModels(m.Views, func(v schema.ViewModel) bool { return f.matchTable(v.Name) })
			m.UserTypes = nil
			m.Functions = nil
			m.Aggregates = nil
		}
		models = append(models, m)
	}

	b, err := yaml.Marshal(models)
	if err != nil {
		return fmt.Errorf("can't marshal schema: %w", err)
	}
	_, err = w.Write(b)
	return err
}

func filterModels[T any](in []T, keep func(T) bool) []T {
	var out []T
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func describeText(w io.Writer, snap *schema.Snapshot, f *schemaFilter) error {
	var b strings.Builder
	for ks := range snap.Keyspaces().All() {
		if !f.matchKeyspace(ks.Name) {
			continue
		}
		if f.wholeKeyspace() {
			writeKeyspace(&b, ks)
			for u := range ks.UserTypes().All() {
				writeUserType(&b, u)
			}
		}
		for t := range ks.Tables().All() {
			if f.matchTable(t.Name) {
				writeTable(&b, t)
			}
		}
		for v := range ks.Views().All() {
			if f.matchTable(v.Name) {
				writeView(&b, v)
			}
		}
		if f.wholeKeyspace() {
			for fn := range ks.Functions().All() {
				writeFunction(&b, fn)
			}
			for a := range ks.Aggregates().All() {
				writeAggregate(&b, a)
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// cqlMap renders a map literal with sorted keys, class first.
func cqlMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "class" || keys[j] == "class" {
			return keys[i] == "class"
		}
		return keys[i] < keys[j]
	})

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", cqlString(k), cqlString(m[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func cqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func writeKeyspace(b *strings.Builder, ks *schema.Keyspace) {
	fmt.Fprintf(b, "CREATE KEYSPACE %s WITH replication = %s AND durable_writes = %t;\n\n",
		naming.QuoteIdentifier(ks.Name), cqlMap(ks.Replication), ks.DurableWrites)
}

func writeUserType(b *strings.Builder, u *schema.UserType) {
	fmt.Fprintf(b, "CREATE TYPE %s (\n", naming.QualifiedName(u.Keyspace, u.Name))
	fields := u.Fields().Collect()
	for i, fd := range fields {
		sep := ","
		if i == len(fields)-1 {
			sep = ""
		}
		fmt.Fprintf(b, "    %s %s%s\n", naming.QuoteIdentifier(fd.Name), fd.Type, sep)
	}
	b.WriteString(");\n\n")
}

func columnNames(cols []*schema.Column) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, naming.QuoteIdentifier(c.Name))
	}
	return out
}

func primaryKey(t *schema.Table) string {
	pk := columnNames(t.PartitionKey())
	partition := strings.Join(pk, ", ")
	if len(pk) > 1 {
		partition = "(" + partition + ")"
	}
	parts := append([]string{partition}, columnNames(t.ClusteringKey())...)
	return "PRIMARY KEY (" + strings.Join(parts, ", ") + ")"
}

func tableProperties(t *schema.Table) []string {
	var props []string

	var order []string
	for _, c := range t.ClusteringKey() {
		if c.ClusteringOrder == schema.OrderDesc {
			order = append(order, naming.QuoteIdentifier(c.Name)+" DESC")
		} else {
			order = append(order, naming.QuoteIdentifier(c.Name)+" ASC")
		}
	}
	if len(order) > 0 {
		props = append(props, "CLUSTERING ORDER BY ("+strings.Join(order, ", ")+")")
	}

	opts := t.Options
	if opts.BloomFilterFPChance != 0 {
		props = append(props, fmt.Sprintf("bloom_filter_fp_chance = %v", opts.BloomFilterFPChance))
	}
	if len(opts.Caching) != 0 {
		props = append(props, "caching = "+cqlMap(opts.Caching))
	}
	props = append(props, "comment = "+cqlString(opts.Comment))
	if len(opts.Compaction) != 0 {
		props = append(props, "compaction = "+cqlMap(opts.Compaction))
	}
	if len(opts.Compression) != 0 {
		props = append(props, "compression = "+cqlMap(opts.Compression))
	}
	if opts.CRCCheckChance != 0 {
		props = append(props, fmt.Sprintf("crc_check_chance = %v", opts.CRCCheckChance))
	}
	props = append(props,
		fmt.Sprintf("default_time_to_live = %d", opts.DefaultTimeToLive),
		fmt.Sprintf("gc_grace_seconds = %d", opts.GCGraceSeconds),
	)
	if opts.MaxIndexInterval != 0 {
		props = append(props, fmt.Sprintf("max_index_interval = %d", opts.MaxIndexInterval))
	}
	if opts.MinIndexInterval != 0 {
		props = append(props, fmt.Sprintf("min_index_interval = %d", opts.MinIndexInterval))
	}
	if opts.MemtableFlushPeriodInMs != 0 {
		props = append(props, fmt.Sprintf("memtable_flush_period_in_ms = %d", opts.MemtableFlushPeriodInMs))
	}
	if len(opts.SpeculativeRetry) != 0 {
		props = append(props, "speculative_retry = "+cqlString(opts.SpeculativeRetry))
	}
	return props
}

func writeProperties(b *strings.Builder, props []string) {
	if len(props) == 0 {
		b.WriteString(";\n\n")
		return
	}
	fmt.Fprintf(b, " WITH %s;\n\n", strings.Join(props, "\n    AND "))
}

func writeTable(b *strings.Builder, t *schema.Table) {
	fmt.Fprintf(b, "CREATE TABLE %s (\n", naming.QualifiedName(t.Keyspace, t.Name))
	for c := range t.Columns().All() {
		static := ""
		if c.Kind == schema.ColumnStatic {
			static = " static"
		}
		fmt.Fprintf(b, "    %s %s%s,\n", naming.QuoteIdentifier(c.Name), c.Type, static)
	}
	fmt.Fprintf(b, "    %s\n)", primaryKey(t))
	writeProperties(b, tableProperties(t))

	for i := range t.Indexes().All() {
		target := i.Target()
		if strings.EqualFold(i.Kind, "custom") {
			fmt.Fprintf(b, "CREATE CUSTOM INDEX %s ON %s (%s) USING %s;\n\n",
				naming.QuoteIdentifier(i.Name), naming.QualifiedName(t.Keyspace, t.Name), target, cqlString(i.Options["class_name"]))
			continue
		}
		fmt.Fprintf(b, "CREATE INDEX %s ON %s (%s);\n\n",
			naming.QuoteIdentifier(i.Name), naming.QualifiedName(t.Keyspace, t.Name), target)
	}
}

func writeView(b *strings.Builder, v *schema.View) {
	selected := "*"
	if !v.IncludeAllColumns {
		selected = strings.Join(columnNames(v.Columns().Collect()), ", ")
	}
	fmt.Fprintf(b, "CREATE MATERIALIZED VIEW %s AS\n    SELECT %s\n    FROM %s\n    WHERE %s\n    %s",
		naming.QualifiedName(v.Keyspace, v.Name), selected, naming.QualifiedName(v.Keyspace, v.BaseTable), v.WhereClause, primaryKey(v.Table))
	writeProperties(b, tableProperties(v.Table))
}

func writeFunction(b *strings.Builder, fn *schema.Function) {
	args := make([]string, 0, len(fn.ArgumentNames))
	for i, n := range fn.ArgumentNames {
		args = append(args, fmt.Sprintf("%s %s", naming.QuoteIdentifier(n), fn.ArgumentTypes[i]))
	}
	onNull := "RETURNS NULL ON NULL INPUT"
	if fn.CalledOnNullInput {
		onNull = "CALLED ON NULL INPUT"
	}
	fmt.Fprintf(b, "CREATE FUNCTION %s(%s)\n    %s\n    RETURNS %s\n    LANGUAGE %s\n    AS $$%s$$;\n\n",
		naming.QualifiedName(fn.Keyspace, fn.Name), strings.Join(args, ", "), onNull, fn.ReturnType, fn.Language, fn.Body)
}

func writeAggregate(b *strings.Builder, a *schema.Aggregate) {
	args := make([]string, 0, len(a.ArgumentTypes))
	for _, t := range a.ArgumentTypes {
		args = append(args, t.String())
	}
	fmt.Fprintf(b, "CREATE AGGREGATE %s(%s)\n    SFUNC %s\n    STYPE %s",
		naming.QualifiedName(a.Keyspace, a.Name), strings.Join(args, ", "), naming.QuoteIdentifier(a.StateFunc), a.StateType)
	if len(a.FinalFunc) != 0 {
		fmt.Fprintf(b, "\n    FINALFUNC %s", naming.QuoteIdentifier(a.FinalFunc))
	}
	if len(a.InitCond) != 0 {
		fmt.Fprintf(b, "\n    INITCOND %s", a.InitCond)
	}
	b.WriteString(";\n\n")
}
