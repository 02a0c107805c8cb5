// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/scylladb/scylla-cql-client/pkg/cmdutil"
	"github.com/scylladb/scylla-cql-client/pkg/genericclioptions"
	"github.com/scylladb/scylla-cql-client/pkg/session"
	"github.com/scylladb/scylla-cql-client/pkg/signals"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/cli-runtime/pkg/printers"
	"k8s.io/klog/v2"
	"k8s.io/kubectl/pkg/util/templates"
	"sigs.k8s.io/yaml"
)

type QueryOptions struct {
	*ClientOptions

	Output     string
	AllPages   bool
	Idempotent bool

	statement string
}

func NewQueryOptions(streams genericclioptions.IOStreams) *QueryOptions {
	return &QueryOptions{
		ClientOptions: NewClientOptions(),
		Output:        "table",
	}
}

func (o *QueryOptions) AddFlags(cmd *cobra.Command) {
	o.ClientOptions.AddFlags(cmd)

	cmd.Flags().StringVarP(&o.Output, "output", "o", o.Output, "Output format, one of table or yaml.")
	cmd.Flags().BoolVarP(&o.AllPages, "all-pages", "", o.AllPages, "Fetch every page of the result instead of the first one.")
	cmd.Flags().BoolVarP(&o.Idempotent, "idempotent", "", o.Idempotent, "Allow retries of attempts that may have been applied.")
}

func NewQueryCmd(streams genericclioptions.IOStreams) *cobra.Command {
	o := NewQueryOptions(streams)

	cmd := &cobra.Command{
		Use:   "query STATEMENT",
		Short: "Executes a CQL statement and prints its result.",
		Long: templates.LongDesc(`
		query executes a single CQL statement and prints the returned rows.
		Schema changing statements wait for schema agreement before returning.
		`),
		Example: templates.Examples(`
		# Print the local node
		scylla-cql-client query -c 10.0.0.1 "SELECT * FROM system.local"

		# Print every row of a table as YAML
		scylla-cql-client query -c 10.0.0.1 --all-pages -o yaml "SELECT * FROM ks.events"
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

func (o *QueryOptions) Validate(args []string) error {
	var errs []error

	errs = append(errs, o.ClientOptions.Validate())

	if len(args) != 1 {
		errs = append(errs, fmt.Errorf("expected exactly one statement, got %d arguments", len(args)))
	} else if len(strings.TrimSpace(args[0])) == 0 {
		errs = append(errs, fmt.Errorf("statement can't be empty"))
	}

	switch o.Output {
	case "table", "yaml":
	default:
		errs = append(errs, fmt.Errorf("unsupported output format %q", o.Output))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *QueryOptions) Complete(args []string) error {
	err := o.ClientOptions.Complete()
	if err != nil {
		return err
	}

	o.statement = args[0]

	return nil
}

func (o *QueryOptions) Run(streams genericclioptions.IOStreams, cmd *cobra.Command) error {
	cmdutil.LogCommandStarting(cmd)
	cmdutil.PrintFlags(cmd.Flags())

	ctx, cancel := signals.Context(context.Background())
	defer cancel()

	return o.Execute(ctx, streams)
}

func (o *QueryOptions) Execute(ctx context.Context, streams genericclioptions.IOStreams) (returnErr error) {
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

	st := session.NewStatement(o.statement)
	st.Idempotent = o.Idempotent

	table := &resultTable{}
	for {
		res, err := s.Execute(ctx, st)
		if err != nil {
			return fmt.Errorf("can't execute statement: %w", err)
		}
		for _, w := range res.Warnings {
			klog.Warningf("Server warning: %s", w)
		}
		if res.SchemaChange != nil {
			_, err := fmt.Fprintln(streams.Out, res.SchemaChange.String())
			return err
		}
		if len(res.Keyspace) != 0 {
			_, err := fmt.Fprintf(streams.Out, "Using keyspace %s\n", res.Keyspace)
			return err
		}

		err = table.append(res)
		if err != nil {
			return err
		}

		if !o.AllPages || !res.HasMorePages() {
			break
		}
		st.PagingState = res.PagingState
	}

	switch o.Output {
	case "yaml":
		return table.printYAML(streams.Out)
	default:
		return table.print(streams.Out)
	}
}

// resultTable accumulates rows of all fetched pages.
type resultTable struct {
	columns []string
	rows    []map[string]interface{}
}

func (t *resultTable) append(res *session.Result) error {
	if t.columns == nil {
		for _, c := range res.Columns {
			t.columns = append(t.columns, c.Name)
		}
	}

	rows := res.Rows()
	for rows.Next() {
		row, err := rows.MapScan()
		if err != nil {
			return fmt.Errorf("can't decode row: %w", err)
		}
		t.rows = append(t.rows, row)
	}
	return nil
}

func (t *resultTable) print(out io.Writer) error {
	if len(t.columns) == 0 {
		return nil
	}

	w := printers.GetNewTabWriter(out)
	_, err := fmt.Fprintln(w, strings.ToUpper(strings.Join(t.columns, "\t")))
	if err != nil {
		return err
	}
	for _, row := range t.rows {
		cells := make([]string, 0, len(t.columns))
		for _, c := range t.columns {
			cells = append(cells, formatCell(row[c]))
		}
		_, err := fmt.Fprintln(w, strings.Join(cells, "\t"))
		if err != nil {
			return err
		}
	}
	err = w.Flush()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "\n(%d rows)\n", len(t.rows))
	return err
}

func (t *resultTable) printYAML(out io.Writer) error {
	rows := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		m := make(map[string]string, len(row))
		for k, v := range row {
			m[k] = formatCell(v)
		}
		rows = append(rows, m)
	}

	b, err := yaml.Marshal(rows)
	if err != nil {
		return fmt.Errorf("can't marshal rows: %w", err)
	}
	_, err = out.Write(b)
	return err
}

func formatCell(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case []byte:
		return "0x" + hex.EncodeToString(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
