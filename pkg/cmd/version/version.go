// Copyright (C) 2024 ScyllaDB

package version

import (
	"encoding/json"
	"fmt"

	"github.com/scylladb/scylla-cql-client/pkg/genericclioptions"
	"github.com/scylladb/scylla-cql-client/pkg/version"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/kubectl/pkg/util/templates"
	"sigs.k8s.io/yaml"
)

type Options struct {
	Output string
}

func NewOptions(streams genericclioptions.IOStreams) *Options {
	return &Options{}
}

func (o *Options) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.Output, "output", "o", o.Output, "Output format, one of json or yaml. Prints a single line when empty.")
}

func NewCmd(streams genericclioptions.IOStreams) *cobra.Command {
	o := NewOptions(streams)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Long: templates.LongDesc(`
		version prints the program version.
		`),
		Example: templates.Examples(`
		# Print the program version
		scylla-cql-client version

		# Print the version as YAML
		scylla-cql-client version -o yaml
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.Validate()
			if err != nil {
				return err
			}

			err = o.Complete()
			if err != nil {
				return err
			}

			err = o.Run(streams, cmd)
			if err != nil {
				return err
			}

			return nil
		},
		ValidArgs: []string{},

		SilenceErrors: true,
		SilenceUsage:  true,
	}

	o.AddFlags(cmd)

	return cmd
}

func (o *Options) Validate() error {
	var errs []error

	switch o.Output {
	case "", "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("unsupported output format %q", o.Output))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *Options) Complete() error {
	return nil
}

func (o *Options) Run(streams genericclioptions.IOStreams, cmd *cobra.Command) error {
	info := version.Get()

	switch o.Output {
	case "json":
		b, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("can't marshal version: %w", err)
		}
		_, err = fmt.Fprintln(streams.Out, string(b))
		return err

	case "yaml":
		b, err := yaml.Marshal(info)
		if err != nil {
			return fmt.Errorf("can't marshal version: %w", err)
		}
		_, err = streams.Out.Write(b)
		return err

	default:
		_, err := fmt.Fprintf(streams.Out, "%s: %s\n", cmd.Root().Name(), info)
		return err
	}
}
