// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"fmt"

	versioncmd "github.com/scylladb/scylla-cql-client/pkg/cmd/version"
	"github.com/scylladb/scylla-cql-client/pkg/cmdutil"
	"github.com/scylladb/scylla-cql-client/pkg/genericclioptions"
	"github.com/scylladb/scylla-cql-client/pkg/naming"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"k8s.io/klog/v2"
	"k8s.io/kubectl/pkg/util/templates"
)

func NewCommand(streams genericclioptions.IOStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   naming.AppName,
		Short: "Talks to ScyllaDB and Cassandra clusters over the CQL native protocol.",
		Long: templates.LongDesc(`
		scylla-cql-client runs statements, inspects schema metadata and watches
		clusters over the CQL native protocol.

		Every flag can also be set by an environment variable prefixed with
		SCYLLA_CQL_CLIENT_, or by a key of a --config file named after the flag.
		`),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...interface{}) {
				klog.V(2).Infof(format, v...)
			}))
			if err != nil {
				return fmt.Errorf("can't set maxproc: %w", err)
			}

			err = cmdutil.ReadFlagsFromEnv(naming.EnvVarPrefix, cmd)
			if err != nil {
				return fmt.Errorf("can't read flags from env: %w", err)
			}

			if cmd.Flags().Lookup(FlagConfigKey) != nil {
				files, err := cmd.Flags().GetStringSlice(FlagConfigKey)
				if err != nil {
					return err
				}
				err = cmdutil.ReadFlagsFromFile(cmd, files...)
				if err != nil {
					return fmt.Errorf("can't read flags from config files: %w", err)
				}
			}

			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(versioncmd.NewCmd(streams))
	cmd.AddCommand(NewQueryCmd(streams))
	cmd.AddCommand(NewDescribeCmd(streams))
	cmd.AddCommand(NewMonitorCmd(streams))
	cmd.AddCommand(NewBenchCmd(streams))

	cmdutil.InstallKlog(cmd)

	return cmd
}
