// Copyright (C) 2021 ScyllaDB

package cmdutil

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/scylladb/scylla-cql-client/pkg/util/cfgutil"
	"github.com/scylladb/scylla-cql-client/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

const (
	FlagLogLevelKey = "loglevel"
)

// secretFlags are never printed.
var secretFlags = map[string]struct{}{
	"password": {},
}

func NormalizeNameForEnvVar(name string) string {
	s := strings.ToUpper(name)
	s = strings.Replace(s, "-", "_", -1)
	return s
}

func ReadFlagsFromEnv(prefix string, cmd *cobra.Command) error {
	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			// flags always take precedence over environment
			return
		}

		// See if there exists matching environment variable
		envVarName := NormalizeNameForEnvVar(prefix + f.Name)
		v, exists := os.LookupEnv(envVarName)
		if !exists {
			return
		}

		err := f.Value.Set(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("can't parse env var %q with value %q into flag %q: %v", envVarName, v, f.Name, err))
			return
		}

		f.Changed = true

		return
	})

	return utilerrors.NewAggregate(errs)
}

// ReadFlagsFromFile sets flags that weren't set on the command line from the
// top level keys of YAML config files. Keys are flag names.
func ReadFlagsFromFile(cmd *cobra.Command, files ...string) error {
	values := map[string]interface{}{}
	err := cfgutil.ParseYAML(&values, files...)
	if err != nil {
		return err
	}

	var errs []error
	for name, v := range values {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			errs = append(errs, fmt.Errorf("unknown config key %q", name))
			continue
		}
		if f.Changed {
			continue
		}

		err := f.Value.Set(flagValue(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("can't parse config key %q with value %v into flag %q: %v", name, v, f.Name, err))
			continue
		}

		f.Changed = true
	}

	return utilerrors.NewAggregate(errs)
}

func flagValue(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok {
		return fmt.Sprint(v)
	}
	items := make([]string, 0, len(list))
	for _, item := range list {
		items = append(items, fmt.Sprint(item))
	}
	return strings.Join(items, ",")
}

func LogCommandStarting(cmd *cobra.Command) {
	klog.InfoS("Starting", "Command", cmd.CommandPath(), "Version", version.Get())
}

// PrintFlags logs all flags at level 1.
func PrintFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		value := f.Value.String()
		if _, secret := secretFlags[f.Name]; secret && len(value) != 0 {
			value = "<redacted>"
		}
		klog.V(1).Infof("FLAG: --%s=%q", f.Name, value)
	})
}

func InstallKlog(cmd *cobra.Command) {
	level := flag.CommandLine.Lookup("v").Value.(*klog.Level)
	levelPtr := (*int32)(level)
	cmd.PersistentFlags().Int32Var(levelPtr, FlagLogLevelKey, *levelPtr, "Set the level of log output (0-10).")
	if cmd.PersistentFlags().Lookup("v") == nil {
		cmd.PersistentFlags().Int32Var(levelPtr, "v", *levelPtr, "Set the level of log output (0-10).")
	}
	cmd.PersistentFlags().Lookup("v").Hidden = true

	// Enable directory prefix.
	err := flag.CommandLine.Lookup("add_dir_header").Value.Set("true")
	if err != nil {
		panic(err)
	}
}
