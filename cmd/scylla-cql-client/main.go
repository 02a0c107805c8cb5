// Copyright (C) 2025 ScyllaDB

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/scylladb/scylla-cql-client/pkg/cmd/cqlclient"
	"github.com/scylladb/scylla-cql-client/pkg/genericclioptions"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(flag.CommandLine)
	err := flag.Set("logtostderr", "true")
	if err != nil {
		panic(err)
	}
	defer klog.Flush()

	command := cqlclient.NewCommand(genericclioptions.NewStdIOStreams())
	err = command.Execute()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		klog.Flush()
		os.Exit(1)
	}
}
