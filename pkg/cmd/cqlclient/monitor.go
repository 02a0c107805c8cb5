// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scylladb/scylla-cql-client/pkg/cmdutil"
	"github.com/scylladb/scylla-cql-client/pkg/genericclioptions"
	"github.com/scylladb/scylla-cql-client/pkg/naming"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"github.com/scylladb/scylla-cql-client/pkg/schema"
	"github.com/scylladb/scylla-cql-client/pkg/signals"
	"github.com/scylladb/scylla-cql-client/pkg/util/hash"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/kubectl/pkg/util/templates"
)

type MonitorOptions struct {
	*ClientOptions

	Address         string
	TopologyPeriod  time.Duration
	ShutdownTimeout time.Duration
}

func NewMonitorOptions(streams genericclioptions.IOStreams) *MonitorOptions {
	return &MonitorOptions{
		ClientOptions:   NewClientOptions(),
		Address:         naming.DefaultMonitorAddress,
		TopologyPeriod:  5 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

func (o *MonitorOptions) AddFlags(cmd *cobra.Command) {
	o.ClientOptions.AddFlags(cmd)

	cmd.Flags().StringVarP(&o.Address, "address", "", o.Address, "Listen address of the metrics and probe server.")
	cmd.Flags().DurationVarP(&o.TopologyPeriod, "topology-period", "", o.TopologyPeriod, "How often host states are compared and changes logged.")
	cmd.Flags().DurationVarP(&o.ShutdownTimeout, "shutdown-timeout", "", o.ShutdownTimeout, "Timeout of a graceful server shutdown.")
}

func NewMonitorCmd(streams genericclioptions.IOStreams) *cobra.Command {
	o := NewMonitorOptions(streams)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Keeps a session open and exposes its metrics.",
		Long: templates.LongDesc(`
		monitor keeps a session connected to the cluster, logs schema and
		topology changes and serves Prometheus metrics together with liveness
		and readiness probes.
		`),
		Example: templates.Examples(`
		# Monitor a cluster and serve metrics on port 9180
		scylla-cql-client monitor -c 10.0.0.1,10.0.0.2 --address=:9180
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

func (o *MonitorOptions) Validate(args []string) error {
	var errs []error

	errs = append(errs, o.ClientOptions.Validate())

	if len(args) != 0 {
		errs = append(errs, fmt.Errorf("unexpected arguments %v", args))
	}

	if _, _, err := net.SplitHostPort(o.Address); err != nil {
		errs = append(errs, fmt.Errorf("invalid address %q: %w", o.Address, err))
	}

	if o.TopologyPeriod <= 0 {
		errs = append(errs, fmt.Errorf("topology-period must be positive, got %v", o.TopologyPeriod))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *MonitorOptions) Complete(args []string) error {
	err := o.ClientOptions.Complete()
	if err != nil {
		return err
	}

	o.sessionConfig.Schema.OnPublish = logSchemaPublish

	return nil
}

func logSchemaPublish(snap *schema.Snapshot, scope schema.RefreshScope) {
	var keyspaces []string
	for ks := range snap.Keyspaces().All() {
		keyspaces = append(keyspaces, ks.Name)
	}
	klog.InfoS("Schema changed", "Scope", scope, "Version", snap.Version(), "Digest", hash.Short(snap.Digest()), "Keyspaces", keyspaces)
}

func (o *MonitorOptions) Run(streams genericclioptions.IOStreams, cmd *cobra.Command) error {
	cmdutil.LogCommandStarting(cmd)
	cmdutil.PrintFlags(cmd.Flags())

	ctx, cancel := signals.Context(context.Background())
	defer cancel()

	return o.Execute(ctx, streams)
}

func (o *MonitorOptions) Execute(ctx context.Context, streams genericclioptions.IOStreams) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := o.NewSession(ctx, registry)
	if err != nil {
		return err
	}
	defer func() {
		err := s.Close(context.Background())
		if err != nil {
			klog.ErrorS(err, "Can't close session")
		}
	}()

	listener, err := net.Listen("tcp", o.Address)
	if err != nil {
		return fmt.Errorf("can't create tcp listener on address %q: %w", o.Address, err)
	}

	server := &http.Server{
		Handler: newMonitorHandler(registry, s.Ready),
	}

	klog.InfoS("Starting monitor server", "Address", listener.Addr().String())
	defer klog.InfoS("Monitor server shut down")

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()

		w := &hostWatcher{}
		wait.UntilWithContext(ctx, func(ctx context.Context) {
			w.observe(s.Hosts())
		}, o.TopologyPeriod)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		klog.InfoS("Shutting down monitor server")
		shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
		defer shutdownCtxCancel()
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			klog.ErrorS(err, "Can't shut down the server")
		}
	}()

	err = server.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func newMonitorHandler(g prometheus.Gatherer, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(naming.MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc(naming.LivenessPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc(naming.ReadinessPath, func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintln(w, "no usable host")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	return mux
}

type hostChange struct {
	Addr string
	From pool.State
	To   pool.State
}

// hostWatcher remembers host states between observations.
type hostWatcher struct {
	states map[string]pool.State
}

// observe logs and returns the hosts that appeared, left or changed state
// since the previous call. A host that left has an empty To state.
func (w *hostWatcher) observe(hosts []*pool.Host) []hostChange {
	next := make(map[string]pool.State, len(hosts))
	for _, h := range hosts {
		next[h.Addr()] = h.State()
	}

	var changes []hostChange
	for addr, to := range next {
		if from, ok := w.states[addr]; !ok || from != to {
			changes = append(changes, hostChange{Addr: addr, From: from, To: to})
		}
	}
	for addr, from := range w.states {
		if _, ok := next[addr]; !ok {
			changes = append(changes, hostChange{Addr: addr, From: from})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Addr < changes[j].Addr
	})

	for _, c := range changes {
		switch {
		case len(c.From) == 0:
			klog.InfoS("Host joined", "Host", c.Addr, "State", c.To)
		case len(c.To) == 0:
			klog.InfoS("Host left", "Host", c.Addr)
		default:
			klog.InfoS("Host changed state", "Host", c.Addr, "From", c.From, "To", c.To)
		}
	}

	w.states = next
	return changes
}
