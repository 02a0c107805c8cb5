// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/cmdutil"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/genericclioptions"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"github.com/scylladb/scylla-cql-client/pkg/session"
	"github.com/scylladb/scylla-cql-client/pkg/signals"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	"github.com/scylladb/scylla-cql-client/pkg/util/parallel"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/cli-runtime/pkg/printers"
	"k8s.io/klog/v2"
	"k8s.io/kubectl/pkg/util/templates"
)

type BenchOptions struct {
	*ClientOptions

	Rate        float64
	Concurrency int
	Requests    int64
	Duration    time.Duration
	Prepare     bool
	Idempotent  bool

	statement string
}

func NewBenchOptions(streams genericclioptions.IOStreams) *BenchOptions {
	return &BenchOptions{
		ClientOptions: NewClientOptions(),
		Rate:          100,
		Concurrency:   8,
		Duration:      10 * time.Second,
		Prepare:       true,
	}
}

func (o *BenchOptions) AddFlags(cmd *cobra.Command) {
	o.ClientOptions.AddFlags(cmd)

	cmd.Flags().Float64VarP(&o.Rate, "rate", "", o.Rate, "Statements per second across all workers, 0 means unlimited.")
	cmd.Flags().IntVarP(&o.Concurrency, "concurrency", "", o.Concurrency, "Number of workers issuing statements.")
	cmd.Flags().Int64VarP(&o.Requests, "requests", "", o.Requests, "Stop after this many statements, 0 means no limit.")
	cmd.Flags().DurationVarP(&o.Duration, "duration", "", o.Duration, "Stop after this long, 0 means no limit.")
	cmd.Flags().BoolVarP(&o.Prepare, "prepare", "", o.Prepare, "Prepare the statement once and execute the prepared statement.")
	cmd.Flags().BoolVarP(&o.Idempotent, "idempotent", "", o.Idempotent, "Allow retries of attempts that may have been applied.")
}

func NewBenchCmd(streams genericclioptions.IOStreams) *cobra.Command {
	o := NewBenchOptions(streams)

	cmd := &cobra.Command{
		Use:   "bench STATEMENT",
		Short: "Executes a statement repeatedly and reports latencies.",
		Long: templates.LongDesc(`
		bench executes a statement from concurrent workers at a fixed rate and
		reports latency percentiles and error counts.
		`),
		Example: templates.Examples(`
		# Read the local node 1000 times a second for a minute
		scylla-cql-client bench -c 10.0.0.1 --rate=1000 --concurrency=32 --duration=1m "SELECT * FROM system.local"
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

func (o *BenchOptions) Validate(args []string) error {
	var errs []error

	errs = append(errs, o.ClientOptions.Validate())

	if len(args) != 1 {
		errs = append(errs, fmt.Errorf("expected exactly one statement, got %d arguments", len(args)))
	} else if len(strings.TrimSpace(args[0])) == 0 {
		errs = append(errs, fmt.Errorf("statement can't be empty"))
	}

	if o.Rate < 0 {
		errs = append(errs, fmt.Errorf("rate can't be negative, got %v", o.Rate))
	}

	if o.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", o.Concurrency))
	}

	if o.Requests < 0 {
		errs = append(errs, fmt.Errorf("requests can't be negative, got %d", o.Requests))
	}

	if o.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration can't be negative, got %v", o.Duration))
	}

	if o.Requests == 0 && o.Duration == 0 {
		errs = append(errs, fmt.Errorf("at least one of requests or duration must be set"))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *BenchOptions) Complete(args []string) error {
	err := o.ClientOptions.Complete()
	if err != nil {
		return err
	}

	o.statement = args[0]

	return nil
}

func (o *BenchOptions) Run(streams genericclioptions.IOStreams, cmd *cobra.Command) error {
	cmdutil.LogCommandStarting(cmd)
	cmdutil.PrintFlags(cmd.Flags())

	ctx, cancel := signals.Context(context.Background())
	defer cancel()

	return o.Execute(ctx, streams)
}

func (o *BenchOptions) Execute(ctx context.Context, streams genericclioptions.IOStreams) error {
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
	if o.Prepare {
		ps, err := s.Prepare(ctx, o.statement)
		if err != nil {
			return err
		}
		st = ps.Bind()
	}
	st.Idempotent = o.Idempotent

	if o.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Duration)
		defer cancel()
	}

	limit := rate.Inf
	if o.Rate > 0 {
		limit = rate.Limit(o.Rate)
	}
	b := &bench{
		limiter:     rate.NewLimiter(limit, o.Concurrency),
		concurrency: o.Concurrency,
		requests:    o.Requests,
		exec: func(ctx context.Context) error {
			_, err := s.Execute(ctx, st)
			return err
		},
	}

	klog.InfoS("Starting benchmark", "Rate", o.Rate, "Concurrency", o.Concurrency, "Requests", o.Requests, "Duration", o.Duration)
	r := b.run(ctx)

	return r.print(streams.Out)
}

// bench issues exec from concurrent workers until ctx is done or the
// requests budget is used up.
type bench struct {
	limiter     *rate.Limiter
	concurrency int
	requests    int64
	exec        func(ctx context.Context) error

	issued atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	errors    map[string]int
}

func (b *bench) take() bool {
	if b.requests == 0 {
		return true
	}
	return b.issued.Inc() <= b.requests
}

func (b *bench) record(d time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.errors[errorClass(err)]++
		return
	}
	b.latencies = append(b.latencies, d)
}

func (b *bench) run(ctx context.Context) *benchReport {
	b.errors = map[string]int{}

	start := time.Now()
	_ = parallel.ForEach(b.concurrency, func(int) error {
		for b.take() {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil
			}
			t := time.Now()
			err := b.exec(ctx)
			if ctx.Err() != nil {
				// Interrupted by the deadline, not a failure of the statement.
				return nil
			}
			b.record(time.Since(t), err)
		}
		return nil
	})

	return newBenchReport(time.Since(start), b.latencies, b.errors)
}

// errorClass names err by the server error code or the client failure.
func errorClass(err error) string {
	var fe *frame.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code.String()
	case errors.Is(err, transport.ErrTimedOut):
		return "client timeout"
	case errors.Is(err, pool.ErrPoolTimeout):
		return "pool timeout"
	case errors.Is(err, session.ErrNoHostsAvailable):
		return "no hosts available"
	case errors.Is(err, transport.ErrConnectionLost):
		return "connection lost"
	default:
		return "other"
	}
}

type benchReport struct {
	Elapsed   time.Duration
	Succeeded int
	Errors    map[string]int
	P50       time.Duration
	P90       time.Duration
	P99       time.Duration
	Max       time.Duration
}

func newBenchReport(elapsed time.Duration, latencies []time.Duration, errs map[string]int) *benchReport {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	r := &benchReport{
		Elapsed:   elapsed,
		Succeeded: len(sorted),
		Errors:    errs,
		P50:       percentile(sorted, 0.50),
		P90:       percentile(sorted, 0.90),
		P99:       percentile(sorted, 0.99),
	}
	if len(sorted) > 0 {
		r.Max = sorted[len(sorted)-1]
	}
	return r
}

// percentile uses the nearest rank method on sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func (r *benchReport) failed() int {
	n := 0
	for _, c := range r.Errors {
		n += c
	}
	return n
}

func (r *benchReport) print(out io.Writer) error {
	w := printers.GetNewTabWriter(out)

	throughput := 0.0
	if r.Elapsed > 0 {
		throughput = float64(r.Succeeded+r.failed()) / r.Elapsed.Seconds()
	}

	lines := []string{
		fmt.Sprintf("Elapsed:\t%v", r.Elapsed.Round(time.Millisecond)),
		fmt.Sprintf("Requests:\t%d", r.Succeeded+r.failed()),
		fmt.Sprintf("Throughput:\t%.1f/s", throughput),
		fmt.Sprintf("Succeeded:\t%d", r.Succeeded),
		fmt.Sprintf("Failed:\t%d", r.failed()),
		fmt.Sprintf("Latency p50:\t%v", r.P50),
		fmt.Sprintf("Latency p90:\t%v", r.P90),
		fmt.Sprintf("Latency p99:\t%v", r.P99),
		fmt.Sprintf("Latency max:\t%v", r.Max),
	}

	classes := make([]string, 0, len(r.Errors))
	for c := range r.Errors {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		lines = append(lines, fmt.Sprintf("Errors %s:\t%d", c, r.Errors[c]))
	}

	for _, l := range lines {
		_, err := fmt.Fprintln(w, l)
		if err != nil {
			return err
		}
	}
	return w.Flush()
}
