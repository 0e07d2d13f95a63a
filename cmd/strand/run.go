package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/strand/internal/types"
	"github.com/fortiblox/strand/pkg/health"
	"github.com/fortiblox/strand/pkg/imagestore"
	"github.com/fortiblox/strand/pkg/metrics"
	"github.com/fortiblox/strand/pkg/pool"
	"github.com/fortiblox/strand/pkg/svm/image"
	"github.com/fortiblox/strand/pkg/svm/memory"
	"github.com/fortiblox/strand/pkg/threads"
)

type runOptions struct {
	arg           uint64
	maxMemory     string
	stackSize     string
	maxThreads    uint32
	computeBudget uint64

	call    string
	jobs    int
	workers int

	metricsAddr string
	healthAddr  string
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{
		maxMemory:     units.BytesSize(float64(threads.DefaultMaxPages * memory.PageSize)),
		stackSize:     units.BytesSize(float64(image.DefaultStackSize)),
		maxThreads:    image.DefaultMaxThreads,
		computeBudget: threads.DefaultComputeBudget,
	}

	cmd := &cobra.Command{
		Use:   "run IMAGE",
		Short: "Run a program image from a file or the store",
		Long: "Run a program image. IMAGE is a file path or the ID of a stored image.\n\n" +
			"Without --call the image's main entry runs on an originating context.\n" +
			"With --call a worker pool runs the named function once per job, passing\n" +
			"the job index as argument.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(cmd, global, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.Uint64Var(&opts.arg, "arg", 0, "Argument passed to the main entry")
	flags.StringVar(&opts.maxMemory, "memory", opts.maxMemory, "Maximum shared memory size")
	flags.StringVar(&opts.stackSize, "stack-size", opts.stackSize, "Stack size of each thread")
	flags.Uint32Var(&opts.maxThreads, "max-threads", opts.maxThreads, "Maximum number of live thread contexts")
	flags.Uint64Var(&opts.computeBudget, "compute-budget", opts.computeBudget, "Compute units per context")
	flags.StringVar(&opts.call, "call", "", "Run this image function on a worker pool instead of main")
	flags.IntVar(&opts.jobs, "jobs", 1, "Number of jobs with --call")
	flags.IntVar(&opts.workers, "workers", 0, "Workers spawned up front with --call (default: number of CPUs)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&opts.healthAddr, "health-addr", "", "Serve gRPC health checks on this address with --call")

	return cmd
}

func (o *runOptions) imageConfig() (image.Config, error) {
	stack, err := units.RAMInBytes(o.stackSize)
	if err != nil {
		return image.Config{}, fmt.Errorf("stack size: %w", err)
	}
	cfg := image.Config{MaxThreads: o.maxThreads, StackSize: uint64(stack)}
	return cfg, cfg.Validate()
}

func (o *runOptions) maxPages() (uint32, error) {
	size, err := units.RAMInBytes(o.maxMemory)
	if err != nil {
		return 0, fmt.Errorf("memory: %w", err)
	}
	pages := (uint64(size) + memory.PageSize - 1) / memory.PageSize
	if size <= 0 || pages > memory.MaxPages {
		return 0, fmt.Errorf("memory: %s outside 1 page and %s", o.maxMemory,
			units.BytesSize(float64(memory.MaxPages*memory.PageSize)))
	}
	return uint32(pages), nil
}

// loadImage reads ref as a file, falling back to a stored image ID.
func loadImage(global *globalOptions, ref string) ([]byte, error) {
	raw, err := os.ReadFile(ref)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return raw, err
	}
	id, idErr := types.ImageIDFromBase58(ref)
	if idErr != nil {
		return nil, err
	}
	store, err := imagestore.Open(global.store)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Get(id)
}

func runImage(cmd *cobra.Command, global *globalOptions, opts *runOptions, ref string) error {
	ctx := cmd.Context()

	imgCfg, err := opts.imageConfig()
	if err != nil {
		return err
	}
	maxPages, err := opts.maxPages()
	if err != nil {
		return err
	}
	raw, err := loadImage(global, ref)
	if err != nil {
		return err
	}
	img, err := image.Compile(raw, imgCfg)
	if err != nil {
		return err
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("image", img.ID().Short()))

	collector := metrics.New()
	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer func() {
		stopServing()
		if err := g.Wait(); err != nil {
			log.G(ctx).WithError(err).Warn("server failed")
		}
	}()

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collector,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		g.Go(func() error {
			return serveMetrics(serveCtx, opts.metricsAddr, reg)
		})
	}

	if opts.call == "" {
		return runMain(ctx, cmd, img, opts, maxPages, collector)
	}

	// One thread slot stays with the originating context.
	limit := int(imgCfg.MaxThreads) - 1
	if limit < 1 {
		return errors.New("--call needs --max-threads of at least 2")
	}
	workers := opts.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, limit)

	cfg, err := pool.NewConfigBuilder().
		WithConcurrency(workers).
		WithMaxWorkers(limit).
		WithMemory(0, maxPages).
		WithComputeBudget(opts.computeBudget).
		WithObserver(collector).
		WithRuntimeObserver(collector).
		Build()
	if err != nil {
		return err
	}
	cfg.Runtime.MemoryObserver = collector

	p, err := pool.New(ctx, img, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Close(closeCtx); err != nil {
			log.G(ctx).WithError(err).Warn("closing worker pool")
		}
	}()

	if opts.healthAddr != "" {
		lis, err := net.Listen("tcp", opts.healthAddr)
		if err != nil {
			return err
		}
		srv := health.NewServer(p.Ready, health.DefaultInterval)
		g.Go(func() error {
			return srv.Serve(serveCtx, lis)
		})
	}

	return runJobs(ctx, cmd, p, opts)
}

func runMain(ctx context.Context, cmd *cobra.Command, img *image.Image, opts *runOptions, maxPages uint32, collector *metrics.Collector) error {
	cfg := threads.DefaultConfig()
	cfg.MaxPages = maxPages
	cfg.ComputeBudget = opts.computeBudget
	cfg.Observer = collector
	cfg.MemoryObserver = collector

	rt, err := threads.New(img, cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := rt.RunMain(ctx, opts.arg)
	if err != nil {
		return err
	}
	if err := rt.Wait(ctx); err != nil {
		return err
	}
	log.G(ctx).WithField("duration", time.Since(start)).Debug("main returned")
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}

func runJobs(ctx context.Context, cmd *cobra.Command, p *pool.Pool, opts *runOptions) error {
	jobs := make([]*pool.Job, 0, opts.jobs)
	for i := 0; i < opts.jobs; i++ {
		job, err := p.Execute(ctx, opts.call, uint64(i))
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	var errs []error
	for i, job := range jobs {
		result, err := job.Wait(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", i, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s(%d) = %d\n", opts.call, i, result)
	}
	return errors.Join(errs...)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).WithField("addr", addr).Info("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
