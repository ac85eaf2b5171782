// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/LynnColeArt/convbench"
)

// app holds the state shared by all commands.
type app struct {
	engine convbench.Engine
	stdout io.Writer
	stderr io.Writer

	// persistent flags
	logLevel    string
	logDir      string
	metricsFile string
	trace       bool

	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *convbench.Metrics
	tp       *sdktrace.TracerProvider

	// run flags
	opts        convbench.Options
	inputSize   string
	kernelSize  string
	subsampling string
}

func newApp(engine convbench.Engine, stdout, stderr io.Writer) *app {
	return &app{
		engine: engine,
		stdout: stdout,
		stderr: stderr,
		logger: slog.New(slog.NewTextHandler(stderr, nil)),
		opts:   convbench.DefaultOptions(),
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "convbench",
		Short: "Benchmark convolution-inference engines",
		Long: `convbench drives a convolution engine through its query-then-compute
protocol: it asks for the transformed-kernel and workspace sizes, allocates
64-byte aligned buffers of exactly those sizes and times the compute call.

Configurations the engine does not support are reported as not applicable.
Any other engine failure terminates with exit status 1.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.logDir, "log-dir", "benchmark_logs", "Directory for JSON session logs")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile on exit")
	pf.BoolVar(&a.trace, "trace", false, "Print OpenTelemetry spans to stderr")

	root.AddCommand(a.runCmd(), a.suiteCmd(), a.summaryCmd(), a.versionCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return convbench.NewConfigError("log-level", fmt.Sprintf("unknown level %q", a.logLevel), err)
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)

	a.registry = prometheus.NewRegistry()
	a.metrics = convbench.NewMetrics(a.registry)

	if a.trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(a.stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		a.tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		otel.SetTracerProvider(a.tp)
	}
	return nil
}

// execute runs the command line args. Metrics are written and the tracer
// is flushed whether or not the command failed, so fatal runs are recorded.
func (a *app) execute(ctx context.Context, args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if terr := a.teardown(ctx); terr != nil {
		if err == nil {
			return terr
		}
		a.logger.Warn("teardown failed", slog.Any("error", terr))
	}
	return err
}

func (a *app) teardown(ctx context.Context) error {
	if a.tp != nil {
		if err := a.tp.Shutdown(ctx); err != nil {
			a.logger.Warn("trace shutdown failed", slog.Any("error", err))
		}
	}
	if a.metricsFile != "" && a.registry != nil {
		if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Benchmark a single convolution configuration",
		Example: `  convbench run -i 3 -o 8 --input-size 16x16 --kernel-size 3x3
  convbench run -i 64 -o 64 --input-size 56 --kernel-size 3 -p 1 -a implicit-gemm -t precompute -n 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.parseSizes(); err != nil {
				return err
			}
			bl, err := convbench.NewBenchmarkLogger(a.logDir, "run")
			if err != nil {
				return err
			}
			return a.runCase(cmd.Context(), bl, a.opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&a.opts.InputChannels, "input-channels", "i", 0, "The number of input channels (required)")
	f.IntVarP(&a.opts.OutputChannels, "output-channels", "o", 0, "The number of output channels (required)")
	f.StringVar(&a.inputSize, "input-size", "", "Input height and width, HxW or N (required)")
	f.StringVar(&a.kernelSize, "kernel-size", "", "Kernel height and width, HxW or N (required)")
	f.StringVarP(&a.opts.Algorithm, "algorithm", "a", convbench.DefaultAlgorithm,
		"The algorithm (auto, ft8x8, ft16x16, wt8x8, implicit-gemm, or direct) for computing convolution")
	f.StringVarP(&a.opts.TransformStrategy, "transform-strategy", "t", convbench.DefaultTransformStrategy,
		"The transformation strategy (compute, or precompute) for kernel transformation")
	f.IntVarP(&a.opts.Batch, "batch", "b", convbench.DefaultBatch, "The size of a minibatch")
	f.StringVarP(&a.subsampling, "output-subsampling", "s", convbench.DefaultSubsampling.String(),
		"The size of a output subsampling region, AKA stride")
	f.IntVarP(&a.opts.Padding, "input-padding", "p", convbench.DefaultPadding, "Implicit input padding")
	f.IntVar(&a.opts.Threads, "threads", 0, "Worker threads handed to the engine (0 runs single-threaded)")
	f.IntVarP(&a.opts.Iterations, "iterations", "n", convbench.DefaultIterations, "Measured runs")
	f.IntVar(&a.opts.Warmup, "warmup", 0, "Unmeasured runs before measuring")
	f.Int64Var(&a.opts.MaxMemory, "max-memory", 0, "Fail allocations beyond this many live bytes (0 is unlimited)")
	for _, name := range []string{"input-channels", "output-channels", "input-size", "kernel-size"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) parseSizes() error {
	var err error
	if a.opts.InputSize, err = convbench.ParseSize(a.inputSize); err != nil {
		return err
	}
	if a.opts.KernelSize, err = convbench.ParseSize(a.kernelSize); err != nil {
		return err
	}
	if a.opts.Subsampling, err = convbench.ParseSize(a.subsampling); err != nil {
		return err
	}
	return nil
}

func (a *app) suiteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suite FILE",
		Short: "Run every case of a YAML suite",
		Long: `Runs each case of a YAML suite file. Cases inherit the suite defaults:

  name: resnet-3x3
  defaults:
    batch: 1
    kernel_size: 3x3
    input_padding: 1
    iterations: 5
  cases:
    - {input_channels: 64, output_channels: 64, input_size: 56x56}
    - {input_channels: 128, output_channels: 128, input_size: 28, algorithm: direct}

Not applicable cases are recorded and skipped; a fatal error stops the suite.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := convbench.LoadSuite(args[0])
			if err != nil {
				return err
			}
			name := suite.Name
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			bl, err := convbench.NewBenchmarkLogger(a.logDir, name)
			if err != nil {
				return err
			}
			for _, opts := range suite.Cases {
				if err := a.runCase(cmd.Context(), bl, opts); err != nil {
					return err
				}
			}
			convbench.WriteSummary(a.stdout, filepath.Base(bl.SessionFile()), bl.Records(), a.color())
			return nil
		},
	}
}

func (a *app) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary [FILE]",
		Short: "Print the latest (or the given) session log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				latest, err := convbench.LatestLogFile(a.logDir)
				if err != nil {
					return err
				}
				path = latest
			}
			records, err := convbench.ReadLogFile(path)
			if err != nil {
				return err
			}
			convbench.WriteSummary(a.stdout, filepath.Base(path), records, a.color())
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the convbench version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info, ok := convbench.ReadBuildInfo()
			if !ok || info.Version == "" {
				info.Version = "(devel)"
			}
			fmt.Fprintf(a.stdout, "convbench %s\n", info)
			fmt.Fprintf(a.stdout, "CPU: %s\n", convbench.DetectCPUFeatures())
		},
	}
}

// runCase benchmarks one configuration, prints it and logs the record.
func (a *app) runCase(ctx context.Context, bl *convbench.BenchmarkLogger, opts convbench.Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	a.printBanner(opts)

	rep, err := convbench.Benchmark(ctx, a.engine, opts,
		convbench.WithBenchmarkLogger(a.logger),
		convbench.WithBenchmarkMetrics(a.metrics),
	)
	if err != nil {
		if lerr := bl.LogFailure(opts.DisplayName(), opts, err); lerr != nil {
			a.logger.Warn("failed to log failure", slog.Any("error", lerr))
		}
		return err
	}

	a.printReport(rep)
	return bl.Log(convbench.RecordFromReport(opts.DisplayName(), rep))
}

func (a *app) printBanner(opts convbench.Options) {
	w := a.stdout
	fmt.Fprintf(w, "Batch size: %d\n", opts.Batch)
	fmt.Fprintf(w, "Input channels: %d\n", opts.InputChannels)
	fmt.Fprintf(w, "Output channels: %d\n", opts.OutputChannels)
	fmt.Fprintf(w, "Input: %s with implicit padding %d\n", opts.InputSize, opts.Padding)
	fmt.Fprintf(w, "Kernel: %s\n", opts.KernelSize)
	fmt.Fprintf(w, "Subsampling: %s\n", opts.Subsampling)
	fmt.Fprintf(w, "Algorithm: %s, transform strategy: %s\n", opts.Algorithm, opts.TransformStrategy)
	fmt.Fprintf(w, "CPU: %s\n", convbench.DetectCPUFeatures())
}

func (a *app) printReport(rep *convbench.Report) {
	w := a.stdout
	if rep.Outcome == convbench.OutcomeNotApplicable {
		fmt.Fprintf(w, "Not applicable: %s\n\n", rep.Status)
		return
	}
	strategy := rep.Strategy.String()
	if rep.FellBack {
		strategy += " (precompute unsupported)"
	}
	fmt.Fprintf(w, "Strategy used: %s\n", strategy)
	if rep.TransformedKernelSize > 0 {
		fmt.Fprintf(w, "Transformed kernel: %d bytes\n", rep.TransformedKernelSize)
	}
	fmt.Fprintf(w, "Workspace: %d bytes\n", rep.WorkspaceSize)
	fmt.Fprintf(w, "Time: min %v, median %v, mean %v over %d runs\n",
		rep.MinTime(), rep.MedianTime(), rep.MeanTime(), len(rep.Times))
	fmt.Fprintf(w, "Performance: %.2f GFLOPS\n\n", rep.GFLOPS())
}

func (a *app) color() bool {
	f, ok := a.stdout.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
