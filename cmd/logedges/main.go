package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"logedges/pkg/config"
	"logedges/pkg/engine"
	"logedges/pkg/kernel"
	"logedges/pkg/launch"
	"logedges/pkg/partition"
	"logedges/pkg/transport"
)

// ErrUsage reports a command line that cannot be run.
var ErrUsage = errors.New("usage error")

type runOptions struct {
	configPath  string
	procs       int
	threads     int
	output      string
	boundary    string
	compression string
	quiet       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err == nil {
		return
	}

	// usage was already printed
	if !errors.Is(err, ErrUsage) {
		log.Printf("logedges failed: %v", err)
	}
	os.Exit(1)
}

// execute runs the command line in args. Usage errors are reported with the
// command's usage, but only by the coordinator so a job prints it once.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if errors.Is(err, ErrUsage) && isCoordinator() {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return err
}

func isCoordinator() bool {
	rank := os.Getenv(launch.EnvRank)
	return rank == "" || rank == "0"
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "logedges",
		Short:         "Distributed Laplacian-of-Gaussian edge detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	})

	root.AddCommand(newRunCmd(stdout, stderr), newLaunchCmd(stdout, stderr), newConfigCmd(stdout))
	return root
}

func exactlyOneImage(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected exactly one image path, got %d arguments", ErrUsage, len(args))
	}
	return nil
}

func addRunFlags(flags *pflag.FlagSet, opts *runOptions) {
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.IntVarP(&opts.threads, "threads", "t", 0, "Filtering threads per rank (0: one per CPU)")
	flags.StringVarP(&opts.output, "output", "o", "", "Output edge map path")
	flags.StringVar(&opts.boundary, "boundary", "", "Boundary policy: skip or clamp")
	flags.StringVar(&opts.compression, "compression", "", "Compression of pixel frames between processes: none or zstd")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress logging")
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] <image>",
		Short: "Filter an image and write its edge map",
		Long: "Filter an image and write its edge map.\n\n" +
			"When started by 'logedges launch' the process is one rank of a multi-process\n" +
			"job; otherwise --procs ranks run inside this process.",
		Args: exactlyOneImage,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdges(cmd, args[0], opts, stdout, stderr)
		},
	}
	addRunFlags(cmd.Flags(), opts)
	cmd.Flags().IntVarP(&opts.procs, "procs", "n", 0, "Ranks to run in this process, truncated to a power of two")
	return cmd
}

func newLaunchCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "launch [flags] <image>",
		Short: "Run a job as one process per rank connected over TCP",
		Args:  exactlyOneImage,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			// forward every explicit flag except the process count to the ranks
			runArgs := []string{"run"}
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name != "procs" {
					runArgs = append(runArgs, "--"+f.Name+"="+f.Value.String())
				}
			})
			runArgs = append(runArgs, args[0])

			return launch.Run(cmd.Context(), launch.Options{
				Args:   runArgs,
				Procs:  cfg.Processing.Procs,
				Stdout: stdout,
				Stderr: stderr,
			})
		},
	}
	addRunFlags(cmd.Flags(), opts)
	cmd.Flags().IntVarP(&opts.procs, "procs", "n", 0, "Number of processes to start")
	return cmd
}

func newConfigCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected exactly one config path, got %d arguments", ErrUsage, len(args))
			}
			return nil
		},
		RunE: func(_ *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Default configuration written to %s\n", args[0])
			return nil
		},
	})
	return cmd
}

// loadConfig reads the configuration file and applies explicit flags on top.
func loadConfig(cmd *cobra.Command, opts *runOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("procs") {
		cfg.Processing.Procs = opts.procs
	}
	if flags.Changed("threads") {
		cfg.Processing.Threads = opts.threads
	}
	if flags.Changed("output") {
		cfg.Output.Path = opts.output
	}
	if flags.Changed("boundary") {
		cfg.Processing.Boundary = opts.boundary
	}
	if flags.Changed("compression") {
		cfg.Transport.Compression = opts.compression
	}
	if opts.quiet {
		cfg.Output.Verbose = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	return cfg, nil
}

func runEdges(cmd *cobra.Command, image string, opts *runOptions, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	policy, err := kernel.ParsePolicy(cfg.Processing.Boundary)
	if err != nil {
		return err
	}

	var logOut io.Writer
	if cfg.Output.Verbose {
		logOut = stderr
	}
	params := &engine.Params{
		InputPath:     image,
		OutputPath:    cfg.Output.Path,
		Threads:       cfg.Threads(),
		Boundary:      policy,
		EdgeThreshold: cfg.Metrics.EdgeThreshold,
	}

	topo, ok, err := launch.FromEnv()
	if err != nil {
		return err
	}
	if ok {
		return runRank(cmd.Context(), cfg, topo, params, stdout, logOut)
	}

	printBanner(stdout)
	e, err := engine.RunLocal(cmd.Context(), params, cfg.Processing.Procs, logOut)
	if err != nil {
		return err
	}
	printMetrics(stdout, e.GetMetrics(), cfg.Output.Path)
	return nil
}

// runRank runs this process as one rank of a TCP job started by launch.
func runRank(ctx context.Context, cfg *config.Config, topo launch.Topology, params *engine.Params, stdout, logOut io.Writer) error {
	workers, err := partition.NormalizeWorkers(topo.Size)
	if err != nil {
		return err
	}
	if topo.Rank >= workers {
		if logOut != nil {
			fmt.Fprintf(logOut, "rank %d: idle, only %d of %d ranks are used\n", topo.Rank, workers, topo.Size)
		}
		return nil
	}

	compression, err := transport.ParseCompression(cfg.Transport.Compression)
	if err != nil {
		return err
	}
	opts := transport.Options{Compression: compression}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Transport.ConnectTimeout)
	defer cancel()

	var t *transport.TCP
	if topo.Rank == 0 {
		if topo.Addr == "" && topo.ListenFD == 0 {
			topo.Addr = cfg.Transport.Address
		}
		ln, err := topo.Listener()
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		t, err = transport.Accept(connectCtx, ln, workers, opts)
		if err != nil {
			return err
		}
	} else {
		t, err = transport.Dial(connectCtx, topo.Addr, topo.Rank, workers, opts)
		if err != nil {
			return err
		}
	}
	defer t.Close()

	e := engine.NewEngine(params, t, logOut)
	if topo.Rank == 0 {
		printBanner(stdout)
	}
	err = e.Process(ctx)
	if errors.Is(err, transport.ErrAborted) {
		// rank 0 reports the cause, workers that were sent home finish cleanly
		return nil
	}
	if err != nil {
		return err
	}
	if topo.Rank == 0 {
		printMetrics(stdout, e.GetMetrics(), params.OutputPath)
	}
	return nil
}

func printBanner(w io.Writer) {
	fmt.Fprintln(w, "================================")
	fmt.Fprintln(w, "DISTRIBUTED LAPLACIAN-OF-GAUSSIAN EDGE DETECTION")
	fmt.Fprintln(w, "================================")
}

func printMetrics(w io.Writer, m engine.Metrics, outputPath string) {
	fmt.Fprintf(w, "\nEdge detection completed successfully in %.3f seconds!\n", m.Elapsed.Seconds())
	fmt.Fprintf(w, "Edge map saved to: %s\n\n", outputPath)

	fmt.Fprintf(w, "Output Metrics:\n")
	fmt.Fprintf(w, "===============\n")
	fmt.Fprintf(w, "Image size: %dx%d\n", m.Width, m.Height)
	fmt.Fprintf(w, "Mean intensity: %.3f\n", m.Mean)
	fmt.Fprintf(w, "Intensity std dev: %.3f\n", m.StdDev)
	fmt.Fprintf(w, "Edge pixels: %.2f%%\n", 100*m.EdgeFraction)

	fmt.Fprintln(w, "\nParallel processing:")
	fmt.Fprintf(w, "- Used %d ranks with %d threads each\n", m.Procs, m.Threads)
}
