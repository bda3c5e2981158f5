// ============================================================================
// Beaver-Encode CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the encode client and the encoding node
//
// Command Structure:
//   beaver-encode                  # Root command
//   ├── encode                     # Split, distribute, reassemble one video
//   ├── node                       # Serve the encode RPC
//   ├── status                     # Show configuration and a run report
//   ├── --config, -c               # YAML settings (default: configs/default.yaml)
//   ├── --log-level                # trace, debug, info, warn, error
//   └── --log-json                 # JSON log lines
//
// encode Command:
//   1. Load settings and apply flag overrides
//   2. Check ffmpeg is installed
//   3. Connect to every node (health checked, fails before any work)
//   4. Optionally serve /metrics, /healthz, /status
//   5. Run the pipeline, print the run summary
//
//   Examples:
//     beaver-encode encode -i in.mkv -o out.mkv -n 10.0.0.1:50051 -s 2
//     beaver-encode encode -i in.mkv -o out.mkv \
//       -n 10.0.0.1:50051 -s 2 -n 10.0.0.2:50051 -s 4 \
//       --encoder-params "-c:v libx265 -crf 28"
//
// node Command:
//   Serves VideoEncodingService until SIGINT/SIGTERM, then drains in-flight
//   requests.
//
//     beaver-encode node --listen 0.0.0.0:50051 --metrics-addr :9090
//
// Signal Handling:
//   SIGINT and SIGTERM cancel the command context. encode stops dispatching,
//   waits for outstanding sends and still writes its report.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-encode/internal/config"
	"github.com/ChuLiYu/beaver-encode/internal/controller"
	"github.com/ChuLiYu/beaver-encode/internal/logging"
	"github.com/ChuLiYu/beaver-encode/internal/media"
	"github.com/ChuLiYu/beaver-encode/internal/metrics"
	"github.com/ChuLiYu/beaver-encode/internal/node"
	"github.com/ChuLiYu/beaver-encode/internal/pipeline"
	"github.com/ChuLiYu/beaver-encode/internal/report"
	"github.com/ChuLiYu/beaver-encode/internal/server"
	"github.com/ChuLiYu/beaver-encode/internal/worker"
)

// DefaultConfigPath is read when --config is not given. It may be absent.
const DefaultConfigPath = "configs/default.yaml"

// Version is reported by --version.
var Version = "dev"

type globalFlags struct {
	configFile string
	logLevel   string
	logJSON    bool
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "beaver-encode",
		Short: "Beaver-Encode: distributed chunked video encoding",
		Long: `Beaver-Encode splits a video into segments, encodes them in parallel on
remote nodes over gRPC, and reassembles the result with the original audio
and subtitle streams.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "emit JSON log lines")

	rootCmd.AddCommand(buildEncodeCommand(g))
	rootCmd.AddCommand(buildNodeCommand(g))
	rootCmd.AddCommand(buildStatusCommand(g))

	return rootCmd
}

// loadSettings reads the config file. Only an explicitly named file must
// exist.
func loadSettings(cmd *cobra.Command, g *globalFlags) (*config.Settings, error) {
	required := cmd.Flags().Changed("config")
	settings, err := config.Load(g.configFile, required)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		settings.Logging.Level = g.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		settings.Logging.JSON = g.logJSON
	}
	return settings, nil
}

func setupLogger(cmd *cobra.Command, settings *config.Settings) hclog.Logger {
	return logging.Setup(logging.Options{
		Name:   "beaver-encode",
		Level:  settings.Logging.Level,
		JSON:   settings.Logging.JSON,
		Output: cmd.ErrOrStderr(),
	})
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ============================================================================
// encode
// ============================================================================

type encodeFlags struct {
	input           string
	output          string
	nodes           []string
	slots           []int
	encoderParams   []string
	tempDir         string
	segmentDuration float64
	maxAttempts     int
	allowIncomplete bool
	statusAddr      string
	keepTemp        bool
	reportPath      string
}

func buildEncodeCommand(g *globalFlags) *cobra.Command {
	f := &encodeFlags{}

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a video across remote nodes",
		Long: `Split the input into segments, encode every segment on the given nodes
and concatenate the encoded segments with the input's non-video streams.

Each -n address is paired with the -s capacity in the same position.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, g)
			if err != nil {
				return err
			}
			f.apply(cmd, settings)
			return runEncode(cmd, settings, f)
		},
	}

	f.register(cmd)

	return cmd
}

func (f *encodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "input video file")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output video file")
	cmd.Flags().StringArrayVarP(&f.nodes, "node", "n", nil, "node address host:port (repeatable)")
	cmd.Flags().IntSliceVarP(&f.slots, "slots", "s", nil, "concurrent chunks per node (repeatable, one per -n)")
	cmd.Flags().StringArrayVar(&f.encoderParams, "encoder-params", nil, `ffmpeg output options, e.g. "-c:v libx265 -crf 28" (repeatable)`)
	cmd.Flags().StringVar(&f.tempDir, "temp-dir", "", "root of the temporary workspace")
	cmd.Flags().Float64Var(&f.segmentDuration, "segment-duration", 0, "segment length in seconds")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "attempts per chunk before giving up, 0 retries forever")
	cmd.Flags().BoolVar(&f.allowIncomplete, "allow-incomplete", false, "log missing chunks instead of failing the run")
	cmd.Flags().StringVar(&f.statusAddr, "status-addr", "", "serve /metrics, /healthz and /status on this address")
	cmd.Flags().BoolVar(&f.keepTemp, "keep-temp", false, "keep the temporary workspace after success")
	cmd.Flags().StringVar(&f.reportPath, "report", "", "run report path (default <output>.report.json)")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
}

// apply overrides settings with the flags given on the command line.
func (f *encodeFlags) apply(cmd *cobra.Command, s *config.Settings) {
	flags := cmd.Flags()
	if flags.Changed("node") {
		s.Client.NodeAddresses = f.nodes
	}
	if flags.Changed("slots") {
		s.Client.Slots = f.slots
	}
	if flags.Changed("encoder-params") {
		s.Client.EncoderParams = config.SplitEncoderParams(f.encoderParams)
	}
	if flags.Changed("temp-dir") {
		s.Processing.TempDir = f.tempDir
	}
	if flags.Changed("segment-duration") {
		s.Processing.SegmentDuration = f.segmentDuration
	}
	if flags.Changed("max-attempts") {
		s.Retry.MaxAttempts = f.maxAttempts
	}
	if flags.Changed("allow-incomplete") {
		s.Client.AllowIncomplete = f.allowIncomplete
	}
	if flags.Changed("status-addr") {
		s.Metrics.Addr = f.statusAddr
	}
	if flags.Changed("keep-temp") {
		s.Processing.KeepTemp = f.keepTemp
	}
}

func runEncode(cmd *cobra.Command, settings *config.Settings, f *encodeFlags) error {
	if err := settings.ValidateClient(); err != nil {
		return err
	}
	if _, err := os.Stat(f.input); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	log := setupLogger(cmd, settings)
	ctx, stop := signalContext(cmd)
	defer stop()

	ff := media.New(media.Options{Logger: log})
	if err := ff.Verify(); err != nil {
		return err
	}

	handles, err := node.Connect(ctx, settings.Client.NodeAddresses, settings.Client.Slots, node.Options{
		DialTimeout: settings.Client.DialTimeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer node.CloseAll(handles)

	reg := newRegistry()
	p, err := pipeline.New(pipeline.Config{
		Partitioner: ff,
		Reassembler: ff,
		Controller: controller.Config{
			MaxAttempts:     settings.Retry.MaxAttempts,
			BackoffBase:     settings.Retry.BackoffBase,
			BackoffMax:      settings.Retry.BackoffMax,
			AllowIncomplete: settings.Client.AllowIncomplete,
			Metrics:         metrics.NewCollector(reg),
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	if settings.Metrics.Addr != "" {
		status := func() any { return p.Status() }
		srv, err := metrics.StartServer(settings.Metrics.Addr, metrics.NewRouter(reg, status), log)
		if err != nil {
			return err
		}
		defer shutdown(srv, log)
	}

	rep, err := p.Run(ctx, handles, pipeline.Options{
		Input:           f.input,
		Output:          f.output,
		TempRoot:        settings.Processing.TempDir,
		SegmentDuration: settings.Processing.SegmentDuration,
		EncoderParams:   settings.Client.EncoderParams,
		KeepTemp:        settings.Processing.KeepTemp,
		ReportPath:      f.reportPath,
	})
	if rep != nil {
		fmt.Fprint(cmd.OutOrStdout(), rep.Summary())
	}
	return err
}

func shutdown(srv *metrics.Server, log hclog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("Metrics server shutdown failed", "error", err)
	}
}

// ============================================================================
// node
// ============================================================================

type nodeFlags struct {
	listen      string
	tempDir     string
	metricsAddr string
}

func buildNodeCommand(g *globalFlags) *cobra.Command {
	f := &nodeFlags{}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Start an encoding node",
		Long:  "Serve the chunk encode RPC, running ffmpeg locally for every request.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, g)
			if err != nil {
				return err
			}
			f.apply(cmd, settings)
			return runNode(cmd, settings)
		},
	}

	f.register(cmd)

	return cmd
}

func (f *nodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.listen, "listen", "", "listen address (default from config, 0.0.0.0:50051)")
	cmd.Flags().StringVar(&f.tempDir, "temp-dir", "", "work directory for request files")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
}

func (f *nodeFlags) apply(cmd *cobra.Command, s *config.Settings) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		s.Node.Address = f.listen
	}
	if flags.Changed("temp-dir") {
		s.Processing.TempDir = f.tempDir
	}
	if flags.Changed("metrics-addr") {
		s.Metrics.Addr = f.metricsAddr
	}
}

func runNode(cmd *cobra.Command, settings *config.Settings) error {
	if err := settings.ValidateNode(); err != nil {
		return err
	}

	log := setupLogger(cmd, settings)
	ctx, stop := signalContext(cmd)
	defer stop()

	ff := media.New(media.Options{Logger: log})
	if err := ff.Verify(); err != nil {
		return err
	}

	ws, err := config.NewNodeWorkspace(settings.Processing.TempDir)
	if err != nil {
		return err
	}
	probe := &worker.HostProbe{Dir: ws.Dir, MinFree: settings.Node.MinFreeDisk}
	worker.LogHost(ctx, log, *probe)

	reg := newRegistry()
	srv, err := server.NewServer(server.Config{
		Workspace: ws,
		Encoder:   worker.NewFFmpegEncoder(ff),
		Probe:     probe,
		Logger:    log,
		Metrics:   metrics.NewNodeCollector(reg),
	})
	if err != nil {
		return err
	}

	if settings.Metrics.Addr != "" {
		ms, err := metrics.StartServer(settings.Metrics.Addr, metrics.NewRouter(reg, nil), log)
		if err != nil {
			return err
		}
		defer shutdown(ms, log)
	}

	lis, err := net.Listen("tcp", settings.Node.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", settings.Node.Address, err)
	}
	return server.Serve(ctx, lis, srv)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(g *globalFlags) *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and run status",
		Long:  "Print the effective configuration and, with --report, a finished run report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, g)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), g.configFile, settings, reportPath)
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "run report to print")
	return cmd
}

func showStatus(out io.Writer, configFile string, s *config.Settings, reportPath string) error {
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  config file:      %s\n", configFile)
	fmt.Fprintf(out, "  nodes:            %v\n", s.Client.NodeAddresses)
	fmt.Fprintf(out, "  slots:            %v\n", s.Client.Slots)
	fmt.Fprintf(out, "  encoder params:   %v\n", s.Client.EncoderParams)
	fmt.Fprintf(out, "  segment duration: %gs\n", s.Processing.SegmentDuration)
	fmt.Fprintf(out, "  temp dir:         %s\n", s.Processing.TempDir)
	fmt.Fprintf(out, "  max attempts:     %d\n", s.Retry.MaxAttempts)
	fmt.Fprintf(out, "  node address:     %s\n", s.Node.Address)
	if s.Metrics.Addr != "" {
		fmt.Fprintf(out, "  metrics:          http://%s/metrics\n", s.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "  metrics:          disabled")
	}

	if reportPath == "" {
		return nil
	}

	fmt.Fprintln(out)
	rep, err := report.NewManager(reportPath).Load()
	if errors.Is(err, report.ErrReportNotFound) {
		fmt.Fprintf(out, "No run report at %s\n", reportPath)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprint(out, rep.Summary())
	return nil
}
