package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/adalundhe/toolrt/core/cleanup"
	"github.com/adalundhe/toolrt/core/config"
	"github.com/adalundhe/toolrt/core/journal"
	"github.com/adalundhe/toolrt/core/lifecycle"
	"github.com/adalundhe/toolrt/core/recovery"
	"github.com/adalundhe/toolrt/core/resources"
	"github.com/adalundhe/toolrt/core/telemetry"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted failing tool through the runtime",
	Long: `Register a tool with an in-memory tool manager, give it some resources,
inject failures into the manager, and report every recovery attempt the
runtime makes.`,
	RunE: runSimulate,
}

var (
	simTool         string
	simLevel        string
	simFailRetry    int
	simFailActivate int
	simEpisodes     int
	simMetrics      bool
	simJournal      string
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVarP(&simTool, "tool", "t", "sim.tool", "Tool ID")
	simulateCmd.Flags().StringVarP(&simLevel, "level", "l", "medium", "Security level")
	simulateCmd.Flags().IntVar(&simFailRetry, "fail-retry", 1, "Number of retry calls that fail")
	simulateCmd.Flags().IntVar(&simFailActivate, "fail-activate", 0, "Number of activate calls that fail")
	simulateCmd.Flags().IntVar(&simEpisodes, "episodes", 1, "Number of errors to report")
	simulateCmd.Flags().BoolVar(&simMetrics, "metrics", false, "Print collected metrics when done")
	simulateCmd.Flags().StringVar(&simJournal, "journal", "", "Journal path (overrides journal.path)")
}

// simulation owns everything one simulate run builds.
type simulation struct {
	rt       *lifecycle.Runtime
	mgr      *lifecycle.LocalManager
	journal  *journal.Journal
	provider *sdkmetric.MeterProvider
	scratch  string
}

func runSimulate(cmd *cobra.Command, args []string) error {
	level, err := resources.ParseSecurityLevel(simLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sim, err := newSimulation(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer sim.close(ctx, logger)

	return sim.run(ctx, cmd.OutOrStdout(), lifecycle.Tool{ID: simTool, Level: level})
}

func newSimulation(cfg *config.Config, logger *slog.Logger, out io.Writer) (*simulation, error) {
	sim := &simulation{mgr: lifecycle.NewLocalManager(logger)}

	var readers []sdkmetric.Option
	if simMetrics {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	sim.provider = sdkmetric.NewMeterProvider(readers...)
	meter := sim.provider.Meter(telemetry.MeterName)
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return nil, err
	}

	alerts := resources.NewCompositeAlertSink(resources.NewLoggingAlertSink(logger), metrics)
	monitor := recovery.NewMultiMonitor(recovery.NewLoggingMonitor(logger), metrics)
	reporter := cleanup.NewMultiReporter(cleanup.NewLoggingReporter(logger), metrics)

	path := cfg.Journal.Path
	if simJournal != "" {
		path = simJournal
	}
	if path != "" {
		j, err := journal.Open(journal.Config{Path: path, CacheSize: cfg.Journal.CacheSize, Logger: logger})
		if err != nil {
			return nil, err
		}
		sim.journal = j
		alerts.Add(j)
		monitor.Add(j)
		reporter.Add(j)
	}

	rtCfg, err := lifecycle.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	rtCfg.Manager = sim.mgr
	rtCfg.Alerts = alerts
	rtCfg.Monitor = monitor
	rtCfg.Reporter = reporter
	rtCfg.Logger = logger

	if sim.rt, err = lifecycle.NewRuntime(rtCfg); err != nil {
		return nil, err
	}
	if _, err := telemetry.ObserveTracked(meter, sim.rt.Tracker()); err != nil {
		return nil, err
	}
	return sim, nil
}

func (s *simulation) run(ctx context.Context, out io.Writer, tool lifecycle.Tool) error {
	if err := s.start(ctx, tool); err != nil {
		return err
	}
	if err := s.acquire(ctx, tool.ID); err != nil {
		return err
	}

	eval, err := s.rt.Evaluate(tool.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tool %s (%s): status=%s field=%s ratio=%.2f\n",
		tool.ID, tool.Level, eval.Status, eval.Field, eval.Ratio)

	s.mgr.Inject(tool.ID, lifecycle.OpRetry, simFailRetry)
	s.mgr.Inject(tool.ID, lifecycle.OpActivate, simFailActivate)

	terminal := false
	for episode := 1; episode <= simEpisodes && !terminal; episode++ {
		res, err := s.rt.OnError(ctx, tool.ID, fmt.Errorf("simulated failure %d", episode))
		if err != nil && !errors.Is(err, recovery.ErrNotRecoverable) {
			return err
		}
		printResolution(out, episode, res)
		terminal = res.Terminal
	}

	if terminal {
		fmt.Fprintf(out, "tool %s retired\n", tool.ID)
		return s.rt.Unregister(ctx, tool.ID)
	}

	stats := s.rt.Recovery().Stats(tool.ID)
	fmt.Fprintf(out, "attempts=%d success_rate=%.2f mean=%s stddev=%s next=%s\n",
		stats.Attempts, stats.SuccessRate, stats.MeanDuration, stats.StdDevDuration, stats.Next)

	if err := s.rt.PreStop(ctx, tool.ID); err != nil {
		return err
	}
	result, err := s.rt.PostStop(ctx, tool.ID)
	fmt.Fprintf(out, "cleanup: released=%d failed=%d partial=%d\n",
		result.Released(), result.Failed(), result.Partial)
	return err
}

func (s *simulation) start(ctx context.Context, tool lifecycle.Tool) error {
	if err := s.mgr.Add(tool.ID); err != nil {
		return err
	}
	if err := s.rt.Register(ctx, tool); err != nil {
		return err
	}
	if err := s.rt.PreStart(ctx, tool.ID); err != nil {
		return err
	}
	if err := s.mgr.Activate(ctx, tool.ID); err != nil {
		return err
	}
	return s.rt.PostStart(ctx, tool.ID)
}

// acquire hands the tool a scratch file, a temp directory and a memory block
// so every recovery step has something to clean up.
func (s *simulation) acquire(ctx context.Context, toolID string) error {
	dir, err := os.MkdirTemp("", "toolrt-sim-")
	if err != nil {
		return err
	}
	s.scratch = dir
	if err := s.rt.Cleanup().TrackTemp(toolID, cleanup.TempArtifact{Path: dir, SizeMB: 1}); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, "scratch.log"))
	if err != nil {
		return err
	}
	if err := s.rt.Cleanup().TrackFile(toolID, cleanup.OSFile{File: f}); err != nil {
		f.Close()
		return err
	}
	if err := s.rt.Cleanup().TrackMemory(toolID, cleanup.NewByteReservation("buffer", 4<<20)); err != nil {
		return err
	}

	_, err = s.rt.Execute(ctx, toolID, func(context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	return err
}

func (s *simulation) close(ctx context.Context, logger *slog.Logger) {
	if s.scratch != "" {
		_ = os.RemoveAll(s.scratch)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logger.Warn("journal close failed", "error", err)
		}
	}
	if err := s.provider.Shutdown(ctx); err != nil {
		logger.Warn("meter provider shutdown failed", "error", err)
	}
}

func printResolution(out io.Writer, episode int, res lifecycle.Resolution) {
	fmt.Fprintf(out, "\nepisode %d\n", episode)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTRATEGY\tOK\tDURATION\tERROR")
	for _, a := range res.Attempts {
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n", a.Step, a.Strategy, a.Success, a.Duration.Round(time.Microsecond), a.Err)
	}
	w.Flush()

	switch {
	case res.Recovered:
		fmt.Fprintln(out, "recovered")
	case res.Terminal:
		fmt.Fprintln(out, "unrecoverable")
	default:
		fmt.Fprintln(out, "step budget spent")
	}
}
