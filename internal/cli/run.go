package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/framepace/internal/config"
	"github.com/roach88/framepace/internal/dispatch"
	"github.com/roach88/framepace/internal/display"
	"github.com/roach88/framepace/internal/harness"
	"github.com/roach88/framepace/internal/layer"
	"github.com/roach88/framepace/internal/policy"
	"github.com/roach88/framepace/internal/scheduler"
	"github.com/roach88/framepace/internal/store"
	"github.com/roach88/framepace/internal/telemetry"
	"github.com/roach88/framepace/internal/vsync"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	MetricsAddr string
	TracingAddr string
	Policy      string
	Scenario    string
	Duration    time.Duration
	Clients     int
	Work        time.Duration
	CountSpans  bool
	WatchPolicy bool

	// SessionIDs overrides the session id source (for testing).
	// If nil, defaults to UUIDv7Generator.
	SessionIDs dispatch.TokenGenerator
}

// RunSummary is reported when a run ends.
type RunSummary struct {
	Session     string              `json:"session,omitempty"`
	Elapsed     string              `json:"elapsed"`
	Vsyncs      uint64              `json:"vsyncs"`
	Rejected    int                 `json:"rejected"`
	Decision    *DecisionSummary    `json:"decision,omitempty"`
	Connections []ConnectionSummary `json:"connections"`
	Spans       int64               `json:"spans,omitempty"`
	WriteErrors int64               `json:"write_errors,omitempty"`
}

// DecisionSummary is the last refresh rate decision of a run.
type DecisionSummary struct {
	Vote     int     `json:"vote_hz"`
	Layer    string  `json:"layer,omitempty"`
	Priority string  `json:"priority"`
	Divisor  int     `json:"divisor"`
	RenderHz float64 `json:"render_hz"`
	Fallback bool    `json:"fallback"`
}

// ConnectionSummary is one client connection's counters.
type ConnectionSummary struct {
	Dispatcher string `json:"dispatcher"`
	Token      string `json:"token"`
	Owner      uint32 `json:"owner"`
	State      string `json:"state"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Pace clients against a synthetic display",
		Long: `Run the scheduler against a synthetic display.

A synthetic composer feeds vsync timestamps to the tracker, the scheduler
picks a refresh rate from the layer tree on every vsync, and each
dispatcher delivers events to --clients connections that spend --work per
frame. Deliveries and rate decisions are recorded when a database is set.

Examples:
  framepace run --duration 5s
  framepace run --db ./framepace.db --clients 3 --work 2ms
  framepace run --scenario ./scenarios/rate.yaml --metrics-addr :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPacer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record the session in this SQLite database")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.TracingAddr, "tracing-endpoint", "", "export spans to this OTLP gRPC collector")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "CUE rate policy file")
	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "take the layer tree from a scenario file")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().IntVar(&opts.Clients, "clients", 1, "connections per dispatcher")
	cmd.Flags().DurationVar(&opts.Work, "work", time.Millisecond, "simulated work per delivered frame")
	cmd.Flags().BoolVar(&opts.CountSpans, "count-spans", false, "trace in-process and report the span count")
	cmd.Flags().BoolVar(&opts.WatchPolicy, "watch-policy", false, "reload the policy file when it changes")

	return cmd
}

// applyFlags layers explicit flags over the loaded config.
func (o *RunOptions) applyFlags(cfg *config.Config) {
	if o.Database != "" {
		cfg.Store.Database = o.Database
	}
	if o.MetricsAddr != "" {
		cfg.Metrics.Listen = o.MetricsAddr
	}
	if o.TracingAddr != "" {
		cfg.Tracing.Endpoint = o.TracingAddr
	}
	if o.Policy != "" {
		cfg.Scheduler.Policy = o.Policy
	}
}

func runPacer(opts *RunOptions, cmd *cobra.Command) error {
	if opts.Clients < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--clients must not be negative, got %d", opts.Clients))
	}
	if opts.Duration < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--duration must not be negative, got %v", opts.Duration))
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	if opts.WatchPolicy && cfg.Scheduler.Policy == "" {
		return NewExitError(ExitCommandError, "--watch-policy requires a policy file")
	}

	logger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log config", err)
	}

	pol, err := loadPolicy(cfg.Scheduler.Policy)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load policy", err)
	}

	tree, err := runTree(opts.Scenario)
	if err != nil {
		return err
	}

	// Use command's context if available (for testing), otherwise create one
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		// Cancel rather than time out so the loops see a normal shutdown.
		timer := time.AfterFunc(opts.Duration, stop)
		defer timer.Stop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(
		telemetry.WithNamespace(cfg.Metrics.Namespace),
		telemetry.WithRegistry(reg),
	)

	tracer := telemetry.Tracer()
	var spans *spanCounter
	var processors []sdktrace.SpanProcessor
	if opts.CountSpans {
		spans = &spanCounter{}
		processors = append(processors, spans)
	}
	var tp *sdktrace.TracerProvider
	switch {
	case cfg.Tracing.Endpoint != "":
		tp, err = telemetry.NewOTLPProvider(ctx, telemetry.OTLPConfig{
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}, processors...)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up tracing", err)
		}
		logger.Info("exporting spans", "endpoint", cfg.Tracing.Endpoint)
	case spans != nil:
		tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown", "error", err)
			}
		}()
		tracer = tp.Tracer(telemetry.TracerName)
	}

	var session *store.Session
	if cfg.Store.Database != "" {
		st, err := store.Open(cfg.Store.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()

		ids := opts.SessionIDs
		if ids == nil {
			ids = dispatch.UUIDv7Generator{}
		}
		session, err = st.BeginSession(ctx, ids.Generate(), time.Now(), sessionConfig(cfg, pol, opts))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to begin session", err)
		}
		session = session.WithLogger(logger)
		defer func() {
			if endErr := session.End(context.Background(), time.Now()); endErr != nil {
				logger.Error("error ending session", "session", session.ID(), "error", endErr)
			}
		}()
		logger.Info("recording session", "session", session.ID(), "db", cfg.Store.Database)
	}

	tracker := vsync.NewTracker(
		vsync.WithInitialPeriod(cfg.Display.VsyncPeriod),
		vsync.WithTrackerLogger(logger),
	)
	composer := display.NewSyntheticComposer(cfg.Display.VsyncPeriod, tracker,
		display.WithJitter(cfg.Display.Jitter),
		display.WithLogger(logger),
	)

	dispatchers := make([]dispatch.EventDispatcher, len(cfg.Dispatch.Dispatchers))
	for i, name := range cfg.Dispatch.Dispatchers {
		dopts := []dispatch.Option{
			dispatch.WithName(name),
			dispatch.WithLogger(logger),
			dispatch.WithMetrics(metrics),
			dispatch.WithTracer(tracer),
			dispatch.WithCallbackTimeout(cfg.Dispatch.CallbackTimeout),
		}
		if session != nil {
			dopts = append(dopts, dispatch.WithRecorder(session))
		}
		dispatchers[i] = dispatch.New(dopts...)
	}

	sopts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithPolicy(pol.RatePolicy()),
		scheduler.WithMetrics(metrics),
		scheduler.WithTracer(tracer),
		scheduler.WithFallbackPeriod(cfg.Scheduler.FallbackPeriod),
		scheduler.WithResyncThrottle(cfg.Scheduler.ResyncThrottle),
		scheduler.WithLayers(tree),
		scheduler.WithComposer(composer),
	}
	if session != nil {
		sopts = append(sopts, scheduler.WithRecorder(session))
	}
	sched := scheduler.New(sopts...)
	defer sched.Shutdown()

	handles, err := sched.Setup(tracker, tracker, dispatchers...)
	if err != nil {
		return WrapExitError(ExitFailure, "scheduler setup failed", err)
	}

	conns, err := connectClients(sched, handles, opts.Clients, opts.Work)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to connect clients", err)
	}

	formatter := opts.formatter(cmd)
	if !formatter.JSON() {
		fmt.Fprintf(cmd.OutOrStdout(), "Pacing %d connection(s) on %v at %v. Press Ctrl-C to stop.\n",
			len(conns), cfg.Dispatch.Dispatchers, cfg.Display.VsyncPeriod)
	}

	var watcher *policy.Watcher
	if opts.WatchPolicy {
		watcher, err = policy.NewWatcher(cfg.Scheduler.Policy, func(p policy.Policy) {
			sched.SetPolicy(p.RatePolicy())
			sched.ChooseRefreshRate()
		}, policy.WithWatchLogger(logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch policy", err)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		serveAdmin(gctx, g, cfg.Metrics.Listen, adminRouter(reg, sched), logger)
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error { return composer.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	runErr := g.Wait()
	sched.Shutdown()

	summary := summarize(sched, composer, conns, time.Since(start))
	if session != nil {
		summary.Session = session.ID()
		summary.WriteErrors = session.WriteErrors()
	}
	if spans != nil {
		summary.Spans = spans.ended.Load()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitFailure, "run failed", runErr)
	}
	logger.Info("run stopped", "elapsed", summary.Elapsed, "vsyncs", summary.Vsyncs)

	if formatter.JSON() {
		return formatter.encode(CLIResponse{Status: "ok", Data: summary, Session: summary.Session})
	}
	printRunSummary(cmd, summary)
	return nil
}

// runTree builds the layer tree from a scenario's declarations, or a small
// demo tree when none is given.
func runTree(scenarioPath string) (*layer.Tree, error) {
	decls := demoLayers()
	if scenarioPath != "" {
		s, err := harness.LoadScenario(scenarioPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load scenario", err)
		}
		decls = s.Layers
	}
	tree, _, err := harness.BuildTree(decls)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build layer tree", err)
	}
	return tree, nil
}

func demoLayers() []harness.LayerDecl {
	video := harness.PriorityValue(1)
	return []harness.LayerDecl{
		{Name: "root"},
		{Name: "game", Parent: "root", FrameRate: 60},
		{Name: "video", Parent: "root", FrameRate: 30, Priority: &video},
	}
}

// connectClients creates and enables n connections per dispatcher.
func connectClients(sched *scheduler.Scheduler, handles []scheduler.Handle, n int, work time.Duration) ([]*dispatch.Connection, error) {
	conns := make([]*dispatch.Connection, 0, len(handles)*n)
	owner := dispatch.OwnerID(1000)
	for _, h := range handles {
		for range n {
			owner++
			c, err := sched.CreateConnection(h, owner, nil,
				dispatch.WithVsyncHandler(simulatedWork(work)),
				dispatch.WithVsyncRate(1),
			)
			if err != nil {
				return nil, err
			}
			if err := c.Enable(); err != nil {
				return nil, err
			}
			conns = append(conns, c)
		}
	}
	return conns, nil
}

// simulatedWork returns a handler that holds each frame for d or until its
// budget is cancelled.
func simulatedWork(d time.Duration) dispatch.VsyncHandler {
	return func(ctx context.Context, ev dispatch.Event) error {
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// adminRouter serves metrics, a health check, and the latest rate decision.
func adminRouter(reg *prometheus.Registry, sched *scheduler.Scheduler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/decision", func(w http.ResponseWriter, _ *http.Request) {
		d, ok := sched.LastDecision()
		if !ok {
			http.Error(w, "no decision yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Payload())
	})
	return r
}

func serveAdmin(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("serving metrics", "addr", addr, "paths", "/metrics /healthz /decision")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// sessionConfig is the effective configuration stored with a session, in
// integer units.
func sessionConfig(cfg *config.Config, pol policy.Policy, opts *RunOptions) map[string]any {
	return map[string]any{
		"vsync_period_ns":     cfg.Display.VsyncPeriod,
		"jitter_ns":           cfg.Display.Jitter,
		"callback_timeout_ns": cfg.Dispatch.CallbackTimeout,
		"dispatchers":         cfg.Dispatch.Dispatchers,
		"fallback_period_ns":  cfg.Scheduler.FallbackPeriod,
		"resync_throttle_ns":  cfg.Scheduler.ResyncThrottle,
		"policy":              policyPayload(pol),
		"scenario":            opts.Scenario,
		"clients":             opts.Clients,
		"work_ns":             opts.Work,
	}
}

func summarize(sched *scheduler.Scheduler, composer *display.SyntheticComposer, conns []*dispatch.Connection, elapsed time.Duration) RunSummary {
	s := RunSummary{
		Elapsed:     elapsed.Round(time.Millisecond).String(),
		Vsyncs:      composer.Emitted(),
		Rejected:    composer.Rejected(),
		Connections: make([]ConnectionSummary, 0, len(conns)),
	}
	if dec, ok := sched.LastDecision(); ok {
		s.Decision = &DecisionSummary{
			Vote:     dec.Vote,
			Layer:    dec.SourceName,
			Priority: dec.Priority.String(),
			Divisor:  dec.Divisor,
			RenderHz: dec.RenderRate(),
			Fallback: dec.Fallback,
		}
	}
	for _, c := range conns {
		st := c.Stats()
		s.Connections = append(s.Connections, ConnectionSummary{
			Dispatcher: c.Dispatcher().Name(),
			Token:      c.Token(),
			Owner:      uint32(c.Owner()),
			State:      c.State().String(),
			Delivered:  st.Delivered,
			Failed:     st.Failed,
			Dropped:    st.Dropped,
		})
	}
	return s
}

func printRunSummary(cmd *cobra.Command, s RunSummary) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\nRan for %s: %d vsync(s), %d rejected\n", s.Elapsed, s.Vsyncs, s.Rejected)
	if s.Session != "" {
		fmt.Fprintf(w, "Session: %s\n", s.Session)
	}
	if d := s.Decision; d != nil {
		layerName := d.Layer
		if layerName == "" {
			layerName = "-"
		}
		fmt.Fprintf(w, "Rate: vote %d Hz from %s (priority %s), divisor %d, render %.2f Hz\n",
			d.Vote, layerName, d.Priority, d.Divisor, d.RenderHz)
	}
	for _, c := range s.Connections {
		fmt.Fprintf(w, "  %-6s owner %d %-12s delivered %d failed %d dropped %d\n",
			c.Dispatcher, c.Owner, c.State, c.Delivered, c.Failed, c.Dropped)
	}
	if s.WriteErrors > 0 {
		fmt.Fprintf(w, "Warning: %d record(s) failed to write\n", s.WriteErrors)
	}
	if s.Spans > 0 {
		fmt.Fprintf(w, "Spans: %d\n", s.Spans)
	}
}

// spanCounter is a span processor that counts ended spans.
type spanCounter struct {
	ended atomic.Int64
}

var _ sdktrace.SpanProcessor = (*spanCounter)(nil)

func (c *spanCounter) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (c *spanCounter) OnEnd(sdktrace.ReadOnlySpan) { c.ended.Add(1) }

func (c *spanCounter) Shutdown(context.Context) error { return nil }

func (c *spanCounter) ForceFlush(context.Context) error { return nil }
