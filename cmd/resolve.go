package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/circuit-geo/internal/aliases"
	"github.com/sells-group/circuit-geo/internal/fetcher"
	"github.com/sells-group/circuit-geo/internal/mapping"
	"github.com/sells-group/circuit-geo/internal/model"
	"github.com/sells-group/circuit-geo/internal/overpass"
	"github.com/sells-group/circuit-geo/internal/resilience"
	"github.com/sells-group/circuit-geo/internal/resolve"
	"github.com/sells-group/circuit-geo/internal/store"
	"github.com/sells-group/circuit-geo/internal/trackfile"
	"github.com/sells-group/circuit-geo/internal/wikidata"
	"github.com/sells-group/circuit-geo/internal/wikipedia"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve circuits and download their geometry",
	Long: `Lists the circuits on Wikipedia, resolves each one to an OpenStreetMap
element (cache, Wikidata P402, wikidata tag, name search) and writes its
geometry to the output directory. With --check-update nothing is written;
cached versions are compared against OSM instead.`,
	RunE: runResolve,
}

func init() {
	f := resolveCmd.Flags()
	f.Bool("check-update", false, "report version drift against OSM without writing anything")
	f.Bool("refresh", false, "re-download geometry even when the output file exists")
	f.StringSlice("only", nil, "only process these circuit names (comma separated)")
	f.Int("concurrency", 0, "circuits processed at once (default from config)")
	f.String("format", "geojson", "output format: geojson, or shp to also write a shapefile")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkOnly, _ := cmd.Flags().GetBool("check-update")
	refresh, _ := cmd.Flags().GetBool("refresh")
	only, _ := cmd.Flags().GetStringSlice("only")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	format, _ := cmd.Flags().GetString("format")

	if concurrency > 0 {
		cfg.Resolve.Concurrency = concurrency
	}
	if err := cfg.Validate("resolve"); err != nil {
		return err
	}
	if format != "geojson" && format != "shp" {
		return eris.Errorf("resolve: unknown format %q (valid: geojson, shp)", format)
	}

	log := zap.L().With(zap.String("component", "cmd.resolve"))

	// Batch-level failures below abort before anything is written.
	cache, err := mapping.Load(cfg.Paths.MappingsFile)
	if err != nil {
		return eris.Wrap(err, "resolve: load mapping cache")
	}
	if q := cache.Quarantined(); len(q) > 0 {
		log.Warn("mapping cache has malformed entries", zap.Int("count", len(q)))
	}

	web := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
		Retry:     cfg.HTTP.RetryConfig(),
		HostRate:  rate.Limit(cfg.HTTP.RequestsPerSec),
	})

	circuits, err := wikipedia.NewClient(web, wikipedia.WithListURL(cfg.Wikipedia.ListURL)).ListCandidateNames(ctx)
	if err != nil {
		return eris.Wrap(err, "resolve: list circuits")
	}
	log.Info("listed circuits", zap.Int("count", len(circuits)))

	set, err := aliases.Load(cfg.Paths.AliasesFile)
	if err != nil {
		return err
	}
	if n := set.Apply(circuits); n > 0 {
		log.Info("applied aliases", zap.Int("circuits", n))
	}

	circuits, missing := filterCircuits(circuits, only)
	for _, name := range missing {
		log.Warn("--only name not on the circuit list", zap.String("circuit", name))
	}

	if !checkOnly {
		if err := os.MkdirAll(cfg.Paths.OutputDir, 0o755); err != nil {
			return eris.Wrap(err, "resolve: create output dir")
		}
	}

	kb := wikidata.NewClient(web,
		wikidata.WithAPIURL(cfg.Wikidata.APIURL),
		wikidata.WithEntityURL(cfg.Wikidata.EntityURL),
		wikidata.WithSearchLimit(cfg.Wikidata.SearchLimit),
	)
	geo := overpass.NewClient(cfg.Overpass.Endpoints,
		overpass.WithBreakers(resilience.NewEndpointBreakers(cfg.Overpass.BreakerConfig())),
		overpass.WithRateLimitCooldown(time.Duration(cfg.Overpass.RateLimitCooldownMs)*time.Millisecond),
		overpass.WithRequestDelay(time.Duration(cfg.Overpass.RequestDelayMs)*time.Millisecond),
		overpass.WithTimeout(time.Duration(cfg.Overpass.TimeoutSecs)*time.Second),
		overpass.WithUserAgent(cfg.HTTP.UserAgent),
	)

	var writer trackfile.Writer = trackfile.NewGeoJSONWriter(cfg.Paths.OutputDir)
	if format == "shp" {
		writer = trackfile.NewMultiWriter(writer, trackfile.NewShapefileWriter(cfg.Paths.OutputDir))
	}

	st, err := initStore(ctx)
	if err != nil {
		return eris.Wrap(err, "resolve: open run history")
	}
	if st != nil {
		defer st.Close() //nolint:errcheck
	}

	mode := model.RunModeResolve
	if checkOnly {
		mode = model.RunModeCheck
	}
	history := newRunRecorder(ctx, st, mode)

	svc := resolve.NewService(kb, geo, cache, writer, resolve.Options{
		CheckOnly:   checkOnly,
		Refresh:     refresh || cfg.Resolve.Refresh,
		Concurrency: cfg.Resolve.Concurrency,
		RunID:       history.runID,
	})

	summary := svc.Run(ctx, circuits, func(o model.Outcome) {
		fmt.Fprintln(os.Stdout, formatOutcome(o))
		history.record(o)
	})

	cancelled := ctx.Err() != nil
	history.complete(summary, cancelled)
	printSummary(os.Stdout, summary, len(circuits))

	if cancelled {
		return eris.New("resolve: interrupted")
	}
	if n := summary.Failed(); n > 0 {
		return eris.Errorf("resolve: %d circuit(s) unresolved", n)
	}
	return nil
}

// runRecorder writes outcomes to run history. History failures are logged
// and never fail the run.
type runRecorder struct {
	st    store.Store
	runID string
	log   *zap.Logger
}

func newRunRecorder(ctx context.Context, st store.Store, mode model.RunMode) *runRecorder {
	r := &runRecorder{st: st, log: zap.L().With(zap.String("component", "history"))}
	if st == nil {
		return r
	}
	run, err := st.CreateRun(ctx, mode)
	if err != nil {
		r.log.Warn("create run failed, history disabled", zap.Error(err))
		r.st = nil
		return r
	}
	r.runID = run.ID
	return r
}

func (r *runRecorder) record(o model.Outcome) {
	if r.st == nil {
		return
	}
	// The run context may already be cancelled; outcomes of finished work
	// are still recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.st.RecordOutcome(ctx, r.runID, o); err != nil {
		r.log.Warn("record outcome failed", zap.String("circuit", o.Name), zap.Error(err))
	}
}

func (r *runRecorder) complete(summary model.Summary, cancelled bool) {
	if r.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var runErr string
	if cancelled {
		runErr = "interrupted"
	}
	if err := r.st.CompleteRun(ctx, r.runID, model.FinalStatus(cancelled, summary), summary, runErr); err != nil {
		r.log.Warn("complete run failed", zap.Error(err))
	}
}

// filterCircuits keeps the circuits named in only, in list order. It returns
// the names that matched nothing.
func filterCircuits(circuits []model.Circuit, only []string) ([]model.Circuit, []string) {
	if len(only) == 0 {
		return circuits, nil
	}
	want := make(map[string]bool, len(only))
	for _, name := range only {
		if name = strings.TrimSpace(name); name != "" {
			want[name] = false
		}
	}
	var out []model.Circuit
	for _, c := range circuits {
		if _, ok := want[c.Name]; ok {
			out = append(out, c)
			want[c.Name] = true
		}
	}
	var missing []string
	for _, name := range only {
		name = strings.TrimSpace(name)
		if seen, ok := want[name]; ok && !seen {
			missing = append(missing, name)
			delete(want, name)
		}
	}
	return out, missing
}

// formatOutcome renders one outcome as a single status line.
func formatOutcome(o model.Outcome) string {
	var b strings.Builder
	switch o.Status {
	case model.StatusResolved:
		fmt.Fprintf(&b, "[ok]      %s -> %s", o.Name, o.Ref)
		if o.Version > 0 {
			fmt.Fprintf(&b, " v%d", o.Version)
		}
		if o.Method != "" {
			fmt.Fprintf(&b, " (%s)", o.Method)
		}
		if o.Path != "" {
			fmt.Fprintf(&b, " %s", o.Path)
		}
	case model.StatusConfirmedAbsent:
		fmt.Fprintf(&b, "[absent]  %s", o.Name)
	case model.StatusSkipped:
		fmt.Fprintf(&b, "[skip]    %s", o.Name)
	case model.StatusUpToDate:
		fmt.Fprintf(&b, "[current] %s -> %s v%d", o.Name, o.Ref, o.Version)
	case model.StatusDrift:
		fmt.Fprintf(&b, "[drift]   %s -> %s", o.Name, o.Ref)
	default:
		fmt.Fprintf(&b, "[fail]    %s", o.Name)
	}
	if o.Reason != "" && o.Status != model.StatusResolved && o.Status != model.StatusUpToDate {
		fmt.Fprintf(&b, ": %s", o.Reason)
	}
	return b.String()
}

func printSummary(w io.Writer, s model.Summary, listed int) {
	_, _ = fmt.Fprintf(w, "\n%d/%d circuits processed: %d resolved, %d absent, %d skipped, %d up to date, %d drifted, %d unresolved\n",
		s.Total, listed,
		s.ByStatus[model.StatusResolved],
		s.ByStatus[model.StatusConfirmedAbsent],
		s.ByStatus[model.StatusSkipped],
		s.ByStatus[model.StatusUpToDate],
		s.ByStatus[model.StatusDrift],
		s.Failed(),
	)
}
