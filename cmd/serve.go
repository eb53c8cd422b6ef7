package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/circuit-geo/internal/mapping"
	"github.com/sells-group/circuit-geo/internal/model"
	"github.com/sells-group/circuit-geo/internal/store"
	"github.com/sells-group/circuit-geo/internal/trackfile"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the mapping cache and track files over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return eris.Wrap(err, "serve: open run history")
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}

		api := &apiServer{
			mappingsFile: cfg.Paths.MappingsFile,
			tracks:       trackfile.NewGeoJSONWriter(cfg.Paths.OutputDir),
			runs:         st,
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.routes(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer is the read-only HTTP API. The mapping file is reloaded on every
// request so a concurrent resolve run is picked up.
type apiServer struct {
	mappingsFile string
	tracks       *trackfile.GeoJSONWriter
	runs         store.Store
}

func (a *apiServer) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/circuits", a.listCircuits)
	r.Get("/circuits/{name}", a.getCircuit)
	r.Get("/tracks/{name}", a.getTrack)
	if a.runs != nil {
		r.Get("/runs", a.listRuns)
		r.Get("/runs/{id}", a.getRun)
	}
	return r
}

type circuitResponse struct {
	Name    string           `json:"name"`
	Status  string           `json:"status"`
	Entry   model.CacheEntry `json:"entry"`
	HasFile bool             `json:"has_file"`
}

func (a *apiServer) listCircuits(w http.ResponseWriter, _ *http.Request) {
	c, err := mapping.Load(a.mappingsFile)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	snap := c.Snapshot()
	out := make([]circuitResponse, 0, len(snap))
	for _, name := range c.Names() {
		e, ok := snap[name]
		if !ok {
			continue
		}
		out = append(out, a.circuit(name, e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    c.Stats(),
		"circuits": out,
	})
}

func (a *apiServer) getCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, err := mapping.Load(a.mappingsFile)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	e, ok, err := c.Get(name)
	switch {
	case errors.Is(err, mapping.ErrQuarantined):
		writeError(w, http.StatusUnprocessableEntity, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case !ok:
		writeError(w, http.StatusNotFound, eris.Errorf("circuit %q not in cache", name))
	default:
		writeJSON(w, http.StatusOK, a.circuit(name, e))
	}
}

func (a *apiServer) circuit(name string, e model.CacheEntry) circuitResponse {
	status := "mapped"
	if e.Absent() {
		status = "absent"
	}
	return circuitResponse{Name: name, Status: status, Entry: e, HasFile: a.tracks.Exists(name)}
}

func (a *apiServer) getTrack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := os.ReadFile(a.tracks.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, eris.Errorf("no track file for %q", name))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *apiServer) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.runs.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Mode:   model.RunMode(r.URL.Query().Get("mode")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *apiServer) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := a.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	outcomes, err := a.runs.ListOutcomes(r.Context(), store.OutcomeFilter{RunID: id, Limit: 10000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "outcomes": outcomes})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
