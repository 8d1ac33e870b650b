package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tessellate-io/flowline/flow"
	"github.com/tessellate-io/flowline/flow/emit"
	"github.com/tessellate-io/flowline/flow/exec"
	"github.com/tessellate-io/flowline/flow/lock"
	"github.com/tessellate-io/flowline/flow/recovery"
	"github.com/tessellate-io/flowline/flow/schedule"
	"github.com/tessellate-io/flowline/flow/store"
	"github.com/tessellate-io/flowline/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an engine pool member",
	Long: `Start one engine of the pool: it serves the control API, sweeps for
abandoned instances, and advertises itself to the scheduler until
terminated with SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	locks := lock.NewManager(lock.NewRedisStore(rdb, cfg.Redis.Prefix+":lock:"))

	emitter, closeEmitter, err := buildEmitter(cfg)
	if err != nil {
		return err
	}
	defer closeEmitter()

	engineID := cfg.Engine.ID
	if engineID == "" {
		engineID = lock.NewOwnerToken()
	}

	registry := exec.NewRegistry()
	metrics := flow.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	engine, err := flow.NewEngine(st, locks, registry,
		flow.WithEngineID(engineID),
		flow.WithLockTTL(cfg.Engine.LockTTL),
		flow.WithRenewInterval(cfg.Engine.RenewInterval),
		flow.WithHeartbeatInterval(cfg.Engine.HeartbeatInterval),
		flow.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		flow.WithEmitter(emitter),
		flow.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	health := &serverHealth{}
	rec := recovery.NewService(st, locks, engine, recovery.Config{
		EngineID:   engineID,
		Interval:   cfg.Recovery.Interval,
		StaleAfter: cfg.Recovery.StaleAfter,
		Limit:      cfg.Recovery.Limit,
		Emitter:    emitter,
		Metrics:    metrics,
		OnSweep:    func(_ int, err error) { health.recordSweep(err) },
	})
	go func() { _ = rec.Run(ctx) }()

	strategy, err := schedule.ParseStrategy(cfg.Schedule.Strategy)
	if err != nil {
		return err
	}
	pool := schedule.NewRegistry(cfg.Schedule.StaleAfter)
	picker := schedule.NewPicker(pool, strategy)
	collector := schedule.NewCollector(engineID, cfg.Server.Addr, registry.Capabilities(), nil)
	go advertiseLoop(ctx, pool, collector, cfg.Engine.HeartbeatInterval)

	e := newServer(st, engine, pool, picker, engineID, health)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	case "mysql":
		return store.NewMySQLStore(store.DefaultMySQLConfig(cfg.Store.DSN))
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func buildEmitter(cfg *config.Config) (emit.Emitter, func(), error) {
	switch cfg.Events.Sink {
	case "null":
		return emit.NewNullEmitter(), func() {}, nil
	case "log":
		return emit.NewLogEmitter(os.Stdout, false), func() {}, nil
	case "jsonl":
		if cfg.Events.Path == "" {
			return emit.NewLogEmitter(os.Stdout, true), func() {}, nil
		}
		f, err := os.OpenFile(cfg.Events.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open events file: %w", err)
		}
		return emit.NewLogEmitter(f, true), func() { _ = f.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown events sink %q", cfg.Events.Sink)
}

// advertiseLoop heartbeats the local engine into the scheduler pool.
func advertiseLoop(ctx context.Context, pool *schedule.Registry, collector *schedule.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := collector.Sample(ctx)
			if err != nil {
				continue
			}
			pool.Upsert(sample)
		}
	}
}

// serverHealth tracks the background loops the liveness endpoint reports
// on. A failing recovery sweep degrades the daemon: it can still serve
// reads, but the pool should stop routing new work to it.
type serverHealth struct {
	mu       sync.Mutex
	sweepErr error
}

func (h *serverHealth) recordSweep(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepErr = err
}

func (h *serverHealth) status() (ok bool, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sweepErr != nil {
		return false, "recovery sweep failing: " + h.sweepErr.Error()
	}
	return true, ""
}

// newServer builds the control API: health, metrics, pool inspection, and
// instance lifecycle operations.
func newServer(st store.Store, engine *flow.Engine, pool *schedule.Registry, picker *schedule.Picker, engineID string, health *serverHealth) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		if ok, reason := health.status(); !ok {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "engine": engineID, "reason": reason,
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "engine": engineID})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/engines", func(c echo.Context) error {
		return c.JSON(http.StatusOK, pool.Snapshot())
	})
	e.GET("/engines/pick", func(c echo.Context) error {
		req := schedule.Requirement{PreferredEngine: c.QueryParam("preferred")}
		if caps := c.QueryParam("capabilities"); caps != "" {
			req.Capabilities = splitCSV(caps)
		}
		picked, err := picker.Pick(req)
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusOK, picked)
	})

	e.GET("/instances/:id", func(c echo.Context) error {
		inst, err := st.GetInstance(c.Request().Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "instance not found")
			}
			return err
		}
		return c.JSON(http.StatusOK, inst)
	})
	e.GET("/instances/:id/nodes", func(c echo.Context) error {
		nodes, err := st.ListNodes(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, nodes)
	})

	e.POST("/instances/:id/pause", func(c echo.Context) error {
		if err := engine.Pause(c.Request().Context(), c.Param("id")); err != nil {
			return instanceError(err)
		}
		return c.NoContent(http.StatusAccepted)
	})
	e.POST("/instances/:id/cancel", func(c echo.Context) error {
		if err := engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
			return instanceError(err)
		}
		return c.NoContent(http.StatusAccepted)
	})
	e.POST("/instances/:id/resume", func(c echo.Context) error {
		id := c.Param("id")
		// Driving can outlive the request; contention and terminal states
		// are resolved by the engine itself.
		go func() { _ = engine.Resume(context.Background(), id) }()
		return c.NoContent(http.StatusAccepted)
	})

	return e
}

func instanceError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "instance not found")
	case errors.Is(err, store.ErrTerminal):
		return echo.NewHTTPError(http.StatusConflict, "instance is already terminal")
	}
	return err
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
