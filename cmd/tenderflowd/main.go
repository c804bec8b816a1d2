// tenderflowd runs the tender acquisition control plane: the job queue
// workers, the health monitor, the remediation executor and the
// operator HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zeidalqadri/tenderflow-sub000/internal/artifact"
	"github.com/zeidalqadri/tenderflow-sub000/internal/cache"
	"github.com/zeidalqadri/tenderflow-sub000/internal/config"
	"github.com/zeidalqadri/tenderflow-sub000/internal/control"
	"github.com/zeidalqadri/tenderflow-sub000/internal/coord"
	"github.com/zeidalqadri/tenderflow-sub000/internal/gateway"
	"github.com/zeidalqadri/tenderflow-sub000/internal/health"
	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
	"github.com/zeidalqadri/tenderflow-sub000/internal/scraper"
	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
	"github.com/zeidalqadri/tenderflow-sub000/internal/worker"
)

var workerQueues = []string{
	queue.QueueScraping,
	queue.QueueProcessing,
	queue.QueueNotification,
	queue.QueueDocument,
	queue.QueueCleanup,
}

func main() {
	cfg := config.FromEnv()
	log.Printf("tenderflowd starting (backend=%s listen=%s)", cfg.Backend, cfg.ListenAddr)

	shutdownTracing, err := observability.InitTracingFromEnv("tenderflowd")
	if err != nil {
		log.Fatalf("tracing init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	app.monitor.Start(ctx)
	for _, p := range app.pools {
		p.Start(ctx)
	}
	go app.maintenanceLoop(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      app.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Printf("http: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("tenderflowd shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	for _, p := range app.pools {
		p.Stop()
	}
	app.monitor.Stop()
	app.hub.Shutdown()
	if err := shutdownTracing(shutCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	log.Printf("tenderflowd stopped")
}

type app struct {
	cfg       config.Config
	store     queue.Store
	tenders   tender.Store
	scheduler *queue.Scheduler
	hub       *gateway.Hub
	pools     map[string]*worker.Pool
	monitor   *health.Monitor
	executor  *control.Executor
	cache     cache.Store
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	hub := gateway.NewHub()

	var (
		store     queue.Store
		coordKV   coord.Backend
		cacheSt   cache.Store
		pgStore   *tender.PostgresStore
		tenderSt  tender.Store
		probeList []health.Probe
	)

	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		store = queue.NewRedisStore(rdb)
		coordKV = coord.NewRedisBackend(rdb)
		cacheSt = cache.NewRedisCache(rdb)
	case "memory":
		store = queue.NewMemoryStore()
		coordKV = coord.NewMemoryBackend()
		cacheSt = cache.NewMemoryCache()
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.PostgresDSN != "" {
		pg, err := tender.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		pgStore = pg
		tenderSt = pg
	} else {
		tenderSt = tender.NewMemoryStore()
	}

	var uploader artifact.Uploader
	switch cfg.ArtifactBackend {
	case "minio":
		up, err := artifact.NewMinIOUploader(ctx, artifact.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		uploader = up
	case "local":
		uploader = artifact.LocalUploader{Root: cfg.ArtifactRoot}
	default:
		uploader = artifact.NoopUploader{}
	}

	scheduler := queue.NewScheduler(store, tenderSt)
	runner := scraper.NewRunner(cfg.ScraperCommand, cfg.ScraperArgs, cfg.ScraperTimeout)
	locker := coord.NewLocker(coordKV)
	limiter := coord.NewRateLimiter(coordKV)

	pools := map[string]*worker.Pool{
		queue.QueueScraping: worker.NewPool(store, queue.QueueScraping,
			worker.NewScrapingHandler(runner, tenderSt, locker, limiter, uploader, hub, cfg.ScrapeOutDir), cfg.PollInterval),
		queue.QueueProcessing: worker.NewPool(store, queue.QueueProcessing,
			worker.NewProcessingHandler(tenderSt, scheduler, hub), cfg.PollInterval),
		queue.QueueNotification: worker.NewPool(store, queue.QueueNotification,
			worker.NewNotificationHandler(hub), cfg.PollInterval),
		queue.QueueDocument: worker.NewPool(store, queue.QueueDocument,
			worker.NewDocumentHandler(uploader, hub), cfg.PollInterval),
		queue.QueueCleanup: worker.NewPool(store, queue.QueueCleanup,
			worker.NewCleanupHandler(tenderSt, coordKV, cacheSt), cfg.PollInterval),
	}

	probeList = []health.Probe{
		&health.HTTPProbe{ComponentID: "api", ComponentName: "API", URL: cfg.APIProbeURL},
		&health.PingProbe{ComponentID: "database", ComponentName: "Database", Ping: tenderSt.Ping},
		&health.PingProbe{ComponentID: "cache", ComponentName: "Cache", Ping: cacheSt.Ping},
		&health.QueueProbe{Store: store, Queues: workerQueues},
		&health.StorageProbe{Path: cfg.ScrapeOutDir},
	}
	monitor := health.NewMonitor(cfg.HealthInterval, hub, probeList...)
	monitor.SetDiskPath(cfg.ScrapeOutDir)

	catalog, err := control.LoadCatalog(cfg.RemediationCatalogPath)
	if err != nil {
		return nil, err
	}
	targets := control.Targets{
		FlushCache: cacheSt.Flush,
		ResetConnections: func(context.Context) error {
			if pgStore == nil {
				return errors.New("no database pool to reset")
			}
			pgStore.ResetPool()
			return nil
		},
		Restart: func(_ context.Context, component string) error {
			name := strings.TrimPrefix(component, "worker:")
			p, ok := pools[name]
			if !ok {
				return fmt.Errorf("unknown component %q", component)
			}
			p.Stop()
			// The restarted pool outlives the request that asked for it, so
			// it runs on the process context rather than the caller's.
			p.Start(ctx)
			return nil
		},
		Scale: func(_ context.Context, component string, n int) error {
			name := strings.TrimPrefix(component, "worker:")
			p, ok := pools[name]
			if !ok {
				return fmt.Errorf("unknown component %q", component)
			}
			applied := p.SetConcurrency(n)
			log.Printf("control: queue %s concurrency set to %d", name, applied)
			return nil
		},
		RotateCredentials: func(_ context.Context, component string) error {
			// Rotation is delegated to the secrets manager; this records
			// the trigger and the audit trail carries the approval.
			log.Printf("control: credential rotation triggered for %s", component)
			return nil
		},
	}
	executor := control.NewExecutor(catalog, targets, tenderSt, hub)

	return &app{
		cfg:       cfg,
		store:     store,
		tenders:   tenderSt,
		scheduler: scheduler,
		hub:       hub,
		pools:     pools,
		monitor:   monitor,
		executor:  executor,
		cache:     cacheSt,
	}, nil
}

// maintenanceLoop schedules the recurring cleanup jobs.
func (a *app) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range []string{queue.CleanupRunLogs, queue.CleanupLocks} {
				if _, err := a.scheduler.ScheduleCleanup(ctx, t, nil, 0); err != nil {
					log.Printf("maintenance: schedule %s: %v", t, err)
				}
			}
		}
	}
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/health", a.handleHealth)
	mux.HandleFunc("/v1/health/components/", a.handleComponent)
	mux.HandleFunc("/v1/alerts", a.handleAlerts)
	mux.HandleFunc("/v1/errors", a.handleErrors)
	mux.HandleFunc("/v1/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, observability.Default.RenderPrometheus())
	})
	mux.HandleFunc("/v1/actions", a.handleActions)
	mux.HandleFunc("/v1/scrapes", a.handleScrapes)
	mux.HandleFunc("/v1/runs", a.handleRuns)
	mux.HandleFunc("/v1/jobs/failed", a.handleFailedJobs)
	mux.HandleFunc("/v1/jobs/retry", a.handleRetryJob)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.monitor.Health())
}

func (a *app) handleComponent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/health/components/")
	if r.Method == http.MethodPost {
		ch, err := a.monitor.RefreshComponent(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, ch)
		return
	}
	ch, ok := a.monitor.Component(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown component %q", id))
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *app) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.monitor.Alerts(queryInt(r, "limit", 50)))
}

func (a *app) handleErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.monitor.Errors())
}

func (a *app) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.monitor.Metrics(queryInt(r, "limit", 60)))
}

func (a *app) handleActions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"actions": a.executor.Actions(),
			"history": a.executor.History(queryInt(r, "limit", 20)),
		})
	case http.MethodPost:
		var body struct {
			Action    string            `json:"action"`
			Component string            `json:"component"`
			Params    map[string]string `json:"params"`
			ActorID   string            `json:"actor_id"`
			Approval  *struct {
				ActorID string `json:"actor_id"`
				Reason  string `json:"reason"`
			} `json:"approval"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req := control.Request{
			Action:    body.Action,
			Component: body.Component,
			Params:    body.Params,
			ActorID:   body.ActorID,
		}
		if body.Approval != nil {
			req.Approval = &control.Approval{ActorID: body.Approval.ActorID, Reason: body.Approval.Reason}
		}
		exec, err := a.executor.Execute(r.Context(), req)
		switch {
		case errors.Is(err, control.ErrApprovalRequired):
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": err.Error(), "execution": exec})
		case errors.Is(err, control.ErrUnknownAction):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, control.ErrCoolingDown):
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": err.Error(), "execution": exec})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error(), "execution": exec})
		default:
			writeJSON(w, http.StatusOK, exec)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleScrapes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		TenantID     string `json:"tenant_id"`
		TriggeredBy  string `json:"triggered_by"`
		SourcePortal string `json:"source_portal"`
		MaxPages     int    `json:"max_pages"`
		DelaySeconds int    `json:"delay_seconds"`
		Priority     int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	handle, err := a.scheduler.ScheduleScraping(r.Context(), queue.ScrapePayload{
		TenantID:     body.TenantID,
		TriggeredBy:  body.TriggeredBy,
		SourcePortal: body.SourcePortal,
		MaxPages:     body.MaxPages,
	}, queue.Options{
		Delay:    time.Duration(body.DelaySeconds) * time.Second,
		Priority: body.Priority,
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.tenders.ListRunLogs(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *app) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		writeError(w, http.StatusBadRequest, errors.New("queue parameter is required"))
		return
	}
	jobs, err := a.store.ListFailed(r.Context(), queueName, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *app) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch err := a.store.Retry(r.Context(), body.JobID); {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrNotFailed):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": body.JobID, "state": queue.StateWaiting})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
