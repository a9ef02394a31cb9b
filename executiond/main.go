package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/control"
	"github.com/labos-labs/labos-go/internal/execution/incident"
	"github.com/labos-labs/labos-go/internal/execution/orchestrate"
	"github.com/labos-labs/labos-go/internal/execution/runs"
	"github.com/labos-labs/labos-go/internal/execution/worker"
	"github.com/labos-labs/labos-go/internal/platform/auditlog"
	"github.com/labos-labs/labos-go/internal/platform/auth"
	"github.com/labos-labs/labos-go/internal/platform/env"
	"github.com/labos-labs/labos-go/internal/platform/httpserver"
	platformstore "github.com/labos-labs/labos-go/internal/platform/objectstore"
	"github.com/labos-labs/labos-go/internal/platform/postgres"
	"github.com/labos-labs/labos-go/internal/record"
	"github.com/labos-labs/labos-go/internal/record/fsstore"
	recordmem "github.com/labos-labs/labos-go/internal/record/memory"
	recordpg "github.com/labos-labs/labos-go/internal/record/postgres"
	"github.com/labos-labs/labos-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("EXECUTIOND_HTTP_ADDR", ":8086")
	shutdownTimeout, err := env.Duration("EXECUTIOND_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	store, readiness, closeStore, err := openRecordStore(ctx, logger)
	if err != nil {
		logger.Error("record store unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	objCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	objClient, err := platformstore.NewMinIOClient(objCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := platformstore.EnsureBuckets(startupCtx, objClient, objCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	artifacts, err := objectstore.NewMinioStoreWithClient(objClient)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		os.Exit(2)
	}

	contractStrict, err := env.Bool("LABOS_CONTRACT_STRICT", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	controlService := control.New(store, logger)
	probes, err := registerAdapters(controlService, contractStrict, logger)
	if err != nil {
		logger.Error("adapter config invalid", "error", err)
		os.Exit(2)
	}

	orchestrator := orchestrate.New(store, artifacts, objCfg.BucketArtifacts).WithLogger(logger)
	runService := runs.New(store, controlService)

	maxAttempts, err := env.Int("LABOS_RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	retryWorker := worker.NewRetryWorker(store, runService, maxAttempts, logger)
	leaseView := worker.NewLeaseViewService(store)

	probeTimeout, err := env.Duration("LABOS_ADAPTER_PROBE_TIMEOUT", 5*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	incidents := incident.New(store, newAdapterProber(probeTimeout, probes), logger)

	retryInterval, err := env.Duration("LABOS_RETRY_INTERVAL", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	leaseTTL, err := env.Duration("LABOS_RETRY_LEASE_TTL", 2*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	retryBatch, err := env.Int("LABOS_RETRY_BATCH", 50)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	retryEnabled, err := env.Bool("LABOS_RETRY_ENABLED", true)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if retryEnabled {
		go func() {
			if err := retryWorker.Run(ctx, retryInterval, leaseTTL, retryBatch); err != nil {
				logger.Error("retry worker exited", "error", err)
			}
		}()
	}

	scanInterval, err := env.Duration("LABOS_INCIDENT_SCAN_INTERVAL", time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if scanInterval > 0 {
		go runIncidentScans(ctx, logger, incidents, scanInterval)
	}

	api := &executionAPI{
		logger:       logger,
		orchestrator: orchestrator,
		runs:         runService,
		control:      controlService,
		retryWorker:  retryWorker,
		leaseView:    leaseView,
		incidents:    incidents,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("executiond"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"executiond",
			readiness,
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return platformstore.CheckBuckets(checkCtx, objClient, objCfg)
				},
			},
		),
	)
	api.routes(mux)

	authCfg := auth.ConfigFromEnv()
	if !authCfg.Enabled() {
		logger.Warn("API token not set, authentication disabled", "env", "LABOS_API_TOKEN")
	}
	var handler http.Handler = mux
	handler = auditlog.Middleware(logger, handler)
	handler = auth.Middleware(authCfg, logger, handler)
	handler = httpserver.Wrap(logger, "executiond", handler)

	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "executiond",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, handler); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// openRecordStore selects the record backend from LABOS_RECORD_STORE:
// postgres (default), fs, or memory.
func openRecordStore(ctx context.Context, logger *slog.Logger) (record.Store, httpserver.ReadinessCheck, func(), error) {
	backend := strings.ToLower(strings.TrimSpace(env.String("LABOS_RECORD_STORE", "postgres")))
	switch backend {
	case "", "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, httpserver.ReadinessCheck{}, nil, err
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, httpserver.ReadinessCheck{}, nil, err
		}
		if _, err := db.ExecContext(ctx, recordpg.Schema); err != nil {
			_ = db.Close()
			return nil, httpserver.ReadinessCheck{}, nil, err
		}
		check := httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		}
		return recordpg.New(db), check, func() { _ = db.Close() }, nil
	case "fs":
		dir := env.String("LABOS_RECORD_DIR", "data/records")
		st, err := fsstore.New(dir)
		if err != nil {
			return nil, httpserver.ReadinessCheck{}, nil, err
		}
		check := httpserver.ReadinessCheck{
			Name:  "fsstore",
			Check: func(context.Context) error { return nil },
		}
		return st, check, func() {}, nil
	case "memory":
		logger.Warn("using in-memory record store, records are not persisted")
		check := httpserver.ReadinessCheck{
			Name:  "memory",
			Check: func(context.Context) error { return nil },
		}
		return recordmem.New(), check, func() {}, nil
	default:
		return nil, httpserver.ReadinessCheck{}, nil, fmt.Errorf("unsupported record store backend %q", backend)
	}
}

// registerAdapters wires device adapters from env. Each platform accepts
// either an HTTP bridge (LABOS_BRIDGE_<NAME>_URL) or a subprocess sidecar
// (LABOS_SIDECAR_<NAME>_COMMAND); platforms with neither fall back to the
// built-in simulator at dispatch time.
func registerAdapters(svc *control.Service, strict bool, logger *slog.Logger) ([]adapterProbe, error) {
	platforms := []struct {
		platform string
		envName  string
	}{
		{domain.PlatformOpentronsOT2, "OT2"},
		{domain.PlatformOpentronsFlex, "FLEX"},
		{domain.PlatformIntegraAssist, "INTEGRA"},
	}

	bridgeTimeout, err := env.Duration("LABOS_BRIDGE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	sidecarTimeout, err := env.Duration("LABOS_SIDECAR_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	var probes []adapterProbe
	for _, p := range platforms {
		baseURL := strings.TrimSpace(env.String("LABOS_BRIDGE_"+p.envName+"_URL", ""))
		command := strings.TrimSpace(env.String("LABOS_SIDECAR_"+p.envName+"_COMMAND", ""))

		switch {
		case baseURL != "":
			bridge, err := control.NewHTTPBridge(control.BridgeConfig{
				AdapterID:         strings.ToLower(p.envName) + "-bridge",
				BaseURL:           baseURL,
				Token:             env.String("LABOS_BRIDGE_"+p.envName+"_TOKEN", ""),
				StatusURLTemplate: env.String("LABOS_BRIDGE_"+p.envName+"_STATUS_URL", ""),
				Timeout:           bridgeTimeout,
				Strict:            strict,
			})
			if err != nil {
				return nil, err
			}
			svc.Register(p.platform, bridge)
			probes = append(probes, adapterProbe{
				adapterID: bridge.AdapterID(),
				healthURL: healthURLFor(baseURL),
			})
			logger.Info("adapter registered", "platform", p.platform, "adapter", bridge.AdapterID())
		case command != "":
			sidecar, err := control.NewSidecar(control.SidecarConfig{
				AdapterID: strings.ToLower(p.envName) + "-sidecar",
				Command:   command,
				Timeout:   sidecarTimeout,
				Strict:    strict,
			})
			if err != nil {
				return nil, err
			}
			svc.Register(p.platform, sidecar)
			logger.Info("adapter registered", "platform", p.platform, "adapter", sidecar.AdapterID())
		default:
			logger.Info("no adapter configured, simulator handles dispatch", "platform", p.platform)
		}
	}

	// The Gemini plate reader is not a dispatch target, but its health
	// still feeds the incident sweep.
	if geminiURL := strings.TrimSpace(env.String("LABOS_BRIDGE_GEMINI_URL", "")); geminiURL != "" {
		probes = append(probes, adapterProbe{
			adapterID: "gemini-bridge",
			healthURL: healthURLFor(geminiURL),
		})
		logger.Info("health probe registered", "adapter", "gemini-bridge")
	}
	return probes, nil
}

func runIncidentScans(ctx context.Context, logger *slog.Logger, incidents *incident.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := incidents.Scan(ctx)
			if err != nil {
				logger.Error("incident scan failed", "error", err)
				continue
			}
			if result.Created > 0 {
				logger.Info("incident scan", "created", result.Created, "skipped", result.Skipped)
			}
		}
	}
}
