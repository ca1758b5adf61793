// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calliope-media/showrunner/pkg/config"
	"github.com/calliope-media/showrunner/pkg/docwatch"
	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/chaos"
	"github.com/calliope-media/showrunner/services/control/director"
	"github.com/calliope-media/showrunner/services/control/eventlog"
	"github.com/calliope-media/showrunner/services/control/handlers"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/observability"
	"github.com/calliope-media/showrunner/services/control/overlay"
	"github.com/calliope-media/showrunner/services/control/plugins"
	"github.com/calliope-media/showrunner/services/control/replay"
	"github.com/calliope-media/showrunner/services/control/routes"
	"github.com/calliope-media/showrunner/services/control/safety"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("showrunner-control")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			logging.Default().Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	cfg := config.Load()
	logger := logging.Default()

	if cfg.TracingEnabled {
		cleanup, err := initTracer()
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	metrics := observability.InitMetrics()

	store, err := eventlog.Open(cfg.EventDBPath, logger)
	if err != nil {
		log.Fatalf("failed to open event log at %s: %v", cfg.EventDBPath, err)
	}
	defer store.Close()

	session := obs.NewSession(obs.SessionConfig{
		URL:           cfg.EngineURL,
		Password:      cfg.EnginePassword,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		PollInterval:  cfg.StatusPollEvery,
		CallTimeout:   cfg.EngineCallLimit,
	}, logger)
	defer session.Close()
	engine := observability.Instrument(session, metrics)

	guard := safety.NewManager(cfg.SafetyWindow, cfg.SafetyMaxActions, logger)
	chaosEngine := chaos.NewEngine(cfg.PresetDir, engine, guard, logger)
	autoDirector := director.New(engine, session, guard, director.Options{
		RulesPath:      cfg.RulesPath,
		MeterStaleness: cfg.MeterStaleness,
		PollInterval:   cfg.MeterPollEvery,
	}, logger)
	replayDirector := replay.New(engine, session, guard, replay.Options{
		AutoStart:          cfg.ReplayAutoStart,
		Settle:             cfg.ReplaySettle,
		MediaInput:         cfg.ReplayMediaInput,
		LowerThirdScene:    cfg.LowerThirdScene,
		LowerThirdSource:   cfg.LowerThirdSource,
		LowerThirdDuration: cfg.LowerThirdDuration,
		ChapterMarkers:     cfg.ChapterMarkers,
	}, logger)
	pluginBridge := plugins.New(engine, guard, cfg.PermissionsPath, cfg.VendorDefaultAllow, cfg.VendorEventBuffer, logger)
	overlayBridge := overlay.New(cfg.OverlayBaseURL, cfg.OverlayTimeout, logger)

	hub := handlers.NewHub(logger, metrics)
	wireBroadcasts(session, guard, autoDirector, replayDirector, pluginBridge, hub, metrics, store, logger)

	watchers := startWatchers(cfg, chaosEngine, autoDirector, pluginBridge, logger)
	defer func() {
		for _, w := range watchers {
			w.Close()
		}
	}()

	session.Start()
	autoDirector.Start()
	defer autoDirector.Stop()
	pluginBridge.Start()
	defer pluginBridge.Stop()

	h := &handlers.Handlers{
		Log:      logger,
		Session:  session,
		Safety:   guard,
		Chaos:    chaosEngine,
		Director: autoDirector,
		Replay:   replayDirector,
		Plugins:  pluginBridge,
		Overlay:  overlayBridge,
		Events:   store,
		Metrics:  metrics,
		Hub:      hub,
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("showrunner-control"))
	routes.SetupRoutes(router, h, cfg.AuthToken)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.Info("control API listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

// wireBroadcasts connects every component's status stream to the websocket
// hub, the metrics, and the audit log.
func wireBroadcasts(
	session *obs.Session,
	guard *safety.Manager,
	autoDirector *director.Director,
	replayDirector *replay.Director,
	pluginBridge *plugins.Bridge,
	hub *handlers.Hub,
	metrics *observability.Metrics,
	store *eventlog.Store,
	logger *logging.Logger,
) {
	var prevAttempt int
	session.Subscribe(func(st obs.Status) {
		if st.Phase == obs.PhaseConnected {
			metrics.EngineConnected.Set(1)
		} else {
			metrics.EngineConnected.Set(0)
		}
		if st.ReconnectAttempt > prevAttempt {
			metrics.ReconnectsTotal.Inc()
		}
		prevAttempt = st.ReconnectAttempt
		hub.Broadcast("connection", st)
	})

	guard.Subscribe(func(st safety.State) {
		hub.Broadcast("safety", st)
	})

	var lastSwitch time.Time
	autoDirector.Subscribe(func(view director.StatusView) {
		hub.Broadcast("director", view)
		d := view.LastDecision
		if d.Outcome == director.OutcomeSwitched && d.At.After(lastSwitch) {
			lastSwitch = d.At
			metrics.SceneSwitchesTotal.WithLabelValues(d.RuleID).Inc()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := store.Record(ctx, "scene.switch", d.Scene, "director:"+d.RuleID, nil); err != nil {
				logger.Warn("audit record failed", "kind", "scene.switch", "error", err)
			}
			cancel()
		}
	})

	replayDirector.Subscribe(func(view replay.StatusView) {
		hub.Broadcast("replay", view)
	})
	pluginBridge.Subscribe(func(view plugins.StatusView) {
		hub.Broadcast("plugins", view)
	})
}

// startWatchers arms one debounced filesystem watcher per config document.
func startWatchers(cfg *config.Config, chaosEngine *chaos.Engine, autoDirector *director.Director, pluginBridge *plugins.Bridge, logger *logging.Logger) []*docwatch.Watcher {
	if !cfg.WatchDocuments {
		return nil
	}
	const debounce = 500 * time.Millisecond
	var watchers []*docwatch.Watcher
	add := func(path string, onChange func()) {
		w, err := docwatch.New(path, debounce, logger, onChange)
		if err != nil {
			logger.Warn("config watch unavailable", "path", path, "error", err)
			return
		}
		watchers = append(watchers, w)
	}
	add(cfg.PresetDir, func() {
		report := chaosEngine.Reload()
		logger.Info("presets reloaded on change", "loaded", report.Loaded, "failed", len(report.Failed))
	})
	add(cfg.RulesPath, func() {
		if err := autoDirector.Reload(); err != nil {
			logger.Warn("rules reload on change failed", "error", err)
		}
	})
	add(cfg.PermissionsPath, func() {
		if err := pluginBridge.Reload(); err != nil {
			logger.Warn("permissions reload on change failed", "error", err)
		}
	})
	return watchers
}
