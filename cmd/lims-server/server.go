package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/qc"
	"github.com/lims/lims/internal/domain/report"
	"github.com/lims/lims/internal/domain/sample"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/outbox"
	"github.com/lims/lims/internal/platform/render"
)

const version = "0.1.0"

// app holds the wired services behind the HTTP surface.
type app struct {
	qc         *qc.Service
	samples    *sample.Service
	reports    *report.Service
	dispatcher *outbox.Dispatcher
	audit      *audit.Async
	metrics    *metrics.Metrics
}

func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	perms, err := auth.LoadPermissions(cfg.PermissionsFile)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("driver", string(blobs.Driver())).Msg("pdf storage ready")

	m := metrics.New()
	auditSink := audit.NewAsync(audit.Multi{audit.NewLogSink(logger), audit.NewPGSink(pool)}, cfg.AuditBuffer, logger)
	auditSink.OnDrop(m.AuditDropped)

	tx := db.NewTxManager(pool)

	store := outbox.NewPGStore(pool)
	dispatcher := outbox.NewDispatcher(store, logger, m)
	dispatcher.PollInterval = cfg.OutboxPollInterval
	dispatcher.BatchSize = cfg.OutboxBatchSize
	publisher := outbox.NewWriter(store, dispatcher.Wake)

	qcSvc := qc.NewService(qc.NewControlRepoPG(pool), qc.NewRunRepoPG(pool), tx, logger)
	qcSvc.SetAuditSink(auditSink)
	qcSvc.SetMetrics(m)
	qcSvc.SetR4SScope(cfg.QCR4SScope)

	sampleRepo := sample.NewSampleRepoPG(pool)
	testRepo := sample.NewTestRepoPG(pool)
	resultRepo := sample.NewResultRepoPG(pool)
	sampleSvc := sample.NewService(sampleRepo, testRepo, resultRepo, tx, perms, qcSvc, publisher, logger)
	sampleSvc.SetAuditSink(auditSink)
	sampleSvc.SetMetrics(m)
	sampleSvc.SetRequireQCPass(cfg.RequireQCPass)

	reportSvc := report.NewService(report.Config{
		ReportType:           cfg.ReportType,
		StatusGate:           cfg.ReportSampleStatusGate,
		NumberPrefix:         cfg.ReportNumberPrefix,
		RequiredRoles:        cfg.RequiredSignatureRoles,
		SignerRole:           cfg.FinalizeSignerRole,
		SignatureOnFileRoles: cfg.SignatureOnFileRoles,
		SignatureSecret:      cfg.SignatureSecret,
	}, report.Deps{
		Samples:   sampleRepo,
		Tests:     testRepo,
		Results:   resultRepo,
		Reports:   report.NewReportRepoPG(pool),
		Sigs:      report.NewSignatureRepoPG(pool),
		Allocator: report.NewPGAllocator(pool),
		Tx:        tx,
		Renderer:  render.NewPDFRenderer(),
		Blobs:     blobs,
		Workflow:  sampleSvc,
	}, logger)
	reportSvc.SetAuditSink(auditSink)
	reportSvc.SetMetrics(m)
	sampleSvc.SetReportGuard(reportSvc)

	if cfg.ReportAutoGenerate {
		dispatcher.Subscribe(sample.TopicSampleTransitioned, report.NewAutoGenerator(reportSvc, logger).Handle)
	}

	return &app{
		qc:         qcSvc,
		samples:    sampleSvc,
		reports:    reportSvc,
		dispatcher: dispatcher,
		audit:      auditSink,
		metrics:    m,
	}, nil
}

func newEcho(cfg *config.Config, a *app, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", a.metrics.Handler())

	api := e.Group("/api/v1")
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	qc.NewHandler(a.qc).RegisterRoutes(api)
	sample.NewHandler(a.samples).RegisterRoutes(api)
	report.NewHandler(a.reports).RegisterRoutes(api)
	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := buildApp(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer a.audit.Close()

	e := newEcho(cfg, a, pool, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("starting LIMS server")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.dispatcher.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
