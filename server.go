package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/metrics"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/settlement"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/mmdatafocus/ledger_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("ledger_backend")

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// ready flips once the ledger service is wired; until then app endpoints return 503.
type ready struct {
	mu  sync.RWMutex
	svc *workflow.Service
}

func (r *ready) set(svc *workflow.Service) {
	r.mu.Lock()
	r.svc = svc
	r.mu.Unlock()
}

func (r *ready) get() *workflow.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.svc
}

func newRouter(logger *logrus.Logger, m *metrics.Metrics, state *ready) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if state.get() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.POST("/pubsub/intents", intentPubSubHandler(logger, state.get))
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	m := metrics.NewMetrics()
	state := &ready{}

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(logger, m, state),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run blocking DDL; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	units := workflow.NewUnitController(db, logger, m)
	units.Locker = config.GetRedisLock()
	units.MaxAttempts = settings.UnitMaxAttempts
	units.BaseBackoff = settings.UnitBaseBackoff
	units.MaxBackoff = settings.UnitMaxBackoff
	units.LockTTL = settings.UnitLockTTL
	if settings.SerializableUnits && db.Dialector.Name() != "sqlite" {
		units.Isolation = sql.LevelSerializable
	}

	ach := settlement.NewMockACH(logger, settings.MockSettleDelay)
	if len(settings.MockRejectAccounts) > 0 {
		ach.Reject = settlement.RejectAccounts(settings.MockRejectAccounts...)
	}
	defer ach.Close()

	svc := workflow.NewService(db, units, audit.NewWriter(logger, m), ach, logger, m)
	svc.VestingConcurrency = settings.VestingConcurrency
	ach.SetCallbacks(svc)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup
	startWorker := func(name string, run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			logger.WithFields(logrus.Fields{"field": "worker", "worker": name}).Info("worker started")
			run(workerCtx)
		}()
	}

	sweeper := workflow.NewSettlementSweeper(svc, logger, settings.SettlementWindow)
	sweeper.Interval = settings.SweepInterval
	sweeper.BatchSize = settings.SweepBatchSize
	startWorker("settlement-sweep", sweeper.Run)

	if settings.VestingScheduler {
		startWorker("vesting-scheduler", workflow.NewMonthlyScheduler(svc, logger).Run)
	}

	var publisher *config.EventPublisher
	if settings.EventsTopic != "" {
		publisher, err = config.NewEventPublisher(sigCtx, settings.EventsTopic)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "outbox", "topic": settings.EventsTopic}).Error("event publisher disabled: " + err.Error())
		} else {
			dispatcher := workflow.NewOutboxDispatcher(db, publisher, logger, m)
			dispatcher.BatchSize = settings.OutboxBatchSize
			dispatcher.MaxAttempts = settings.OutboxMaxAttempts
			startWorker("outbox-dispatcher", dispatcher.Run)
		}
	}

	var gcs *utils.GCSObjectWriter
	if settings.AuditBucket != "" {
		gcs, err = utils.NewGCSObjectWriter(sigCtx, settings.AuditBucket)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "audit-mirror", "bucket": settings.AuditBucket}).Error("audit mirror disabled: " + err.Error())
		} else {
			mirror := &audit.Mirror{
				DB:        db,
				Store:     gcs,
				Prefix:    settings.AuditPrefix,
				BatchSize: settings.AuditBatchSize,
				Interval:  settings.AuditMirrorInterval,
				Logger:    logger,
				Metrics:   m,
			}
			startWorker("audit-mirror", mirror.Run)
		}
	}

	state.set(svc)
	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("ledger listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop intake first, then background workers, so no new units start mid-drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	cancelWorkers()
	workers.Wait()

	if publisher != nil {
		publisher.Stop()
	}
	if gcs != nil {
		_ = gcs.Close()
	}
	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
