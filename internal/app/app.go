// Package app wires the service together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/FooledKiwi/bustrack/internal/config"
	"github.com/FooledKiwi/bustrack/internal/handler"
	"github.com/FooledKiwi/bustrack/internal/ingest"
	"github.com/FooledKiwi/bustrack/internal/livestate"
	"github.com/FooledKiwi/bustrack/internal/middleware"
	"github.com/FooledKiwi/bustrack/internal/route"
	"github.com/FooledKiwi/bustrack/internal/storage"
	"github.com/FooledKiwi/bustrack/internal/tracking"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// DBError represents a database-related error.
type DBError struct {
	Op  string
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("db error during %q: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error { return e.Err }

// worker is a background loop started by Start and stopped by Shutdown.
type worker struct {
	name string
	run  func(ctx context.Context) error
}

// App holds the application-level dependencies.
type App struct {
	DB       *pgxpool.Pool
	Router   *gin.Engine
	Catalog  *route.Catalog
	States   *livestate.Store
	Pipeline *tracking.Pipeline

	cfg     *config.Config
	logger  logrus.FieldLogger
	workers []worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to PostgreSQL, runs migrations, loads the route catalog and
// builds the HTTP engine. Background workers do not run until Start.
func New(cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	pool, err := connect(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	logger.Info("app: database connection pool established")

	if err := storage.RunMigrations(context.Background(), pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: run migrations: %w", err)
	}

	var source route.Source = storage.NewRoutesRepository(pool)
	if cfg.RoutesFile != "" {
		source = route.NewFileSource(cfg.RoutesFile)
		logger.WithField("path", cfg.RoutesFile).Info("app: routes loaded from file")
	}

	a, err := build(cfg, logger, source, storage.NewVehicleStatesRepository(pool))
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.DB = pool
	return a, nil
}

func connect(dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &DBError{Op: "parse_dsn", Err: err}
	}

	poolCfg.MaxConns = 20
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &DBError{Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &DBError{Op: "ping", Err: err}
	}
	return pool, nil
}

// build assembles everything above the database pool.
func build(cfg *config.Config, logger logrus.FieldLogger, source route.Source, repo livestate.Repository) (*App, error) {
	catalog := route.NewCatalog(source, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := catalog.Reload(ctx); err != nil {
		return nil, fmt.Errorf("app: load routes: %w", err)
	}

	states := livestate.NewStore(repo, logger, livestate.Options{
		FlushInterval: cfg.FlushInterval,
		NegativeTTL:   cfg.NegativeCacheTTL,
	})
	pipeline := tracking.NewPipeline(catalog, states, logger,
		tracking.WithSpeedSmoothing(cfg.SmoothSpeed),
	)
	classifier := tracking.Classifier{Live: cfg.LiveThreshold, Offline: cfg.OfflineThreshold}

	a := &App{
		Catalog:  catalog,
		States:   states,
		Pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
	}
	a.Router = newRouter(cfg, logger, handler.New(catalog, pipeline, states, classifier, cfg.SearchBuses, logger))
	a.workers = a.backgroundWorkers()
	return a, nil
}

func newRouter(cfg *config.Config, logger logrus.FieldLogger, h *handler.Handler) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.Timeout(cfg.RequestTimeout, logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h.Register(router.Group("/api/v1"))
	return router
}

func (a *App) backgroundWorkers() []worker {
	ws := []worker{{
		name: "flush",
		run: func(ctx context.Context) error {
			a.States.Run(ctx)
			return nil
		},
	}}

	if a.cfg.RoutesFile != "" {
		path := a.cfg.RoutesFile
		ws = append(ws, worker{
			name: "routes-watch",
			run: func(ctx context.Context) error {
				return route.WatchFile(ctx, path, a.logger, func() {
					rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
					defer cancel()
					if err := a.Catalog.Reload(rctx); err != nil {
						a.logger.WithError(err).Error("app: route file reload failed")
					}
				})
			},
		})
	}

	if a.cfg.KafkaEnabled() {
		consumer := ingest.NewKafkaConsumer(ingest.KafkaConfig{
			Brokers: a.cfg.KafkaBrokers,
			Topic:   a.cfg.KafkaTopic,
			GroupID: a.cfg.KafkaGroupID,
		}, a.Pipeline, a.logger)
		ws = append(ws, worker{name: "kafka", run: consumer.Run})
	}

	if a.cfg.GTFSRTEnabled() {
		poller := ingest.NewGTFSRTPoller(a.cfg.GTFSRTVehiclePositionsURL, a.cfg.GTFSRTPollInterval, nil, a.Pipeline, a.logger)
		ws = append(ws, worker{name: "gtfs-rt", run: poller.Run})
	}

	return ws
}

// Start launches the background workers. A worker that fails is logged; the
// others keep running. Workers keep ctx's values but not its cancellation:
// they stop only in Shutdown, so requests still draining can be flushed.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, w := range a.workers {
		a.wg.Add(1)
		go func(w worker) {
			defer a.wg.Done()
			log := a.logger.WithField("worker", w.name)
			log.Info("app: worker started")
			if err := w.run(ctx); err != nil {
				log.WithError(err).Error("app: worker exited")
				return
			}
			log.Info("app: worker stopped")
		}(w)
	}
}

// Shutdown stops the workers, which includes the final state flush, and then
// closes the database pool.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.DB != nil {
		a.DB.Close()
		a.logger.Info("app: database connection pool closed")
	}
}
