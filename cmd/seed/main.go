// Command seed upserts the routes of a YAML route file into PostgreSQL.
//
//	seed -file routes.yaml
//
// The database is taken from DB_DSN (or BUSTRACK_CONFIG), like the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/FooledKiwi/bustrack/internal/config"
	"github.com/FooledKiwi/bustrack/internal/logging"
	"github.com/FooledKiwi/bustrack/internal/route"
	"github.com/FooledKiwi/bustrack/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

func main() {
	file := flag.String("file", "routes.yaml", "YAML route file to import")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	if err := run(cfg.DBDSN, *file, logger); err != nil {
		logger.WithError(err).Fatal("seed failed")
	}
}

func run(dsn, file string, logger logrus.FieldLogger) error {
	defs, err := route.ReadDefinitions(file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	repo := storage.NewRoutesRepository(pool)
	for _, def := range defs {
		r, err := route.New(def)
		if err != nil {
			return fmt.Errorf("route %q: %w", def.ID, err)
		}
		if err := repo.UpsertRoute(ctx, def, r.TotalKm); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"route_id":    def.ID,
			"stops":       len(def.Stops),
			"distance_km": r.TotalKm,
		}).Info("seed: route upserted")
	}

	logger.WithField("count", len(defs)).Info("seed: done")
	return nil
}
