package storage

import (
	"context"

	"github.com/FooledKiwi/bustrack/internal/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// RunMigrations applies all pending SQL migrations and verifies the schema.
// It delegates to the migrations package, which tracks applied versions in the
// schema_migrations table so repeated startups are no-ops.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, logger logrus.FieldLogger) error {
	if err := migrations.Run(ctx, pool, logger); err != nil {
		return err
	}

	return migrations.CheckSchema(ctx, pool)
}
