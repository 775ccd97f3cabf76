package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Ahui-qn/2video/db"
)

// Supported storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Runner wraps database migration capabilities.
type Runner struct {
	db      *sql.DB
	driver  string
	dialect string
	owned   bool
	log     *slog.Logger
}

// New opens a dedicated connection for the driver and returns a goose-backed runner.
func New(driver, dsn string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	sqlDriver, _, err := dialectFor(driver)
	if err != nil {
		return Runner{}, err
	}
	conn, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return Runner{}, fmt.Errorf("open sql connection: %w", err)
	}
	r, err := FromDB(conn, driver, log)
	if err != nil {
		conn.Close()
		return Runner{}, err
	}
	r.owned = true
	return r, nil
}

// FromDB builds a runner on an existing handle. The caller keeps ownership of conn.
func FromDB(conn *sql.DB, driver string, log *slog.Logger) (Runner, error) {
	if conn == nil {
		return Runner{}, errors.New("nil database handle provided")
	}
	_, dialect, err := dialectFor(driver)
	if err != nil {
		return Runner{}, err
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{db: conn, driver: driver, dialect: dialect, log: log}, nil
}

func dialectFor(driver string) (sqlDriver, dialect string, err error) {
	switch driver {
	case DriverPostgres:
		return "pgx", "postgres", nil
	case DriverSQLite:
		return "sqlite", "sqlite3", nil
	default:
		return "", "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func (r Runner) configure() error {
	goose.SetBaseFS(db.Migrations)
	if err := goose.SetDialect(r.dialect); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	if err := r.configure(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r.log.Info("applying migrations", "driver", r.driver)
	if err := goose.UpContext(runCtx, r.db, r.driver); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied")
	return nil
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	if err := r.configure(); err != nil {
		return err
	}
	r.log.Info("migration status", "driver", r.driver)
	if err := goose.StatusContext(ctx, r.db, r.driver); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	if err := r.configure(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if err := goose.DownToContext(runCtx, r.db, r.driver, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if err := goose.DownContext(runCtx, r.db, r.driver); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}

	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the connection when the runner opened it.
func (r Runner) Close() {
	if r.owned && r.db != nil {
		_ = r.db.Close()
	}
}
