package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ahui-qn/2video/internal/app/migrate"
	"github.com/Ahui-qn/2video/pkg/config"
	"github.com/Ahui-qn/2video/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	driver := flag.String("driver", cfg.StorageDriver, "storage driver (postgres|sqlite)")
	dsn := flag.String("dsn", "", "database dsn; defaults to DATABASE_URL or SQLITE_PATH")
	target := flag.Int64("to", 0, "version to roll back to with down (0 rolls back one)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate [flags] up|status|down\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if *dsn == "" {
		*dsn = cfg.DatabaseURL
		if *driver == migrate.DriverSQLite {
			*dsn = cfg.SQLitePath
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := migrate.New(*driver, *dsn, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unknown command", "command", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "error", err)
		os.Exit(1)
	}
}
