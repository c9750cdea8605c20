package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/splax/autodeploy/internal/app/migrate"
	"github.com/splax/autodeploy/pkg/config"
	"github.com/splax/autodeploy/pkg/logger"
)

func main() {
	command := pflag.StringP("command", "c", "up", "migrate command (up|status|down)")
	timeout := pflag.Duration("timeout", time.Minute, "command timeout")
	target := pflag.Int64("target", 0, "target version for down command (optional)")
	pflag.Parse()
	if pflag.NArg() > 0 {
		*command = pflag.Arg(0)
	}

	cfg := config.LoadAgentConfig()
	log := logger.New("migrate", slog.LevelInfo)

	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	case "status":
		states, err := runner.Status(ctx)
		if err != nil {
			log.Error("failed to fetch migration status", "error", err)
			os.Exit(1)
		}
		for _, st := range states {
			applied := "pending"
			if st.Applied {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-6d %-28s %s\n", st.Version, st.Path, applied)
		}
	case "down":
		if err := runner.Down(ctx, *target); err != nil {
			log.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
