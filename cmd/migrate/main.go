// migrate applies the embedded schema migrations; run with go run ./cmd/migrate.
package main

import (
	"flag"
	"fmt"
	"os"

	"timepulse/backend/internal/config"
	"timepulse/backend/internal/db/migrate"
	"timepulse/backend/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	status := flag.Bool("status", false, "print the current schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	if !*status {
		if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
			log.Error("migrate failed", "direction", *direction, "error", err)
			os.Exit(1)
		}
	}
	v, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		log.Error("read schema version", "error", err)
		os.Exit(1)
	}
	log.Info("schema version", "version", v, "dirty", dirty)
}
