package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/config"
	"github.com/looprock/alias-relay/internal/database"
	"github.com/looprock/alias-relay/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.FromConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	log = log.Named("migrate")
	defer log.Sync()

	db, err := database.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	log.Info("All migrations completed successfully", zap.String("driver", cfg.Database.Driver))
}
