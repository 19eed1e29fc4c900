// Command seed creates an alias for a mailbox, creating the owner first
// when needed.
//
//	go run ./scripts/seed -mailbox real@example.com -alias x7f2@relay.example
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/looprock/alias-relay/internal/config"
	"github.com/looprock/alias-relay/internal/database"
	"github.com/looprock/alias-relay/internal/logger"
)

func main() {
	mailbox := flag.String("mailbox", "", "Real mailbox of the alias owner")
	alias := flag.String("alias", "", "Alias address to create")
	flag.Parse()

	if *mailbox == "" || *alias == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewDevelopment().Named("seed")
	defer log.Sync()

	db, err := database.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owner, err := db.CreateUser(ctx, *mailbox)
	if err != nil {
		log.Fatal("Failed to create owner", zap.Error(err))
	}
	created, err := db.CreateAlias(ctx, *alias, owner.ID)
	if err != nil {
		log.Fatal("Failed to create alias", zap.Error(err))
	}

	log.Info("Created alias",
		zap.Uint("alias_id", created.ID),
		zap.String("alias", created.Address),
		zap.String("mailbox", owner.Email))
}
