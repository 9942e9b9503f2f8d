package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"pwh-registry/db"
	"pwh-registry/internal/config"
	"pwh-registry/internal/database"
	"pwh-registry/internal/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry-migrate: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "registry-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry-migrate: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conn, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Cannot connect to database", zap.Error(err))
	}
	defer database.Close(conn)

	migrations, err := db.Load(db.Migrations)
	if err != nil {
		log.Fatal("Failed to read embedded migrations", zap.Error(err))
	}

	applied, err := db.Apply(ctx, conn, migrations)
	for _, v := range applied {
		log.Info("Migration applied", zap.String("version", v))
	}
	if err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	}
	if len(applied) == 0 {
		log.Info("Schema already up to date", zap.Int("migrations", len(migrations)))
		return
	}
	log.Info("Migration completed", zap.Int("applied", len(applied)))
}
