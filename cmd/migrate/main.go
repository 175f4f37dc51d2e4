package main

import (
	"log"

	"tokoku/backend/internal/config"
	pgstore "tokoku/backend/internal/store/postgres"
)

// migrate applies the postgres schema and exits. The server can do the same at
// startup with RUN_MIGRATIONS=true.
func main() {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrations applied")
}
