// Command migrate applies the Job/ExecutionLog/Counter schema to the
// configured Postgres database and exits. postgres.New already runs
// AutoMigrate on connect; this command exists so schema setup can be a
// separate deploy step instead of happening on every process boot.
package main

import (
	"fmt"
	"log"

	config "chronos/configs"
	"chronos/pkg/storage/postgres"
)

func main() {
	cfg := config.LoadConfig()

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	store, err := postgres.New(connStr)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	defer store.Close()

	log.Println("schema migration complete")
}
