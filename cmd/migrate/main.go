package main

import (
	"context"
	"log"

	"landrop/internal/config"
	"landrop/internal/database"
	"landrop/internal/migrations"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.Connect(context.Background(), cfg.PostgresDSN())
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	applied, err := migrations.Apply(context.Background(), db)
	if err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	if len(applied) == 0 {
		log.Println("schema already up to date")
		return
	}
	for _, name := range applied {
		log.Printf("applied %s", name)
	}
}
