package main

import (
	"log"

	"guestvoice-backend/internal/config"
	"guestvoice-backend/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	srv := server.New(cfg)
	if err := srv.Initialize(); err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}
