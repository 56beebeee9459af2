package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"feed-crawler/internal/api"
	"feed-crawler/internal/app"
)

func main() {
	var (
		configFile = flag.String("config", "configs/config.yaml", "Configuration file path")
		port       = flag.String("port", "8080", "API server port")
	)
	flag.Parse()

	a, err := app.New(*configFile)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	server := api.NewServer(a.DB, a.Tiers, a.Crawler, a.Ranker, a.Monitor, a.Logger, *port)

	a.Logger.Info("Available endpoints:")
	a.Logger.Info("  POST /api/crawl - Run a crawl (?async=true returns a task id)")
	a.Logger.Info("  GET  /api/progress/{taskId} - Progress of an async crawl")
	a.Logger.Info("  GET  /api/posts - List stored posts with filters")
	a.Logger.Info("  GET  /api/ranking - Ranking snapshot for an account")
	a.Logger.Info("  GET  /api/stats - Crawl statistics")
	a.Logger.Info("  GET  /api/export/csv - Export posts to CSV")
	a.Logger.Info("  GET  /api/health - Health check")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		a.Logger.Errorf("Server stopped: %v", err)
	}
}
