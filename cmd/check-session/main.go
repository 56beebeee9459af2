package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"feed-crawler/internal/app"
	"feed-crawler/internal/config"
	"feed-crawler/internal/scraper"
)

func main() {
	var (
		configFile = flag.String("config", "configs/config.yaml", "Configuration file path")
		blobFile   = flag.String("blob", "", "Session blob to check (defaults to session.blob_file)")
		timeout    = flag.Duration("timeout", 2*time.Minute, "Overall check timeout")
	)
	flag.Parse()

	cfg, logger, closer, err := app.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defer closer.Close()
	if *blobFile != "" {
		cfg.Session.BlobFile = *blobFile
	}

	fmt.Println("Loading session blob...")
	blob, err := scraper.LoadSessionBlob(cfg.Session.BlobFile)
	if err != nil {
		log.Fatalf("Failed to load session blob: %v", err)
	}
	fmt.Printf("- Cookies: %d\n", len(blob.Cookies))
	fmt.Printf("- Origins: %d\n", len(blob.Origins))
	if expired := blob.Expired(time.Now()); len(expired) > 0 {
		fmt.Printf("- Expired cookies: %v\n", expired)
	}

	sel, err := config.LoadSelectors(cfg.Platform.SelectorsFile)
	if err != nil {
		log.Fatalf("Failed to load selectors: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Println("Launching browser...")
	session, err := scraper.NewSession(ctx, cfg, sel, blob, logger)
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer session.Close()

	fmt.Printf("Opening %s...\n", cfg.Platform.BaseURL)
	capture, err := session.FetchPost(ctx, cfg.Platform.BaseURL)
	if err != nil {
		log.Fatalf("Failed to open site root: %v", err)
	}

	if capture.Degraded {
		fmt.Println("Session view is degraded: the site served the logged-out gate")
		session.Close()
		os.Exit(2)
	}
	fmt.Println("Session is valid, full view served")
}
