package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"feed-crawler/internal/app"
	"feed-crawler/internal/database"
	"feed-crawler/internal/monitoring"
)

func main() {
	var (
		configFile  = flag.String("config", "configs/config.yaml", "Configuration file path")
		metricsFile = flag.String("metrics", "", "Metrics file path (defaults to metrics.file)")
		report      = flag.Bool("report", false, "Generate and display monitoring report")
		alerts      = flag.Bool("alerts", false, "Check and display alerts")
	)
	flag.Parse()

	cfg, logger, closer, err := app.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defer closer.Close()

	if *metricsFile == "" {
		*metricsFile = cfg.Metrics.File
	}
	monitor := monitoring.NewMonitor(logger, *metricsFile)

	if *report {
		fmt.Println(monitor.GenerateReport())

		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			logger.Errorf("Failed to connect to database: %v", err)
			return
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats, err := db.GetCrawlStats(ctx)
		if err != nil {
			logger.Errorf("Failed to get database stats: %v", err)
			return
		}
		fmt.Println("\nDatabase Statistics:")
		fmt.Printf("- Total Posts: %v\n", stats["total_posts"])
		fmt.Printf("- Accounts: %v\n", stats["accounts"])
		fmt.Printf("- Posts Missing Counts: %v\n", stats["posts_missing_counts"])
		fmt.Printf("- Average Likes (7d): %.2f\n", stats["average_likes"])
		fmt.Printf("- Last Crawl: %v\n", stats["last_crawl_at"])
		fmt.Printf("- Media: %v\n", stats["media_by_status"])

		top, err := db.GetTopAccounts(ctx, 5)
		if err == nil && len(top) > 0 {
			fmt.Println("\nTop Accounts:")
			for _, acc := range top {
				fmt.Printf("- %s: %v posts, %.1f avg likes\n", acc["account"], acc["post_count"], acc["avg_likes"])
			}
		}
		return
	}

	if *alerts {
		alertManager := monitoring.NewAlertManager(monitor, logger)
		active := alertManager.CheckAlerts()

		if len(active) == 0 {
			fmt.Println("No alerts - system is healthy")
		} else {
			fmt.Println("Active Alerts:")
			for _, alert := range active {
				fmt.Printf("  - %s\n", alert)
			}
			alertManager.SendAlerts(active)
		}
		return
	}

	health := monitor.GetHealthStatus()
	fmt.Println("Feed Crawler Status:")
	fmt.Printf("- Status: %s\n", health["status"])
	fmt.Printf("- Last Run: %s\n", health["last_run"])
	fmt.Printf("- Total Runs: %v\n", health["total_runs"])
	fmt.Printf("- Error Rate: %s\n", health["error_rate"])
	fmt.Printf("- Average Runtime: %s\n", health["average_runtime"])
	fmt.Printf("- Gate Resets: %v\n", health["gate_resets"])

	if warning, exists := health["warning"]; exists {
		fmt.Printf("- Warning: %s\n", warning)
	}
}
