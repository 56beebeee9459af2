// Package app wires the crawler stack from a config file. Every command
// builds the same graph, so it lives here once.
package app

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"feed-crawler/internal/cache"
	"feed-crawler/internal/config"
	"feed-crawler/internal/crawler"
	"feed-crawler/internal/database"
	"feed-crawler/internal/monitoring"
	"feed-crawler/internal/objectstore"
	"feed-crawler/internal/ranking"
	"feed-crawler/internal/scraper"
	"feed-crawler/internal/storage"
	"feed-crawler/internal/utils"
)

type App struct {
	Config    *config.Config
	Selectors *config.Selectors
	Logger    *logrus.Logger
	DB        *database.DB
	Hot       cache.HotStore
	Fill      cache.FillQueue
	Tiers     *storage.TieredStore
	State     *storage.CrawlStateStore
	Ranker    *ranking.Engine
	Monitor   *monitoring.Monitor
	Launcher  *scraper.Launcher
	Crawler   *crawler.Crawler

	closers []io.Closer
}

// LoadConfig reads config and builds the logger. Commands that never touch
// the stores stop here.
func LoadConfig(configFile string) (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

// New builds the full graph: durable, hot and object tiers, the scraping
// components and the crawler on top of them.
func New(configFile string) (*App, error) {
	cfg, logger, logCloser, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, closers: []io.Closer{logCloser}}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg, logger := a.Config, a.Logger

	sel, err := config.LoadSelectors(cfg.Platform.SelectorsFile)
	if err != nil {
		return err
	}
	a.Selectors = sel

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, db)
	a.DB = db
	if err := db.RunMigrations(); err != nil {
		return err
	}

	hot, fill, err := cache.Open(cfg.Hot, logger)
	if err != nil {
		return fmt.Errorf("failed to open hot store: %w", err)
	}
	a.closers = append(a.closers, hot)
	a.Hot, a.Fill = hot, fill

	objects, err := objectstore.NewFileStore(cfg.Objects.BaseDir, logger)
	if err != nil {
		return err
	}

	a.Tiers = storage.NewTieredStore(hot, db, objects, cfg, logger)
	a.State = storage.NewCrawlStateStore(db, logger)
	a.Ranker = ranking.NewEngine(cfg.Ranking)
	a.Monitor = monitoring.NewMonitor(logger, cfg.Metrics.File)

	times, err := utils.NewTimeNormalizer(cfg.Platform.Timezone)
	if err != nil {
		return err
	}
	counts, err := scraper.NewCountsExtractor(sel, logger)
	if err != nil {
		return err
	}
	discoverer, err := scraper.NewFeedDiscoverer(cfg.Crawler, sel, logger)
	if err != nil {
		return err
	}
	assembler := scraper.NewPostAssembler(sel, counts, scraper.NewMediaExtractor(sel, logger), times, logger)

	a.Launcher = scraper.NewLauncher(cfg, sel, logger)
	a.Crawler = crawler.New(cfg, crawler.Deps{
		Launch:     crawler.ChromeLauncher(a.Launcher),
		Discoverer: discoverer,
		Assembler:  assembler,
		State:      a.State,
		Tiers:      a.Tiers,
		Fill:       fill,
		Ranking:    a.Ranker,
		Recorder:   a.Monitor,
	}, logger)
	return nil
}

// Close releases stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.Logger != nil {
			a.Logger.Warnf("Close failed: %v", err)
		}
	}
	a.closers = nil
}
