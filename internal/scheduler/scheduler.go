package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
	"feed-crawler/pkg/types"
)

// Job is a scheduled task. Its context is cancelled by Stop or the job timeout.
type Job func(ctx context.Context) error

// CrawlFunc runs one crawl request.
type CrawlFunc func(ctx context.Context, req types.CrawlRequest) (*types.BatchResult, error)

// SweepFunc applies object retention and reports how many objects went.
type SweepFunc func(ctx context.Context, retention time.Duration) (int, error)

type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type Scheduler struct {
	cron       *cron.Cron
	jobs       map[string]cron.EntryID
	schedules  map[string]string
	funcs      map[string]Job
	timeout    time.Duration
	logger     *logrus.Logger
	baseCtx    context.Context
	cancelBase context.CancelFunc
	mu         sync.Mutex
}

func New(timezone string, timeout time.Duration, logger *logrus.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		// overlapping runs of one job are skipped rather than queued
		cron:       cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:       make(map[string]cron.EntryID),
		schedules:  make(map[string]string),
		funcs:      make(map[string]Job),
		timeout:    timeout,
		logger:     logger,
		baseCtx:    ctx,
		cancelBase: cancel,
	}, nil
}

// AddJob adds a job with a cron schedule such as "0 7 * * *".
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		if err := s.run(name, job); err != nil {
			s.logger.WithField("job", name).Errorf("Job failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs[name] = entryID
	s.schedules[name] = schedule
	s.funcs[name] = job
	s.logger.Infof("Scheduled job %s (%s)", name, schedule)
	return nil
}

func (s *Scheduler) run(name string, job Job) error {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()

	log := s.logger.WithField("job", name)
	log.Info("Starting job")
	start := time.Now()
	if err := job(ctx); err != nil {
		return err
	}
	log.Infof("Job completed in %v", time.Since(start))
	return nil
}

// AddCrawlPlans schedules an incremental crawl per configured account.
func (s *Scheduler) AddCrawlPlans(plans []config.AccountPlan, crawl CrawlFunc) error {
	for _, plan := range plans {
		plan := plan
		err := s.AddJob("crawl:"+plan.Account, plan.Cron, func(ctx context.Context) error {
			res, err := crawl(ctx, types.CrawlRequest{
				Account:     plan.Account,
				WantedExtra: plan.WantedExtra,
				Incremental: true,
			})
			if res != nil {
				s.logger.WithField("account", plan.Account).Infof("Scheduled crawl collected %d posts", res.Collected)
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AddSweep schedules the object retention sweep.
func (s *Scheduler) AddSweep(schedule string, retention time.Duration, sweep SweepFunc) error {
	if schedule == "" {
		return nil
	}
	return s.AddJob("sweep", schedule, func(ctx context.Context) error {
		n, err := sweep(ctx, retention)
		s.logger.Infof("Retention sweep removed %d objects", n)
		return err
	})
}

func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
		delete(s.schedules, name)
		delete(s.funcs, name)
		s.logger.Infof("Removed job %s", name)
	}
}

func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancelBase()
	<-s.cron.Stop().Done()
}

// RunNow executes a scheduled job immediately.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.funcs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.run(name, job)
}

func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, id := range s.jobs {
		entry := s.cron.Entry(id)
		infos = append(infos, JobInfo{
			Name:     name,
			Schedule: s.schedules[name],
			Next:     entry.Next,
			Prev:     entry.Prev,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
