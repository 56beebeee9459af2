package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"feed-crawler/internal/scheduler"
)

var (
	jobTimeout time.Duration
	runNow     bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run configured incremental crawls and the retention sweep on cron",
	Long: `Run the jobs listed under schedule in the config file until interrupted.

Each account plan becomes an incremental crawl job named crawl:<account>. A job
still running when its next tick arrives is skipped for that tick.`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().DurationVar(&jobTimeout, "job-timeout", time.Hour, "maximum runtime of one job")
	scheduleCmd.Flags().BoolVar(&runNow, "run-now", false, "run every job once at startup")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, ctx, stop, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer stop()

	tz := a.Config.Schedule.Timezone
	if tz == "" {
		tz = a.Config.Platform.Timezone
	}
	sched, err := scheduler.New(tz, jobTimeout, a.Logger)
	if err != nil {
		return err
	}
	if err := sched.AddCrawlPlans(a.Config.Schedule.Accounts, a.Crawler.Crawl); err != nil {
		return err
	}
	if err := sched.AddSweep(a.Config.Schedule.Sweep, a.Config.Retention(), a.Tiers.SweepObjects); err != nil {
		return err
	}

	jobs := sched.ListJobs()
	if len(jobs) == 0 {
		return fmt.Errorf("no jobs configured under schedule in %s", configFile)
	}

	sched.Start()
	for _, job := range sched.ListJobs() {
		a.Logger.Infof("Job %s (%s) next run %s", job.Name, job.Schedule, job.Next.Format(time.RFC3339))
	}

	// startup runs share the scheduler context, Stop cancels them too
	var wg sync.WaitGroup
	if runNow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, job := range jobs {
				if err := sched.RunNow(job.Name); err != nil {
					a.Logger.WithField("job", job.Name).Errorf("Startup run failed: %v", err)
				}
			}
		}()
	}

	<-ctx.Done()
	a.Logger.Info("Shutting down scheduler")
	sched.Stop()
	wg.Wait()
	return nil
}
