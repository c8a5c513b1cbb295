// Package scheduler runs the periodic maintenance jobs of a running bot.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a named function fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler fires jobs on their schedules. A job still running when its
// next tick comes is skipped for that tick.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like
// "@every 1h".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Validate reports whether spec parses as a schedule.
func Validate(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// Start registers jobs with a schedule and starts the ticker. Jobs with an
// empty or invalid schedule are skipped and logged. It returns the number of
// jobs registered.
func (s *Scheduler) Start(ctx context.Context) int {
	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	n := 0
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}
		_, err := s.cron.AddFunc(job.Schedule, func() {
			slog.Debug("cron firing job", "name", job.Name)
			job.Run(ctx)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
		n++
	}
	s.cron.Start()
	return n
}

// Stop halts the ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
}
