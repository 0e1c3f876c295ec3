package worker

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler fires a job on a fixed interval. Runs never overlap: a tick
// that comes due while the previous one is still running is skipped.
type Scheduler struct {
	cron       *cron.Cron
	job        func(ctx context.Context)
	interval   time.Duration
	runOnStart bool
	log        zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	startRun sync.WaitGroup
}

func NewScheduler(job func(ctx context.Context), interval time.Duration, runOnStart bool, logger zerolog.Logger) *Scheduler {
	log := logger.With().Str("component", "scheduler").Logger()

	return &Scheduler{
		cron:       cron.New(cron.WithLogger(cronLogger{log: log})),
		job:        job,
		interval:   interval,
		runOnStart: runOnStart,
		log:        log,
	}
}

// Start schedules the job. Jobs receive a context that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	l := cronLogger{log: s.log}
	wrapped := cron.NewChain(cron.Recover(l), cron.SkipIfStillRunning(l)).
		Then(cron.FuncJob(func() { s.job(jobCtx) }))

	s.cron.Schedule(cron.Every(s.interval), wrapped)
	s.cron.Start()

	s.log.Info().Dur("interval", s.interval).Bool("run_on_start", s.runOnStart).Msg("scheduler started")

	if s.runOnStart {
		s.startRun.Add(1)
		go func() {
			defer s.startRun.Done()
			wrapped.Run()
		}()
	}
}

// Stop cancels running jobs and returns a context that is done once they
// have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.log.Info().Msg("scheduler stopping")

	cronDone := s.cron.Stop()
	done, release := context.WithCancel(context.Background())

	go func() {
		<-cronDone.Done()
		s.startRun.Wait()
		release()
	}()

	return done
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
