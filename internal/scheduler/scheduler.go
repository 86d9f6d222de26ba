package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/output"
	"github.com/tanq16/segget/internal/utils"
)

type Job struct {
	ID         string
	URL        string
	OutputPath string
}

func NewJob(link, outputPath string) Job {
	return Job{ID: uuid.NewString(), URL: link, OutputPath: outputPath}
}

// Builder turns a job into an engine ready to start.
type Builder func(job Job) (*engine.Engine, error)

type Result struct {
	Job      Job
	Snapshot engine.Snapshot
	Err      error
}

type Scheduler struct {
	workers int
	build   Builder
	out     *output.Manager
}

func New(workers int, build Builder, out *output.Manager) *Scheduler {
	return &Scheduler{workers: max(workers, 1), build: build, out: out}
}

// Run downloads every job with at most workers engines in flight. Cancelling
// ctx stops the running engines and skips the jobs not yet started. The
// returned error joins every failure.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	s.out.StartDisplay()
	defer s.out.StopDisplay()

	type queued struct {
		index int
		job   Job
		id    int
	}
	jobCh := make(chan queued, len(jobs))
	for i, job := range jobs {
		label := job.OutputPath
		if label == "" {
			label = job.URL
		}
		jobCh <- queued{index: i, job: job, id: s.out.Register(label)}
	}
	close(jobCh)

	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for n := min(s.workers, len(jobs)); n > 0; n-- {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for q := range jobCh {
				results[q.index] = s.process(ctx, q.job, q.id)
			}
		}()
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Job.URL, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (s *Scheduler) process(ctx context.Context, job Job, id int) Result {
	result := Result{Job: job}
	if ctx.Err() != nil {
		result.Err = fmt.Errorf("%w: not started", utils.ErrInterrupted)
		s.out.Stopped(id, "Skipped "+job.URL)
		return result
	}
	eng, err := s.build(job)
	if err != nil {
		log.Error().Str("op", "scheduler").Str("job", job.ID).Err(err).Msg("Failed to build download")
		result.Err = err
		s.out.ReportError(id, err)
		return result
	}
	s.out.SetMessage(id, "Probing "+job.URL)
	err = eng.Start(ctx, func(e engine.Event) {
		s.out.Update(id, e.Snapshot)
	})
	result.Snapshot = eng.Info()
	result.Err = err
	switch {
	case err == nil:
		s.out.Complete(id, fmt.Sprintf("Downloaded %s (%s)", result.Snapshot.Target, utils.FormatBytes(uint64(result.Snapshot.Count))))
	case errors.Is(err, utils.ErrInterrupted):
		s.out.Stopped(id, fmt.Sprintf("Stopped %s at %s, run again to resume", result.Snapshot.Target, utils.FormatBytes(uint64(result.Snapshot.Count))))
	default:
		s.out.ReportError(id, err)
	}
	log.Debug().Str("op", "scheduler").Str("job", job.ID).Str("state", result.Snapshot.State.String()).Msg("Job finished")
	return result
}
