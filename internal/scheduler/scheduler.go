package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/output"
	"github.com/tanq16/fragdl/internal/utils"
)

// Job is one format to download into Output.
type Job struct {
	ID     string
	Output string
	Format *utils.FormatDescriptor
}

func NewJob(outputPath string, format *utils.FormatDescriptor) Job {
	return Job{ID: uuid.New().String(), Output: outputPath, Format: format}
}

// Result is what a finished job produced, Err is nil on success.
type Result struct {
	Job    Job
	Result *engine.Result
	Err    error
}

// EngineFactory builds the engine for one job. Every job gets its own so
// progress hooks stay per download.
type EngineFactory func() *engine.Engine

// Run executes jobs on numWorkers workers, showing their progress, and returns
// one result per job in the order given. The error combines every failure.
func Run(ctx context.Context, jobs []Job, numWorkers int, newEngine EngineFactory) ([]Result, error) {
	outputMgr := output.NewManager()
	outputMgr.StartDisplay()
	defer outputMgr.StopDisplay()

	type indexed struct {
		i   int
		job Job
	}
	jobCh := make(chan indexed, len(jobs))
	for i, job := range jobs {
		jobCh <- indexed{i, job}
	}
	close(jobCh)

	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for range max(numWorkers, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				results[j.i] = processJob(ctx, j.job, newEngine, outputMgr)
			}
		}()
	}
	wg.Wait()

	var errs *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", r.Job.Output, r.Err))
		}
	}
	return results, errs.ErrorOrNil()
}

func processJob(ctx context.Context, job Job, newEngine EngineFactory, outputMgr *output.Manager) Result {
	funcID := outputMgr.RegisterFunction(job.Output)
	res := Result{Job: job}
	if job.Format == nil || job.Output == "" {
		res.Err = errors.New("job needs a format and an output path")
		outputMgr.ReportError(funcID, res.Err)
		outputMgr.SetMessage(funcID, fmt.Sprintf("Invalid job %s", job.ID))
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		outputMgr.ReportError(funcID, err)
		outputMgr.SetMessage(funcID, fmt.Sprintf("Cancelled %s", job.Output))
		return res
	}

	e := newEngine()
	e.AddProgressHook(outputMgr.Hook(funcID))
	outputMgr.SetMessage(funcID, fmt.Sprintf("Downloading %s", job.Output))
	log.Debug().Str("op", "scheduler/job").Str("job", job.ID).Msgf("Starting %s", job.Format)

	res.Result, res.Err = e.Download(ctx, job.Output, job.Format)
	switch {
	case res.Err != nil:
		outputMgr.ReportError(funcID, res.Err)
		outputMgr.SetMessage(funcID, fmt.Sprintf("Download failed for %s", job.Output))
	case res.Result.Skipped:
		outputMgr.Complete(funcID, fmt.Sprintf("Already downloaded %s", job.Output))
	case len(res.Result.Gaps) > 0:
		outputMgr.Warn(funcID, fmt.Sprintf("Completed %s with %d missing fragments", job.Output, len(res.Result.Gaps)))
	default:
		outputMgr.Complete(funcID, fmt.Sprintf("Completed %s (%s)", job.Output, utils.FormatBytes(res.Result.Bytes)))
	}
	return res
}
