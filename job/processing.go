package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sync"
	"time"

	"videoworker/config"
	"videoworker/failures"
	"videoworker/logger"
	"videoworker/metrics"
	"videoworker/models"
	"videoworker/publisher"
	"videoworker/results"
	"videoworker/sandbox"
	"videoworker/success"
	taskqueue "videoworker/taskQueue"
)

// ErrConversionFailed is returned when the container exits unsuccessfully.
var ErrConversionFailed = errors.New("conversion failed")

// Executor runs one ExecutionSpec to completion; *sandbox.Supervisor is one.
type Executor interface {
	Execute(ctx context.Context, spec sandbox.ExecutionSpec) (sandbox.Outcome, error)
}

// Processor handles one queue message end to end: decode, convert in a
// container, publish the output and record the result.
type Processor struct {
	Executor  Executor
	Template  sandbox.Template
	Jobs      config.JobSettings
	Publisher *publisher.Publisher // nil disables publishing
	Bucket    string
	KeyPrefix string

	Failures *failures.Store
	Success  *success.Store
	Cache    *results.Cache
	Tracker  *Tracker
	Metrics  *metrics.Metrics

	// HTTPClient sends completion callbacks.
	HTTPClient *http.Client

	// results awaiting settlement, by message key
	mu      sync.Mutex
	pending map[string]models.JobResult
}

// ResolveJobID picks the job id: the message field, the AMQP message id, or
// a short fingerprint of the body.
func ResolveJobID(job models.JobMessage, msg taskqueue.Message) string {
	if job.JobID != "" {
		return job.JobID
	}
	if msg.MessageID != "" {
		return msg.MessageID
	}
	if len(msg.Key) > 16 {
		return msg.Key[:16]
	}
	return msg.Key
}

// Handle is a taskqueue.Handler.
func (p *Processor) Handle(ctx context.Context, msg taskqueue.Message) error {
	start := time.Now()
	if p.Metrics != nil {
		defer p.Metrics.JobStarted()()
	}

	job, err := DecodeMessage(msg.Body, p.Jobs)
	if err != nil {
		jobID := ResolveJobID(models.JobMessage{}, msg)
		logger.Errorf("Rejecting undecodable message %s: %v", jobID, err)
		p.fail(msg.Key, models.JobResult{JobID: jobID, Attempt: msg.Attempt}, start, err)
		return taskqueue.Permanent(err)
	}

	jobID := ResolveJobID(job, msg)
	job.JobID = jobID
	log := logger.WithFields(logger.Fields{"job_id": jobID, "attempt": msg.Attempt})
	log.Infof("Processing %s with preset %s", job.InputFile, job.Preset)

	p.track(func(t *Tracker) { t.Start(jobID, msg.Attempt) })
	result := models.JobResult{JobID: jobID, Job: job, Attempt: msg.Attempt}

	spec, err := p.Template.For(jobID, job.Preset, job.InputFile)
	if err != nil {
		p.fail(msg.Key, result, start, err)
		return taskqueue.Permanent(err)
	}

	// every attempt starts from an empty directory
	outputDir := p.Template.OutputDir(jobID)
	if err := os.RemoveAll(outputDir); err != nil {
		err = fmt.Errorf("failed to clear output directory %s: %w", outputDir, err)
		p.fail(msg.Key, result, start, err)
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		err = fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
		p.fail(msg.Key, result, start, err)
		return err
	}

	outcome, err := p.Executor.Execute(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			log.Warnf("Interrupted by shutdown: %v", err)
			p.track(func(t *Tracker) { t.SetState(jobID, JobStateInterrupted, err) })
			return err
		}
		p.fail(msg.Key, result, start, err)
		return err
	}

	result.ExitCode = outcome.ExitCode
	if p.Metrics != nil {
		p.Metrics.ObserveExit(outcome.Succeeded())
	}
	if !outcome.Succeeded() {
		err := fmt.Errorf("%w: exit code %d", ErrConversionFailed, outcome.ExitCode)
		if outcome.ErrorMessage != "" {
			err = fmt.Errorf("%w: exit code %d: %s", ErrConversionFailed, outcome.ExitCode, outcome.ErrorMessage)
		}
		p.fail(msg.Key, result, start, err)
		return err
	}

	p.publish(ctx, &result, outputDir)
	if err := ctx.Err(); err != nil {
		log.Warnf("Interrupted by shutdown while publishing: %v", err)
		p.track(func(t *Tracker) { t.SetState(jobID, JobStateInterrupted, err) })
		return err
	}

	result.Status = models.JobStatusCompleted
	result.DurationMs = time.Since(start).Milliseconds()
	result.CompletedAt = time.Now()
	p.record(result)
	p.track(func(t *Tracker) { t.SetState(jobID, JobStateCompleted, nil) })
	p.hold(msg.Key, result)

	if result.PublishStatus == string(publisher.StatusComplete) {
		if err := os.RemoveAll(outputDir); err != nil {
			log.Warnf("Failed to remove published output %s: %v", outputDir, err)
		}
	}

	log.Infof("Completed in %s (publish: %s)", time.Since(start).Round(time.Millisecond), result.PublishStatus)
	return nil
}

// publish copies the output tree to storage. Failures here never fail the job.
func (p *Processor) publish(ctx context.Context, result *models.JobResult, outputDir string) {
	if p.Publisher == nil {
		result.PublishStatus = "disabled"
		return
	}
	p.track(func(t *Tracker) { t.SetState(result.JobID, JobStatePublishing, nil) })

	prefix := result.Job.OutputPrefix
	if prefix == "" {
		prefix = result.JobID
	}
	prefix = path.Join(p.KeyPrefix, prefix)

	if err := p.Publisher.EnsureContainer(ctx, p.Bucket); err != nil {
		logger.Errorf("Failed to ensure bucket %s for job %s: %v", p.Bucket, result.JobID, err)
		result.PublishStatus = string(publisher.StatusFailed)
		return
	}

	res, err := p.Publisher.PublishTree(ctx, p.Bucket, outputDir, prefix)
	result.FilesAttempted = res.Attempted
	result.FilesSucceeded = res.Succeeded
	result.FailedFiles = res.FailedKeys()
	result.PublishStatus = string(res.Status())
	if err != nil {
		logger.Errorf("Failed to publish output of job %s: %v", result.JobID, err)
		result.PublishStatus = string(publisher.StatusFailed)
	}
	if p.Metrics != nil {
		p.Metrics.ObserveArtifacts(res.Succeeded, len(res.Failures))
	}
}

func (p *Processor) fail(key string, result models.JobResult, start time.Time, err error) {
	result.Status = models.JobStatusFailed
	result.Error = err.Error()
	result.DurationMs = time.Since(start).Milliseconds()
	result.CompletedAt = time.Now()
	p.record(result)
	p.track(func(t *Tracker) { t.SetState(result.JobID, JobStateFailed, err) })
	p.hold(key, result)
}

// hold keeps a result with a callback until the consumer settles its message.
func (p *Processor) hold(key string, result models.JobResult) {
	if result.Job.CallbackURL == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = make(map[string]models.JobResult)
	}
	p.pending[key] = result
}

// Settled is a taskqueue OnSettled hook. The callback fires only for final
// outcomes: a requeued message will be handled again.
func (p *Processor) Settled(msg taskqueue.Message, outcome taskqueue.Outcome, elapsed time.Duration) {
	p.mu.Lock()
	result, ok := p.pending[msg.Key]
	delete(p.pending, msg.Key)
	p.mu.Unlock()

	if !ok || outcome == taskqueue.OutcomeRequeued {
		return
	}
	p.sendCallback(result.Job, result)
}

// record writes result to the ledgers and the cache. Errors are logged only.
func (p *Processor) record(result models.JobResult) {
	if result.Status == models.JobStatusCompleted {
		if p.Success != nil {
			if err := p.Success.StoreSuccess(result); err != nil {
				logger.Errorf("Failed to store success record for %s: %v", result.JobID, err)
			}
		}
		if p.Failures != nil {
			if err := p.Failures.DeleteFailure(result.JobID); err != nil {
				logger.Warnf("Failed to clear failure record for %s: %v", result.JobID, err)
			}
		}
	} else if p.Failures != nil {
		if err := p.Failures.StoreFailure(result); err != nil {
			logger.Errorf("Failed to store failure for %s: %v", result.JobID, err)
		}
	}

	if p.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Cache.Put(ctx, result); err != nil {
			logger.Warnf("Failed to cache result for %s: %v", result.JobID, err)
		}
	}
}

func (p *Processor) track(fn func(t *Tracker)) {
	if p.Tracker != nil {
		fn(p.Tracker)
	}
}

// sendCallback posts the result to the job's callback URL, if it has one.
func (p *Processor) sendCallback(job models.JobMessage, result models.JobResult) {
	if job.CallbackURL == "" {
		return // No callback configured
	}

	payloadBytes, err := json.Marshal(result)
	if err != nil {
		logger.Errorf("Failed to marshal callback payload: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.CallbackURL, bytes.NewReader(payloadBytes))
	if err != nil {
		logger.Errorf("Failed to create callback request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "videoworker/1.0")

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Errorf("Callback request for job %s failed: %v", result.JobID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Errorf("Callback for job %s returned non-2xx status: %d", result.JobID, resp.StatusCode)
		return
	}
	logger.Infof("Sent callback for job %s to %s", result.JobID, job.CallbackURL)
}
