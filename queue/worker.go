package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
)

// StartProcessing launches the delayed-job mover and the worker loop.
// It is a no-op when already running, or when the queue is not durable
// (inline fallback jobs already ran at enqueue time).
func (q *Queue) StartProcessing(ctx context.Context) {
	if q.rdb == nil {
		log.Warn("queue not durable; workers not started")
		return
	}
	if !q.processing.CompareAndSwap(false, true) {
		return
	}
	// Loops stop on runCtx; in-flight handlers keep the service context
	// so StopProcessing lets them finish or hit their own timeout.
	var runCtx, cancel = context.WithCancel(ctx)
	q.cancelRun = cancel
	q.baseCtx = ctx

	q.wg.Add(2)
	go q.moveDelayedLoop(runCtx)
	go q.workerLoop(runCtx)
	log.WithField("concurrency", q.cfg.Concurrency).Info("queue processing started")
}

// StopProcessing stops popping new work and waits for in-flight jobs
// to finish or time out.
func (q *Queue) StopProcessing() {
	if !q.processing.CompareAndSwap(true, false) {
		return
	}
	q.cancelRun()
	q.wg.Wait()
	log.Info("queue processing stopped")
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if q.active.Load() >= int64(q.cfg.Concurrency) {
			q.idle(ctx)
			continue
		}
		var job, err = q.popNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("popping next job")
			q.bus.PublishError("queue", err)
			q.idle(ctx)
			continue
		}
		if job == nil {
			q.idle(ctx)
			continue
		}

		q.active.Add(1)
		activeJobs.Inc()
		q.wg.Add(1)
		go func(job *Job) {
			defer q.wg.Done()
			defer activeJobs.Dec()
			defer q.active.Add(-1)
			q.processJob(q.baseCtx, job)
		}(job)
	}
}

func (q *Queue) idle(ctx context.Context) {
	var t = time.NewTimer(q.cfg.IdleSleep)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// popNext scans the priority lists high to low and pops the first
// non-empty one. FIFO within a band, strict preference across bands.
func (q *Queue) popNext(ctx context.Context) (*Job, error) {
	for p := MinPriority; p <= MaxPriority; p++ {
		var id, err = q.rdb.RPop(ctx, queueKey(p)).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("popping priority %d: %w", p, err)
		}
		var job, loadErr = q.loadJob(ctx, id)
		if loadErr != nil {
			// The record aged out under its TTL; the ID is stale.
			log.WithField("job", id).WithError(loadErr).Warn("dropping queued ID with no record")
			continue
		}
		return job, nil
	}
	return nil, nil
}

func (q *Queue) moveDelayedLoop(ctx context.Context) {
	defer q.wg.Done()
	var ticker = time.NewTicker(q.cfg.DelayedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := q.moveDueJobs(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("moving delayed jobs")
			q.bus.PublishError("queue", err)
		}
	}
}

// moveDueJobs promotes delayed jobs whose ready time has passed onto
// their priority lists.
func (q *Queue) moveDueJobs(ctx context.Context) error {
	var ids, err = q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("reading delayed set: %w", err)
	}
	for _, id := range ids {
		var job, loadErr = q.loadJob(ctx, id)
		if loadErr != nil {
			_ = q.rdb.ZRem(ctx, keyDelayed, id).Err()
			continue
		}
		job.Status = StatusPending
		if err = q.saveJob(ctx, job); err != nil {
			return err
		}
		if err = q.rdb.LPush(ctx, queueKey(job.Priority), id).Err(); err != nil {
			return fmt.Errorf("promoting job %s: %w", id, err)
		}
		if err = q.rdb.ZRem(ctx, keyDelayed, id).Err(); err != nil {
			return fmt.Errorf("removing promoted job %s: %w", id, err)
		}
		delayedPromoted.Inc()
	}
	return nil
}

// processJob drives one popped job through an attempt and the retry or
// dead-letter transition. Handler errors never escape the worker.
func (q *Queue) processJob(ctx context.Context, job *Job) {
	if q.handlerFor(job.Type) == nil {
		job.Attempts = append(job.Attempts, Attempt{
			StartedAt: time.Now().UTC(),
			Error:     fmt.Sprintf("No handler registered for job type %q", job.Type),
		})
		q.finalizeFailed(ctx, job)
		return
	}

	q.executeAttempt(ctx, job)

	if job.Status == StatusCompleted {
		if err := q.saveJob(ctx, job); err != nil {
			log.WithField("job", job.ID).WithError(err).Warn("persisting completed job")
		}
		q.processed.Add(1)
		jobsCompleted.WithLabelValues(job.Type).Inc()
		return
	}

	if job.RetriesLeft > 0 {
		// Delay derives from how many retries were already consumed,
		// so it doubles on every consecutive failure.
		var delay = job.retryDelay()
		job.RetriesLeft--
		job.Status = StatusDelayed
		var ready = time.Now().Add(delay)
		job.ScheduledFor = &ready

		if err := q.saveJob(ctx, job); err != nil {
			log.WithField("job", job.ID).WithError(err).Warn("persisting retry state")
		}
		if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(ready.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			log.WithField("job", job.ID).WithError(err).Warn("scheduling retry")
		}
		jobRetries.WithLabelValues(job.Type).Inc()
		q.bus.Publish(events.JobRetry, events.JobEvent{
			JobID:        job.ID,
			JobType:      job.Type,
			Error:        lastAttemptError(job),
			DelayMs:      delay.Milliseconds(),
			AttemptsLeft: job.RetriesLeft,
		})
		return
	}

	q.finalizeFailed(ctx, job)
}

// finalizeFailed moves a job to the capped dead-letter list.
func (q *Queue) finalizeFailed(ctx context.Context, job *Job) {
	job.Status = StatusFailed
	var now = time.Now().UTC()
	job.FailedAt = &now

	if err := q.saveJob(ctx, job); err != nil {
		log.WithField("job", job.ID).WithError(err).Warn("persisting failed job")
	}
	if err := q.rdb.LPush(ctx, keyFailed, job.ID).Err(); err != nil {
		log.WithField("job", job.ID).WithError(err).Warn("pushing job to DLQ")
	} else if err = q.rdb.LTrim(ctx, keyFailed, 0, maxFailedJobs-1).Err(); err != nil {
		log.WithError(err).Warn("trimming DLQ")
	}

	q.failed.Add(1)
	jobsFailed.WithLabelValues(job.Type).Inc()
	q.bus.Publish(events.JobFailed, events.JobEvent{
		JobID:   job.ID,
		JobType: job.Type,
		Error:   lastAttemptError(job),
	})
}

// executeAttempt runs one handler attempt raced against the job
// timeout. On success it marks the job completed; on failure it leaves
// the attempt error for the caller's retry policy. Panics count as
// failed attempts.
func (q *Queue) executeAttempt(ctx context.Context, job *Job) {
	job.Status = StatusProcessing
	job.Attempts = append(job.Attempts, Attempt{StartedAt: time.Now().UTC()})
	if q.rdb != nil {
		if err := q.saveJob(ctx, job); err != nil {
			log.WithField("job", job.ID).WithError(err).Warn("persisting processing state")
		}
	}
	q.bus.Publish(events.JobStarted, events.JobEvent{
		JobID:    job.ID,
		JobType:  job.Type,
		Priority: job.Priority,
	})

	var attempt = &job.Attempts[len(job.Attempts)-1]
	var handler = q.handlerFor(job.Type)
	if handler == nil {
		attempt.Error = fmt.Sprintf("No handler registered for job type %q", job.Type)
		return
	}

	var timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	var outCh = make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		var result, err = handler(attemptCtx, job)
		outCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-outCh:
		if out.err != nil {
			attempt.Error = out.err.Error()
			return
		}
		var now = time.Now().UTC()
		job.Status = StatusCompleted
		job.CompletedAt = &now
		job.Result = out.result
		q.bus.Publish(events.JobCompleted, events.JobEvent{
			JobID:   job.ID,
			JobType: job.Type,
			Result:  out.result,
		})
	case <-attemptCtx.Done():
		attempt.Error = fmt.Sprintf("job timed out after %dms", job.TimeoutMs)
	}
}
