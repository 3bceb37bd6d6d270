package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/store"
)

// Redis key layout. All keys live under one prefix so an operator can
// inspect or flush the queue in isolation:
//
//	device_sync:job:<id>   JSON job record, 24h TTL
//	device_sync:queue:<p>  pending list per priority, LPUSH / RPOP
//	device_sync:delayed    ZSET of job IDs scored by ready time (ms)
//	device_sync:failed     dead-letter list, newest first, capped
const (
	keyPrefix  = "device_sync:"
	keyJob     = keyPrefix + "job:"
	keyQueue   = keyPrefix + "queue:"
	keyDelayed = keyPrefix + "delayed"
	keyFailed  = keyPrefix + "failed"

	jobTTL        = 24 * time.Hour
	maxFailedJobs = 1000
)

// Loop cadences.
const (
	DefaultDelayedInterval = 5 * time.Second
	DefaultIdleSleep       = time.Second
)

// Handler executes one job and returns its result.
type Handler func(ctx context.Context, job *Job) (any, error)

// Config tunes the worker pool. Zero values take defaults.
type Config struct {
	Concurrency     int
	DelayedInterval time.Duration
	IdleSleep       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DelayedInterval <= 0 {
		c.DelayedInterval = DefaultDelayedInterval
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	return c
}

// Queue is the priority job queue. A nil Redis client degrades it to
// synchronous in-process execution: correct, but without at-least-once
// durability, which Stats surfaces via Durable.
type Queue struct {
	rdb *redis.Client
	bus *events.Bus
	cfg Config

	mu       sync.Mutex
	handlers map[string]Handler

	// inlineJobs retains fallback-mode jobs so per-job status stays
	// queryable without Redis.
	inlineJobs  map[string]*Job
	inlineOrder []string

	processing atomic.Bool
	active     atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64

	// baseCtx is the service context in-flight handlers run under, so
	// StopProcessing cancels the loops without aborting live attempts.
	baseCtx   context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// Connect dials Redis and verifies it responds. Callers treat an error
// as "run without durability" and pass a nil client to New.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	var rdb = redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// New returns a Queue over |rdb| (which may be nil) broadcasting
// lifecycle events on |bus|.
func New(rdb *redis.Client, bus *events.Bus, cfg Config) *Queue {
	return &Queue{
		rdb:        rdb,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		handlers:   make(map[string]Handler),
		inlineJobs: make(map[string]*Job),
	}
}

// Durable reports whether jobs survive a process restart.
func (q *Queue) Durable() bool { return q.rdb != nil }

// RegisterHandler binds |fn| to a job type. Later registrations win.
func (q *Queue) RegisterHandler(jobType string, fn Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = fn
}

func (q *Queue) handlerFor(jobType string) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[jobType]
}

// AddOptions tune one enqueue. Zero values take defaults; Retries < 0
// means no retries at all.
type AddOptions struct {
	Priority int
	Retries  int
	Timeout  time.Duration
	Delay    time.Duration
}

// Enqueued is the Add receipt.
type Enqueued struct {
	JobID  string `json:"jobId"`
	Status Status `json:"status"`
}

// Add enqueues a job. With a delay it lands in the scheduled set;
// otherwise it is immediately poppable at its priority. Without Redis
// the job runs synchronously before Add returns.
func (q *Queue) Add(ctx context.Context, jobType string, data any, opts AddOptions) (*Enqueued, error) {
	var priority = opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	} else if priority < MinPriority {
		priority = MinPriority
	} else if priority > MaxPriority {
		priority = MaxPriority
	}
	var retries = opts.Retries
	if retries == 0 {
		retries = DefaultRetries
	} else if retries < 0 {
		retries = 0
	}
	var timeout = opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var raw json.RawMessage
	if data != nil {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", jobType, err)
		}
	}

	var job = &Job{
		ID:          newJobID(jobType),
		Type:        jobType,
		Data:        raw,
		Priority:    priority,
		Retries:     retries,
		RetriesLeft: retries,
		TimeoutMs:   timeout.Milliseconds(),
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	if q.rdb == nil {
		return q.runInline(ctx, job)
	}

	if opts.Delay > 0 {
		job.Status = StatusDelayed
		var ready = time.Now().Add(opts.Delay)
		job.ScheduledFor = &ready
		if err := q.saveJob(ctx, job); err != nil {
			return nil, err
		}
		if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(ready.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			return nil, fmt.Errorf("scheduling job %s: %w", job.ID, err)
		}
	} else {
		if err := q.saveJob(ctx, job); err != nil {
			return nil, err
		}
		if err := q.rdb.LPush(ctx, queueKey(priority), job.ID).Err(); err != nil {
			return nil, fmt.Errorf("enqueueing job %s: %w", job.ID, err)
		}
	}

	jobsAdded.WithLabelValues(jobType).Inc()
	q.bus.Publish(events.JobAdded, events.JobEvent{
		JobID:    job.ID,
		JobType:  jobType,
		Priority: priority,
		Status:   string(job.Status),
	})
	return &Enqueued{JobID: job.ID, Status: job.Status}, nil
}

// runInline is the Redis-absent fallback: one synchronous attempt,
// at-most-once. startProcessing is irrelevant in this mode.
func (q *Queue) runInline(ctx context.Context, job *Job) (*Enqueued, error) {
	log.WithFields(log.Fields{"job": job.ID, "type": job.Type}).
		Warn("queue not durable; running job inline")

	q.rememberInline(job)
	q.bus.Publish(events.JobAdded, events.JobEvent{
		JobID: job.ID, JobType: job.Type, Priority: job.Priority, Status: string(StatusPending),
	})
	q.executeAttempt(ctx, job)

	switch job.Status {
	case StatusCompleted:
		q.processed.Add(1)
	default:
		// A failed inline attempt is terminal; there is no delayed set
		// to park a retry in.
		job.Status = StatusFailed
		var now = time.Now().UTC()
		job.FailedAt = &now
		q.failed.Add(1)
		q.bus.Publish(events.JobFailed, events.JobEvent{
			JobID: job.ID, JobType: job.Type, Error: lastAttemptError(job),
		})
	}
	return &Enqueued{JobID: job.ID, Status: job.Status}, nil
}

func (q *Queue) rememberInline(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inlineJobs[job.ID] = job
	q.inlineOrder = append(q.inlineOrder, job.ID)
	if len(q.inlineOrder) > maxFailedJobs {
		delete(q.inlineJobs, q.inlineOrder[0])
		q.inlineOrder = q.inlineOrder[1:]
	}
}

// Job returns the stored record for |id|.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	if q.rdb == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		if job, ok := q.inlineJobs[id]; ok {
			return job, nil
		}
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return q.loadJob(ctx, id)
}

// Stats is the operator-facing queue snapshot.
type Stats struct {
	Durable     bool          `json:"durable"`
	Processing  bool          `json:"processing"`
	ActiveJobs  int64         `json:"activeJobs"`
	Queued      map[int]int64 `json:"queued,omitempty"`
	QueuedTotal int64         `json:"queuedTotal"`
	Delayed     int64         `json:"delayed"`
	Failed      int64         `json:"failed"`
	Processed   int64         `json:"processed"`
}

// Stats snapshots queue depths and worker state.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var s = &Stats{
		Durable:    q.Durable(),
		Processing: q.processing.Load(),
		ActiveJobs: q.active.Load(),
		Processed:  q.processed.Load(),
	}
	if q.rdb == nil {
		s.Failed = q.failed.Load()
		return s, nil
	}

	s.Queued = make(map[int]int64)
	for p := MinPriority; p <= MaxPriority; p++ {
		var n, err = q.rdb.LLen(ctx, queueKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading queue depth %d: %w", p, err)
		}
		if n > 0 {
			s.Queued[p] = n
		}
		s.QueuedTotal += n
	}
	var err error
	if s.Delayed, err = q.rdb.ZCard(ctx, keyDelayed).Result(); err != nil {
		return nil, fmt.Errorf("reading delayed depth: %w", err)
	}
	if s.Failed, err = q.rdb.LLen(ctx, keyFailed).Result(); err != nil {
		return nil, fmt.Errorf("reading DLQ depth: %w", err)
	}
	return s, nil
}

// RetryAllFailed reloads every DLQ job, restores its retry budget, and
// requeues it at its original priority. Returns the number requeued.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	if q.rdb == nil {
		return 0, nil
	}
	var ids, err = q.rdb.LRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reading DLQ: %w", err)
	}
	var requeued int
	for _, id := range ids {
		var job, err = q.loadJob(ctx, id)
		if err != nil {
			log.WithField("job", id).WithError(err).Warn("skipping DLQ job with no record")
			continue
		}
		job.Status = StatusPending
		job.RetriesLeft = job.Retries
		job.FailedAt = nil
		if err = q.saveJob(ctx, job); err != nil {
			return requeued, err
		}
		if err = q.rdb.LPush(ctx, queueKey(job.Priority), job.ID).Err(); err != nil {
			return requeued, fmt.Errorf("requeueing job %s: %w", job.ID, err)
		}
		requeued++
	}
	if err = q.rdb.Del(ctx, keyFailed).Err(); err != nil {
		return requeued, fmt.Errorf("clearing DLQ: %w", err)
	}
	return requeued, nil
}

// ClearFailed drops the DLQ and returns how many jobs it held.
func (q *Queue) ClearFailed(ctx context.Context) (int64, error) {
	if q.rdb == nil {
		return 0, nil
	}
	var n, err = q.rdb.LLen(ctx, keyFailed).Result()
	if err != nil {
		return 0, fmt.Errorf("reading DLQ depth: %w", err)
	}
	if err = q.rdb.Del(ctx, keyFailed).Err(); err != nil {
		return 0, fmt.Errorf("clearing DLQ: %w", err)
	}
	return n, nil
}

func queueKey(priority int) string { return keyQueue + strconv.Itoa(priority) }

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	var raw, err = json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	if err = q.rdb.Set(ctx, keyJob+job.ID, raw, jobTTL).Err(); err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	var raw, err = q.rdb.Get(ctx, keyJob+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job Job
	if err = json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

func lastAttemptError(job *Job) string {
	if n := len(job.Attempts); n > 0 {
		return job.Attempts[n-1].Error
	}
	return ""
}
