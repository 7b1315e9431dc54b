package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"attendanced/internal/credentials"

	"github.com/google/uuid"
)

// Acquirer performs the browser login and returns the harvested session.
type Acquirer interface {
	Acquire(ctx context.Context, creds credentials.Credentials) (*SessionBundle, error)
}

// Transplanter turns a browser session into an authenticated HTTP client.
type Transplanter interface {
	Transplant(bundle *SessionBundle) (*http.Client, error)
}

// AttendanceClient issues the single attendance call and classifies the reply.
type AttendanceClient interface {
	Mark(ctx context.Context, client *http.Client, action ActionKind) Outcome
}

// Ledger is the durable, append-only attempt record.
type Ledger interface {
	Record(ctx context.Context, attempt *Attempt) error
	LastSuccess(ctx context.Context, action ActionKind, day string) (*Attempt, error)
}

// Notifier reports a finalized attempt to the operator. It must not fail the attempt.
type Notifier interface {
	Notify(ctx context.Context, attempt *Attempt)
}

// Locker is an optional cross-process gate layered on top of the in-process one.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// RetryPolicy bounds how often transient failures are retried.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// Delay is the linear backoff before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	return time.Duration(retry) * p.Backoff
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Credentials  credentials.Credentials
	Acquirer     Acquirer
	Transplanter Transplanter
	Client       AttendanceClient
	Ledger       Ledger
	Notifier     Notifier
	Locker       Locker
	Logger       *slog.Logger
	Location     *time.Location
	Policy       RetryPolicy
	Workers      int
	Retention    time.Duration
	LockTTL      time.Duration
	Now          func() time.Time
}

const (
	defaultWorkers   = 2
	defaultRetention = time.Hour
	defaultLockTTL   = 10 * time.Minute
	finalizeTimeout  = 30 * time.Second
)

type job struct {
	handle  *JobHandle
	release func()
}

// Coordinator accepts triggers and runs the attendance pipeline, allowing at
// most one in-flight job per action kind.
type Coordinator struct {
	creds        credentials.Credentials
	acquirer     Acquirer
	transplanter Transplanter
	client       AttendanceClient
	ledger       Ledger
	notifier     Notifier
	locker       Locker
	logger       *slog.Logger
	location     *time.Location
	policy       RetryPolicy
	workers      int
	retention    time.Duration
	lockTTL      time.Duration
	now          func() time.Time

	gates map[ActionKind]*sync.Mutex
	queue chan *job

	mu      sync.RWMutex
	jobs    map[string]*JobHandle
	latest  map[ActionKind]string
	stopped bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewCoordinator constructs a coordinator. Start must be called before jobs run.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		creds:        cfg.Credentials,
		acquirer:     cfg.Acquirer,
		transplanter: cfg.Transplanter,
		client:       cfg.Client,
		ledger:       cfg.Ledger,
		notifier:     cfg.Notifier,
		locker:       cfg.Locker,
		logger:       cfg.Logger,
		location:     cfg.Location,
		policy:       cfg.Policy,
		workers:      cfg.Workers,
		retention:    cfg.Retention,
		lockTTL:      cfg.LockTTL,
		now:          cfg.Now,
		gates:        make(map[ActionKind]*sync.Mutex, len(Actions)),
		queue:        make(chan *job, len(Actions)),
		jobs:         make(map[string]*JobHandle),
		latest:       make(map[ActionKind]string, len(Actions)),
	}
	for _, action := range Actions {
		c.gates[action] = &sync.Mutex{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.location == nil {
		c.location = time.Local
	}
	if c.workers <= 0 {
		c.workers = defaultWorkers
	}
	if c.retention <= 0 {
		c.retention = defaultRetention
	}
	if c.lockTTL <= 0 {
		c.lockTTL = defaultLockTTL
	}
	if c.policy.MaxRetries < 0 {
		c.policy.MaxRetries = 0
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Start launches the worker pool. Runs are detached from ctx cancellation;
// only Stop cancels them.
func (c *Coordinator) Start(ctx context.Context) {
	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for j := range c.queue {
				c.run(j)
			}
		}()
	}
}

// Stop rejects new triggers and waits for in-flight jobs. When ctx expires
// first, running jobs are cancelled so their browsers are torn down.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.queue)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("in-flight attendance jobs did not finish before shutdown, cancelling")
		err = ctx.Err()
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	<-done
	return err
}

// Accepting reports whether the coordinator still takes triggers.
func (c *Coordinator) Accepting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.stopped
}

// Trigger accepts or rejects a job for action without waiting for it to run.
func (c *Coordinator) Trigger(ctx context.Context, action ActionKind) Ack {
	ack := Ack{Action: string(action)}
	gate, ok := c.gates[action]
	if !ok {
		ack.Reason = "unknown_action"
		return ack
	}
	if !c.Accepting() {
		ack.Reason = ReasonShuttingDown
		return ack
	}
	if !gate.TryLock() {
		c.logger.Info("rejecting trigger, job already in flight", "action", action)
		ack.Reason = ReasonAlreadyRunning
		return ack
	}
	release := gate.Unlock

	if c.locker != nil {
		unlock, acquired, err := c.locker.TryLock(ctx, "attendance:"+string(action), c.lockTTL)
		if err != nil {
			gate.Unlock()
			c.logger.Error("acquire distributed lock", "action", action, "err", err)
			ack.Reason = ReasonLockUnavailable
			return ack
		}
		if !acquired {
			gate.Unlock()
			c.logger.Info("rejecting trigger, job running elsewhere", "action", action)
			ack.Reason = ReasonAlreadyRunning
			return ack
		}
		release = func() {
			unlock()
			gate.Unlock()
		}
	}

	now := c.now()
	handle := &JobHandle{
		ID:         uuid.NewString(),
		Action:     action,
		State:      JobPending,
		AcceptedAt: now.UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		release()
		ack.Reason = ReasonShuttingDown
		return ack
	}
	c.evictLocked(now)
	c.jobs[handle.ID] = handle
	c.latest[action] = handle.ID
	// Each action holds its gate until its job finishes, so the queue never
	// holds more than len(Actions) jobs and this send cannot block.
	c.queue <- &job{handle: handle, release: sync.OnceFunc(release)}

	c.logger.Info("trigger accepted", "action", action, "job_id", handle.ID)
	ack.Accepted = true
	ack.JobID = handle.ID
	return ack
}

// Job returns a snapshot of the job with the given ID.
func (c *Coordinator) Job(id string) (JobHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	handle, ok := c.jobs[id]
	if !ok {
		return JobHandle{}, false
	}
	return snapshot(handle), true
}

// Latest returns a snapshot of the most recent job for action.
func (c *Coordinator) Latest(action ActionKind) (JobHandle, bool) {
	c.mu.RLock()
	id, ok := c.latest[action]
	c.mu.RUnlock()
	if !ok {
		return JobHandle{}, false
	}
	return c.Job(id)
}

func (c *Coordinator) run(j *job) {
	defer j.release()

	ctx := c.runCtx
	action := j.handle.Action
	logger := c.logger.With("job_id", j.handle.ID, "action", action)

	started := c.now()
	attempt := &Attempt{
		ID:        j.handle.ID,
		Action:    action,
		Day:       started.In(c.location).Format(DayLayout),
		StartedAt: started.UTC(),
		Source:    SourcePortalAPI,
	}
	c.publish(j.handle, JobRunning, attempt)
	logger.Info("attendance job started", "day", attempt.Day)

	outcome, source, tries := c.execute(ctx, logger, attempt)
	attempt.Tries = tries
	attempt.Finalize(outcome, source, c.now())

	// Recording and notifying must survive shutdown cancellation.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := c.ledger.Record(finalCtx, attempt); err != nil {
		logger.Error("record attempt", "err", err)
	}
	c.notifier.Notify(finalCtx, attempt)

	// Open the gate before the handle reads as done so a caller that observes
	// completion can trigger again immediately.
	j.release()
	c.publish(j.handle, JobDone, attempt)
	logger.Info("attendance job finished",
		"outcome", attempt.Outcome.Kind,
		"source", attempt.Source,
		"tries", attempt.Tries,
		"duplicate", attempt.Duplicate,
		"detail", attempt.Outcome.Detail,
	)
}

func (c *Coordinator) execute(ctx context.Context, logger *slog.Logger, attempt *Attempt) (Outcome, AttemptSource, int) {
	prior, err := c.ledger.LastSuccess(ctx, attempt.Action, attempt.Day)
	if err != nil {
		logger.Warn("ledger lookup failed, continuing with automation", "err", err)
	} else if prior != nil {
		detail := fmt.Sprintf("already marked on %s by attempt %s", prior.Day, prior.ID)
		logger.Info("attendance already marked today, skipping portal", "prior_attempt", prior.ID)
		attempt.Duplicate = true
		return Outcome{Kind: OutcomeAlreadyMarked, Detail: detail}, SourceLedgerFallback, 0
	}

	for try := 1; ; try++ {
		outcome := c.pass(ctx, attempt.Action)
		if !outcome.Retryable() || try > c.policy.MaxRetries {
			return outcome, SourcePortalAPI, try
		}
		delay := c.policy.Delay(try)
		logger.Warn("transient failure, retrying",
			"try", try,
			"outcome", outcome.Kind,
			"detail", outcome.Detail,
			"backoff", delay,
		)
		if err := sleepContext(ctx, delay); err != nil {
			outcome.Detail = outcome.Detail + " (retry aborted by shutdown)"
			return outcome, SourcePortalAPI, try
		}
	}
}

// pass runs acquire, transplant and mark once.
func (c *Coordinator) pass(ctx context.Context, action ActionKind) Outcome {
	bundle, err := c.acquirer.Acquire(ctx, c.creds)
	if err != nil {
		return OutcomeFromError(err)
	}
	client, err := c.transplanter.Transplant(bundle)
	if err != nil {
		return Outcome{Kind: OutcomeBrowserFailure, Detail: "transplant session: " + err.Error()}
	}
	return c.client.Mark(ctx, client, action)
}

func (c *Coordinator) publish(handle *JobHandle, state JobState, attempt *Attempt) {
	copied := *attempt
	c.mu.Lock()
	defer c.mu.Unlock()
	handle.State = state
	handle.Attempt = &copied
	if state == JobDone {
		finished := c.now().UTC()
		handle.FinishedAt = &finished
	}
}

func (c *Coordinator) evictLocked(now time.Time) {
	for id, handle := range c.jobs {
		if handle.State != JobDone || handle.FinishedAt == nil {
			continue
		}
		if now.Sub(*handle.FinishedAt) <= c.retention {
			continue
		}
		delete(c.jobs, id)
		if c.latest[handle.Action] == id {
			delete(c.latest, handle.Action)
		}
	}
}

func snapshot(handle *JobHandle) JobHandle {
	out := *handle
	if handle.Attempt != nil {
		attempt := *handle.Attempt
		out.Attempt = &attempt
	}
	if handle.FinishedAt != nil {
		finished := *handle.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
