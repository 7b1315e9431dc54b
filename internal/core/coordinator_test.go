package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"attendanced/internal/credentials"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcquirer struct {
	calls atomic.Int32
	live  atomic.Int32
	fn    func(ctx context.Context, call int) error
}

func (f *fakeAcquirer) Acquire(ctx context.Context, _ credentials.Credentials) (*SessionBundle, error) {
	call := int(f.calls.Add(1))
	f.live.Add(1)
	defer f.live.Add(-1)
	if f.fn != nil {
		if err := f.fn(ctx, call); err != nil {
			return nil, err
		}
	}
	return &SessionBundle{
		Cookies:    []SessionCookie{{Name: "access_token", Value: "abc", Domain: "portal.example", Path: "/"}},
		CapturedAt: time.Now(),
	}, nil
}

type fakeTransplanter struct{}

func (fakeTransplanter) Transplant(bundle *SessionBundle) (*http.Client, error) {
	if len(bundle.Cookies) == 0 {
		return nil, errors.New("empty bundle")
	}
	return &http.Client{}, nil
}

type fakeClient struct {
	calls    atomic.Int32
	outcomes []Outcome
}

func (f *fakeClient) Mark(_ context.Context, _ *http.Client, _ ActionKind) Outcome {
	call := int(f.calls.Add(1))
	if len(f.outcomes) == 0 {
		return Outcome{Kind: OutcomeSuccess, Detail: "marked"}
	}
	if call > len(f.outcomes) {
		return f.outcomes[len(f.outcomes)-1]
	}
	return f.outcomes[call-1]
}

type memLedger struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (l *memLedger) Record(_ context.Context, attempt *Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *attempt)
	return nil
}

func (l *memLedger) LastSuccess(_ context.Context, action ActionKind, day string) (*Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.attempts) - 1; i >= 0; i-- {
		a := l.attempts[i]
		if a.Action == action && a.Day == day && a.Outcome.Kind == OutcomeSuccess {
			return &a, nil
		}
	}
	return nil, nil
}

func (l *memLedger) all() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Attempt(nil), l.attempts...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (n *fakeNotifier) Notify(_ context.Context, attempt *Attempt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, *attempt)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.attempts)
}

type fakeLocker struct {
	acquired bool
	err      error
}

func (f fakeLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, f.acquired, f.err
}

type harness struct {
	coord    *Coordinator
	acquirer *fakeAcquirer
	client   *fakeClient
	ledger   *memLedger
	notifier *fakeNotifier
}

func newHarness(t *testing.T, mutate func(*CoordinatorConfig)) *harness {
	t.Helper()
	h := &harness{
		acquirer: &fakeAcquirer{},
		client:   &fakeClient{},
		ledger:   &memLedger{},
		notifier: &fakeNotifier{},
	}
	cfg := CoordinatorConfig{
		Credentials:  credentials.Credentials{Username: "u", Password: "p", BaseURL: "https://portal.example/"},
		Acquirer:     h.acquirer,
		Transplanter: fakeTransplanter{},
		Client:       h.client,
		Ledger:       h.ledger,
		Notifier:     h.notifier,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location:     time.UTC,
		Policy:       RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.coord = NewCoordinator(cfg)
	h.coord.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coord.Stop(ctx)
	})
	return h
}

func waitDone(t *testing.T, c *Coordinator, id string) JobHandle {
	t.Helper()
	var handle JobHandle
	require.Eventually(t, func() bool {
		var ok bool
		handle, ok = c.Job(id)
		return ok && handle.State == JobDone
	}, 5*time.Second, 5*time.Millisecond)
	return handle
}

func TestTriggerSingleFlightPerAction(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil)
	h.acquirer.fn = func(ctx context.Context, _ int) error {
		<-release
		return nil
	}

	first := h.coord.Trigger(context.Background(), ActionSignIn)
	require.True(t, first.Accepted)
	require.NotEmpty(t, first.JobID)

	for i := 0; i < 3; i++ {
		again := h.coord.Trigger(context.Background(), ActionSignIn)
		assert.False(t, again.Accepted)
		assert.Equal(t, ReasonAlreadyRunning, again.Reason)
		assert.Empty(t, again.JobID)
	}

	other := h.coord.Trigger(context.Background(), ActionSignOut)
	assert.True(t, other.Accepted, "sign_out has its own gate")

	close(release)
	waitDone(t, h.coord, first.JobID)
	waitDone(t, h.coord, other.JobID)

	next := h.coord.Trigger(context.Background(), ActionSignIn)
	assert.True(t, next.Accepted, "gate reopens once the job is done")
	waitDone(t, h.coord, next.JobID)
}

func TestSuccessfulSignIn(t *testing.T) {
	h := newHarness(t, nil)

	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	require.True(t, ack.Accepted)
	handle := waitDone(t, h.coord, ack.JobID)

	require.NotNil(t, handle.Attempt)
	assert.Equal(t, OutcomeSuccess, handle.Attempt.Outcome.Kind)
	assert.Equal(t, SourcePortalAPI, handle.Attempt.Source)
	assert.Equal(t, 1, handle.Attempt.Tries)
	assert.NotNil(t, handle.Attempt.FinishedAt)

	entries := h.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ack.JobID, entries[0].ID)
	assert.Equal(t, ActionSignIn, entries[0].Action)
	assert.Equal(t, 1, h.notifier.count())
}

func TestAuthenticationFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.acquirer.fn = func(context.Context, int) error {
		return AuthenticationFailure("login form rejected", nil)
	}

	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	require.True(t, ack.Accepted)
	handle := waitDone(t, h.coord, ack.JobID)

	assert.Equal(t, OutcomeAuthenticationFailed, handle.Attempt.Outcome.Kind)
	assert.Equal(t, int32(1), h.acquirer.calls.Load())
	assert.Equal(t, int32(0), h.client.calls.Load())
	assert.Len(t, h.ledger.all(), 1)
	assert.Equal(t, 1, h.notifier.count())
}

func TestSessionExpiryFromPortalIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.client.outcomes = []Outcome{{Kind: OutcomeAuthenticationFailed, Detail: "portal returned 401"}}

	ack := h.coord.Trigger(context.Background(), ActionSignOut)
	handle := waitDone(t, h.coord, ack.JobID)

	assert.Equal(t, OutcomeAuthenticationFailed, handle.Attempt.Outcome.Kind)
	assert.Equal(t, int32(1), h.client.calls.Load())
}

func TestAPIFailureRetriedUntilSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.client.outcomes = []Outcome{
		{Kind: OutcomeAPIFailure, Status: 500, Body: "boom"},
		{Kind: OutcomeAPIFailure, Status: 500, Body: "boom"},
		{Kind: OutcomeSuccess, Detail: "marked"},
	}

	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	handle := waitDone(t, h.coord, ack.JobID)

	assert.Equal(t, OutcomeSuccess, handle.Attempt.Outcome.Kind)
	assert.Equal(t, 3, handle.Attempt.Tries)
	assert.Equal(t, int32(3), h.client.calls.Load())
	assert.Equal(t, int32(3), h.acquirer.calls.Load(), "every retry uses a fresh browser session")
	assert.Len(t, h.ledger.all(), 1)
}

func TestRetryBoundIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.acquirer.fn = func(context.Context, int) error {
		return BrowserFailure("chrome crashed", errors.New("exit status 1"))
	}

	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	handle := waitDone(t, h.coord, ack.JobID)

	assert.Equal(t, OutcomeBrowserFailure, handle.Attempt.Outcome.Kind)
	assert.Contains(t, handle.Attempt.Outcome.Detail, "chrome crashed")
	assert.Equal(t, int32(3), h.acquirer.calls.Load())
	assert.Len(t, h.ledger.all(), 1)
	assert.Equal(t, 1, h.notifier.count())
}

func TestSecondSignInSameDayIsAlreadyMarked(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Now = func() time.Time { return now }
	})

	first := h.coord.Trigger(context.Background(), ActionSignIn)
	waitDone(t, h.coord, first.JobID)

	second := h.coord.Trigger(context.Background(), ActionSignIn)
	require.True(t, second.Accepted)
	handle := waitDone(t, h.coord, second.JobID)

	assert.Equal(t, OutcomeAlreadyMarked, handle.Attempt.Outcome.Kind)
	assert.Equal(t, SourceLedgerFallback, handle.Attempt.Source)
	assert.Equal(t, 0, handle.Attempt.Tries)
	assert.True(t, handle.Attempt.Duplicate)
	assert.Equal(t, int32(1), h.acquirer.calls.Load(), "no browser launch for the duplicate")
	assert.Equal(t, int32(1), h.client.calls.Load(), "no portal call for the duplicate")
	assert.Len(t, h.ledger.all(), 2)
	assert.Equal(t, 2, h.notifier.count())

	successes := 0
	for _, a := range h.ledger.all() {
		if a.Outcome.Kind == OutcomeSuccess {
			successes++
			assert.False(t, a.Duplicate, "the first success is the original")
		} else {
			assert.True(t, a.Duplicate, "the ledger short-circuit is recorded as a duplicate")
		}
	}
	assert.Equal(t, 1, successes)
}

func TestBrowserCountReturnsToBaseline(t *testing.T) {
	h := newHarness(t, nil)
	h.acquirer.fn = func(_ context.Context, call int) error {
		if call == 1 {
			return BrowserFailure("browser crashed mid-login", nil)
		}
		return nil
	}
	baseline := h.acquirer.live.Load()

	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	handle := waitDone(t, h.coord, ack.JobID)

	assert.Equal(t, OutcomeSuccess, handle.Attempt.Outcome.Kind)
	assert.Equal(t, baseline, h.acquirer.live.Load())
}

func TestStopRejectsNewTriggers(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coord.Stop(context.Background()))

	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	assert.False(t, ack.Accepted)
	assert.Equal(t, ReasonShuttingDown, ack.Reason)
	assert.False(t, h.coord.Accepting())
}

func TestStopCancelsStuckRunAndStillRecords(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Policy = RetryPolicy{MaxRetries: 0}
	})
	h.acquirer.fn = func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		return BrowserFailure("login aborted", ctx.Err())
	}

	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	require.True(t, ack.Accepted)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.coord.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, int32(0), h.acquirer.live.Load())
	entries := h.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeBrowserFailure, entries[0].Outcome.Kind)
	assert.Equal(t, 1, h.notifier.count())
}

func TestDistributedLockRejection(t *testing.T) {
	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Locker = fakeLocker{acquired: false}
	})
	ack := h.coord.Trigger(context.Background(), ActionSignIn)
	assert.False(t, ack.Accepted)
	assert.Equal(t, ReasonAlreadyRunning, ack.Reason)

	// The in-process gate must have been released.
	h.coord.locker = fakeLocker{acquired: true}
	ack = h.coord.Trigger(context.Background(), ActionSignIn)
	assert.True(t, ack.Accepted)
	waitDone(t, h.coord, ack.JobID)
}

func TestDistributedLockError(t *testing.T) {
	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Locker = fakeLocker{err: errors.New("redis down")}
	})
	ack := h.coord.Trigger(context.Background(), ActionSignOut)
	assert.False(t, ack.Accepted)
	assert.Equal(t, ReasonLockUnavailable, ack.Reason)
}

func TestFinishedJobsAreEvicted(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Now = clock
		cfg.Retention = time.Minute
	})

	first := h.coord.Trigger(context.Background(), ActionSignIn)
	waitDone(t, h.coord, first.JobID)
	latest, ok := h.coord.Latest(ActionSignIn)
	require.True(t, ok)
	assert.Equal(t, first.JobID, latest.ID)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	second := h.coord.Trigger(context.Background(), ActionSignOut)
	waitDone(t, h.coord, second.JobID)

	_, ok = h.coord.Job(first.JobID)
	assert.False(t, ok)
	_, ok = h.coord.Latest(ActionSignIn)
	assert.False(t, ok)
}

func TestUnknownActionRejected(t *testing.T) {
	h := newHarness(t, nil)
	ack := h.coord.Trigger(context.Background(), ActionKind("lunch"))
	assert.False(t, ack.Accepted)
	assert.Equal(t, "unknown_action", ack.Reason)
}
