package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"
	"github.com/n0rdy/kbq/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueueId = "0199a1f2-7c3e-7b4d-9a10-5f2c3d4e5f60"

type fakeItem struct {
	common.QueueItem
	status string
}

// fakeBackend is an in-memory queue server with the same claim and retry rules as the real one.
type fakeBackend struct {
	mu          sync.Mutex
	items       []*fakeItem
	failing     map[string]bool
	maxAttempts int

	statusErr    error
	fetchHook    func(ctx context.Context) error
	processHook  func(item common.QueueItem)
	processDelay time.Duration

	fetchCalls    atomic.Int64
	processCalls  atomic.Int64
	statusCalls   atomic.Int64
	completeCalls atomic.Int64

	inFlightProcess    atomic.Int64
	maxInFlightProcess atomic.Int64
	fetchWhileProcess  atomic.Bool
}

func newFakeBackend(data ...string) *fakeBackend {
	fb := &fakeBackend{
		failing:     map[string]bool{},
		maxAttempts: 3,
	}
	for i, d := range data {
		fb.items = append(fb.items, &fakeItem{
			QueueItem: common.QueueItem{
				Id:    fmt.Sprintf("item-%d", i),
				Type:  common.SitemapQueueType,
				Data:  d,
				BotId: "bot-1",
			},
			status: common.PendingItemStatus,
		})
	}
	return fb
}

func (fb *fakeBackend) GetStatus(queueId string, ctx context.Context) (*common.QueueStatus, error) {
	fb.statusCalls.Add(1)
	if fb.statusErr != nil {
		return nil, fb.statusErr
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	status := &common.QueueStatus{Total: len(fb.items)}
	for _, item := range fb.items {
		switch item.status {
		case common.PendingItemStatus:
			status.Pending++
		case common.ProcessingItemStatus:
			status.Processing++
		case common.CompletedItemStatus:
			status.Completed++
		case common.FailedItemStatus:
			status.Failed++
			status.FailedItems = append(status.FailedItems, common.FailedItem{
				ItemData:     item.Data,
				ErrorMessage: item.ErrorMessage,
				Attempts:     item.Attempts,
			})
		}
	}
	status.Percentage = common.Percentage(status.Completed, status.Failed, status.Total)
	return status, nil
}

func (fb *fakeBackend) FetchNext(queueId string, ctx context.Context) (*common.FetchResult, error) {
	fb.fetchCalls.Add(1)
	if fb.inFlightProcess.Load() > 0 {
		fb.fetchWhileProcess.Store(true)
	}
	if fb.fetchHook != nil {
		if err := fb.fetchHook(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, item := range fb.items {
		if item.status == common.PendingItemStatus {
			item.status = common.ProcessingItemStatus
			item.Attempts++
			claimed := item.QueueItem
			return &common.FetchResult{Item: &claimed}, nil
		}
	}
	return &common.FetchResult{Complete: true}, nil
}

func (fb *fakeBackend) ProcessItem(item common.QueueItem, ctx context.Context) (*common.ProcessResult, error) {
	fb.processCalls.Add(1)
	inFlight := fb.inFlightProcess.Add(1)
	defer fb.inFlightProcess.Add(-1)
	for {
		current := fb.maxInFlightProcess.Load()
		if inFlight <= current || fb.maxInFlightProcess.CompareAndSwap(current, inFlight) {
			break
		}
	}

	if fb.processHook != nil {
		fb.processHook(item)
	}
	if fb.processDelay > 0 {
		time.Sleep(fb.processDelay)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, stored := range fb.items {
		if stored.Id != item.Id {
			continue
		}
		if fb.failing[stored.Data] {
			stored.ErrorMessage = "HTTP 500 from " + stored.Data
			if stored.Attempts >= fb.maxAttempts {
				stored.status = common.FailedItemStatus
			} else {
				stored.status = common.PendingItemStatus
			}
			return &common.ProcessResult{Success: false, Error: stored.ErrorMessage}, nil
		}
		stored.status = common.CompletedItemStatus
		return &common.ProcessResult{Success: true, Title: "Title of " + stored.Data}, nil
	}
	return nil, errors.New("unknown item")
}

func (fb *fakeBackend) MarkComplete(queueId string, ctx context.Context) error {
	fb.completeCalls.Add(1)
	return nil
}

type recordingObserver struct {
	mu        sync.Mutex
	progress  []Progress
	terminals []Outcome
}

func (ro *recordingObserver) OnProgress(progress Progress) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.progress = append(ro.progress, progress)
}

func (ro *recordingObserver) OnTerminal(outcome Outcome) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.terminals = append(ro.terminals, outcome)
}

func testConfig(batchSize int) configs.SchedulerConfig {
	return configs.SchedulerConfig{
		BatchSize:       batchSize,
		MaxFetchRetries: 2,
		MaxEmptyRounds:  3,
	}
}

func sitemapHandle() common.QueueHandle {
	return common.QueueHandle{QueueId: testQueueId, QueueType: common.SitemapQueueType}
}

func pages(n int) []string {
	var data []string
	for i := 1; i <= n; i++ {
		data = append(data, fmt.Sprintf("https://example.com/page-%d", i))
	}
	return data
}

func waitOutcome(t *testing.T, sess *Session) Outcome {
	t.Helper()
	select {
	case <-sess.Done():
		return sess.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reach a terminal state")
		return Outcome{}
	}
}

func TestRun_SevenItemsInTwoRounds(t *testing.T) {
	backend := newFakeBackend(pages(7)...)
	observer := &recordingObserver{}
	s := NewScheduler(backend, observer, metrics.NewMetricsService(false), testConfig(5))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 7, outcome.Completed)
	assert.Equal(t, 0, outcome.Failed)
	assert.Equal(t, 2, outcome.Rounds)
	assert.Equal(t, int64(10), backend.fetchCalls.Load())
	assert.Equal(t, int64(7), backend.processCalls.Load())
	assert.Equal(t, int64(1), backend.completeCalls.Load())

	require.NotNil(t, outcome.Status)
	assert.Equal(t, 7, outcome.Status.Completed)
	assert.Equal(t, 100, outcome.Status.Percentage)

	require.Len(t, observer.progress, 2)
	assert.Equal(t, 5, observer.progress[0].BatchItems)
	assert.Equal(t, 5, observer.progress[0].Completed)
	assert.Len(t, observer.progress[0].Titles, 5)
	assert.Equal(t, 2, observer.progress[1].BatchItems)
	assert.Equal(t, 7, observer.progress[1].Completed)
	require.Len(t, observer.terminals, 1)
	assert.Equal(t, outcome, observer.terminals[0])
}

func TestRun_NeverOverlapsFetchAndProcessing(t *testing.T) {
	backend := newFakeBackend(pages(23)...)
	backend.processDelay = 5 * time.Millisecond
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(4))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.Equal(t, 23, outcome.Completed)
	assert.LessOrEqual(t, backend.maxInFlightProcess.Load(), int64(4))
	assert.False(t, backend.fetchWhileProcess.Load())
}

func TestRun_FailingItemIsRetriedByTheServer(t *testing.T) {
	backend := newFakeBackend("https://example.com/a", "https://example.com/broken", "https://example.com/c")
	backend.failing["https://example.com/broken"] = true
	observer := &recordingObserver{}
	s := NewScheduler(backend, observer, metrics.NewMetricsService(false), testConfig(5))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 2, outcome.Completed)
	// one failed attempt per delivery
	assert.Equal(t, 3, outcome.Failed)
	assert.Equal(t, 3, outcome.Rounds)
	require.Len(t, outcome.Failures, 3)
	assert.Equal(t, "https://example.com/broken", outcome.Failures[0].Item.Data)
	assert.Equal(t, "HTTP 500 from https://example.com/broken", outcome.Failures[0].Error)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, 2, outcome.Status.Completed)
	assert.Equal(t, 1, outcome.Status.Failed)
	require.Len(t, outcome.Status.FailedItems, 1)
	assert.Equal(t, 3, outcome.Status.FailedItems[0].Attempts)
}

func TestRun_OneFailureInAFullBatch(t *testing.T) {
	backend := newFakeBackend(pages(6)...)
	backend.maxAttempts = 1
	backend.failing["https://example.com/page-2"] = true
	observer := &recordingObserver{}
	s := NewScheduler(backend, observer, metrics.NewMetricsService(false), testConfig(5))

	outcome := s.Run(sitemapHandle(), context.Background())

	require.Len(t, observer.progress, 2)
	first := observer.progress[0]
	assert.Equal(t, 5, first.BatchItems)
	assert.Equal(t, 4, first.Completed)
	assert.Equal(t, 1, first.Failed)
	require.Len(t, first.Failures, 1)
	assert.Equal(t, "https://example.com/page-2", first.Failures[0].Item.Data)

	// the failure does not stop the next batch
	assert.Equal(t, 1, observer.progress[1].BatchItems)
	assert.Equal(t, 5, observer.progress[1].Completed)
	assert.Equal(t, 1, observer.progress[1].Failed)

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 2, outcome.Rounds)
	require.NotNil(t, outcome.Status)
	assert.Equal(t, 5, outcome.Status.Completed)
	assert.Equal(t, 1, outcome.Status.Failed)
}

func TestRun_RoundsStayWithinBound(t *testing.T) {
	tests := []struct {
		items  int
		rounds int
	}{
		// an exact multiple needs one more round that fetches nothing
		{items: 5, rounds: 2},
		{items: 10, rounds: 3},
		{items: 7, rounds: 2},
		{items: 1, rounds: 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d items", tt.items), func(t *testing.T) {
			backend := newFakeBackend(pages(tt.items)...)
			s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(5))

			outcome := s.Run(sitemapHandle(), context.Background())

			assert.Equal(t, CompleteReason, outcome.Reason)
			assert.Equal(t, tt.items, outcome.Completed)
			assert.Equal(t, tt.rounds, outcome.Rounds)
			assert.LessOrEqual(t, outcome.Rounds, (tt.items+4)/5+1)
		})
	}
}

func TestRun_VerificationFailureWithItemsPending(t *testing.T) {
	backend := newFakeBackend(pages(5)...)
	var fetches atomic.Int64
	backend.fetchHook = func(ctx context.Context) error {
		if fetches.Add(1) > 3 {
			return errors.New("timeout")
		}
		return nil
	}
	backend.statusErr = errors.New("connection refused")
	observer := &recordingObserver{}
	s := NewScheduler(backend, observer, metrics.NewMetricsService(false), testConfig(5))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.False(t, outcome.Verified)
	assert.Nil(t, outcome.Status)
	assert.Equal(t, 3, outcome.Completed)
	assert.Equal(t, 1, outcome.Rounds)
	assert.Equal(t, int64(5), backend.fetchCalls.Load())
	assert.Equal(t, int64(1), backend.completeCalls.Load())
	require.Len(t, observer.terminals, 1)

	// the session ended although the server still holds unfinished work
	backend.statusErr = nil
	status, err := backend.GetStatus(testQueueId, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 0, status.Processing)
}

func TestRun_EmptyQueueCompletesAfterOneRound(t *testing.T) {
	backend := newFakeBackend()
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(5))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 1, outcome.Rounds)
	assert.Equal(t, int64(0), backend.processCalls.Load())
	assert.Equal(t, int64(1), backend.completeCalls.Load())
}

func TestRun_VerificationFailureCompletesUnverified(t *testing.T) {
	backend := newFakeBackend(pages(3)...)
	backend.statusErr = errors.New("connection refused")
	observer := &recordingObserver{}
	s := NewScheduler(backend, observer, metrics.NewMetricsService(false), testConfig(5))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.False(t, outcome.Verified)
	assert.Nil(t, outcome.Status)
	assert.Equal(t, 3, outcome.Completed)
	assert.Equal(t, int64(1), backend.completeCalls.Load())
	require.Len(t, observer.terminals, 1)
}

func TestRun_ItemsHeldElsewhereEndUnverified(t *testing.T) {
	backend := newFakeBackend(pages(2)...)
	// claimed by another tab that never reports back
	backend.items[1].status = common.ProcessingItemStatus
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(5))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.False(t, outcome.Verified)
	assert.Equal(t, 1, outcome.Completed)
	// the round that processed the free item, then one per empty verification
	assert.Equal(t, 4, outcome.Rounds)
	require.NotNil(t, outcome.Status)
	assert.Equal(t, 1, outcome.Status.Processing)
}

func TestRun_FailedFetchBatchesEndInVerification(t *testing.T) {
	backend := newFakeBackend(pages(2)...)
	backend.fetchHook = func(ctx context.Context) error {
		return errors.New("503 service unavailable")
	}
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(3))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.False(t, outcome.Verified)
	assert.Equal(t, 0, outcome.Completed)
	assert.Equal(t, int64(0), backend.processCalls.Load())
	assert.GreaterOrEqual(t, backend.statusCalls.Load(), int64(3))
}

func TestRun_FetchErrorsInAPartialBatchAreIgnored(t *testing.T) {
	backend := newFakeBackend(pages(4)...)
	var calls atomic.Int64
	backend.fetchHook = func(ctx context.Context) error {
		if calls.Add(1)%2 == 0 {
			return errors.New("timeout")
		}
		return nil
	}
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(4))

	outcome := s.Run(sitemapHandle(), context.Background())

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 4, outcome.Completed)
}

func TestSession_AbortWhileProcessingLetsTheBatchFinish(t *testing.T) {
	backend := newFakeBackend(pages(7)...)
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	backend.processHook = func(item common.QueueItem) {
		started <- struct{}{}
		<-release
	}
	observer := &recordingObserver{}
	s := NewScheduler(backend, observer, metrics.NewMetricsService(false), testConfig(5))

	sess := s.Start(sitemapHandle(), context.Background())
	<-started
	assert.Equal(t, ProcessingBatchState, sess.State())

	sess.Abort()
	close(release)
	outcome := waitOutcome(t, sess)

	assert.Equal(t, AbortedReason, outcome.Reason)
	assert.Equal(t, 5, outcome.Completed)
	assert.Equal(t, 1, outcome.Rounds)
	assert.Equal(t, int64(5), backend.fetchCalls.Load())
	assert.Equal(t, int64(0), backend.completeCalls.Load())
	assert.Equal(t, AbortedState, sess.State())
	assert.False(t, sess.IsRunning())
	require.Len(t, observer.terminals, 1)
	assert.Equal(t, AbortedReason, observer.terminals[0].Reason)
}

func TestSession_AbortWhileFetchingCancelsTheBatch(t *testing.T) {
	backend := newFakeBackend(pages(7)...)
	fetching := make(chan struct{}, 10)
	backend.fetchHook = func(ctx context.Context) error {
		fetching <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(5))

	sess := s.Start(sitemapHandle(), context.Background())
	<-fetching
	sess.Abort()
	outcome := waitOutcome(t, sess)

	assert.Equal(t, AbortedReason, outcome.Reason)
	assert.Equal(t, 0, outcome.Completed)
	assert.Equal(t, 0, outcome.Rounds)
	assert.Equal(t, int64(0), backend.processCalls.Load())
	assert.Equal(t, int64(0), backend.completeCalls.Load())
	assert.Equal(t, int64(0), backend.statusCalls.Load())
}

func TestSession_CancelledContextAborts(t *testing.T) {
	backend := newFakeBackend(pages(7)...)
	ctx, cancel := context.WithCancel(context.Background())
	backend.fetchHook = func(fetchCtx context.Context) error {
		cancel()
		return nil
	}
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(5))

	outcome := waitOutcome(t, s.Start(sitemapHandle(), ctx))

	assert.Equal(t, AbortedReason, outcome.Reason)
	assert.Equal(t, int64(0), backend.completeCalls.Load())
}

func TestSession_AbortAfterTerminalIsANoop(t *testing.T) {
	backend := newFakeBackend(pages(2)...)
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(5))

	sess := s.Start(sitemapHandle(), context.Background())
	outcome := waitOutcome(t, sess)
	sess.Abort()

	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.Equal(t, CompleteState, sess.State())
	assert.Equal(t, outcome, sess.Wait())
}

func TestSession_BatchPauseIsInterruptedByAbort(t *testing.T) {
	backend := newFakeBackend(pages(12)...)
	config := testConfig(5)
	config.BatchPauseMs = 60 * 1000
	observer := &recordingObserver{}
	s := NewScheduler(backend, observer, metrics.NewMetricsService(false), config)

	sess := s.Start(sitemapHandle(), context.Background())
	require.Eventually(t, func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return len(observer.progress) == 1
	}, 5*time.Second, 5*time.Millisecond)

	sess.Abort()
	outcome := waitOutcome(t, sess)

	assert.Equal(t, AbortedReason, outcome.Reason)
	assert.Equal(t, 5, outcome.Completed)
}

type fakeDetector struct {
	active *common.ActiveQueues
	err    error
}

func (fd *fakeDetector) DetectActive(ctx context.Context) (*common.ActiveQueues, error) {
	return fd.active, fd.err
}

func TestResumeActive_StartsOneSessionPerProcessingQueue(t *testing.T) {
	backend := newFakeBackend(pages(3)...)
	s := NewScheduler(backend, nil, metrics.NewMetricsService(false), testConfig(5))

	detector := &fakeDetector{active: &common.ActiveQueues{
		SitemapQueueId: testQueueId,
		SitemapStatus:  &common.ActiveQueueState{Status: common.ProcessingQueueStatus},
		PdfQueueId:     "0199a1f2-0000-7000-8000-000000000000",
		PdfStatus:      &common.ActiveQueueState{Status: common.CompleteQueueStatus},
	}}

	sessions, err := s.ResumeActive(detector, context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sitemapHandle(), sessions[0].Handle())

	outcome := waitOutcome(t, sessions[0])
	assert.Equal(t, CompleteReason, outcome.Reason)
	assert.Equal(t, 3, outcome.Completed)
}

func TestResumeActive_DetectionError(t *testing.T) {
	s := NewScheduler(newFakeBackend(), nil, metrics.NewMetricsService(false), testConfig(5))

	sessions, err := s.ResumeActive(&fakeDetector{err: errors.New("boom")}, context.Background())
	assert.Error(t, err)
	assert.Empty(t, sessions)
}
