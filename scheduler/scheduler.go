package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"
	"github.com/n0rdy/kbq/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backend is the request/response contract of the queue server the scheduler drives.
// FetchNext must be safe for concurrent use: claiming is the server's job.
type Backend interface {
	GetStatus(queueId string, ctx context.Context) (*common.QueueStatus, error)
	FetchNext(queueId string, ctx context.Context) (*common.FetchResult, error)
	ProcessItem(item common.QueueItem, ctx context.Context) (*common.ProcessResult, error)
	MarkComplete(queueId string, ctx context.Context) error
}

// ActiveQueuesDetector reports the queues the server still has in progress, e.g. after a page reload.
type ActiveQueuesDetector interface {
	DetectActive(ctx context.Context) (*common.ActiveQueues, error)
}

// Observer receives progress and the terminal outcome. Calls come from the session goroutine,
// one at a time per session.
type Observer interface {
	OnProgress(progress Progress)
	OnTerminal(outcome Outcome)
}

type Scheduler struct {
	backend        Backend
	observer       Observer
	metricsService metrics.Service
	config         configs.SchedulerConfig
}

func NewScheduler(backend Backend, observer Observer, metricsService metrics.Service, config configs.SchedulerConfig) *Scheduler {
	if observer == nil {
		observer = noopObserver{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	return &Scheduler{
		backend:        backend,
		observer:       observer,
		metricsService: metricsService,
		config:         config,
	}
}

// Start launches a new session for the queue and returns immediately.
// Cancelling ctx stops the session like an abort, but also cancels items being processed.
func (s *Scheduler) Start(handle common.QueueHandle, ctx context.Context) *Session {
	sess := newSession(uuid.NewString(), handle)
	sess.start()

	go s.run(sess, ctx)
	return sess
}

// Run drives the queue to a terminal state and returns the outcome.
func (s *Scheduler) Run(handle common.QueueHandle, ctx context.Context) Outcome {
	return s.Start(handle, ctx).Wait()
}

// ResumeActive starts one independent session per queue the server reports as processing.
func (s *Scheduler) ResumeActive(detector ActiveQueuesDetector, ctx context.Context) ([]*Session, error) {
	active, err := detector.DetectActive(ctx)
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, handle := range active.Processing() {
		log.Info().Str("queue_id", handle.QueueId).Str("queue_type", handle.QueueType).Msg("resuming active queue")
		sessions = append(sessions, s.Start(handle, ctx))
	}
	return sessions, nil
}

type fetchedBatch struct {
	items           []common.QueueItem
	completeSignals int
	errors          int
}

type processedItem struct {
	item    common.QueueItem
	success bool
	title   string
	err     string
}

type tallies struct {
	completed int
	failed    int
	failures  []ItemFailure
}

func (s *Scheduler) run(sess *Session, ctx context.Context) {
	logger := log.With().
		Str("session_id", sess.id).
		Str("queue_id", sess.handle.QueueId).
		Str("queue_type", sess.handle.QueueType).
		Logger()
	logger.Info().Int("batch_size", s.config.BatchSize).Msg("scheduler session started")

	var t tallies
	var lastStatus *common.QueueStatus
	rounds := 0
	fetchFailures := 0
	emptyRounds := 0
	lastBatchItems := 0

	state := FetchingBatchState
	for {
		switch state {
		case FetchingBatchState:
			if sess.isAbortRequested() || ctx.Err() != nil {
				state = AbortingState
				continue
			}

			batch, ok := s.fetchBatch(sess, ctx)
			if !ok {
				state = AbortingState
				continue
			}
			rounds++
			lastBatchItems = len(batch.items)
			s.metricsService.IncBatchesTotal(sess.handle.QueueType)
			s.metricsService.ObserveBatchItems(sess.handle.QueueType, len(batch.items))

			if len(batch.items) == 0 && batch.completeSignals == 0 {
				// every single fetch failed, the server state is unknown
				fetchFailures++
				s.metricsService.IncBatchesRetriedTotal(sess.handle.QueueType, metrics.FetchFailedBatchReason)
				logger.Warn().Int("attempt", fetchFailures).Msg("fetch batch failed")

				if fetchFailures > s.config.MaxFetchRetries {
					state = VerifyingCompletionState
					continue
				}
				if !sess.sleep(s.delay(s.config.FetchRetryDelayMs), ctx) {
					state = AbortingState
				}
				continue
			}
			fetchFailures = 0

			if len(batch.items) == 0 {
				state = VerifyingCompletionState
				continue
			}

			sess.setState(ProcessingBatchState)
			results := s.processBatch(batch.items, ctx)
			progress := s.tally(&t, results)
			progress.SessionId = sess.id
			progress.Queue = sess.handle
			progress.Round = rounds
			s.observer.OnProgress(progress)

			logger.Debug().
				Int("round", rounds).
				Int("items", len(batch.items)).
				Int("complete_signals", batch.completeSignals).
				Int("fetch_errors", batch.errors).
				Int("completed", t.completed).
				Int("failed", t.failed).
				Msg("batch settled")

			if sess.isAbortRequested() {
				state = AbortingState
				continue
			}
			if len(batch.items) < s.config.BatchSize || batch.completeSignals > 0 {
				state = VerifyingCompletionState
				continue
			}
			if !sess.sleep(s.delay(s.config.BatchPauseMs), ctx) {
				state = AbortingState
				continue
			}
			state = FetchingBatchState

		case VerifyingCompletionState:
			sess.setState(VerifyingCompletionState)
			status, err := s.backend.GetStatus(sess.handle.QueueId, ctx)
			if err != nil {
				if ctx.Err() != nil {
					state = AbortingState
					continue
				}
				// never spin on an unreachable status endpoint: report completion with an unknown state instead
				logger.Warn().Err(err).Msg("completion verification failed, assuming the queue is complete")
				s.complete(sess, &t, lastStatus, rounds, false, logger, ctx)
				return
			}
			lastStatus = status
			if !status.Consistent() {
				logger.Debug().Interface("status", status).Msg("queue counters do not add up, taking them as they are")
			}

			if status.Drained() {
				s.complete(sess, &t, lastStatus, rounds, true, logger, ctx)
				return
			}

			if lastBatchItems > 0 {
				emptyRounds = 0
				state = FetchingBatchState
				continue
			}

			// the server reports work but hands none out: the items are held by someone else
			emptyRounds++
			if emptyRounds >= s.config.MaxEmptyRounds {
				logger.Warn().
					Int("pending", status.Pending).
					Int("processing", status.Processing).
					Msg("queue keeps reporting unfinished items nobody can claim, assuming it is complete")
				s.complete(sess, &t, lastStatus, rounds, false, logger, ctx)
				return
			}
			if !sess.sleep(s.delay(s.config.VerifyRetryDelayMs), ctx) {
				state = AbortingState
				continue
			}
			state = FetchingBatchState

		case AbortingState:
			sess.setState(AbortingState)
			s.abort(sess, &t, lastStatus, rounds, logger)
			return
		}
	}
}

// fetchBatch issues BatchSize concurrent fetches and waits for all of them.
// Returns false if the session got aborted before or while fetching.
func (s *Scheduler) fetchBatch(sess *Session, ctx context.Context) (*fetchedBatch, bool) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !sess.beginFetch(cancel) {
		return nil, false
	}

	type fetchOutcome struct {
		result *common.FetchResult
		err    error
	}
	outcomes := make([]fetchOutcome, s.config.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < s.config.BatchSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.backend.FetchNext(sess.handle.QueueId, fetchCtx)
			outcomes[i] = fetchOutcome{result: result, err: err}
		}(i)
	}
	wg.Wait()
	sess.endFetch()

	// claimed items of an aborted batch stay in processing until the server recovers them
	if sess.isAbortRequested() || ctx.Err() != nil {
		return nil, false
	}

	batch := &fetchedBatch{}
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			batch.errors++
			log.Debug().Err(o.err).Str("queue_id", sess.handle.QueueId).Msg("fetch failed")
		case o.result.Item != nil:
			batch.items = append(batch.items, *o.result.Item)
		case o.result.Complete:
			batch.completeSignals++
		}
	}
	return batch, true
}

// processBatch submits every item concurrently and waits until all of them settled.
// A failing item never fails the batch.
func (s *Scheduler) processBatch(items []common.QueueItem, ctx context.Context) []processedItem {
	results := make([]processedItem, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item common.QueueItem) {
			defer wg.Done()

			result, err := s.backend.ProcessItem(item, ctx)
			switch {
			case err != nil:
				results[i] = processedItem{item: item, err: err.Error()}
			case !result.Success:
				results[i] = processedItem{item: item, err: result.Error}
			default:
				results[i] = processedItem{item: item, success: true, title: result.Title}
			}
		}(i, item)
	}
	wg.Wait()

	return results
}

// tally is only called once the whole batch settled, so the tallies are never touched concurrently.
func (s *Scheduler) tally(t *tallies, results []processedItem) Progress {
	progress := Progress{BatchItems: len(results)}
	for _, r := range results {
		if r.success {
			t.completed++
			if r.title != "" {
				progress.Titles = append(progress.Titles, r.title)
			}
			continue
		}

		failure := ItemFailure{Item: r.item, Error: r.err}
		t.failed++
		t.failures = append(t.failures, failure)
		progress.Failures = append(progress.Failures, failure)
	}
	progress.Completed = t.completed
	progress.Failed = t.failed
	return progress
}

func (s *Scheduler) complete(sess *Session, t *tallies, lastStatus *common.QueueStatus, rounds int, verified bool, logger zerolog.Logger, ctx context.Context) {
	sess.setState(CompleteState)

	finalStatus := lastStatus
	status, err := s.backend.GetStatus(sess.handle.QueueId, ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to fetch final queue status")
	} else {
		finalStatus = status
	}

	// fire-and-forget: the server side is idempotent and nothing depends on the answer
	if err := s.backend.MarkComplete(sess.handle.QueueId, ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to mark queue complete")
	}

	outcome := s.outcome(sess, CompleteReason, t, finalStatus, rounds, verified)
	logger.Info().
		Int("completed", t.completed).
		Int("failed", t.failed).
		Int("rounds", rounds).
		Bool("verified", verified).
		Msg("scheduler session complete")

	s.metricsService.IncSessionsTotal(sess.handle.QueueType, metrics.CompleteOutcome)
	s.observer.OnTerminal(outcome)
	sess.finish(CompleteState, outcome)
}

func (s *Scheduler) abort(sess *Session, t *tallies, lastStatus *common.QueueStatus, rounds int, logger zerolog.Logger) {
	outcome := s.outcome(sess, AbortedReason, t, lastStatus, rounds, false)
	logger.Info().
		Int("completed", t.completed).
		Int("failed", t.failed).
		Int("rounds", rounds).
		Msg("scheduler session stopped by user")

	s.metricsService.IncSessionsTotal(sess.handle.QueueType, metrics.AbortedOutcome)
	s.observer.OnTerminal(outcome)
	sess.finish(AbortedState, outcome)
}

func (s *Scheduler) outcome(sess *Session, reason TerminalReason, t *tallies, status *common.QueueStatus, rounds int, verified bool) Outcome {
	return Outcome{
		SessionId: sess.id,
		Queue:     sess.handle,
		Reason:    reason,
		Status:    status,
		Completed: t.completed,
		Failed:    t.failed,
		Rounds:    rounds,
		Verified:  verified,
		Failures:  t.failures,
	}
}

func (s *Scheduler) delay(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type noopObserver struct{}

func (noopObserver) OnProgress(Progress) {}

func (noopObserver) OnTerminal(Outcome) {}
