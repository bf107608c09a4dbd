package metrics

const (
	CompleteOutcome = "complete"
	AbortedOutcome  = "aborted"

	FetchFailedBatchReason = "fetch_failed"
)

type Service interface {
	// server side
	IncItemsCreatedTotalBy(count int64, queueType string)
	IncItemsClaimedTotalBy(count int64, queueType string)
	IncItemsCompletedTotalBy(count int64, queueType string)
	IncItemsFailedTotalBy(count int64, queueType string, final bool)
	IncItemsStaleRecoveredTotalBy(count int64)
	IncQueuesArchivedTotalBy(count int64)
	SetQueueDepth(queueType string, pending int64, processing int64)

	// scheduler side
	IncBatchesTotal(queueType string)
	IncBatchesRetriedTotal(queueType string, reason string)
	ObserveBatchItems(queueType string, items int)
	IncSessionsTotal(queueType string, outcome string)
}

func NewMetricsService(metricsEnabled bool) Service {
	if metricsEnabled {
		return newPrometheusMetricsService()
	}
	return newNoopMetricsService()
}
