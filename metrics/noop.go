package metrics

type NoopMetricsService struct {
}

func newNoopMetricsService() *NoopMetricsService {
	return &NoopMetricsService{}
}

func (nms *NoopMetricsService) IncItemsCreatedTotalBy(count int64, queueType string) {
	// no-op
}

func (nms *NoopMetricsService) IncItemsClaimedTotalBy(count int64, queueType string) {
	// no-op
}

func (nms *NoopMetricsService) IncItemsCompletedTotalBy(count int64, queueType string) {
	// no-op
}

func (nms *NoopMetricsService) IncItemsFailedTotalBy(count int64, queueType string, final bool) {
	// no-op
}

func (nms *NoopMetricsService) IncItemsStaleRecoveredTotalBy(count int64) {
	// no-op
}

func (nms *NoopMetricsService) IncQueuesArchivedTotalBy(count int64) {
	// no-op
}

func (nms *NoopMetricsService) SetQueueDepth(queueType string, pending int64, processing int64) {
	// no-op
}

func (nms *NoopMetricsService) IncBatchesTotal(queueType string) {
	// no-op
}

func (nms *NoopMetricsService) IncBatchesRetriedTotal(queueType string, reason string) {
	// no-op
}

func (nms *NoopMetricsService) ObserveBatchItems(queueType string, items int) {
	// no-op
}

func (nms *NoopMetricsService) IncSessionsTotal(queueType string, outcome string) {
	// no-op
}
