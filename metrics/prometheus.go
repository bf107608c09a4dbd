package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusMetricsService struct {
	itemsCreatedTotal        *prometheus.CounterVec
	itemsClaimedTotal        *prometheus.CounterVec
	itemsCompletedTotal      *prometheus.CounterVec
	itemsFailedTotal         *prometheus.CounterVec
	itemsStaleRecoveredTotal prometheus.Counter
	queuesArchivedTotal      prometheus.Counter
	queueDepth               *prometheus.GaugeVec
	batchesTotal             *prometheus.CounterVec
	batchesRetriedTotal      *prometheus.CounterVec
	batchItems               *prometheus.HistogramVec
	sessionsTotal            *prometheus.CounterVec
}

func newPrometheusMetricsService() *PrometheusMetricsService {
	return &PrometheusMetricsService{
		itemsCreatedTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbq_items_created_total",
				Help: "Total number of queue items created by sitemap and PDF imports",
			},
			[]string{"queue_type"},
		)),

		itemsClaimedTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbq_items_claimed_total",
				Help: "Total number of queue items handed out for processing. Note, an item may be claimed more than once",
			},
			[]string{"queue_type"},
		)),

		itemsCompletedTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbq_items_completed_total",
				Help: "Total number of queue items processed successfully",
			},
			[]string{"queue_type"},
		)),

		// final=true means the item ran out of attempts, final=false means it went back to pending
		itemsFailedTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbq_items_failed_total",
				Help: "Total number of failed processing attempts",
			},
			[]string{"queue_type", "final"},
		)),

		// no queue type label here, as the recovery is a single UPDATE performed by the background job
		itemsStaleRecoveredTotal: register(prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kbq_items_stale_recovered_total",
				Help: "Total number of items released after staying in processing for too long",
			},
		)),

		queuesArchivedTotal: register(prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kbq_queues_archived_total",
				Help: "Total number of completed queues archived automatically",
			},
		)),

		queueDepth: register(prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kbq_queue_depth",
				Help: "Current number of unfinished items across non-archived queues",
			},
			[]string{"queue_type", "status"},
		)),

		batchesTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbq_scheduler_batches_total",
				Help: "Total number of fetch batches dispatched by the scheduler",
			},
			[]string{"queue_type"},
		)),

		batchesRetriedTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbq_scheduler_batches_retried_total",
				Help: "Total number of fetch batches the scheduler had to retry",
			},
			[]string{"queue_type", "reason"},
		)),

		batchItems: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kbq_scheduler_batch_items",
				Help:    "Number of items a fetch batch came back with",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
			[]string{"queue_type"},
		)),

		sessionsTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbq_scheduler_sessions_total",
				Help: "Total number of scheduler sessions by terminal outcome",
			},
			[]string{"queue_type", "outcome"},
		)),
	}
}

func (pms *PrometheusMetricsService) IncItemsCreatedTotalBy(count int64, queueType string) {
	pms.itemsCreatedTotal.WithLabelValues(queueType).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncItemsClaimedTotalBy(count int64, queueType string) {
	pms.itemsClaimedTotal.WithLabelValues(queueType).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncItemsCompletedTotalBy(count int64, queueType string) {
	pms.itemsCompletedTotal.WithLabelValues(queueType).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncItemsFailedTotalBy(count int64, queueType string, final bool) {
	pms.itemsFailedTotal.WithLabelValues(queueType, strconv.FormatBool(final)).Add(float64(count))
}

func (pms *PrometheusMetricsService) IncItemsStaleRecoveredTotalBy(count int64) {
	pms.itemsStaleRecoveredTotal.Add(float64(count))
}

func (pms *PrometheusMetricsService) IncQueuesArchivedTotalBy(count int64) {
	pms.queuesArchivedTotal.Add(float64(count))
}

func (pms *PrometheusMetricsService) SetQueueDepth(queueType string, pending int64, processing int64) {
	pms.queueDepth.WithLabelValues(queueType, "pending").Set(float64(pending))
	pms.queueDepth.WithLabelValues(queueType, "processing").Set(float64(processing))
}

func (pms *PrometheusMetricsService) IncBatchesTotal(queueType string) {
	pms.batchesTotal.WithLabelValues(queueType).Inc()
}

func (pms *PrometheusMetricsService) IncBatchesRetriedTotal(queueType string, reason string) {
	pms.batchesRetriedTotal.WithLabelValues(queueType, reason).Inc()
}

func (pms *PrometheusMetricsService) ObserveBatchItems(queueType string, items int) {
	pms.batchItems.WithLabelValues(queueType).Observe(float64(items))
}

func (pms *PrometheusMetricsService) IncSessionsTotal(queueType string, outcome string) {
	pms.sessionsTotal.WithLabelValues(queueType, outcome).Inc()
}

// register reuses the already registered collector, so creating the service twice in one process does not panic.
func register[T prometheus.Collector](collector T) T {
	err := prometheus.Register(collector)
	if err == nil {
		return collector
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}
