package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"
	"github.com/n0rdy/kbq/db"
	"github.com/n0rdy/kbq/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type QueuesService struct {
	repo           *db.KbqRepo
	sitemapReader  *SitemapReader
	metricsService metrics.Service
	appConfigs     *configs.AppConfigs
}

func NewQueuesService(repo *db.KbqRepo, sitemapReader *SitemapReader, metricsService metrics.Service, appConfigs *configs.AppConfigs) *QueuesService {
	return &QueuesService{
		repo:           repo,
		sitemapReader:  sitemapReader,
		metricsService: metricsService,
		appConfigs:     appConfigs,
	}
}

func (qs *QueuesService) CreateSitemapQueue(sitemapURL string, botId string, ctx context.Context) (*common.NewQueueResponse, error) {
	sitemapURL = strings.TrimSpace(sitemapURL)
	if !isHttpURL(sitemapURL) {
		log.Error().Str("sitemap_url", sitemapURL).Msg("sitemap URL is not a valid http(s) URL")
		return nil, common.ErrSitemapInvalid
	}

	urls, err := qs.sitemapReader.ReadURLs(sitemapURL, qs.appConfigs.MaxItemsPerQueue, ctx)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		log.Error().Str("sitemap_url", sitemapURL).Msg("sitemap has no page URLs")
		return nil, common.ErrBadRequestNoItems
	}

	items := make([]db.NewQueueItem, 0, len(urls))
	for _, pageURL := range urls {
		items = append(items, db.NewQueueItem{Data: pageURL})
	}
	return qs.createQueue(common.SitemapQueueType, botId, sitemapURL, items, ctx)
}

func (qs *QueuesService) CreatePdfQueue(req common.NewPdfQueueRequest, ctx context.Context) (*common.NewQueueResponse, error) {
	if len(req.Pages) > qs.appConfigs.MaxItemsPerQueue {
		log.Error().Int("pages", len(req.Pages)).Msg("PDF has more pages than a queue may hold")
		return nil, common.ErrBadRequestTooManyItems
	}

	var items []db.NewQueueItem
	for i, pageText := range req.Pages {
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		if len(pageText) > qs.appConfigs.MaxItemDataSizeBytes {
			log.Error().Int("page", i+1).Int("size", len(pageText)).Msg("PDF page text exceeds limit")
			return nil, common.ErrBadRequestItemTooLarge
		}

		data, err := json.Marshal(pdfPageData{FileName: req.FileName, Page: i + 1})
		if err != nil {
			log.Error().Err(err).Msg("failed to encode PDF page data")
			return nil, common.ErrInternal
		}
		content := pageText
		items = append(items, db.NewQueueItem{Data: string(data), Content: &content})
	}
	if len(items) == 0 {
		log.Error().Str("file_name", req.FileName).Msg("PDF has no pages with text")
		return nil, common.ErrBadRequestNoItems
	}

	return qs.createQueue(common.PdfQueueType, req.BotId, req.FileName, items, ctx)
}

func (qs *QueuesService) createQueue(queueType string, botId string, source string, items []db.NewQueueItem, ctx context.Context) (*common.NewQueueResponse, error) {
	queueId, err := uuid.NewV7()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate new queue ID")
		return nil, common.ErrInternal
	}

	for i := range items {
		itemId, err := uuid.NewV7()
		if err != nil {
			log.Error().Err(err).Msg("failed to generate new item ID")
			return nil, common.ErrInternal
		}
		items[i].Id = itemId.String()
	}

	newQueue := db.NewQueue{
		Id:        queueId.String(),
		Type:      queueType,
		BotId:     botId,
		Source:    source,
		CreatedAt: time.Now().UnixMilli(),
		Items:     items,
	}
	if err := qs.repo.InsertQueue(&newQueue, ctx); err != nil {
		return nil, err
	}

	qs.metricsService.IncItemsCreatedTotalBy(int64(len(items)), queueType)
	log.Info().Str("queue_id", newQueue.Id).Str("queue_type", queueType).Int("items", len(items)).Msg("queue created")

	return &common.NewQueueResponse{
		QueueId:   newQueue.Id,
		QueueType: queueType,
		Total:     len(items),
	}, nil
}

func (qs *QueuesService) GetStatus(queueId string, ctx context.Context) (*common.QueueStatus, error) {
	queue, err := qs.repo.SelectQueue(queueId, ctx)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, common.ErrNotFoundQueue
	}
	return qs.buildStatus(queueId, ctx)
}

func (qs *QueuesService) buildStatus(queueId string, ctx context.Context) (*common.QueueStatus, error) {
	counts, err := qs.repo.SelectQueueCounts(queueId, ctx)
	if err != nil {
		return nil, err
	}

	failedItems, err := qs.repo.SelectFailedItems(queueId, ctx)
	if err != nil {
		return nil, err
	}

	status := &common.QueueStatus{
		Total:       counts.Total,
		Completed:   counts.Completed,
		Failed:      counts.Failed,
		Pending:     counts.Pending,
		Processing:  counts.Processing,
		Percentage:  common.Percentage(counts.Completed, counts.Failed, counts.Total),
		FailedItems: make([]common.FailedItem, 0, len(failedItems)),
	}
	for _, fi := range failedItems {
		status.FailedItems = append(status.FailedItems, common.FailedItem{
			ItemData:     fi.Data,
			ErrorMessage: fi.ErrorMessage,
			Attempts:     fi.Attempts,
		})
	}
	return status, nil
}

// MarkComplete is idempotent: repeated calls leave the queue exactly as the first one did.
func (qs *QueuesService) MarkComplete(queueId string, ctx context.Context) error {
	queue, err := qs.repo.SelectQueue(queueId, ctx)
	if err != nil {
		return err
	}
	if queue == nil {
		return common.ErrNotFoundQueue
	}
	return qs.repo.MarkQueueComplete(queueId, ctx)
}

// GetActiveQueues reports the latest non-archived queue of each type, so a reloaded page can resume it.
func (qs *QueuesService) GetActiveQueues(ctx context.Context) (*common.ActiveQueues, error) {
	active := &common.ActiveQueues{}

	for _, queueType := range []string{common.SitemapQueueType, common.PdfQueueType} {
		queue, err := qs.repo.SelectLatestQueue(queueType, ctx)
		if err != nil {
			return nil, err
		}
		if queue == nil {
			continue
		}

		status, err := qs.buildStatus(queue.Id, ctx)
		if err != nil {
			return nil, err
		}

		state := &common.ActiveQueueState{
			Status:      common.ProcessingQueueStatus,
			QueueStatus: *status,
		}
		if status.Drained() {
			state.Status = common.CompleteQueueStatus
		}

		switch queueType {
		case common.SitemapQueueType:
			active.SitemapQueueId = queue.Id
			active.SitemapStatus = state
		case common.PdfQueueType:
			active.PdfQueueId = queue.Id
			active.PdfStatus = state
		}
	}
	return active, nil
}

func (qs *QueuesService) ArchiveQueue(queueId string, ctx context.Context) error {
	err := qs.repo.ArchiveQueue(queueId, ctx)
	if err != nil {
		return err
	}
	log.Info().Str("queue_id", queueId).Msg("queue archived")
	return nil
}

// RetryFailed resets failed items of the queue to pending, so that the scheduler can be started again.
func (qs *QueuesService) RetryFailed(queueId string, ctx context.Context) (*common.RetriedItemsResponse, error) {
	queue, err := qs.repo.SelectQueue(queueId, ctx)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, common.ErrNotFoundQueue
	}

	retried, err := qs.repo.ResetFailedItems(queueId, ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Str("queue_id", queueId).Int64("items", retried).Msg("failed items reset for retry")
	return &common.RetriedItemsResponse{Retried: int(retried)}, nil
}
