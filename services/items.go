package services

import (
	"context"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/db"
	"github.com/n0rdy/kbq/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ProcessItemRequest mirrors the fields the client sends for an item it claimed.
type ProcessItemRequest struct {
	ItemId   string
	ItemType string
	ItemData string
	BotId    string
}

type ItemsService struct {
	repo           *db.KbqRepo
	processors     map[string]ContentProcessor
	metricsService metrics.Service
}

func NewItemsService(repo *db.KbqRepo, processors map[string]ContentProcessor, metricsService metrics.Service) *ItemsService {
	return &ItemsService{
		repo:           repo,
		processors:     processors,
		metricsService: metricsService,
	}
}

// FetchNext claims the next pending item of the queue. Concurrent calls never get the same item,
// as the claim is a single UPDATE statement.
func (is *ItemsService) FetchNext(queueId string, ctx context.Context) (*common.FetchResult, error) {
	queue, err := is.repo.SelectQueue(queueId, ctx)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, common.ErrNotFoundQueue
	}
	if queue.Status == common.ArchivedQueueStatus {
		return &common.FetchResult{Complete: true}, nil
	}

	claimed, err := is.repo.ClaimNextItem(queueId, ctx)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return &common.FetchResult{Complete: true}, nil
	}

	is.metricsService.IncItemsClaimedTotalBy(1, claimed.Type)
	return &common.FetchResult{
		Item: &common.QueueItem{
			Id:       claimed.Id,
			Type:     claimed.Type,
			Data:     claimed.Data,
			BotId:    claimed.BotId,
			Attempts: claimed.Attempts,
		},
	}, nil
}

// ProcessItem runs the content processor for a claimed item.
// A processing failure is returned as an unsuccessful result, errors are reserved for bad requests and the server state.
func (is *ItemsService) ProcessItem(req ProcessItemRequest, ctx context.Context) (*common.ProcessResult, error) {
	item, err := is.repo.SelectItem(req.ItemId, ctx)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, common.ErrNotFoundItem
	}
	if req.ItemType != "" && req.ItemType != item.Type {
		log.Error().Str("item_id", item.Id).Str("expected", item.Type).Str("actual", req.ItemType).Msg("item type mismatch")
		return nil, common.ErrBadRequestInvalidQueueType
	}

	if item.Status == common.CompletedItemStatus {
		// a retried call whose first attempt already went through
		title := ""
		if item.Title != nil {
			title = *item.Title
		}
		log.Debug().Str("item_id", item.Id).Msg("item already completed")
		return &common.ProcessResult{Success: true, Title: title}, nil
	}
	if item.Status != common.ProcessingItemStatus {
		log.Warn().Str("item_id", item.Id).Str("status", item.Status).Msg("item is not claimed for processing")
		return nil, common.ErrBadRequestItemNotClaimed
	}

	processor, ok := is.processors[item.Type]
	if !ok {
		log.Error().Str("item_id", item.Id).Str("item_type", item.Type).Msg("no processor registered for item type")
		return nil, common.ErrBadRequestInvalidQueueType
	}

	content, procErr := processor.Process(item, ctx)
	if procErr != nil {
		return is.failItem(item, procErr.Error(), ctx)
	}

	entryId, err := uuid.NewV7()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate knowledge entry ID")
		return nil, common.ErrInternal
	}

	entry := db.NewKnowledgeEntry{
		Id:         entryId.String(),
		ItemId:     item.Id,
		BotId:      item.BotId,
		SourceType: item.Type,
		Source:     content.Source,
		Title:      content.Title,
		Content:    content.Content,
	}
	if err := is.repo.CompleteItem(item.Id, &entry, ctx); err != nil {
		return nil, err
	}

	is.metricsService.IncItemsCompletedTotalBy(1, item.Type)
	log.Debug().Str("item_id", item.Id).Str("title", content.Title).Msg("item processed")
	return &common.ProcessResult{Success: true, Title: content.Title}, nil
}

func (is *ItemsService) failItem(item *db.ItemForProcessing, errorMessage string, ctx context.Context) (*common.ProcessResult, error) {
	status, err := is.repo.FailItem(item.Id, errorMessage, ctx)
	if err != nil {
		return nil, err
	}

	final := status == common.FailedItemStatus
	is.metricsService.IncItemsFailedTotalBy(1, item.Type, final)
	log.Warn().Str("item_id", item.Id).Int("attempts", item.Attempts).Bool("final", final).Str("error", errorMessage).Msg("item processing failed")

	return &common.ProcessResult{Success: false, Error: errorMessage}, nil
}
