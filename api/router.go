package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/services"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	maxFormBodyBytes = 1 * 1024 * 1024
	maxPdfBodyBytes  = 64 * 1024 * 1024
)

type Router struct {
	queuesService     *services.QueuesService
	itemsService      *services.ItemsService
	monitoringService *services.MonitoringService
	metricsEnabled    bool
}

func NewRouter(queuesService *services.QueuesService, itemsService *services.ItemsService, monitoringService *services.MonitoringService, metricsEnabled bool) *Router {
	return &Router{
		queuesService:     queuesService,
		itemsService:      itemsService,
		monitoringService: monitoringService,
		metricsEnabled:    metricsEnabled,
	}
}

func (ar *Router) NewRouter() *chi.Mux {
	router := chi.NewRouter()

	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(requestMetrics)
	router.Use(requestLogging)

	router.Get("/healthcheck", ar.healthcheck)
	if ar.metricsEnabled {
		router.Handle("/metrics", promhttp.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/queues", func(r chi.Router) {
			r.Post("/sitemap", ar.createSitemapQueue)
			r.Post("/pdf", ar.createPdfQueue)
			r.Post("/active", ar.activeQueues)
			r.Post("/status", ar.queueStatus)
			r.Post("/next", ar.fetchNextItem)
			r.Post("/complete", ar.markQueueComplete)
			r.Post("/archive", ar.archiveQueue)
			r.Post("/retry", ar.retryFailedItems)
		})
		r.Post("/items/process", ar.processItem)
	})

	return router
}

func (ar *Router) createSitemapQueue(w http.ResponseWriter, req *http.Request) {
	if !ar.parseForm(w, req) {
		return
	}

	resp, err := ar.queuesService.CreateSitemapQueue(req.PostFormValue("sitemap_url"), req.PostFormValue("bot_id"), req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, resp)
}

func (ar *Router) createPdfQueue(w http.ResponseWriter, req *http.Request) {
	var newQueue common.NewPdfQueueRequest
	err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxPdfBodyBytes)).Decode(&newQueue)
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode request body")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
		return
	}

	resp, err := ar.queuesService.CreatePdfQueue(newQueue, req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, resp)
}

func (ar *Router) activeQueues(w http.ResponseWriter, req *http.Request) {
	active, err := ar.queuesService.GetActiveQueues(req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, active)
}

func (ar *Router) queueStatus(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.requireQueueId(w, req)
	if !ok {
		return
	}

	status, err := ar.queuesService.GetStatus(queueId, req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, status)
}

func (ar *Router) fetchNextItem(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.requireQueueId(w, req)
	if !ok {
		return
	}

	result, err := ar.itemsService.FetchNext(queueId, req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, result)
}

func (ar *Router) markQueueComplete(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.requireQueueId(w, req)
	if !ok {
		return
	}

	err := ar.queuesService.MarkComplete(queueId, req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, nil)
}

func (ar *Router) archiveQueue(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.requireQueueId(w, req)
	if !ok {
		return
	}

	err := ar.queuesService.ArchiveQueue(queueId, req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, nil)
}

func (ar *Router) retryFailedItems(w http.ResponseWriter, req *http.Request) {
	queueId, ok := ar.requireQueueId(w, req)
	if !ok {
		return
	}

	resp, err := ar.queuesService.RetryFailed(queueId, req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}
	ar.sendSuccessResponse(w, resp)
}

func (ar *Router) processItem(w http.ResponseWriter, req *http.Request) {
	if !ar.parseForm(w, req) {
		return
	}

	itemId := strings.TrimSpace(req.PostFormValue("item_id"))
	if itemId == "" {
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestMissingItemId)
		return
	}

	result, err := ar.itemsService.ProcessItem(services.ProcessItemRequest{
		ItemId:   itemId,
		ItemType: req.PostFormValue("item_type"),
		ItemData: req.PostFormValue("item_data"),
		BotId:    req.PostFormValue("bot_id"),
	}, req.Context())
	if err != nil {
		ar.sendResponseFromError(w, err)
		return
	}

	// an item that failed to process is a regular answer, not a transport failure
	if !result.Success {
		ar.sendJsonResponse(w, http.StatusOK, common.Response{
			Success: false,
			Data:    common.ErrorResponse{Message: result.Error},
		})
		return
	}
	ar.sendSuccessResponse(w, common.ProcessedItemResponse{Title: result.Title})
}

func (ar *Router) healthcheck(w http.ResponseWriter, req *http.Request) {
	health := ar.monitoringService.CheckHealth(req.Context())
	if !health.Healthy {
		ar.sendJsonResponse(w, http.StatusServiceUnavailable, health)
		return
	}
	ar.sendJsonResponse(w, http.StatusOK, health)
}

func (ar *Router) parseForm(w http.ResponseWriter, req *http.Request) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBodyBytes)
	if err := req.ParseForm(); err != nil {
		log.Error().Err(err).Msg("Failed to parse form body")
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestInvalidBody)
		return false
	}
	return true
}

func (ar *Router) requireQueueId(w http.ResponseWriter, req *http.Request) (string, bool) {
	if !ar.parseForm(w, req) {
		return "", false
	}

	queueId := strings.TrimSpace(req.PostFormValue("queue_id"))
	if queueId == "" {
		ar.sendErrorResponse(w, http.StatusBadRequest, common.ErrCodeBadRequestMissingQueueId)
		return "", false
	}
	return queueId, true
}

func (ar *Router) sendSuccessResponse(w http.ResponseWriter, data any) {
	ar.sendJsonResponse(w, http.StatusOK, common.Response{Success: true, Data: data})
}

func (ar *Router) sendJsonResponse(w http.ResponseWriter, httpCode int, payload any) {
	respBody, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling response body")
		ar.sendErrorResponse(w, http.StatusInternalServerError, common.ErrCodeInternal)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	w.Write(respBody)
}

func (ar *Router) sendErrorResponse(w http.ResponseWriter, httpCode int, errCode string) {
	ar.sendJsonResponse(w, httpCode, common.Response{
		Success: false,
		Data:    common.ErrorResponse{Code: errCode, Message: errCode},
	})
}

func (ar *Router) sendResponseFromError(w http.ResponseWriter, err error) {
	var ke *common.KbqError
	if !errors.As(err, &ke) {
		ar.sendErrorResponse(w, http.StatusInternalServerError, common.ErrCodeInternal)
		return
	}

	switch {
	case ke.IsBadRequest():
		ar.sendErrorResponse(w, http.StatusBadRequest, ke.Code)
	case ke.IsNotFound():
		ar.sendErrorResponse(w, http.StatusNotFound, ke.Code)
	default:
		ar.sendErrorResponse(w, http.StatusInternalServerError, ke.Code)
	}
}
