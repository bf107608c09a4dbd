package common

import "math"

// QueueHandle identifies one server-held processing queue.
type QueueHandle struct {
	QueueId   string `json:"queue_id"`
	QueueType string `json:"queue_type"`
}

// QueueItem is one unit of work: one sitemap URL or one PDF page.
// Status and attempts are owned by the server, the client only ever reads them.
type QueueItem struct {
	Id           string `json:"id"`
	Type         string `json:"type"`
	Data         string `json:"data"`
	BotId        string `json:"bot_id"`
	Attempts     int    `json:"attempts,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// QueueStatus is an aggregate snapshot of a queue.
type QueueStatus struct {
	Total       int          `json:"total"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Pending     int          `json:"pending"`
	Processing  int          `json:"processing"`
	Percentage  int          `json:"percentage"`
	FailedItems []FailedItem `json:"failed_items"`
}

type FailedItem struct {
	ItemData     string `json:"item_data"`
	ErrorMessage string `json:"error_message"`
	Attempts     int    `json:"attempts"`
}

// Drained reports whether the server has nothing left to hand out or finish.
func (qs *QueueStatus) Drained() bool {
	return qs.Pending == 0 && qs.Processing == 0
}

// Consistent reports whether the counters add up. The server enforces it,
// but a snapshot taken between a claim and a status call may be off by a few.
func (qs *QueueStatus) Consistent() bool {
	return qs.Pending+qs.Processing+qs.Completed+qs.Failed == qs.Total
}

// FetchResult is the answer to "give me the next item": either an item or a completion signal.
type FetchResult struct {
	Complete bool       `json:"complete"`
	Item     *QueueItem `json:"item,omitempty"`
}

// ProcessResult is the per-item outcome. A failed item is a result, not an error.
type ProcessResult struct {
	Success bool   `json:"success"`
	Title   string `json:"title,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ActiveQueues is what the page-load detection reports for each queue type.
type ActiveQueues struct {
	SitemapQueueId string            `json:"sitemap_queue_id,omitempty"`
	SitemapStatus  *ActiveQueueState `json:"sitemap_status,omitempty"`
	PdfQueueId     string            `json:"pdf_queue_id,omitempty"`
	PdfStatus      *ActiveQueueState `json:"pdf_status,omitempty"`
}

type ActiveQueueState struct {
	Status string `json:"status"`
	QueueStatus
}

// Processing returns the handles of every queue the server still reports as processing.
func (aq *ActiveQueues) Processing() []QueueHandle {
	var handles []QueueHandle
	if aq.SitemapQueueId != "" && aq.SitemapStatus != nil && aq.SitemapStatus.Status == ProcessingQueueStatus {
		handles = append(handles, QueueHandle{QueueId: aq.SitemapQueueId, QueueType: SitemapQueueType})
	}
	if aq.PdfQueueId != "" && aq.PdfStatus != nil && aq.PdfStatus.Status == ProcessingQueueStatus {
		handles = append(handles, QueueHandle{QueueId: aq.PdfQueueId, QueueType: PdfQueueType})
	}
	return handles
}

// NewPdfQueueRequest carries pages already extracted from the uploaded document.
type NewPdfQueueRequest struct {
	BotId    string   `json:"bot_id"`
	FileName string   `json:"file_name"`
	Pages    []string `json:"pages"`
}

type NewQueueResponse struct {
	QueueId   string `json:"queue_id"`
	QueueType string `json:"queue_type"`
	Total     int    `json:"total"`
}

type ProcessedItemResponse struct {
	Title string `json:"title,omitempty"`
}

type RetriedItemsResponse struct {
	Retried int `json:"retried"`
}

// Percentage is round((completed+failed)/total*100); an empty queue is at 0%.
func Percentage(completed, failed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed+failed) / float64(total) * 100))
}
