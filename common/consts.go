package common

const (
	// queue types:
	SitemapQueueType = "sitemap"
	PdfQueueType     = "pdf"

	// item statuses:
	PendingItemStatus    = "pending"
	ProcessingItemStatus = "processing"
	CompletedItemStatus  = "completed"
	FailedItemStatus     = "failed"

	// queue statuses:
	ProcessingQueueStatus = "processing"
	CompleteQueueStatus   = "complete"
	ArchivedQueueStatus   = "archived"

	// OS:
	WindowsOS = "windows"
	LinuxOS   = "linux"
	MacOS     = "darwin"

	// reasons for an item to end up failed without reaching the processor:
	StaleProcessingFailureReason = "processing timed out"
)

var (
	SupportedQueueTypes = map[string]bool{
		SitemapQueueType: true,
		PdfQueueType:     true,
	}
)

func IsSupportedQueueType(queueType string) bool {
	return SupportedQueueTypes[queueType]
}
