package db

type NewQueue struct {
	Id        string
	Type      string
	BotId     string
	Source    string
	CreatedAt int64
	Items     []NewQueueItem
}

type NewQueueItem struct {
	Id      string
	Data    string
	Content *string // pre-extracted text, only PDF pages carry it
}

type ItemForProcessing struct {
	Id       string
	QueueId  string
	Type     string
	Data     string
	Content  *string
	BotId    string
	Status   string
	Attempts int
	Title    *string
}

type ClaimedItem struct {
	Id       string
	Type     string
	Data     string
	BotId    string
	Attempts int
}

type QueueMetadata struct {
	Id          string
	Type        string
	BotId       string
	Source      string
	Status      string
	Total       int
	CreatedAt   int64
	CompletedAt *int64
}

type QueueCounts struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

type FailedItem struct {
	Data         string
	ErrorMessage string
	Attempts     int
}

type QueueDepth struct {
	QueueType  string
	Pending    int
	Processing int
}

type NewKnowledgeEntry struct {
	Id         string
	ItemId     string
	BotId      string
	SourceType string
	Source     string
	Title      string
	Content    string
	CreatedAt  int64
}
