package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/n0rdy/kbq/client"
	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"
	"github.com/n0rdy/kbq/db"
	"github.com/n0rdy/kbq/metrics"
	"github.com/n0rdy/kbq/progress"
	"github.com/n0rdy/kbq/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer lets the presenter write from the session goroutines while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.String()
}

// newWebsite serves a sitemap with the given number of pages, plus one page that always fails.
func newWebsite(t *testing.T, pages int) *httptest.Server {
	t.Helper()

	var site *httptest.Server
	site = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sitemap.xml":
			var sb strings.Builder
			sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
			for i := 1; i <= pages; i++ {
				fmt.Fprintf(&sb, `<url><loc>%s/page-%d</loc></url>`, site.URL, i)
			}
			fmt.Fprintf(&sb, `<url><loc>%s/broken</loc></url></urlset>`, site.URL)
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, sb.String())
		case strings.HasPrefix(r.URL.Path, "/page-"):
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><title>Page %s</title></head><body><p>Content of %s</p></body></html>`,
				strings.TrimPrefix(r.URL.Path, "/page-"), r.URL.Path)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(site.Close)
	return site
}

func newKbqServer(t *testing.T, appConfigs *configs.AppConfigs) *httptest.Server {
	t.Helper()

	repo, err := db.NewSQLiteRepo(filepath.Join(t.TempDir(), "kbq.db"), appConfigs)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.Migrate())

	router := NewServerRouter(repo, metrics.NewMetricsService(false), appConfigs)
	server := httptest.NewServer(router.NewRouter())
	t.Cleanup(server.Close)
	return server
}

func TestImportSitemapEndToEnd(t *testing.T) {
	site := newWebsite(t, 7)
	appConfigs := configs.NewAppConfig()
	appConfigs.SchedulerConfig.BatchPauseMs = 0
	server := newKbqServer(t, appConfigs)

	appConfigs.ClientConfig.BaseURL = server.URL
	kbqClient := client.NewClientWithHTTPClient(appConfigs.ClientConfig, server.Client())
	out := &syncBuffer{}
	presenter := progress.NewPresenter(out, true)
	s := scheduler.NewScheduler(kbqClient, presenter, metrics.NewMetricsService(false), appConfigs.SchedulerConfig)
	ctx := context.Background()

	created, err := kbqClient.CreateSitemapQueue(site.URL+"/sitemap.xml", "bot-1", ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, created.Total)

	outcome := s.Run(common.QueueHandle{QueueId: created.QueueId, QueueType: created.QueueType}, ctx)

	assert.Equal(t, scheduler.CompleteReason, outcome.Reason)
	assert.True(t, outcome.Verified)
	assert.Equal(t, 7, outcome.Completed)
	// the broken page is delivered until the server gives up on it
	assert.Equal(t, appConfigs.MaxDeliveryAttempts, outcome.Failed)

	require.NotNil(t, outcome.Status)
	assert.Equal(t, 8, outcome.Status.Total)
	assert.Equal(t, 7, outcome.Status.Completed)
	assert.Equal(t, 1, outcome.Status.Failed)
	assert.Equal(t, 100, outcome.Status.Percentage)
	require.Len(t, outcome.Status.FailedItems, 1)
	assert.Equal(t, site.URL+"/broken", outcome.Status.FailedItems[0].ItemData)
	assert.Equal(t, "page responded with HTTP 500", outcome.Status.FailedItems[0].ErrorMessage)

	printed := out.String()
	assert.Contains(t, printed, "+ Page 1")
	assert.Contains(t, printed, "complete: 7 processed, 3 failed")
	assert.Contains(t, printed, site.URL+"/broken: page responded with HTTP 500 (attempts: 3)")

	// the queue was marked complete, so nothing is left to resume
	sessions, err := s.ResumeActive(kbqClient, ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestResumeEndToEnd(t *testing.T) {
	site := newWebsite(t, 4)
	appConfigs := configs.NewAppConfig()
	appConfigs.SchedulerConfig.BatchPauseMs = 0
	appConfigs.SchedulerConfig.BatchSize = 2
	server := newKbqServer(t, appConfigs)

	appConfigs.ClientConfig.BaseURL = server.URL
	kbqClient := client.NewClientWithHTTPClient(appConfigs.ClientConfig, server.Client())
	ctx := context.Background()

	sitemapQueue, err := kbqClient.CreateSitemapQueue(site.URL+"/sitemap.xml", "bot-1", ctx)
	require.NoError(t, err)
	pdfQueue, err := kbqClient.CreatePdfQueue(common.NewPdfQueueRequest{
		BotId:    "bot-1",
		FileName: "handbook",
		Pages:    []string{"Welcome", "Chapter one", "Chapter two"},
	}, ctx)
	require.NoError(t, err)

	s := scheduler.NewScheduler(kbqClient, nil, metrics.NewMetricsService(false), appConfigs.SchedulerConfig)
	sessions, err := s.ResumeActive(kbqClient, ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	outcomes := map[string]scheduler.Outcome{}
	for _, sess := range sessions {
		outcome := sess.Wait()
		outcomes[outcome.Queue.QueueType] = outcome
	}

	assert.Equal(t, sitemapQueue.QueueId, outcomes[common.SitemapQueueType].Queue.QueueId)
	assert.Equal(t, 4, outcomes[common.SitemapQueueType].Completed)
	assert.Equal(t, pdfQueue.QueueId, outcomes[common.PdfQueueType].Queue.QueueId)
	assert.Equal(t, 3, outcomes[common.PdfQueueType].Completed)
	for _, outcome := range outcomes {
		assert.Equal(t, scheduler.CompleteReason, outcome.Reason)
		assert.True(t, outcome.Verified)
	}

	active, err := kbqClient.DetectActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.CompleteQueueStatus, active.SitemapStatus.Status)
	assert.Equal(t, common.CompleteQueueStatus, active.PdfStatus.Status)
}

func TestAbortEndToEndLeavesQueueResumable(t *testing.T) {
	site := newWebsite(t, 10)
	appConfigs := configs.NewAppConfig()
	appConfigs.SchedulerConfig.BatchPauseMs = 0
	appConfigs.SchedulerConfig.BatchSize = 3
	server := newKbqServer(t, appConfigs)

	appConfigs.ClientConfig.BaseURL = server.URL
	kbqClient := client.NewClientWithHTTPClient(appConfigs.ClientConfig, server.Client())
	ctx := context.Background()

	created, err := kbqClient.CreateSitemapQueue(site.URL+"/sitemap.xml", "bot-1", ctx)
	require.NoError(t, err)

	observer := &abortAfterFirstBatch{ready: make(chan *scheduler.Session, 1)}
	s := scheduler.NewScheduler(kbqClient, observer, metrics.NewMetricsService(false), appConfigs.SchedulerConfig)
	sess := s.Start(common.QueueHandle{QueueId: created.QueueId, QueueType: created.QueueType}, ctx)
	observer.ready <- sess
	outcome := sess.Wait()

	assert.Equal(t, scheduler.AbortedReason, outcome.Reason)
	assert.Equal(t, 3, outcome.Completed)

	status, err := kbqClient.GetStatus(created.QueueId, ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Completed)
	assert.Equal(t, 8, status.Pending)
	assert.Equal(t, 0, status.Processing)

	// picking up where the aborted session stopped
	outcome = scheduler.NewScheduler(kbqClient, nil, metrics.NewMetricsService(false), appConfigs.SchedulerConfig).
		Run(common.QueueHandle{QueueId: created.QueueId, QueueType: created.QueueType}, ctx)
	assert.Equal(t, scheduler.CompleteReason, outcome.Reason)
	assert.Equal(t, 7, outcome.Completed)
}

// abortAfterFirstBatch presses stop as soon as the first batch settled.
type abortAfterFirstBatch struct {
	ready chan *scheduler.Session
	once  sync.Once
}

func (a *abortAfterFirstBatch) OnProgress(progress scheduler.Progress) {
	a.once.Do(func() {
		(<-a.ready).Abort()
	})
}

func (a *abortAfterFirstBatch) OnTerminal(outcome scheduler.Outcome) {}
