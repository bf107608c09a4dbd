package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/n0rdy/kbq/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSitemapServer(t *testing.T) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<url><loc>https://example.com/</loc></url>
	<url><loc> https://example.com/about </loc></url>
	<url><loc>https://example.com/</loc></url>
	<url><loc>mailto:hello@example.com</loc></url>
</urlset>`)
		case "/index.xml":
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<sitemap><loc>%[1]s/posts.xml</loc></sitemap>
	<sitemap><loc>%[1]s/broken.xml</loc></sitemap>
	<sitemap><loc>%[1]s/pages.xml</loc></sitemap>
</sitemapindex>`, server.URL)
		case "/posts.xml":
			fmt.Fprint(w, `<urlset><url><loc>https://example.com/post-1</loc></url><url><loc>https://example.com/post-2</loc></url></urlset>`)
		case "/pages.xml":
			fmt.Fprint(w, `<urlset><url><loc>https://example.com/post-2</loc></url><url><loc>https://example.com/contact</loc></url></urlset>`)
		case "/html":
			fmt.Fprint(w, `<html><body>not a sitemap</body></html>`)
		case "/garbage":
			fmt.Fprint(w, `<<<`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSitemapReader_URLSet(t *testing.T) {
	server := newSitemapServer(t)
	reader := NewSitemapReader(server.Client())

	urls, err := reader.ReadURLs(server.URL+"/sitemap.xml", 100, context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/about"}, urls)
}

func TestSitemapReader_IndexOneLevelDeep(t *testing.T) {
	server := newSitemapServer(t)
	reader := NewSitemapReader(server.Client())

	urls, err := reader.ReadURLs(server.URL+"/index.xml", 100, context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/post-1",
		"https://example.com/post-2",
		"https://example.com/contact",
	}, urls)
}

func TestSitemapReader_Limit(t *testing.T) {
	server := newSitemapServer(t)
	reader := NewSitemapReader(server.Client())

	urls, err := reader.ReadURLs(server.URL+"/index.xml", 1, context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/post-1"}, urls)
}

func TestSitemapReader_Errors(t *testing.T) {
	server := newSitemapServer(t)
	reader := NewSitemapReader(server.Client())
	ctx := context.Background()

	_, err := reader.ReadURLs(server.URL+"/missing.xml", 100, ctx)
	assert.ErrorIs(t, err, common.ErrSitemapUnreachable)

	_, err = reader.ReadURLs(server.URL+"/html", 100, ctx)
	assert.ErrorIs(t, err, common.ErrSitemapInvalid)

	_, err = reader.ReadURLs(server.URL+"/garbage", 100, ctx)
	assert.ErrorIs(t, err, common.ErrSitemapInvalid)
}
