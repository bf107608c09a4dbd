package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/n0rdy/kbq/common"

	"github.com/rs/zerolog/log"
)

const (
	maxSitemapSizeBytes = 50 * 1024 * 1024 // sitemaps.org limit for an uncompressed sitemap
)

type sitemapDocument struct {
	XMLName  xml.Name
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// SitemapReader collects page URLs from a sitemap. A sitemap index is followed one level deep.
type SitemapReader struct {
	httpClient *http.Client
}

func NewSitemapReader(httpClient *http.Client) *SitemapReader {
	return &SitemapReader{
		httpClient: httpClient,
	}
}

// ReadURLs returns the deduplicated page URLs in document order, at most limit of them.
func (sr *SitemapReader) ReadURLs(sitemapURL string, limit int, ctx context.Context) ([]string, error) {
	doc, err := sr.fetch(sitemapURL, ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var urls []string
	collect := func(locs []sitemapLoc) {
		for _, loc := range locs {
			if len(urls) >= limit {
				return
			}
			pageURL := strings.TrimSpace(loc.Loc)
			if !isHttpURL(pageURL) {
				continue
			}
			if _, ok := seen[pageURL]; ok {
				continue
			}
			seen[pageURL] = struct{}{}
			urls = append(urls, pageURL)
		}
	}

	collect(doc.URLs)

	for _, child := range doc.Sitemaps {
		if len(urls) >= limit {
			break
		}
		childURL := strings.TrimSpace(child.Loc)
		if !isHttpURL(childURL) {
			continue
		}
		childDoc, err := sr.fetch(childURL, ctx)
		if err != nil {
			// one broken child sitemap should not lose the rest of the index
			log.Warn().Err(err).Str("sitemap_url", childURL).Msg("skipping unreadable child sitemap")
			continue
		}
		collect(childDoc.URLs)
	}

	return urls, nil
}

func (sr *SitemapReader) fetch(sitemapURL string, ctx context.Context) (*sitemapDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		log.Error().Err(err).Str("sitemap_url", sitemapURL).Msg("failed to create sitemap request")
		return nil, common.ErrSitemapInvalid
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := sr.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("sitemap_url", sitemapURL).Msg("failed to fetch sitemap")
		return nil, common.ErrSitemapUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("sitemap_url", sitemapURL).Msg("sitemap responded with non-OK status")
		return nil, common.ErrSitemapUnreachable
	}

	var doc sitemapDocument
	err = xml.NewDecoder(io.LimitReader(resp.Body, maxSitemapSizeBytes)).Decode(&doc)
	if err != nil {
		log.Error().Err(err).Str("sitemap_url", sitemapURL).Msg("failed to decode sitemap")
		return nil, common.ErrSitemapInvalid
	}
	if doc.XMLName.Local != "urlset" && doc.XMLName.Local != "sitemapindex" {
		log.Error().Str("root", doc.XMLName.Local).Str("sitemap_url", sitemapURL).Msg("unexpected sitemap root element")
		return nil, common.ErrSitemapInvalid
	}
	return &doc, nil
}

func isHttpURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func describeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return fmt.Sprintf("%s%s", u.Host, u.EscapedPath())
}
