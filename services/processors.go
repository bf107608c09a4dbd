package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/n0rdy/kbq/db"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	userAgent           = "Mozilla/5.0 (compatible; kbq/1.0; +https://github.com/n0rdy/kbq)"
	maxPageSizeBytes    = 10 * 1024 * 1024
	maxEntryContentSize = 512 * 1024
)

var (
	errEmptyContent = errors.New("no readable content found")
)

// ProcessedContent is what ends up in the knowledge base for one item.
type ProcessedContent struct {
	Title   string
	Source  string
	Content string
}

// ContentProcessor turns one claimed item into knowledge base content.
// Returned errors are item-level failures, their message is shown to the user.
type ContentProcessor interface {
	Process(item *db.ItemForProcessing, ctx context.Context) (*ProcessedContent, error)
}

// PageProcessor fetches a sitemap URL and extracts its title and visible text.
type PageProcessor struct {
	httpClient *http.Client
}

func NewPageProcessor(httpClient *http.Client) *PageProcessor {
	return &PageProcessor{
		httpClient: httpClient,
	}
}

func (pp *PageProcessor) Process(item *db.ItemForProcessing, ctx context.Context) (*ProcessedContent, error) {
	pageURL := item.Data
	if !isHttpURL(pageURL) {
		return nil, fmt.Errorf("invalid URL: %s", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := pp.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page responded with HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return nil, fmt.Errorf("unsupported content type: %s", contentType)
	}

	title, text, err := ExtractPage(io.LimitReader(resp.Body, maxPageSizeBytes))
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = describeURL(pageURL)
	}

	return &ProcessedContent{
		Title:   title,
		Source:  pageURL,
		Content: truncate(text, maxEntryContentSize),
	}, nil
}

// ExtractPage parses an HTML document and returns its title and the visible text of its body.
func ExtractPage(r io.Reader) (string, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse page: %w", err)
	}

	var title string
	var text strings.Builder

	var walk func(n *html.Node, inBody bool)
	walk = func(n *html.Node, inBody bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Iframe:
				return
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = collapseWhitespace(n.FirstChild.Data)
				}
				return
			case atom.Body:
				inBody = true
			}
		}
		if n.Type == html.TextNode && inBody {
			if chunk := collapseWhitespace(n.Data); chunk != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(chunk)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBody)
		}
	}
	walk(doc, false)

	if text.Len() == 0 {
		return title, "", errEmptyContent
	}
	return title, text.String(), nil
}

type pdfPageData struct {
	FileName string `json:"file_name"`
	Page     int    `json:"page"`
}

// PdfPageProcessor stores the page text extracted when the PDF was uploaded.
type PdfPageProcessor struct {
}

func NewPdfPageProcessor() *PdfPageProcessor {
	return &PdfPageProcessor{}
}

func (pp *PdfPageProcessor) Process(item *db.ItemForProcessing, ctx context.Context) (*ProcessedContent, error) {
	var page pdfPageData
	if err := json.Unmarshal([]byte(item.Data), &page); err != nil {
		return nil, fmt.Errorf("invalid page data: %w", err)
	}
	if item.Content == nil {
		return nil, errEmptyContent
	}
	content := collapseWhitespace(*item.Content)
	if content == "" {
		return nil, errEmptyContent
	}

	return &ProcessedContent{
		Title:   fmt.Sprintf("%s - Page %d", page.FileName, page.Page),
		Source:  page.FileName,
		Content: truncate(content, maxEntryContentSize),
	}, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	s = s[:maxBytes]
	// don't leave half of a multi-byte rune at the end
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
