package loader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mkarlsen/ragline/internal/models"
)

type WebLoaderConfig struct {
	BaseURL           string
	MaxDepth          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	OnProgress        func(url string)
	Logger            *logrus.Logger
}

// WebLoader crawls same-host pages starting from a base URL and turns
// each page into an ingestable Document.
type WebLoader struct {
	config   WebLoaderConfig
	client   *http.Client
	visited  map[string]bool
	limiter  *rate.Limiter
	baseHost string
	logger   *logrus.Logger
}

func NewWebLoader(config WebLoaderConfig) (*WebLoader, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, err
	}

	return &WebLoader{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		visited:  make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseHost: parsedURL.Host,
		logger:   config.Logger,
	}, nil
}

func (l *WebLoader) Load(ctx context.Context) ([]models.Document, error) {
	var documents []models.Document
	err := l.loadRecursive(ctx, l.config.BaseURL, 0, &documents)
	return documents, err
}

func (l *WebLoader) loadRecursive(ctx context.Context, urlStr string, depth int, documents *[]models.Document) error {
	if depth > l.config.MaxDepth || l.visited[urlStr] {
		return nil
	}
	if !l.shouldProcessURL(urlStr) {
		return nil
	}

	l.visited[urlStr] = true
	if l.config.OnProgress != nil {
		l.config.OnProgress(urlStr)
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, urlStr)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return err
	}

	content := l.extractMainContent(doc)
	title := doc.Find("title").Text()

	*documents = append(*documents, models.Document{
		// Same URL, same document id: re-ingesting a crawl upserts.
		ID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte(urlStr)).String(),
		Content: content,
		Source:  urlStr,
		Metadata: map[string]any{
			"title":        title,
			"depth":        depth,
			"contentType":  resp.Header.Get("Content-Type"),
			"lastModified": resp.Header.Get("Last-Modified"),
		},
	})

	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, exists := selection.Attr("href")
		if !exists {
			return
		}

		absoluteURL, err := url.Parse(href)
		if err != nil {
			l.logger.WithError(err).Debug("skipping unparseable link")
			return
		}
		if !absoluteURL.IsAbs() {
			base, err := url.Parse(urlStr)
			if err != nil {
				return
			}
			absoluteURL = base.ResolveReference(absoluteURL)
		}

		if err := l.loadRecursive(ctx, absoluteURL.String(), depth+1, documents); err != nil {
			l.logger.WithError(err).WithField("url", absoluteURL.String()).Warn("failed to load page")
		}
	})

	return nil
}

func (l *WebLoader) shouldProcessURL(urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	if parsedURL.Host != l.baseHost {
		return false
	}

	path := strings.ToLower(parsedURL.Path)
	validExt := false
	for _, allowedExt := range l.config.AllowedExtensions {
		if strings.HasSuffix(path, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	for _, pattern := range l.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}
	return true
}

func (l *WebLoader) extractMainContent(doc *goquery.Document) string {
	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}
	if content == "" {
		content = doc.Find("body").Text()
	}
	return cleanContent(content)
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")

	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return strings.TrimSpace(content)
}
