// Package news aggregates RSS headlines used as stage-1 selection
// candidates. Fetching is best-effort per feed: a dead feed is logged and
// skipped, and the aggregate fails only when every feed failed.
package news

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
	"github.com/readlevel/readlevel-backend/internal/utils"
)

const (
	defaultFeedTimeout  = 15 * time.Second
	maxItemsPerFeed     = 12
	maxDescriptionRunes = 400
	maxResponseBytes    = 4 << 20
)

type Fetcher struct {
	client *http.Client
	log    *logger.Logger
	limit  int
}

func NewFetcher(baseLog *logger.Logger) *Fetcher {
	log := baseLog.With("service", "NewsFetcher")
	timeout := time.Duration(utils.GetEnvAsInt("NEWS_FEED_TIMEOUT_SECONDS", int(defaultFeedTimeout/time.Second), log)) * time.Second
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		log:    log,
		limit:  utils.GetEnvAsInt("NEWS_MAX_ITEMS_PER_FEED", maxItemsPerFeed, log),
	}
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// FetchAggregate pulls every feed, strips HTML from descriptions, drops
// entries whose link appears in excludeLinks, and interleaves the remaining
// items round-robin so one verbose feed cannot crowd out the others.
func (f *Fetcher) FetchAggregate(ctx context.Context, topicFeeds []string, date string, excludeLinks []string) ([]types.NewsItem, error) {
	if len(topicFeeds) == 0 {
		return []types.NewsItem{}, nil
	}
	excluded := make(map[string]bool, len(excludeLinks))
	for _, link := range excludeLinks {
		excluded[link] = true
	}

	perFeed := make([][]types.NewsItem, 0, len(topicFeeds))
	var lastErr error
	for _, feedURL := range topicFeeds {
		items, err := f.fetchFeed(ctx, feedURL, excluded)
		if err != nil {
			lastErr = err
			f.log.Warn("Feed fetch failed", "feed", feedURL, "error", err)
			continue
		}
		if len(items) > 0 {
			perFeed = append(perFeed, items)
		}
	}
	if len(perFeed) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("news: all feeds failed: %w", lastErr)
		}
		return []types.NewsItem{}, nil
	}
	return interleave(perFeed), nil
}

func (f *Fetcher) fetchFeed(ctx context.Context, feedURL string, excluded map[string]bool) ([]types.NewsItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("news: build request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news: fetch %s: %w", feedURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news: fetch %s: status %d", feedURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("news: read %s: %w", feedURL, err)
	}

	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("news: parse %s: %w", feedURL, err)
	}

	items := make([]types.NewsItem, 0, len(doc.Channel.Items))
	for _, raw := range doc.Channel.Items {
		link := strings.TrimSpace(raw.Link)
		title := strings.TrimSpace(raw.Title)
		if title == "" || link == "" || excluded[link] {
			continue
		}
		items = append(items, types.NewsItem{
			FeedID:      feedURL,
			Title:       title,
			Link:        link,
			Description: cleanDescription(raw.Description),
			PublishedAt: strings.TrimSpace(raw.PubDate),
		})
		if len(items) >= f.limit {
			break
		}
	}
	return items, nil
}

// cleanDescription strips markup from an RSS description, which publishers
// routinely fill with HTML fragments, and truncates it to a prompt-friendly
// length.
func cleanDescription(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	text := raw
	if strings.ContainsAny(raw, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
		if err == nil {
			text = doc.Text()
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > maxDescriptionRunes {
		text = strings.TrimSpace(string(runes[:maxDescriptionRunes])) + "…"
	}
	return text
}

func interleave(perFeed [][]types.NewsItem) []types.NewsItem {
	total := 0
	for _, items := range perFeed {
		total += len(items)
	}
	out := make([]types.NewsItem, 0, total)
	for i := 0; len(out) < total; i++ {
		for _, items := range perFeed {
			if i < len(items) {
				out = append(out, items[i])
			}
		}
	}
	return out
}
