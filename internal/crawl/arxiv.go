package crawl

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"horse.fit/bibshelf/internal/keyword"
	"horse.fit/bibshelf/internal/record"
)

const defaultArxivFeedBase = "https://rss.arxiv.org/rss"

// ArxivSource pulls announcements from the arXiv RSS feeds, one feed per
// category. Requests are rate limited; arXiv asks crawlers to stay polite.
type ArxivSource struct {
	parser   *gofeed.Parser
	limiter  *rate.Limiter
	feedBase string
}

func NewArxivSource(client *http.Client, userAgent string, requestsPerSec float64) *ArxivSource {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	if userAgent != "" {
		parser.UserAgent = userAgent
	}
	if requestsPerSec <= 0 {
		requestsPerSec = 1
	}
	return &ArxivSource{
		parser:   parser,
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSec), 1),
		feedBase: defaultArxivFeedBase,
	}
}

func (s *ArxivSource) Type() string { return SourceArxivRSS }

func (s *ArxivSource) Meta() SourceMeta {
	return SourceMeta{
		Type:        SourceArxivRSS,
		DisplayName: "arXiv RSS",
		Description: "Subscribe to daily new papers by arXiv category",
		ConfigFields: []ConfigField{
			{
				Name:        "categories",
				Label:       "Categories",
				FieldType:   "multiselect",
				Required:    true,
				Description: "arXiv category codes, e.g. cs.CL",
			},
			{
				Name:        "feed_url",
				Label:       "Feed URL",
				FieldType:   "text",
				Description: "Explicit feed URL; overrides categories",
			},
			{
				Name:        "keywords",
				Label:       "Filter Keywords",
				FieldType:   "keywords",
				Description: "Only include papers whose title/abstract matches (leave empty for all)",
			},
			{
				Name:      "max_results",
				Label:     "Max Papers",
				FieldType: "number",
			},
		},
		SupportedSchedules: []string{ScheduleDaily},
	}
}

// Fetch reads every configured feed, keeps items published since the
// cutoff that pass the keyword filter, and de-duplicates across
// overlapping categories by arXiv ID.
func (s *ArxivSource) Fetch(ctx context.Context, cfg Config, since time.Time) ([]record.Candidate, []record.EntryError, error) {
	urls := s.feedURLs(cfg)
	if len(urls) == 0 {
		return nil, nil, fmt.Errorf("arxiv_rss config has neither categories nor feed_url")
	}
	filter := keyword.Compile(cfg.Keywords)

	var (
		candidates  []record.Candidate
		entryErrors []record.EntryError
		seen        = map[string]struct{}{}
		fetched     int
	)

	for _, feedURL := range urls {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}

		feed, err := s.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			entryErrors = append(entryErrors, record.EntryError{
				EntryID: feedURL,
				Reason:  fmt.Sprintf("fetch feed: %v", err),
			})
			continue
		}
		fetched++

		for _, item := range feed.Items {
			if cfg.MaxResults > 0 && len(candidates) >= cfg.MaxResults {
				break
			}
			if item.PublishedParsed != nil && item.PublishedParsed.Before(since) {
				continue
			}

			cand, err := candidateFromArxivItem(item)
			if err != nil {
				entryErrors = append(entryErrors, record.EntryError{
					EntryID: itemRef(item),
					Reason:  err.Error(),
				})
				continue
			}
			if _, dup := seen[cand.ArxivID]; dup {
				continue
			}
			if !filter.Match(cand.SearchableText()) {
				continue
			}
			seen[cand.ArxivID] = struct{}{}
			candidates = append(candidates, cand)
		}
	}

	if fetched == 0 {
		return nil, entryErrors, fmt.Errorf("all %d arxiv feeds failed", len(urls))
	}
	return candidates, entryErrors, nil
}

func (s *ArxivSource) feedURLs(cfg Config) []string {
	if strings.TrimSpace(cfg.FeedURL) != "" {
		return []string{strings.TrimSpace(cfg.FeedURL)}
	}
	urls := make([]string, 0, len(cfg.Categories))
	for _, category := range cfg.Categories {
		category = strings.TrimSpace(category)
		if category == "" {
			continue
		}
		urls = append(urls, s.feedBase+"/"+category)
	}
	return urls
}

func candidateFromArxivItem(item *gofeed.Item) (record.Candidate, error) {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return record.Candidate{}, fmt.Errorf("item has no title")
	}

	arxivID := record.NormalizeArxivID(item.Link)
	if arxivID == "" {
		arxivID = record.NormalizeArxivID(item.GUID)
	}
	if arxivID == "" {
		arxivID = record.NormalizeArxivID(item.Description)
	}
	if arxivID == "" {
		return record.Candidate{}, fmt.Errorf("item has no recognizable arXiv ID")
	}

	cand := record.Candidate{
		EntryID:  "arxiv:" + arxivID,
		Title:    title,
		Authors:  arxivAuthors(item),
		Venue:    "arXiv",
		Abstract: arxivAbstract(item.Description),
		ArxivID:  arxivID,
		URLArxiv: "https://arxiv.org/abs/" + arxivID,
		URLPDF:   "https://arxiv.org/pdf/" + arxivID,
		Status:   record.StatusAccessible,
	}
	if item.PublishedParsed != nil {
		cand.Year = item.PublishedParsed.UTC().Year()
	}
	return cand, nil
}

func arxivAuthors(item *gofeed.Item) []string {
	names := make([]string, 0, len(item.Authors))
	for _, author := range item.Authors {
		// One feed author may pack several names separated by commas.
		for _, part := range strings.Split(author.Name, ",") {
			if name := strings.TrimSpace(part); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// arxivAbstract strips the announcement preamble the arXiv feeds prepend
// to each description ("arXiv:NNNN.NNNNN Announce Type: new Abstract: ...").
func arxivAbstract(description string) string {
	text := strings.TrimSpace(description)
	if idx := strings.Index(text, "Abstract:"); idx >= 0 {
		text = strings.TrimSpace(text[idx+len("Abstract:"):])
	}
	return text
}

func itemRef(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	if item.GUID != "" {
		return item.GUID
	}
	return item.Title
}
