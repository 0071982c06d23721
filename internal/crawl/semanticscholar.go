package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"horse.fit/bibshelf/internal/keyword"
	"horse.fit/bibshelf/internal/record"
)

const defaultSemanticScholarBase = "https://api.semanticscholar.org/graph/v1"

// SemanticScholarSource searches the Semantic Scholar Graph API. The
// free tier is heavily throttled, so the limiter here matters more than
// for the RSS feeds.
type SemanticScholarSource struct {
	client    *http.Client
	limiter   *rate.Limiter
	baseURL   string
	userAgent string
}

func NewSemanticScholarSource(client *http.Client, userAgent string, requestsPerSec float64) *SemanticScholarSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if requestsPerSec <= 0 {
		requestsPerSec = 1
	}
	return &SemanticScholarSource{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSec), 1),
		baseURL:   defaultSemanticScholarBase,
		userAgent: userAgent,
	}
}

func (s *SemanticScholarSource) Type() string { return SourceSemanticScholar }

func (s *SemanticScholarSource) Meta() SourceMeta {
	return SourceMeta{
		Type:        SourceSemanticScholar,
		DisplayName: "Semantic Scholar",
		Description: "Search papers via the Semantic Scholar Graph API",
		ConfigFields: []ConfigField{
			{
				Name:        "query",
				Label:       "Search Query",
				FieldType:   "text",
				Required:    true,
				Description: "Keywords to search for in paper titles and abstracts",
			},
			{
				Name:        "fields_of_study",
				Label:       "Fields of Study",
				FieldType:   "multiselect",
				Options:     semanticScholarFieldsOfStudy,
				Description: "Filter by academic discipline (leave empty for all)",
			},
			{
				Name:        "year",
				Label:       "Year Range",
				FieldType:   "text",
				Description: `e.g. "2024" or "2023-2025" or "2024-"`,
			},
			{
				Name:        "min_citation_count",
				Label:       "Min Citations",
				FieldType:   "number",
				Description: "Minimum citation count (0 = no filter)",
			},
			{
				Name:      "max_results",
				Label:     "Max Papers",
				FieldType: "number",
			},
			{
				Name:        "keywords",
				Label:       "Local Filter Keywords",
				FieldType:   "keywords",
				Description: "Additional local filtering on results",
			},
		},
		SupportedSchedules: []string{ScheduleDaily, ScheduleWeekly, ScheduleMonthly},
	}
}

var semanticScholarFieldsOfStudy = []string{
	"Computer Science", "Mathematics", "Physics", "Biology", "Medicine",
	"Chemistry", "Engineering", "Materials Science", "Environmental Science",
	"Economics", "Business", "Political Science", "Psychology", "Sociology",
	"Linguistics", "Philosophy", "Geography", "History", "Art", "Education",
}

type s2SearchResponse struct {
	Total int       `json:"total"`
	Data  []s2Paper `json:"data"`
}

type s2Paper struct {
	PaperID     string  `json:"paperId"`
	Title       string  `json:"title"`
	Abstract    *string `json:"abstract"`
	Venue       string  `json:"venue"`
	Year        *int    `json:"year"`
	URL         string  `json:"url"`
	ExternalIDs struct {
		ArXiv *string `json:"ArXiv"`
		DOI   *string `json:"DOI"`
	} `json:"externalIds"`
	OpenAccessPDF *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

func (s *SemanticScholarSource) Fetch(ctx context.Context, cfg Config, since time.Time) ([]record.Candidate, []record.EntryError, error) {
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, nil, fmt.Errorf("semantic_scholar config has no query")
	}

	limit := cfg.MaxResults
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	params := url.Values{}
	params.Set("query", cfg.Query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("fields", "title,abstract,venue,year,url,externalIds,openAccessPdf,authors")
	if len(cfg.FieldsOfStudy) > 0 {
		params.Set("fieldsOfStudy", strings.Join(cfg.FieldsOfStudy, ","))
	}
	if cfg.MinCitationCount > 0 {
		params.Set("minCitationCount", strconv.Itoa(cfg.MinCitationCount))
	}
	// An explicit year range replaces the lookback-derived window.
	if cfg.Year != "" {
		params.Set("year", cfg.Year)
	} else {
		params.Set("publicationDateOrYear", since.UTC().Format("2006-01-02")+":")
	}

	requestURL := s.baseURL + "/paper/search?" + params.Encode()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build search request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("search request returned status %d", resp.StatusCode)
	}

	var payload s2SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("decode search response: %w", err)
	}

	filter := keyword.Compile(cfg.Keywords)

	var (
		candidates  []record.Candidate
		entryErrors []record.EntryError
	)
	for _, paper := range payload.Data {
		cand, err := candidateFromS2Paper(paper)
		if err != nil {
			entryErrors = append(entryErrors, record.EntryError{
				EntryID: "s2:" + paper.PaperID,
				Reason:  err.Error(),
			})
			continue
		}
		if !filter.Match(cand.SearchableText()) {
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates, entryErrors, nil
}

func candidateFromS2Paper(paper s2Paper) (record.Candidate, error) {
	title := strings.TrimSpace(paper.Title)
	if title == "" {
		return record.Candidate{}, fmt.Errorf("paper has no title")
	}

	cand := record.Candidate{
		EntryID: "s2:" + paper.PaperID,
		Title:   title,
		Venue:   paper.Venue,
	}
	if paper.Abstract != nil {
		cand.Abstract = strings.TrimSpace(*paper.Abstract)
	}
	if paper.Year != nil {
		cand.Year = *paper.Year
	}
	for _, author := range paper.Authors {
		if name := strings.TrimSpace(author.Name); name != "" {
			cand.Authors = append(cand.Authors, name)
		}
	}
	if paper.ExternalIDs.ArXiv != nil {
		cand.ArxivID = record.NormalizeArxivID(*paper.ExternalIDs.ArXiv)
		if cand.ArxivID != "" {
			cand.URLArxiv = "https://arxiv.org/abs/" + cand.ArxivID
			cand.URLPDF = "https://arxiv.org/pdf/" + cand.ArxivID
		}
	}
	if paper.ExternalIDs.DOI != nil {
		cand.DOI = record.NormalizeDOI(*paper.ExternalIDs.DOI)
	}
	if paper.OpenAccessPDF != nil && paper.OpenAccessPDF.URL != "" {
		cand.URLPDF = paper.OpenAccessPDF.URL
	}
	if cand.URLProject == "" && paper.URL != "" {
		cand.URLProject = paper.URL
	}
	cand.ResolveStatus()
	return cand, nil
}
