package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

type caseQuery struct {
	DateFrom   string `json:"dateFrom"`
	DateTo     string `json:"dateTo"`
	PageSize   int    `json:"pageSize"`
	PageNumber int    `json:"pageNumber"`
	Sort       string `json:"sort"`
}

type casePage struct {
	Data         []RawRecord `json:"Data"`
	TotalRecords int         `json:"TotalRecords"`
}

type CaseAPIOption func(*CaseAPISource)

func WithCaseAPIClient(hc *http.Client) CaseAPIOption {
	return func(s *CaseAPISource) { s.httpClient = hc }
}

func WithCaseAPIClock(c clockwork.Clock) CaseAPIOption {
	return func(s *CaseAPISource) { s.clock = c }
}

func WithCaseAPIRetryBackoff(d time.Duration) CaseAPIOption {
	return func(s *CaseAPISource) { s.retryBackoff = d }
}

func WithCaseAPILogger(l *slog.Logger) CaseAPIOption {
	return func(s *CaseAPISource) { s.logger = l }
}

// CaseAPISource pages through the case-query API for events in the
// lookback window ending now.
type CaseAPISource struct {
	url          string
	pageSize     int
	lookback     time.Duration
	httpClient   *http.Client
	clock        clockwork.Clock
	retryBackoff time.Duration
	logger       *slog.Logger
}

func NewCaseAPISource(url string, pageSize int, lookback time.Duration, opts ...CaseAPIOption) *CaseAPISource {
	if pageSize < 1 {
		pageSize = 100
	}
	s := &CaseAPISource{
		url:          url,
		pageSize:     pageSize,
		lookback:     lookback,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		clock:        clockwork.NewRealClock(),
		retryBackoff: 2 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CaseAPISource) Name() string { return SourceCaseAPI }

func (s *CaseAPISource) Fetch(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		now := s.clock.Now().UTC()
		query := caseQuery{
			DateFrom: now.Add(-s.lookback).Format("2006-01-02"),
			DateTo:   now.Format("2006-01-02"),
			PageSize: s.pageSize,
			Sort:     "EventDate",
		}

		for page := 1; ; page++ {
			query.PageNumber = page
			result, err := retryOnce(ctx, s.retryBackoff, s.logger, "caseapi page", func(ctx context.Context) (casePage, error) {
				return s.fetchPage(ctx, query)
			})
			if err != nil {
				yield(nil, fmt.Errorf("error fetching case page %d: %w", page, err))
				return
			}

			s.logger.Debug("fetched case page", "page", page, "count", len(result.Data), "total", result.TotalRecords)

			for _, rec := range result.Data {
				if !yield(rec, nil) {
					return
				}
			}
			if len(result.Data) < s.pageSize {
				return
			}
		}
	}
}

func (s *CaseAPISource) fetchPage(ctx context.Context, query caseQuery) (casePage, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return casePage{}, fmt.Errorf("error encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return casePage{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return casePage{}, fmt.Errorf("error doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return casePage{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var page casePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return casePage{}, fmt.Errorf("error decoding resp.Body: %w", err)
	}
	return page, nil
}
