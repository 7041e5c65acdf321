package ingestion

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	feedItemRe     = regexp.MustCompile(`(?is)<item\b[^>]*>(.*?)</item>`)
	feedLocationRe = regexp.MustCompile(`(?i)location:\s*(.+?)\s*(?:\s-\s|[;|<\n]|$)`)
	caseNumberRe   = regexp.MustCompile(`\b[A-Z]{3}\d{2}[A-Z]{2}\d{3}[A-Z]?\b`)
	cdataRe        = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	feedFieldRes = map[string]*regexp.Regexp{}
)

func init() {
	for _, name := range []string{"title", "link", "pubDate", "description"} {
		feedFieldRes[name] = regexp.MustCompile(`(?is)<` + name + `\b[^>]*>(.*?)</` + name + `>`)
	}
}

const maxFeedBytes = 10 << 20

type FeedOption func(*FeedSource)

func WithFeedClient(hc *http.Client) FeedOption {
	return func(s *FeedSource) { s.httpClient = hc }
}

func WithFeedRetryBackoff(d time.Duration) FeedOption {
	return func(s *FeedSource) { s.retryBackoff = d }
}

func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(s *FeedSource) { s.logger = l }
}

// FeedSource reads an RSS-style document. Items are located by pattern
// rather than parsed as XML since the upstream markup is often invalid.
type FeedSource struct {
	url          string
	httpClient   *http.Client
	retryBackoff time.Duration
	logger       *slog.Logger
}

func NewFeedSource(url string, opts ...FeedOption) *FeedSource {
	s := &FeedSource{
		url:          url,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		retryBackoff: 2 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FeedSource) Name() string { return SourceFeed }

func (s *FeedSource) Fetch(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		doc, err := retryOnce(ctx, s.retryBackoff, s.logger, "feed", s.download)
		if err != nil {
			yield(nil, fmt.Errorf("error fetching feed: %w", err))
			return
		}

		for i, m := range feedItemRe.FindAllStringSubmatch(doc, -1) {
			if ctx.Err() != nil {
				return
			}
			rec, err := parseFeedItem(m[1])
			if err != nil {
				if !yield(nil, &ItemError{Index: i, Err: err}) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *FeedSource) download(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return "", fmt.Errorf("error reading resp.Body: %w", err)
	}
	return string(body), nil
}

func parseFeedItem(item string) (RawRecord, error) {
	title := feedField(item, "title")
	link := feedField(item, "link")
	if title == "" && link == "" {
		return nil, errors.New("item has neither title nor link")
	}

	rec := RawRecord{"title": title}

	if link != "" {
		u, err := url.Parse(link)
		if err != nil {
			return nil, fmt.Errorf("invalid link %q: %w", link, err)
		}
		rec["reportUrl"] = link
		if id := u.Query().Get("ev_id"); id != "" {
			rec["ev_id"] = id
		}
	}

	if pub := feedField(item, "pubDate"); pub != "" {
		rec["pubDate"] = pub
	}

	description := htmlToText(feedRawField(item, "description"))
	if description != "" {
		rec["prelimNarrative"] = description
	}

	if m := feedLocationRe.FindStringSubmatch(title); m != nil {
		parts := strings.Split(m[1], ",")
		for i, key := range []string{"city", "state", "country"} {
			if i < len(parts) {
				if v := strings.TrimSpace(parts[i]); v != "" {
					rec[key] = v
				}
			}
		}
	}

	if cn := caseNumberRe.FindString(title + " " + description); cn != "" {
		rec["caseNumber"] = cn
	}

	return rec, nil
}

// feedRawField returns the inner markup of the first <name> element with
// CDATA sections unwrapped.
func feedRawField(item, name string) string {
	m := feedFieldRes[name].FindStringSubmatch(item)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(cdataRe.ReplaceAllString(m[1], "$1"))
}

func feedField(item, name string) string {
	return strings.TrimSpace(html.UnescapeString(feedRawField(item, name)))
}

// htmlToText flattens an HTML fragment, which may arrive entity-escaped.
func htmlToText(fragment string) string {
	if fragment == "" {
		return ""
	}
	if !strings.Contains(fragment, "<") && strings.Contains(fragment, "&lt;") {
		fragment = html.UnescapeString(fragment)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(whitespaceRe.ReplaceAllString(html.UnescapeString(fragment), " "))
	}
	doc.Find("script, style").Remove()
	doc.Find("br, p, div, li, tr, td").AfterHtml(" ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(doc.Text(), " "))
}
