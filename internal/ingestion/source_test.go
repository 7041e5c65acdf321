package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

// collect drains a source, separating records, item errors and the fatal
// error if any.
func collect(t *testing.T, src Source) (recs []RawRecord, itemErrs []error, fatal error) {
	t.Helper()
	for rec, err := range src.Fetch(context.Background()) {
		switch {
		case err == nil:
			recs = append(recs, rec)
		case IsItemError(err):
			itemErrs = append(itemErrs, err)
		default:
			fatal = err
		}
	}
	return recs, itemErrs, fatal
}

func TestBulkFileSource_TopLevelArray(t *testing.T) {
	src := NewBulkReaderSource(strings.NewReader(`[{"cm_mkey":1},{"cm_mkey":2}]`))
	recs, itemErrs, fatal := collect(t, src)

	require.NoError(t, fatal)
	assert.Empty(t, itemErrs)
	assert.Len(t, recs, 2)
	assert.Equal(t, SourceBulk, src.Name())
}

func TestBulkFileSource_WrappedArray(t *testing.T) {
	for _, member := range []string{"Data", "data", "records", "Records", "items"} {
		doc := fmt.Sprintf(`{"meta":{"count":1},%q:[{"mkey":"a"}]}`, member)
		recs, _, fatal := collect(t, NewBulkReaderSource(strings.NewReader(doc)))
		require.NoError(t, fatal, member)
		assert.Len(t, recs, 1, member)
	}
}

func TestBulkFileSource_MalformedItemsAreRecoverable(t *testing.T) {
	recs, itemErrs, fatal := collect(t, NewBulkReaderSource(strings.NewReader(`[{"mkey":"a"}, 42, null, {"mkey":"b"}]`)))

	require.NoError(t, fatal)
	assert.Len(t, recs, 2)
	require.Len(t, itemErrs, 2)

	var ie *ItemError
	require.True(t, errors.As(itemErrs[0], &ie))
	assert.Equal(t, 1, ie.Index)
}

func TestBulkFileSource_FatalErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":    "",
		"garbage":  "not json",
		"no array": `{"meta":1}`,
	} {
		_, _, fatal := collect(t, NewBulkReaderSource(strings.NewReader(doc)))
		assert.Error(t, fatal, name)
	}

	_, _, fatal := collect(t, NewBulkFileSource(filepath.Join(t.TempDir(), "missing.json")))
	assert.Error(t, fatal)
}

func TestBulkFileSource_ReadsFileRepeatedly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data":[{"mkey":"a"}]}`), 0o644))

	src := NewBulkFileSource(path)
	for i := 0; i < 2; i++ {
		recs, _, fatal := collect(t, src)
		require.NoError(t, fatal)
		assert.Len(t, recs, 1)
	}
}

func TestCaseAPISource_Pagination(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []caseQuery
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var q caseQuery
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()

		var data []map[string]any
		switch q.PageNumber {
		case 1:
			data = []map[string]any{{"Mkey": "1"}, {"Mkey": "2"}}
		case 2:
			data = []map[string]any{{"Mkey": "3"}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Data": data, "TotalRecords": 3})
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC))
	src := NewCaseAPISource(srv.URL, 2, 30*24*time.Hour,
		WithCaseAPIClient(srv.Client()), WithCaseAPIClock(clock))

	recs, _, fatal := collect(t, src)
	require.NoError(t, fatal)
	assert.Len(t, recs, 3)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Equal(t, "2024-03-01", queries[0].DateFrom)
	assert.Equal(t, "2024-03-31", queries[0].DateTo)
	assert.Equal(t, 2, queries[0].PageSize)
	assert.Equal(t, 1, queries[0].PageNumber)
	assert.Equal(t, 2, queries[1].PageNumber)
}

func TestCaseAPISource_RetriesTransientFailureOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Data":[{"Mkey":"1"}],"TotalRecords":1}`))
	}))
	defer srv.Close()

	src := NewCaseAPISource(srv.URL, 10, time.Hour,
		WithCaseAPIClient(srv.Client()), WithCaseAPIRetryBackoff(time.Millisecond))

	recs, _, fatal := collect(t, src)
	require.NoError(t, fatal)
	assert.Len(t, recs, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCaseAPISource_SecondFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewCaseAPISource(srv.URL, 10, time.Hour,
		WithCaseAPIClient(srv.Client()), WithCaseAPIRetryBackoff(time.Millisecond))

	_, _, fatal := collect(t, src)
	require.Error(t, fatal)
	assert.False(t, IsItemError(fatal))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCaseAPISource_UnparseableBodyIsFatalWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	src := NewCaseAPISource(srv.URL, 10, time.Hour, WithCaseAPIClient(srv.Client()))

	_, _, fatal := collect(t, src)
	assert.Error(t, fatal)
	assert.Equal(t, int32(1), calls.Load())
}

const sampleFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Aviation investigations</title>
<item>
  <title>Cessna 172S - Location: Reno, NV</title>
  <link>https://example.org/brief.aspx?ev_id=123456&amp;key=1</link>
  <pubDate>Fri, 01 Mar 2024 00:00:00 GMT</pubDate>
  <description><![CDATA[<p>Case WPR24LA112.</p><p>The airplane   sustained <b>substantial</b> damage.</p>]]></description>
</item>
<item>
  <description>no title or link & unescaped markup <broken></description>
</item>
<item>
  <title>Piper PA-28 - Location: Calgary, AB, Canada</title>
  <link>https://example.org/brief.aspx?ev_id=654321</link>
  <pubDate>Sat, 02 Mar 2024 10:00:00 +0000</pubDate>
</item>
</channel></rss>`

func TestFeedSource_ParsesItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	src := NewFeedSource(srv.URL, WithFeedClient(srv.Client()))
	recs, itemErrs, fatal := collect(t, src)

	require.NoError(t, fatal)
	require.Len(t, recs, 2)
	require.Len(t, itemErrs, 1)

	first := recs[0]
	assert.Equal(t, "123456", first["ev_id"])
	assert.Equal(t, "Reno", first["city"])
	assert.Equal(t, "NV", first["state"])
	assert.NotContains(t, first, "country")
	assert.Equal(t, "WPR24LA112", first["caseNumber"])
	assert.Equal(t, "https://example.org/brief.aspx?ev_id=123456&key=1", first["reportUrl"])
	assert.Equal(t, "Case WPR24LA112. The airplane sustained substantial damage.", first["prelimNarrative"])

	a, err := Normalize(first, SourceFeed)
	require.NoError(t, err)
	assert.Equal(t, "123456", a.ExternalKey)
	assert.Equal(t, "2024-03-01", a.EventDate.Format("2006-01-02"))
	assert.Equal(t, "Reno", models.Deref(a.Location.City))
	assert.Equal(t, "NV", models.Deref(a.Location.Region))

	assert.Equal(t, "Canada", recs[1]["country"])
}

func TestParseFeedItem_Location(t *testing.T) {
	tests := []struct {
		title   string
		city    string
		state   string
		country string
	}{
		{"Location: Reno, NV", "Reno", "NV", ""},
		{"Location: Reno, NV - Cessna 172S", "Reno", "NV", ""},
		{"Cessna 172S - Location: Reno-Tahoe, NV; substantial", "Reno-Tahoe", "NV", ""},
		{"location:  Calgary, AB, Canada ", "Calgary", "AB", "Canada"},
		{"No place given", "", "", ""},
	}
	for _, tt := range tests {
		rec, err := parseFeedItem("<title>" + tt.title + "</title>")
		require.NoError(t, err, tt.title)

		for key, want := range map[string]string{"city": tt.city, "state": tt.state, "country": tt.country} {
			if want == "" {
				assert.NotContains(t, rec, key, tt.title)
				continue
			}
			assert.Equal(t, want, rec[key], "%s: %s", tt.title, key)
		}
	}
}

func TestFeedSource_FetchFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, fatal := collect(t, NewFeedSource(srv.URL, WithFeedClient(srv.Client())))
	require.Error(t, fatal)

	var se *StatusError
	assert.True(t, errors.As(fatal, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "a b", htmlToText("<div>a</div><div>b</div>"))
	assert.Equal(t, "x & y", htmlToText("&lt;p&gt;x &amp;amp; y&lt;/p&gt;"))
	assert.Equal(t, "", htmlToText(""))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&StatusError{Code: 503}))
	assert.True(t, isTransient(&StatusError{Code: 429}))
	assert.False(t, isTransient(&StatusError{Code: 404}))
	assert.True(t, isTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, isTransient(errors.New("decode failed")))
	assert.False(t, isTransient(nil))
}
