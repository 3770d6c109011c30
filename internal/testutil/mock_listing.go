// Package testutil provides testing utilities for the sweep engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MockRecord is one synthetic fixture record. ID is the designated unique
// identifier; Date is an epoch-millisecond timestamp for time-window
// pagination.
type MockRecord struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Date int64  `json:"date"`
}

// plannedFailure makes the next N matching requests fail with a fixed
// status and headers before the endpoint recovers.
type plannedFailure struct {
	Status  int
	Times   int
	Headers map[string]string
}

// MockListing is a configurable mock listing endpoint backed by a static
// fixture dataset. It speaks the listing envelope: offset/limit and
// before/after pagination, filter and expand parameters, totalCount, and
// a _links.next href while more records remain.
type MockListing struct {
	server *httptest.Server

	mu       sync.Mutex
	records  []MockRecord
	failures []plannedFailure

	// Tracking
	RequestCount int
	LastQuery    url.Values
	LastAuth     string
}

// NewMockListing creates a mock listing server over n fixture records with
// ids "1".."n" and dates i*1000 ms.
func NewMockListing(n int) *MockListing {
	records := make([]MockRecord, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, MockRecord{
			ID:   strconv.Itoa(i),
			Name: fmt.Sprintf("record-%d", i),
			Date: int64(i) * 1000,
		})
	}

	mock := &MockListing{records: records}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockListing) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockListing) Close() {
	m.server.Close()
}

// Reset clears tracking counters and pending failures.
func (m *MockListing) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastQuery = nil
	m.LastAuth = ""
	m.failures = nil
}

// FailNext makes the next `times` requests fail with the given status and
// headers. Queued failures are consumed in order, one per request.
func (m *MockListing) FailNext(status, times int, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, plannedFailure{Status: status, Times: times, Headers: headers})
}

// RateLimitHeaders builds 429 headers with a reset the given duration from
// now (epoch seconds, matching the client's reset header contract).
func RateLimitHeaders(resetIn time.Duration) map[string]string {
	return map[string]string{
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(resetIn).Unix(), 10),
	}
}

// GetRequestCount returns the number of requests received.
func (m *MockListing) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

func (m *MockListing) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastQuery = r.URL.Query()
	m.LastAuth = r.Header.Get("Authorization")

	var failure *plannedFailure
	if len(m.failures) > 0 {
		f := m.failures[0]
		failure = &f
		m.failures[0].Times--
		if m.failures[0].Times <= 0 {
			m.failures = m.failures[1:]
		}
	}
	m.mu.Unlock()

	// Healthy budget headers on every response unless a failure script
	// overrides them.
	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(60*time.Second).Unix(), 10))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if failure != nil {
		for key, value := range failure.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(failure.Status)
		fmt.Fprintf(w, `{"error": "injected failure (status %d)"}`, failure.Status)
		return
	}

	q := r.URL.Query()
	offset := parseInt(q.Get("offset"), 0)
	limit := parseInt(q.Get("limit"), 20)
	after := parseInt(q.Get("after"), 0)
	before := parseInt(q.Get("before"), 0)

	// Apply the time window first, then offset/limit within it.
	filtered := m.window(after, before)

	total := int64(len(filtered))
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	page := filtered[start:end]

	body := map[string]any{
		"items":      page,
		"totalCount": total,
	}
	if end < total {
		next := *r.URL
		nq := next.Query()
		nq.Set("offset", strconv.FormatInt(end, 10))
		next.RawQuery = nq.Encode()
		body["_links"] = map[string]any{
			"next": map[string]any{"href": next.String()},
		}
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// window returns the fixture records with after <= date < before.
// Zero bounds leave that side open.
func (m *MockListing) window(after, before int64) []MockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if after == 0 && before == 0 {
		out := make([]MockRecord, len(m.records))
		copy(out, m.records)
		return out
	}

	var out []MockRecord
	for _, rec := range m.records {
		if after != 0 && rec.Date < after {
			continue
		}
		if before != 0 && rec.Date >= before {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func parseInt(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
