package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sweephq/sweep/internal/testutil"
	"github.com/sweephq/sweep/pkg/client"
	"github.com/sweephq/sweep/pkg/partition"
	"github.com/sweephq/sweep/pkg/progress"
)

func newTestHarvester(t *testing.T, mock *testutil.MockListing) *Harvester {
	t.Helper()

	cfg := client.DefaultConfig(mock.URL(), "test-token")
	cfg.TransientWait = 10 * time.Millisecond
	fetcher, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return New(fetcher)
}

// drain consumes the stream to exhaustion and returns the yielded ids.
func drain(t *testing.T, ctx context.Context, stream *Stream) []string {
	t.Helper()

	var ids []string
	for stream.Next(ctx) {
		id := gjson.GetBytes(stream.Record(), "_id")
		if !id.Exists() {
			t.Fatalf("Yielded record has no _id: %s", stream.Record())
		}
		ids = append(ids, id.String())
	}
	return ids
}

func sorted(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i])
		b, _ := strconv.Atoi(out[j])
		return a < b
	})
	return out
}

func TestRun_FullSweep(t *testing.T) {
	// 500 records, page size 50, P=10: every record exactly once.
	mock := testutil.NewMockListing(500)
	defer mock.Close()

	h := newTestHarvester(t, mock)
	ctx := context.Background()

	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/items",
		Concurrency: 10,
		PageSize:    50,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	ids := drain(t, ctx, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(ids) != 500 {
		t.Fatalf("Got %d records, want 500", len(ids))
	}
	for i, id := range sorted(ids) {
		if want := strconv.Itoa(i + 1); id != want {
			t.Fatalf("Sorted id at %d = %q, want %q", i, id, want)
		}
	}

	unique, duplicates := stream.Stats()
	if unique != 500 {
		t.Errorf("Stats unique = %d, want 500", unique)
	}
	if duplicates != 0 {
		t.Errorf("Stats duplicates = %d, want 0 for disjoint ranges", duplicates)
	}

	// One count probe plus ten single-page chunks.
	if count := mock.GetRequestCount(); count != 11 {
		t.Errorf("Request count = %d, want 11", count)
	}
}

func TestRun_MaxItemsWithStartOffset(t *testing.T) {
	// max=25 at offset=100: exactly the 101st..125th records.
	mock := testutil.NewMockListing(500)
	defer mock.Close()

	h := newTestHarvester(t, mock)
	ctx := context.Background()

	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/items",
		Concurrency: 4,
		PageSize:    10,
		MaxItems:    25,
		StartOffset: 100,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	ids := drain(t, ctx, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(ids) != 25 {
		t.Fatalf("Got %d records, want 25", len(ids))
	}
	for i, id := range sorted(ids) {
		if want := strconv.Itoa(101 + i); id != want {
			t.Errorf("Sorted id at %d = %q, want %q", i, id, want)
		}
	}
}

func TestRun_EmptyDomain(t *testing.T) {
	t.Run("zero-width explicit domain", func(t *testing.T) {
		mock := testutil.NewMockListing(500)
		defer mock.Close()

		h := newTestHarvester(t, mock)
		ctx := context.Background()

		var events []progress.Event
		stream, err := h.Run(ctx, Options{
			Path:     "/api/v2/items",
			Domain:   partition.Domain{Start: 7, End: 7},
			Reporter: func(e progress.Event) { events = append(events, e) },
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		defer stream.Close()

		if ids := drain(t, ctx, stream); len(ids) != 0 {
			t.Errorf("Got %d records, want 0", len(ids))
		}
		if err := stream.Err(); err != nil {
			t.Errorf("Stream error: %v", err)
		}

		if len(events) != 2 {
			t.Fatalf("Got %d events, want start + complete", len(events))
		}
		if events[0].Stage != progress.StageStart {
			t.Errorf("First event = %q, want start", events[0].Stage)
		}
		last := events[len(events)-1]
		if last.Stage != progress.StageComplete {
			t.Errorf("Last event = %q, want complete", last.Stage)
		}
		if last.Unique != 0 {
			t.Errorf("Complete unique = %d, want 0", last.Unique)
		}
		if count := mock.GetRequestCount(); count != 0 {
			t.Errorf("Request count = %d, want 0 for empty domain", count)
		}
	})

	t.Run("probed empty dataset", func(t *testing.T) {
		mock := testutil.NewMockListing(0)
		defer mock.Close()

		h := newTestHarvester(t, mock)
		ctx := context.Background()

		stream, err := h.Run(ctx, Options{Path: "/api/v2/items"})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		defer stream.Close()

		if ids := drain(t, ctx, stream); len(ids) != 0 {
			t.Errorf("Got %d records, want 0", len(ids))
		}
		if err := stream.Err(); err != nil {
			t.Errorf("Stream error: %v", err)
		}
	})
}

func TestRun_ConcurrencyInvariance(t *testing.T) {
	// The id set must not depend on P.
	mock := testutil.NewMockListing(300)
	defer mock.Close()

	run := func(p int) []string {
		h := newTestHarvester(t, mock)
		ctx := context.Background()

		stream, err := h.Run(ctx, Options{
			Path:        "/api/v2/items",
			Concurrency: p,
			PageSize:    25,
		})
		if err != nil {
			t.Fatalf("Run(P=%d) error = %v", p, err)
		}
		defer stream.Close()

		ids := drain(t, ctx, stream)
		if err := stream.Err(); err != nil {
			t.Fatalf("Run(P=%d) stream error: %v", p, err)
		}
		return sorted(ids)
	}

	single := run(1)
	parallel := run(10)

	if len(single) != len(parallel) {
		t.Fatalf("P=1 yielded %d records, P=10 yielded %d", len(single), len(parallel))
	}
	for i := range single {
		if single[i] != parallel[i] {
			t.Fatalf("Id sets differ at %d: %q vs %q", i, single[i], parallel[i])
		}
	}
}

func TestRun_RecoversFromTransientErrors(t *testing.T) {
	mock := testutil.NewMockListing(200)
	defer mock.Close()

	// Two 500s somewhere in the run must lose no items.
	mock.FailNext(http.StatusInternalServerError, 2, nil)

	h := newTestHarvester(t, mock)
	ctx := context.Background()

	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/items",
		Concurrency: 5,
		PageSize:    20,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	ids := drain(t, ctx, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(ids) != 200 {
		t.Errorf("Got %d records, want 200 (zero lost across retries)", len(ids))
	}
}

func TestRun_FatalErrorSurfaces(t *testing.T) {
	mock := testutil.NewMockListing(500)
	defer mock.Close()

	h := newTestHarvester(t, mock)
	ctx := context.Background()

	// Explicit domain skips the count probe so the 404 hits a worker.
	mock.FailNext(http.StatusForbidden, 1, nil)

	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/items",
		Domain:      partition.Domain{Start: 0, End: 500},
		Concurrency: 10,
		PageSize:    50,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	drain(t, ctx, stream)

	err = stream.Err()
	if err == nil {
		t.Fatal("Expected a fatal error from the stream")
	}

	// The specific classified error, not a wrapped one.
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *client.APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", apiErr.StatusCode)
	}
}

func TestRun_ProgressAccounting(t *testing.T) {
	mock := testutil.NewMockListing(500)
	defer mock.Close()

	h := newTestHarvester(t, mock)
	ctx := context.Background()

	var events []progress.Event
	stream, err := h.Run(ctx, Options{
		Path:           "/api/v2/items",
		Concurrency:    10,
		PageSize:       50,
		ReportInterval: 50,
		Reporter:       func(e progress.Event) { events = append(events, e) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	ids := drain(t, ctx, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(events) < 2 {
		t.Fatalf("Got %d events, want at least start + complete", len(events))
	}
	if events[0].Stage != progress.StageStart {
		t.Errorf("First event = %q, want start", events[0].Stage)
	}
	if events[0].ChunksTotal != 10 {
		t.Errorf("Start ChunksTotal = %d, want 10", events[0].ChunksTotal)
	}

	var fetching, chunkStarts, chunkCompletes int
	for _, e := range events {
		switch e.Stage {
		case progress.StageFetching:
			fetching++
		case progress.StageChunkStart:
			chunkStarts++
		case progress.StageChunkComplete:
			chunkCompletes++
		}
	}
	if chunkStarts != 10 || chunkCompletes != 10 {
		t.Errorf("Chunk events = %d starts / %d completes, want 10/10", chunkStarts, chunkCompletes)
	}
	if fetching == 0 {
		t.Error("Expected periodic fetching events")
	}

	last := events[len(events)-1]
	if last.Stage != progress.StageComplete {
		t.Fatalf("Last event = %q, want complete", last.Stage)
	}
	if last.Unique != int64(len(ids)) {
		t.Errorf("Complete unique = %d, want %d (records actually yielded)", last.Unique, len(ids))
	}
	if last.DuplicatesRemoved != last.Fetched-last.Unique {
		t.Errorf("Complete duplicatesRemoved = %d, want fetched-unique = %d",
			last.DuplicatesRemoved, last.Fetched-last.Unique)
	}
	if last.Percent != 100 {
		t.Errorf("Complete percent = %v, want 100", last.Percent)
	}
}

func TestRun_TimeRange(t *testing.T) {
	// Fixture dates run 1000..500000 ms; the window covers all of them.
	mock := testutil.NewMockListing(500)
	defer mock.Close()

	h := newTestHarvester(t, mock)
	ctx := context.Background()

	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/audit",
		TimeRange:   true,
		Domain:      partition.Domain{Start: 1000, End: 500001},
		Concurrency: 4,
		PageSize:    50,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	ids := drain(t, ctx, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(ids) != 500 {
		t.Fatalf("Got %d records, want 500", len(ids))
	}

	unique, duplicates := stream.Stats()
	if unique != 500 || duplicates != 0 {
		t.Errorf("Stats = %d unique / %d duplicates, want 500/0", unique, duplicates)
	}
}

func TestRun_EarlyClose(t *testing.T) {
	mock := testutil.NewMockListing(500)
	defer mock.Close()

	h := newTestHarvester(t, mock)
	ctx := context.Background()

	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/items",
		Concurrency: 10,
		PageSize:    10,
		Buffer:      4,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i := 0; i < 10 && stream.Next(ctx); i++ {
	}
	stream.Close()

	// The stream must wind down without error and without deadlock.
	done := make(chan struct{})
	go func() {
		for stream.Next(ctx) {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not wind down after Close")
	}

	if err := stream.Err(); err != nil {
		t.Errorf("Err() after early Close = %v, want nil", err)
	}
}

// overlapFetcher returns the same two records for every page, simulating
// chunk-boundary drift where ranges observe overlapping data.
type overlapFetcher struct{}

func (overlapFetcher) FetchPage(_ context.Context, req client.PageRequest) (*client.PageResult, error) {
	items := []json.RawMessage{
		json.RawMessage(`{"_id": "a"}`),
		json.RawMessage(`{"_id": "b"}`),
	}
	if req.Limit < 2 {
		items = items[:req.Limit]
	}
	return &client.PageResult{Items: items, TotalCount: 4}, nil
}

func TestRun_DeduplicatesAcrossChunks(t *testing.T) {
	h := New(overlapFetcher{})
	ctx := context.Background()

	var events []progress.Event
	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/items",
		Domain:      partition.Domain{Start: 0, End: 4},
		Concurrency: 2,
		PageSize:    2,
		Reporter:    func(e progress.Event) { events = append(events, e) },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	ids := drain(t, ctx, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(ids) != 2 {
		t.Fatalf("Got %d records, want 2 unique", len(ids))
	}

	unique, duplicates := stream.Stats()
	if unique != 2 {
		t.Errorf("Stats unique = %d, want 2", unique)
	}
	if duplicates != 2 {
		t.Errorf("Stats duplicates = %d, want 2", duplicates)
	}

	last := events[len(events)-1]
	if last.Stage != progress.StageComplete {
		t.Fatalf("Last event = %q, want complete", last.Stage)
	}
	if last.DuplicatesRemoved != 2 {
		t.Errorf("Complete duplicatesRemoved = %d, want 2", last.DuplicatesRemoved)
	}
}

// noIDFetcher yields records without the designated identifier field.
type noIDFetcher struct{}

func (noIDFetcher) FetchPage(_ context.Context, req client.PageRequest) (*client.PageResult, error) {
	return &client.PageResult{
		Items: []json.RawMessage{json.RawMessage(`{"name": "orphan"}`)},
	}, nil
}

func TestRun_MissingIdentifierIsFatal(t *testing.T) {
	h := New(noIDFetcher{})
	ctx := context.Background()

	stream, err := h.Run(ctx, Options{
		Path:        "/api/v2/items",
		Domain:      partition.Domain{Start: 0, End: 10},
		Concurrency: 1,
		PageSize:    5,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer stream.Close()

	drain(t, ctx, stream)

	err = stream.Err()
	if err == nil {
		t.Fatal("Expected a fatal error for records without an identifier")
	}
	if want := fmt.Sprintf("record missing identifier field %q", DefaultIDField); err.Error() != want {
		t.Errorf("Err() = %q, want %q", err.Error(), want)
	}
}

func TestRun_RequiresPath(t *testing.T) {
	h := New(overlapFetcher{})

	if _, err := h.Run(context.Background(), Options{}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestRun_CannotProbeWithoutCountProber(t *testing.T) {
	h := New(overlapFetcher{})

	// Open domain with a fetcher that cannot probe: must fail up front.
	_, err := h.Run(context.Background(), Options{Path: "/api/v2/items"})
	if err == nil {
		t.Error("Expected error when the domain is open and the fetcher cannot probe")
	}
}
