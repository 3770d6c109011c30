package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/sweephq/sweep/pkg/client"
	"github.com/sweephq/sweep/pkg/partition"
	"github.com/sweephq/sweep/pkg/progress"
)

// Prometheus metrics for sweep runs.
var (
	recordsFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_records_fetched_total",
		Help: "Total records pushed by workers, duplicates included",
	})

	duplicatesRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_duplicates_removed_total",
		Help: "Total duplicate records dropped during merge",
	})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sweep_active_workers",
		Help: "Range workers currently running",
	})
)

// Defaults applied by Options.withDefaults.
const (
	DefaultConcurrency    = 10
	DefaultPageSize       = 50
	DefaultReportInterval = 50
	DefaultBuffer         = 256
	DefaultIDField        = "_id"
)

// PageFetcher is the single-page fetch dependency of the engine.
// *client.Fetcher implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, req client.PageRequest) (*client.PageResult, error)
}

// CountProber is implemented by fetchers that can run a count probe.
// The engine uses it to size an offset domain the caller left open.
type CountProber interface {
	TotalCount(ctx context.Context, path, filter string) (int64, error)
}

// Options configures one sweep run.
type Options struct {
	// Path is the listing endpoint path.
	Path string

	// Domain bounds the fetch. For offset mode a zero End means "probe
	// the endpoint for its total count". For time mode both bounds are
	// epoch milliseconds and must be set by the caller.
	Domain partition.Domain

	// TimeRange selects time pagination (before/after) over offset
	// pagination.
	TimeRange bool

	// Filter is an endpoint-specific filter expression.
	Filter string

	// Expand lists related fields the endpoint should inline.
	Expand []string

	// Concurrency is the number of range workers (>= 1).
	Concurrency int

	// PageSize caps a single page request.
	PageSize int64

	// MaxItems caps the number of unique records yielded. Zero means all.
	MaxItems int64

	// StartOffset skips that many records from the start of an offset
	// domain before partitioning.
	StartOffset int64

	// ReportInterval is how many records a worker fetches between
	// Fetching progress events.
	ReportInterval int64

	// Buffer sizes the ingest and output channels. Workers block when
	// the consumer falls behind.
	Buffer int

	// IDField is the gjson path of the record identifier used for dedup.
	IDField string

	// Reporter receives progress events. Nil discards them.
	Reporter progress.Reporter
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = DefaultReportInterval
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	if o.IDField == "" {
		o.IDField = DefaultIDField
	}
	if o.Reporter == nil {
		o.Reporter = progress.Nop()
	}
	return o
}

// Harvester runs sweeps against one page fetcher.
type Harvester struct {
	fetcher PageFetcher
	logger  zerolog.Logger
}

// New creates a Harvester on top of a page fetcher.
func New(fetcher PageFetcher) *Harvester {
	return &Harvester{
		fetcher: fetcher,
		logger:  log.With().Str("component", "sweep").Logger(),
	}
}

// runState is the call-scoped shared state of one sweep run. Workers write
// through the ingest channel and the atomic counters; the merge loop is
// the only reader of the seen set.
type runState struct {
	ingest   chan json.RawMessage
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	reporter progress.Reporter

	chunksTotal int
	expected    int64 // records expected overall, 0 when unknown

	fetched    atomic.Int64
	unique     atomic.Int64
	duplicates atomic.Int64
	chunksDone atomic.Int64

	failOnce sync.Once
	failErr  error

	repMu sync.Mutex
}

// fail records the first fatal error and cancels every sibling worker.
func (st *runState) fail(err error) {
	st.failOnce.Do(func() {
		st.failErr = err
		st.cancel()
	})
}

// emit builds an event from the current counters and hands it to the
// reporter. Calls are serialized so reporters need no locking of their own.
func (st *runState) emit(stage progress.Stage, chunk int) {
	st.repMu.Lock()
	defer st.repMu.Unlock()

	e := progress.Event{
		Stage:             stage,
		Chunk:             chunk,
		ChunksDone:        int(st.chunksDone.Load()),
		ChunksTotal:       st.chunksTotal,
		Fetched:           st.fetched.Load(),
		Unique:            st.unique.Load(),
		DuplicatesRemoved: st.duplicates.Load(),
	}
	e.Percent = st.percent(e)
	st.reporter(e)
}

func (st *runState) percent(e progress.Event) float64 {
	if e.Stage == progress.StageComplete {
		return 100
	}
	if st.expected > 0 {
		pct := float64(e.Fetched) / float64(st.expected) * 100
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	if st.chunksTotal > 0 {
		return float64(e.ChunksDone) / float64(st.chunksTotal) * 100
	}
	return 100
}

// Run partitions the domain, launches the workers, and returns the output
// stream. Partitioning errors (including a failed count probe) are
// returned directly; everything after that surfaces through Stream.Err.
func (h *Harvester) Run(ctx context.Context, opts Options) (*Stream, error) {
	opts = opts.withDefaults()
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	ranges, domain, err := h.plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	st := &runState{
		ingest:      make(chan json.RawMessage, opts.Buffer),
		cancel:      cancel,
		reporter:    opts.Reporter,
		chunksTotal: len(ranges),
	}
	if !opts.TimeRange {
		st.expected = domain.Size()
	}

	stream := &Stream{
		out:    make(chan json.RawMessage, opts.Buffer),
		cancel: cancel,
		state:  st,
	}

	h.logger.Info().
		Str("path", opts.Path).
		Int("chunks", len(ranges)).
		Int64("domain_start", domain.Start).
		Int64("domain_end", domain.End).
		Bool("time_range", opts.TimeRange).
		Msg("Starting sweep")

	st.emit(progress.StageStart, -1)

	if len(ranges) == 0 {
		// Empty domain: complete immediately with zero records.
		st.emit(progress.StageComplete, -1)
		close(stream.out)
		cancel()
		return stream, nil
	}

	for _, r := range ranges {
		st.wg.Add(1)
		go h.worker(runCtx, opts, r, st)
	}

	// Close the ingest channel once every worker returned.
	go func() {
		st.wg.Wait()
		close(st.ingest)
	}()

	go h.merge(runCtx, opts, st, stream)

	return stream, nil
}

// plan resolves the effective domain (probing the total count when the
// caller left an offset domain open) and partitions it.
func (h *Harvester) plan(ctx context.Context, opts Options) ([]partition.Range, partition.Domain, error) {
	domain := opts.Domain

	if opts.TimeRange {
		ranges, err := partition.SplitTime(domain, opts.Concurrency)
		return ranges, domain, err
	}

	if domain.Start == 0 && domain.End == 0 {
		prober, ok := h.fetcher.(CountProber)
		if !ok {
			return nil, domain, fmt.Errorf("domain end unknown and fetcher cannot probe total count")
		}
		total, err := prober.TotalCount(ctx, opts.Path, opts.Filter)
		if err != nil {
			return nil, domain, err
		}
		h.logger.Debug().
			Str("path", opts.Path).
			Int64("total", total).
			Msg("Count probe resolved domain")
		domain = partition.Domain{Start: 0, End: total}
	}

	if opts.StartOffset > 0 {
		domain.Start += opts.StartOffset
		if domain.Start > domain.End {
			domain.Start = domain.End
		}
	}
	if opts.MaxItems > 0 && domain.Size() > opts.MaxItems {
		domain.End = domain.Start + opts.MaxItems
	}

	ranges, err := partition.Split(domain, opts.Concurrency, opts.PageSize)
	return ranges, domain, err
}

// merge is the coordinator loop: it drains the ingest channel, dedups by
// record identifier, and forwards unique records to the caller.
func (h *Harvester) merge(ctx context.Context, opts Options, st *runState, stream *Stream) {
	defer st.cancel()
	defer close(stream.out)

	seen := make(map[string]struct{})
	capReached := false
	drainOnly := false

	for raw := range st.ingest {
		if capReached || drainOnly {
			continue
		}

		id := gjson.GetBytes(raw, opts.IDField)
		if !id.Exists() {
			st.fail(fmt.Errorf("record missing identifier field %q", opts.IDField))
			drainOnly = true
			continue
		}

		key := id.String()
		if _, dup := seen[key]; dup {
			st.duplicates.Add(1)
			duplicatesRemovedTotal.Inc()
			continue
		}
		seen[key] = struct{}{}

		select {
		case stream.out <- raw:
			st.unique.Add(1)
		case <-ctx.Done():
			// Caller stopped pulling or a worker failed; keep draining
			// without yielding so blocked workers can exit.
			drainOnly = true
			continue
		}

		if opts.MaxItems > 0 && st.unique.Load() >= opts.MaxItems {
			capReached = true
			st.cancel()
		}
	}

	// The ingest channel is closed: every worker has returned and the
	// first recorded error, if any, is safe to read.
	if st.failErr != nil {
		stream.setErr(st.failErr)
		h.logger.Error().Err(st.failErr).Msg("Sweep failed")
		return
	}
	if ctx.Err() != nil && !capReached {
		if !stream.isClosed() {
			stream.setErr(ctx.Err())
		}
		return
	}

	st.emit(progress.StageComplete, -1)
	h.logger.Info().
		Int64("unique", st.unique.Load()).
		Int64("duplicates_removed", st.duplicates.Load()).
		Msg("Sweep complete")
}
