package sweep

import (
	"context"

	"github.com/sweephq/sweep/pkg/client"
	"github.com/sweephq/sweep/pkg/partition"
	"github.com/sweephq/sweep/pkg/progress"
)

// worker drives one range to exhaustion. It pages sequentially from the
// range start, pushes every record into the shared ingest channel, and
// stops when the range target is reached or the endpoint runs dry.
func (h *Harvester) worker(ctx context.Context, opts Options, r partition.Range, st *runState) {
	defer st.wg.Done()

	activeWorkers.Inc()
	defer activeWorkers.Dec()

	st.emit(progress.StageChunkStart, r.Index)

	// Offset ranges have a known record target; time ranges are bounded
	// by the window and drained until the endpoint returns a short page.
	target := r.Size()
	if opts.TimeRange {
		target = -1
	}

	cursor := r.Start
	var fetched int64
	var lastReport int64

	for target < 0 || fetched < target {
		if ctx.Err() != nil {
			return
		}

		limit := opts.PageSize
		if target >= 0 && target-fetched < limit {
			limit = target - fetched
		}

		req := client.PageRequest{
			Path:   opts.Path,
			Limit:  limit,
			Filter: opts.Filter,
			Expand: opts.Expand,
		}
		if opts.TimeRange {
			req.After = r.Start
			req.Before = r.End
			req.Offset = fetched
		} else {
			req.Offset = cursor
		}

		page, err := h.fetcher.FetchPage(ctx, req)
		if err != nil {
			h.logger.Error().
				Err(err).
				Int("chunk", r.Index).
				Int64("cursor", cursor).
				Msg("Chunk fetch failed")
			st.fail(err)
			return
		}

		// A stale count probe can leave a range past the end of the
		// dataset; an empty page means there is nothing left here.
		if len(page.Items) == 0 {
			break
		}

		for _, item := range page.Items {
			select {
			case st.ingest <- item:
			case <-ctx.Done():
				return
			}
		}

		n := int64(len(page.Items))
		fetched += n
		cursor += n
		st.fetched.Add(n)
		recordsFetchedTotal.Add(float64(n))

		if fetched-lastReport >= opts.ReportInterval {
			lastReport = fetched
			st.emit(progress.StageFetching, r.Index)
		}

		// A short page in a time window means the window is drained.
		if target < 0 && n < limit {
			break
		}
	}

	st.chunksDone.Add(1)
	st.emit(progress.StageChunkComplete, r.Index)
}
