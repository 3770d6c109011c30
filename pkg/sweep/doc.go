// Package sweep drains a paginated listing endpoint completely using
// concurrent range workers and yields the merged, deduplicated records as
// a single pull-driven stream.
//
// The run is partitioned up front: the fetch domain (a record-offset
// interval, or a millisecond time interval) is split into disjoint
// contiguous ranges, one per worker. Each worker pages through its range
// sequentially and pushes raw records into a shared ingest channel. The
// coordinator drains that channel, drops records whose identifier was
// already seen, and hands every unique record to the caller as soon as it
// arrives.
//
// Example usage:
//
//	fetcher, _ := client.New(client.DefaultConfig(baseURL, token))
//	h := sweep.New(fetcher)
//	stream, err := h.Run(ctx, sweep.Options{
//		Path:        "/api/v2/flags",
//		Concurrency: 8,
//		Reporter:    progress.Logger(log.Logger),
//	})
//	if err != nil {
//		return err
//	}
//	defer stream.Close()
//	for stream.Next(ctx) {
//		handle(stream.Record())
//	}
//	if err := stream.Err(); err != nil {
//		return err
//	}
//
// Output order is arrival order: no ordering is guaranteed across ranges,
// and each record identifier is yielded exactly once per run. Dedup exists
// because the backing dataset can shift under a long-running fetch and
// push the same record across a range boundary.
package sweep
