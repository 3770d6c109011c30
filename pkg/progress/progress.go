// Package progress defines the event model a sweep run reports through,
// and the reporter sinks callers can plug in.
package progress

import (
	"github.com/rs/zerolog"
)

// Stage identifies where in a sweep run an event was emitted.
type Stage string

const (
	// StageStart is emitted once, after partitioning, before any worker runs.
	StageStart Stage = "start"

	// StageChunkStart is emitted when a worker begins its range.
	StageChunkStart Stage = "chunk_start"

	// StageFetching is emitted periodically while a worker drains its range.
	StageFetching Stage = "fetching"

	// StageChunkComplete is emitted when a worker exhausts its range.
	StageChunkComplete Stage = "chunk_complete"

	// StageComplete is emitted once, after every worker finished and the
	// ingest channel drained.
	StageComplete Stage = "complete"
)

// Event is one progress report from a sweep run.
type Event struct {
	Stage Stage

	// Chunk is the index of the range this event concerns, or -1 for
	// run-level events (start, complete).
	Chunk int

	// ChunksDone and ChunksTotal count completed vs launched ranges.
	ChunksDone  int
	ChunksTotal int

	// Percent estimates overall completion. Based on fetched records when
	// the expected total is known, on completed chunks otherwise.
	Percent float64

	// Fetched is the cumulative record count pushed by all workers,
	// duplicates included.
	Fetched int64

	// Unique is the cumulative count of records yielded to the caller.
	Unique int64

	// DuplicatesRemoved is the cumulative count of dropped duplicate
	// records. Final on the complete event.
	DuplicatesRemoved int64
}

// Reporter receives progress events. The engine serializes calls, so a
// Reporter does not need to be safe for concurrent use. It must not block:
// it runs on the path that moves records.
type Reporter func(Event)

// Nop returns a reporter that discards every event.
func Nop() Reporter {
	return func(Event) {}
}

// Logger returns a reporter that logs events the way the engine logs fetch
// progress: chunk lifecycle at debug, periodic progress and run boundaries
// at info.
func Logger(logger zerolog.Logger) Reporter {
	return func(e Event) {
		switch e.Stage {
		case StageStart:
			logger.Info().
				Int("chunks", e.ChunksTotal).
				Msg("Sweep started")
		case StageChunkStart:
			logger.Debug().
				Int("chunk", e.Chunk).
				Msg("Chunk started")
		case StageFetching:
			logger.Info().
				Int("chunk", e.Chunk).
				Int64("fetched", e.Fetched).
				Int64("unique", e.Unique).
				Float64("progress_pct", e.Percent).
				Msg("Fetch progress")
		case StageChunkComplete:
			logger.Debug().
				Int("chunk", e.Chunk).
				Int("chunks_done", e.ChunksDone).
				Int("chunks_total", e.ChunksTotal).
				Msg("Chunk complete")
		case StageComplete:
			logger.Info().
				Int64("unique", e.Unique).
				Int64("duplicates_removed", e.DuplicatesRemoved).
				Msg("Sweep complete")
		}
	}
}
