package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNop(t *testing.T) {
	r := Nop()

	// Must accept every stage without side effects.
	for _, stage := range []Stage{StageStart, StageChunkStart, StageFetching, StageChunkComplete, StageComplete} {
		r(Event{Stage: stage, Chunk: 3})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := Logger(logger)

	r(Event{Stage: StageStart, Chunk: -1, ChunksTotal: 4})
	r(Event{Stage: StageChunkStart, Chunk: 0})
	r(Event{Stage: StageFetching, Chunk: 0, Fetched: 50, Unique: 50, Percent: 12.5})
	r(Event{Stage: StageChunkComplete, Chunk: 0, ChunksDone: 1, ChunksTotal: 4})
	r(Event{Stage: StageComplete, Chunk: -1, Unique: 400, DuplicatesRemoved: 3})

	out := buf.String()

	for _, want := range []string{
		"Sweep started",
		"Chunk started",
		"Fetch progress",
		"Chunk complete",
		"Sweep complete",
		`"duplicates_removed":3`,
		`"unique":400`,
		`"progress_pct":12.5`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Log output missing %q:\n%s", want, out)
		}
	}
}

func TestLogger_ChunkLifecycleIsDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	r := Logger(logger)

	r(Event{Stage: StageChunkStart, Chunk: 2})
	r(Event{Stage: StageChunkComplete, Chunk: 2})

	if buf.Len() != 0 {
		t.Errorf("Chunk lifecycle should be debug-only at info level, got: %s", buf.String())
	}
}
