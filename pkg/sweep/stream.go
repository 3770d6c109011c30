package sweep

import (
	"context"
	"encoding/json"
	"sync"
)

// Stream is the pull-driven output of one sweep run: a finite, single-pass
// sequence of unique raw records in arrival order.
//
// Usage follows the scanner pattern: call Next until it returns false,
// then check Err. Close releases the run's workers; it is safe to call at
// any point and after exhaustion it is a no-op.
type Stream struct {
	out    chan json.RawMessage
	cancel context.CancelFunc
	state  *runState

	cur json.RawMessage

	mu     sync.Mutex
	err    error
	closed bool
}

// Next blocks until the next unique record is available, the stream ends,
// or ctx is done. It returns true when Record holds a new record.
func (s *Stream) Next(ctx context.Context) bool {
	select {
	case rec, ok := <-s.out:
		if !ok {
			return false
		}
		s.cur = rec
		return true
	case <-ctx.Done():
		s.mu.Lock()
		if s.err == nil {
			s.err = ctx.Err()
		}
		s.mu.Unlock()
		s.cancel()
		return false
	}
}

// Record returns the record made current by the last successful Next.
func (s *Stream) Record() json.RawMessage {
	return s.cur
}

// Err returns the fatal error that ended the stream, or nil after a clean
// completion or an early Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the run and releases its workers. Records still in flight
// are discarded. Close is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// Stats returns the cumulative unique and duplicates-removed counts.
// Final once the stream is exhausted.
func (s *Stream) Stats() (unique, duplicatesRemoved int64) {
	return s.state.unique.Load(), s.state.duplicates.Load()
}

// setErr records the error the stream ends with. Called by the merge loop
// before the output channel closes.
func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
