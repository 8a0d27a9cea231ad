package logs

import (
	"context"
	"sync/atomic"
)

// Stream is the merged output of a range fetch. Lines arrive in no
// particular order across objects or days.
type Stream struct {
	lines   chan string
	done    chan struct{}
	err     error
	objects int
	sent    atomic.Int64
}

func newStream(objects int) *Stream {
	return &Stream{
		lines:   make(chan string, lineBuffer),
		done:    make(chan struct{}),
		objects: objects,
	}
}

// Lines returns the line channel. It is closed once every object has been
// processed.
func (s *Stream) Lines() <-chan string {
	return s.lines
}

// Err blocks until the stream is finished and returns the joined per-object
// failures, or nil.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Objects returns how many log objects the range contained.
func (s *Stream) Objects() int {
	return s.objects
}

// Collect drains the stream into a slice.
func (s *Stream) Collect() ([]string, error) {
	var lines []string
	for line := range s.lines {
		lines = append(lines, line)
	}
	return lines, s.Err()
}

func (s *Stream) send(ctx context.Context, line string) bool {
	select {
	case s.lines <- line:
		s.sent.Add(1)
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) count() int {
	return int(s.sent.Load())
}

func (s *Stream) finish(err error) {
	s.err = err
	close(s.lines)
	close(s.done)
}
