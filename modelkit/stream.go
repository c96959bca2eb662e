package modelkit

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function into a Stream. The producer runs
// in its own goroutine and writes to the events channel; returning nil
// ends the stream with io.EOF, returning an error surfaces it from Recv.
type eventStream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewEventStream runs produce in a goroutine and returns a Stream fed by
// it. Adapters use this to turn SDK callbacks and loops into a pull API.
func NewEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 32),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		if err := produce(ctx, s.events); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	return ev, nil
}

func (s *eventStream) Close() error {
	s.cancel()
	// Drain so the producer is not blocked on send.
	go func() {
		for range s.events {
		}
	}()
	<-s.done
	return nil
}
