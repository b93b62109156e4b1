package service

import (
	"context"
	"fmt"
)

// Async runs a trigger on a detached context bounded by AsyncTimeout. Errors
// and panics are logged, never returned, so a notification failure cannot
// break the operation that caused it. Drain waits for these goroutines.
func (s *Service) Async(name string, fn func(ctx context.Context) error) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.asyncTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(ctx, "notification trigger panicked", "trigger", name, "panic", fmt.Sprint(r))
			}
		}()
		if err := fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "notification trigger failed", "trigger", name, "error", err)
		}
	}()
}

// Drain waits for in-flight Async triggers or until ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
