package vacuum

import (
	"context"
	"time"
)

// StubClient implements Client with injectable functions so tests can
// script snapshot sequences. The zero value reports an idle device on
// full battery.
type StubClient struct {
	StatusFunc      func(ctx context.Context) (Snapshot, error)
	ConsumablesFunc func(ctx context.Context) (ConsumableSnapshot, error)

	StatusCalls      int
	ConsumablesCalls int
}

func (s *StubClient) Status(ctx context.Context) (Snapshot, error) {
	s.StatusCalls++
	if s.StatusFunc != nil {
		return s.StatusFunc(ctx)
	}
	return Snapshot{Taken: time.Now().UTC(), State: StateIdle, RawState: "idle", Battery: 100}, nil
}

func (s *StubClient) Consumables(ctx context.Context) (ConsumableSnapshot, error) {
	s.ConsumablesCalls++
	if s.ConsumablesFunc != nil {
		return s.ConsumablesFunc(ctx)
	}
	return ConsumableSnapshot{CapturedAt: time.Now().UTC()}, nil
}
