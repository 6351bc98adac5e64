package syncclient

import "context"

// Scheduler runs fn once per burst of triggers. A trigger that arrives while
// fn is running leaves at most one more run pending.
type Scheduler struct {
	fn   func(ctx context.Context)
	kick chan struct{}
}

func NewScheduler(fn func(ctx context.Context)) *Scheduler {
	return &Scheduler{fn: fn, kick: make(chan struct{}, 1)}
}

// Trigger never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run serves triggers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if ctx.Err() != nil {
				return
			}
			s.fn(ctx)
		}
	}
}
