package supervisor

import (
	"context"
	"sort"
	"time"
)

// scanLoop checks heartbeat ages every HeartbeatInterval until ctx ends.
func (s *Supervisor) scanLoop(ctx context.Context, opts Options) {
	ticker := time.NewTicker(opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := s.expiredWorkers(now)
			if len(expired) == 0 {
				continue
			}
			for _, id := range expired {
				s.recorder.HeartbeatTimedOut(id)
				s.logger.Warn("heartbeat_timeout",
					"worker_id", id,
					"timeout", opts.WorkerTimeout.String(),
				)
			}
			go s.heal(expired, KillTimeout)
		}
	}
}

// expiredWorkers seeds the heartbeat table for workers never heard from and
// returns the live, unclaimed workers silent for longer than WorkerTimeout.
func (s *Supervisor) expiredWorkers(now time.Time) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []int
	for id := range s.procs {
		last, seen := s.heartbeats[id]
		if !seen {
			s.heartbeats[id] = now
			continue
		}
		if now.Sub(last) <= s.opts.WorkerTimeout {
			continue
		}
		if _, live := s.live[id]; !live {
			continue
		}
		if _, claimed := s.claims[id]; claimed {
			continue
		}
		expired = append(expired, id)
	}
	sort.Ints(expired)
	return expired
}
