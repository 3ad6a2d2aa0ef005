package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
	"github.com/randomizedcoder/go-prefork/internal/worker"
)

// PoolStatusChannel is served by the supervisor for worker callers.
const PoolStatusChannel = worker.PoolStatusChannel

// PoolStatus is the poolStatus response.
type PoolStatus = worker.PoolStatus

func (s *Supervisor) poolStatusHandler(context.Context, json.RawMessage) (any, error) {
	return PoolStatus{
		Target:     s.Options().TargetWorkerCount,
		Live:       s.WorkersCount(),
		Restarting: s.IsRestarting(),
	}, nil
}

// WorkerStat is one worker's workerStats response annotated with its identity.
type WorkerStat struct {
	ID  int `json:"id"`
	Pid int `json:"pid"`
	worker.Stats
}

// WorkersStats asks every live worker for its stats concurrently. Results are
// sorted by id. Failed workers are left out and their errors joined.
func (s *Supervisor) WorkersStats(ctx context.Context) ([]WorkerStat, error) {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.live))
	for _, w := range s.live {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var (
		mu      sync.Mutex
		results = make([]WorkerStat, 0, len(workers))
		errs    []error
		g       errgroup.Group
	)
	for _, w := range workers {
		g.Go(func() error {
			stats, err := s.workerStats(ctx, w)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("worker %d: %w", w.ID, err))
				return nil
			}
			results = append(results, WorkerStat{ID: w.ID, Pid: w.Pid, Stats: stats})
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, errors.Join(errs...)
}

// workerStats calls one worker, giving up if the worker exits first.
func (s *Supervisor) workerStats(ctx context.Context, w *Worker) (worker.Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	stats, err := ipc.Invoke[worker.Stats](ctx, s.channel, worker.StatsChannel, nil, w.ID)
	if err != nil && w.exited() {
		return stats, ErrWorkerNotRunning
	}
	return stats, err
}

// WorkerSnapshot describes one forked process.
type WorkerSnapshot struct {
	ID            int       `json:"id"`
	Pid           int       `json:"pid"`
	State         string    `json:"state"`
	Live          bool      `json:"live"`
	Addr          string    `json:"addr,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	KillReason    string    `json:"kill_reason,omitempty"`
}

// Uptime is the time since the worker was forked.
func (w WorkerSnapshot) Uptime(now time.Time) time.Duration {
	return now.Sub(w.StartedAt)
}

// HeartbeatAge is the time since the last heartbeat, or zero if none was seen.
func (w WorkerSnapshot) HeartbeatAge(now time.Time) time.Duration {
	if w.LastHeartbeat.IsZero() {
		return 0
	}
	return now.Sub(w.LastHeartbeat)
}

// PoolSnapshot is a read-only view of the pool.
type PoolSnapshot struct {
	TakenAt       time.Time        `json:"taken_at"`
	Target        int              `json:"target"`
	Live          int              `json:"live"`
	Running       int              `json:"running"`
	Restarting    bool             `json:"restarting"`
	WorkerTimeout time.Duration    `json:"worker_timeout"`
	Workers       []WorkerSnapshot `json:"workers"`
}

// Snapshot returns the state of every running worker, sorted by id.
func (s *Supervisor) Snapshot() PoolSnapshot {
	s.mu.Lock()
	snap := PoolSnapshot{
		TakenAt:       time.Now(),
		Target:        s.opts.TargetWorkerCount,
		Live:          len(s.live),
		Running:       len(s.procs),
		Restarting:    s.restarting.Load(),
		WorkerTimeout: s.opts.WorkerTimeout,
		Workers:       make([]WorkerSnapshot, 0, len(s.procs)),
	}
	for id, w := range s.procs {
		_, live := s.live[id]
		reason := s.killReasons[id]

		ws := WorkerSnapshot{
			ID:            id,
			Pid:           w.Pid,
			Live:          live,
			StartedAt:     w.StartedAt,
			LastHeartbeat: s.heartbeats[id],
			KillReason:    string(reason),
		}
		switch {
		case reason != "":
			ws.State = StateRetiring.String()
		case w.isReady():
			ws.State = StateReady.String()
			ws.Addr = w.addr
		default:
			ws.State = StateForking.String()
		}
		snap.Workers = append(snap.Workers, ws)
	}
	s.mu.Unlock()

	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].ID < snap.Workers[j].ID })
	return snap
}
