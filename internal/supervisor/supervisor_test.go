package supervisor

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-prefork/internal/ipc"
)

func liveIDs(s *Supervisor) []int { return s.liveIDs() }

func livePids(s *Supervisor) map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.live))
	for id, w := range s.live {
		out[id] = w.Pid
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOptions_Normalize(t *testing.T) {
	tests := []struct {
		name         string
		in           Options
		wantTarget   int
		wantInterval time.Duration
		wantTimeout  time.Duration
		wantWarning  bool
	}{
		{
			name:         "zero values",
			in:           Options{},
			wantTarget:   runtime.NumCPU(),
			wantInterval: time.Second,
		},
		{
			name:         "valid timeout kept",
			in:           Options{TargetWorkerCount: 2, WorkerTimeout: 5 * time.Second, HeartbeatInterval: time.Second},
			wantTarget:   2,
			wantInterval: time.Second,
			wantTimeout:  5 * time.Second,
		},
		{
			name:         "timeout equal to interval corrected",
			in:           Options{TargetWorkerCount: 1, WorkerTimeout: time.Second, HeartbeatInterval: time.Second},
			wantTarget:   1,
			wantInterval: time.Second,
			wantTimeout:  2 * time.Second,
			wantWarning:  true,
		},
		{
			name:         "timeout below default interval corrected",
			in:           Options{TargetWorkerCount: 1, WorkerTimeout: 100 * time.Millisecond},
			wantTarget:   1,
			wantInterval: time.Second,
			wantTimeout:  2 * time.Second,
			wantWarning:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := tt.in.normalize()
			if got.TargetWorkerCount != tt.wantTarget {
				t.Errorf("TargetWorkerCount = %d, want %d", got.TargetWorkerCount, tt.wantTarget)
			}
			if got.HeartbeatInterval != tt.wantInterval {
				t.Errorf("HeartbeatInterval = %v, want %v", got.HeartbeatInterval, tt.wantInterval)
			}
			if got.WorkerTimeout != tt.wantTimeout {
				t.Errorf("WorkerTimeout = %v, want %v", got.WorkerTimeout, tt.wantTimeout)
			}
			if (len(warnings) > 0) != tt.wantWarning {
				t.Errorf("warnings = %v, wantWarning %v", warnings, tt.wantWarning)
			}
		})
	}
}

func TestStart_ForksTargetPool(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3})

	if got := s.WorkersCount(); got != 3 {
		t.Fatalf("WorkersCount() = %d, want 3", got)
	}
	if ids := liveIDs(s); !equalInts(ids, []int{1, 2, 3}) {
		t.Errorf("live ids = %v, want [1 2 3]", ids)
	}

	pids := make(map[int]bool)
	for _, pid := range livePids(s) {
		pids[pid] = true
	}
	if len(pids) != 3 {
		t.Errorf("distinct pids = %d, want 3", len(pids))
	}

	snap := s.Snapshot()
	if snap.Live != 3 || snap.Running != 3 || snap.Target != 3 {
		t.Errorf("Snapshot() = live %d running %d target %d", snap.Live, snap.Running, snap.Target)
	}
	for _, w := range snap.Workers {
		if w.State != StateReady.String() || w.Addr == "" {
			t.Errorf("worker %d state %q addr %q, want ready with address", w.ID, w.State, w.Addr)
		}
	}
}

func TestStart_Twice(t *testing.T) {
	s := newTestSupervisor(t, newFakeSpawner(t))
	startPool(t, s, Options{TargetWorkerCount: 1})

	_, err := s.Start(context.Background(), Options{TargetWorkerCount: 1, UseSupervisor: true})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_ForkGroupIsAllOrNothing(t *testing.T) {
	spawner := newFakeSpawner(t)
	startErr := errors.New("address in use")
	spawner.app = func(id int) stubApp {
		if id == 2 {
			return stubApp{startErr: startErr}
		}
		return stubApp{}
	}
	s := newTestSupervisor(t, spawner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Start(ctx, Options{TargetWorkerCount: 3, UseSupervisor: true, HeartbeatInterval: testHeartbeat})

	var groupErr *ForkGroupError
	if !errors.As(err, &groupErr) {
		t.Fatalf("Start() error = %v, want *ForkGroupError", err)
	}
	if !errors.Is(err, ErrForkGroup) || groupErr.Size != 3 {
		t.Errorf("Start() error = %v, want fork group of 3", err)
	}
	if got := s.WorkersCount(); got != 0 {
		t.Errorf("WorkersCount() = %d, want 0", got)
	}

	waitFor(t, "every group member to exit", func() bool {
		for id := 1; id <= 3; id++ {
			if !spawner.proc(id).exited() {
				return false
			}
		}
		return true
	})
}

func TestStart_SpawnError(t *testing.T) {
	spawner := newFakeSpawner(t)
	spawnErr := errors.New("fork: resource temporarily unavailable")
	spawner.spawnErr = func(id int) error {
		if id == 2 {
			return spawnErr
		}
		return nil
	}
	s := newTestSupervisor(t, spawner)

	_, err := s.Start(context.Background(), Options{TargetWorkerCount: 2, UseSupervisor: true, HeartbeatInterval: testHeartbeat})
	if !errors.Is(err, spawnErr) {
		t.Fatalf("Start() error = %v, want %v", err, spawnErr)
	}
	waitFor(t, "first worker to be killed", func() bool { return spawner.proc(1).exited() })
}

func TestRestartWorkers_RollingReplace(t *testing.T) {
	for _, graceful := range []bool{true, false} {
		name := "sigterm"
		if graceful {
			name = "graceful"
		}
		t.Run(name, func(t *testing.T) {
			spawner := newFakeSpawner(t)
			s := newTestSupervisor(t, spawner)
			startPool(t, s, Options{TargetWorkerCount: 3})

			// Sample the live count while the restart runs.
			var minCount atomic.Int64
			minCount.Store(3)
			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					if n := int64(s.WorkersCount()); n < minCount.Load() {
						minCount.Store(n)
					}
					time.Sleep(time.Millisecond)
				}
			}()

			ran, err := s.RestartWorkers(context.Background(), graceful)
			close(stop)
			wg.Wait()

			if err != nil || !ran {
				t.Fatalf("RestartWorkers() = %v, %v; want true, nil", ran, err)
			}
			if ids := liveIDs(s); !equalInts(ids, []int{4, 5, 6}) {
				t.Errorf("live ids = %v, want [4 5 6]", ids)
			}
			if minCount.Load() < 3 {
				t.Errorf("live count dropped to %d during restart", minCount.Load())
			}
			for id := 1; id <= 3; id++ {
				p := spawner.proc(id)
				if !p.exited() {
					t.Errorf("old worker %d still running", id)
				}
				if graceful && len(p.receivedSignals()) != 0 {
					t.Errorf("graceful restart signalled worker %d: %v", id, p.receivedSignals())
				}
				if !graceful && !sigterm(p.receivedSignals()) {
					t.Errorf("worker %d did not receive SIGTERM", id)
				}
			}
		})
	}
}

func TestRestartWorkers_NotReentrant(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 2})

	spawner.mu.Lock()
	spawner.app = func(int) stubApp { return stubApp{startDelay: 200 * time.Millisecond} }
	spawner.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		_, err := s.RestartWorkers(context.Background(), true)
		first <- err
	}()

	waitFor(t, "restart to begin", s.IsRestarting)
	ran, err := s.RestartWorkers(context.Background(), true)
	if ran || err != nil {
		t.Errorf("concurrent RestartWorkers() = %v, %v; want false, nil", ran, err)
	}

	if err := <-first; err != nil {
		t.Fatalf("first RestartWorkers() error = %v", err)
	}
	if s.IsRestarting() {
		t.Error("IsRestarting() = true after restart finished")
	}
	if spawner.spawned() != 4 {
		t.Errorf("spawned = %d, want 4 (one rolling pass)", spawner.spawned())
	}
}

func TestRestartWorkers_EmptyPoolRefills(t *testing.T) {
	s := newTestSupervisor(t, newFakeSpawner(t))
	startPool(t, s, Options{TargetWorkerCount: 2})

	if err := s.ShutDownWorkers(context.Background(), true); err != nil {
		t.Fatalf("ShutDownWorkers() error = %v", err)
	}
	if _, err := s.RestartWorkers(context.Background(), true); err != nil {
		t.Fatalf("RestartWorkers() error = %v", err)
	}
	if ids := liveIDs(s); !equalInts(ids, []int{3, 4}) {
		t.Errorf("live ids = %v, want [3 4]", ids)
	}
}

func TestRestartWorkers_BeforeStart(t *testing.T) {
	s := newTestSupervisor(t, newFakeSpawner(t))
	if _, err := s.RestartWorkers(context.Background(), true); !errors.Is(err, ErrNotStarted) {
		t.Errorf("RestartWorkers() error = %v, want ErrNotStarted", err)
	}
	if err := s.ShutDownWorkers(context.Background(), true); !errors.Is(err, ErrNotStarted) {
		t.Errorf("ShutDownWorkers() error = %v, want ErrNotStarted", err)
	}
}

func TestRestartWorkers_DuringStart(t *testing.T) {
	spawner := newFakeSpawner(t)
	spawner.app = func(int) stubApp { return stubApp{startDelay: 150 * time.Millisecond} }
	s := newTestSupervisor(t, spawner)
	t.Cleanup(func() {
		s.Close()
		s.ShutDownWorkers(context.Background(), false)
	})

	started := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), Options{TargetWorkerCount: 3, UseSupervisor: true, HeartbeatInterval: testHeartbeat})
		started <- err
	}()
	waitFor(t, "initial fork group to be spawned", func() bool { return spawner.spawned() == 3 })

	ran, err := s.RestartWorkers(context.Background(), true)
	if ran || !errors.Is(err, ErrNotStarted) {
		t.Errorf("RestartWorkers() during Start = %v, %v, want false, ErrNotStarted", ran, err)
	}
	if err := s.ShutDownWorkers(context.Background(), true); !errors.Is(err, ErrNotStarted) {
		t.Errorf("ShutDownWorkers() during Start error = %v, want ErrNotStarted", err)
	}
	if got := s.Options().TargetWorkerCount; got != 3 {
		t.Errorf("Options().TargetWorkerCount = %d, want 3", got)
	}

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return")
	}
	if got := s.WorkersCount(); got != 3 {
		t.Errorf("WorkersCount() = %d, want 3", got)
	}
	if got := spawner.spawned(); got != 3 {
		t.Errorf("spawned = %d, want 3", got)
	}
}

func TestCrashSelfHeal(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3})

	spawner.proc(2).crash()

	waitFor(t, "crashed worker to be replaced", func() bool {
		return equalInts(liveIDs(s), []int{1, 3, 4})
	})
	if got := s.WorkersCount(); got != 3 {
		t.Errorf("WorkersCount() = %d, want 3", got)
	}
}

func TestCrashSelfHeal_LeavesNoStaleEntries(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3})

	for id := 1; id <= 3; id++ {
		spawner.proc(id).crash()
	}

	waitFor(t, "every crashed worker to be replaced", func() bool {
		ids := liveIDs(s)
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(ids) == 3 && ids[0] > 3 && len(s.claims) == 0
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.killReasons) != 0 {
		t.Errorf("killReasons = %v, want empty", s.killReasons)
	}
	for id := 1; id <= 3; id++ {
		if _, ok := s.heartbeats[id]; ok {
			t.Errorf("heartbeat entry kept for exited worker %d", id)
		}
		if _, ok := s.procs[id]; ok {
			t.Errorf("process entry kept for exited worker %d", id)
		}
	}
}

func TestCrashSelfHeal_OutlivesStartContext(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	t.Cleanup(func() {
		s.Close()
		s.ShutDownWorkers(context.Background(), false)
	})

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.Start(ctx, Options{TargetWorkerCount: 2, UseSupervisor: true, HeartbeatInterval: testHeartbeat}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	spawner.proc(1).crash()
	waitFor(t, "crashed worker to be replaced", func() bool {
		return equalInts(liveIDs(s), []int{2, 3})
	})

	s.Close()
	spawner.proc(2).crash()
	waitFor(t, "crash to be observed", func() bool { return s.Snapshot().Running == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := spawner.spawned(); got != 3 {
		t.Errorf("spawned = %d after Close, want no further heals", got)
	}
}

func TestCrashSelfHeal_RetriesFailedFork(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 2})

	var failures atomic.Int32
	spawner.mu.Lock()
	spawner.spawnErr = func(int) error {
		if failures.Add(1) <= 2 {
			return errors.New("fork: transient")
		}
		return nil
	}
	spawner.mu.Unlock()

	spawner.proc(1).crash()

	waitFor(t, "heal to succeed after retries", func() bool {
		ids := liveIDs(s)
		return len(ids) == 2 && ids[0] == 2 && ids[1] > 2
	})
	if failures.Load() < 3 {
		t.Errorf("spawn attempts = %d, want at least 3", failures.Load())
	}
}

func TestHeartbeatTimeoutSelfHeal(t *testing.T) {
	spawner := newFakeSpawner(t)
	spawner.silent = func(id int) bool { return id == 2 }
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3, WorkerTimeout: 150 * time.Millisecond})

	before := livePids(s)

	waitFor(t, "silent worker to be replaced", func() bool {
		ids := liveIDs(s)
		return len(ids) == 3 && ids[0] == 1 && ids[1] == 3 && ids[2] >= 4
	})

	after := livePids(s)
	for _, id := range []int{1, 3} {
		if after[id] != before[id] {
			t.Errorf("sibling %d changed pid %d -> %d", id, before[id], after[id])
		}
	}
	waitFor(t, "silent worker to exit", func() bool { return spawner.proc(2).exited() })
	if !sigterm(spawner.proc(2).receivedSignals()) {
		t.Error("timed-out worker was not sent SIGTERM")
	}
}

func TestShutDownWorkers_IsFinal(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3, WorkerTimeout: 100 * time.Millisecond})

	if err := s.ShutDownWorkers(context.Background(), true); err != nil {
		t.Fatalf("ShutDownWorkers() error = %v", err)
	}
	if got := s.WorkersCount(); got != 0 {
		t.Errorf("WorkersCount() = %d, want 0", got)
	}
	for id := 1; id <= 3; id++ {
		if !spawner.proc(id).exited() {
			t.Errorf("worker %d still running", id)
		}
	}

	// Several scan periods later nothing has been refilled.
	time.Sleep(250 * time.Millisecond)
	if got := s.WorkersCount(); got != 0 {
		t.Errorf("WorkersCount() = %d after waiting, want 0", got)
	}
	if spawner.spawned() != 3 {
		t.Errorf("spawned = %d, want 3", spawner.spawned())
	}
}

func TestShutDownDuringReplaceAbandonsNewWorkers(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 2})

	spawner.mu.Lock()
	spawner.app = func(int) stubApp { return stubApp{startDelay: 150 * time.Millisecond} }
	spawner.mu.Unlock()

	restarted := make(chan error, 1)
	go func() {
		_, err := s.RestartWorkers(context.Background(), false)
		restarted <- err
	}()

	waitFor(t, "replacements to be forked", func() bool { return spawner.spawned() == 4 })
	if err := s.ShutDownWorkers(context.Background(), false); err != nil {
		t.Fatalf("ShutDownWorkers() error = %v", err)
	}
	if err := <-restarted; err != nil {
		t.Fatalf("RestartWorkers() error = %v", err)
	}

	if got := s.WorkersCount(); got != 0 {
		t.Errorf("WorkersCount() = %d, want 0", got)
	}
	waitFor(t, "abandoned workers to exit", func() bool {
		return spawner.proc(3).exited() && spawner.proc(4).exited()
	})
}

func TestKillScenario_ThreeWorkersReplacedWithDistinctPids(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3})

	original := livePids(s)
	for id := 1; id <= 3; id++ {
		spawner.proc(id).crash()
	}

	waitFor(t, "three replacements", func() bool {
		ids := liveIDs(s)
		return len(ids) == 3 && ids[0] > 3
	})

	seen := make(map[int]bool)
	for id, pid := range livePids(s) {
		for _, old := range original {
			if pid == old {
				t.Errorf("worker %d reuses original pid %d", id, pid)
			}
		}
		seen[pid] = true
	}
	if len(seen) != 3 {
		t.Errorf("distinct pids = %d, want 3", len(seen))
	}
}

func TestWorkerRequestedShutdown(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3})

	if err := spawner.proc(2).workerConn.Send(ipc.ShutDownWorker{}); err != nil {
		t.Fatalf("Send(ShutDownWorker) error = %v", err)
	}

	waitFor(t, "worker 2 to leave the pool", func() bool {
		return equalInts(liveIDs(s), []int{1, 3})
	})
	if !sigterm(spawner.proc(2).receivedSignals()) {
		t.Error("worker 2 was not sent SIGTERM")
	}

	time.Sleep(100 * time.Millisecond)
	if spawner.spawned() != 3 {
		t.Errorf("spawned = %d, want 3 (no replacement)", spawner.spawned())
	}
}

func TestSilentRestart(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 2})

	if err := spawner.proc(1).lifecycle.RequestRestart(true); err != nil {
		t.Fatalf("RequestRestart() error = %v", err)
	}

	waitFor(t, "pool to be rolled", func() bool {
		return equalInts(liveIDs(s), []int{3, 4}) && !s.IsRestarting()
	})
}

func TestWorkersStats(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := s.WorkersStats(ctx)
	if err != nil {
		t.Fatalf("WorkersStats() error = %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("len(stats) = %d, want 3", len(stats))
	}
	if !sort.SliceIsSorted(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID }) {
		t.Error("stats are not sorted by id")
	}
	pids := livePids(s)
	for _, st := range stats {
		if st.Pid != pids[st.ID] {
			t.Errorf("worker %d pid = %d, want %d", st.ID, st.Pid, pids[st.ID])
		}
		if st.ServerStats.Goroutines <= 0 {
			t.Errorf("worker %d goroutines = %v, want > 0", st.ID, st.ServerStats.Goroutines)
		}
	}
}

func TestPoolStatusChannel(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := ipc.Invoke[PoolStatus](ctx, spawner.proc(1).lifecycle.Channel(), PoolStatusChannel, nil, 0)
	if err != nil {
		t.Fatalf("Invoke(poolStatus) error = %v", err)
	}
	if status.Live != 2 || status.Target != 2 || status.Restarting {
		t.Errorf("poolStatus = %+v", status)
	}
}

// fakeStandalone records in-process starts and stops.
type fakeStandalone struct {
	starts, stops atomic.Int32
}

func (f *fakeStandalone) Start(context.Context) error { f.starts.Add(1); return nil }
func (f *fakeStandalone) Stop(context.Context) error  { f.stops.Add(1); return nil }

func TestStandaloneMode(t *testing.T) {
	app := &fakeStandalone{}
	spawner := newFakeSpawner(t)
	s := New(Config{Spawner: spawner, Standalone: app, Logger: newTestLogger()})

	if _, err := s.Start(context.Background(), Options{UseSupervisor: false}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ran, err := s.RestartWorkers(context.Background(), true); !ran || err != nil {
		t.Fatalf("RestartWorkers() = %v, %v", ran, err)
	}
	if err := s.ShutDownWorkers(context.Background(), true); err != nil {
		t.Fatalf("ShutDownWorkers() error = %v", err)
	}

	if app.starts.Load() != 2 || app.stops.Load() != 2 {
		t.Errorf("starts = %d stops = %d, want 2 and 2", app.starts.Load(), app.stops.Load())
	}
	if spawner.spawned() != 0 {
		t.Errorf("spawned = %d in standalone mode, want 0", spawner.spawned())
	}
}

func TestStandaloneMode_Missing(t *testing.T) {
	s := New(Config{Logger: newTestLogger()})
	if _, err := s.Start(context.Background(), Options{}); !errors.Is(err, ErrNoStandalone) {
		t.Errorf("Start() error = %v, want ErrNoStandalone", err)
	}
}

func TestKillRemaining(t *testing.T) {
	spawner := newFakeSpawner(t)
	s := newTestSupervisor(t, spawner)
	startPool(t, s, Options{TargetWorkerCount: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.KillRemaining(ctx); err != nil {
		t.Fatalf("KillRemaining() error = %v", err)
	}

	for id := 1; id <= 2; id++ {
		p := spawner.proc(id)
		if !p.exited() {
			t.Errorf("worker %d still running", id)
		}
		sigs := p.receivedSignals()
		if len(sigs) == 0 || sigs[0] != syscall.SIGKILL {
			t.Errorf("worker %d signals = %v, want SIGKILL", id, sigs)
		}
	}
	if got := s.WorkersCount(); got != 0 {
		t.Errorf("WorkersCount() = %d, want 0", got)
	}
	if got := s.Snapshot().Running; got != 0 {
		t.Errorf("Running = %d, want 0", got)
	}
	if spawner.spawned() != 2 {
		t.Errorf("spawned = %d, want no replacements", spawner.spawned())
	}
}
