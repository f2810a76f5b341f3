package worker

import (
	"container/list"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSubmitRunsJob(t *testing.T) {
	d := NewDispatcher(1, 2, 4, time.Minute)

	done := make(chan struct{})
	err := d.Submit(Job{UserID: 1, Run: func() { close(done) }})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitSignal(t, done, "job execution")
}

func TestSubmitRejectsEmptyJob(t *testing.T) {
	d := NewDispatcher(1, 1, 1, time.Minute)
	if err := d.Submit(Job{UserID: 1}); err == nil {
		t.Fatalf("expected error for job without work")
	}
}

func TestSubmitReportsBusy(t *testing.T) {
	d := NewDispatcher(1, 1, 1, time.Minute)

	started := make(chan struct{})
	gate := make(chan struct{})
	if err := d.Submit(Job{UserID: 1, Run: func() {
		close(started)
		<-gate
	}}); err != nil {
		t.Fatalf("submit blocking job: %v", err)
	}
	waitSignal(t, started, "blocking job start")

	// The single worker is occupied; keep feeding until intake overflows.
	var sawBusy bool
	for i := 0; i < 10; i++ {
		err := d.Submit(Job{UserID: 1, Run: func() {}})
		if errors.Is(err, ErrDispatcherBusy) {
			sawBusy = true
			break
		}
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(gate)
	if !sawBusy {
		t.Fatalf("dispatcher never reported busy with a saturated queue")
	}
}

func TestJobsOfOneUserRunInOrder(t *testing.T) {
	d := NewDispatcher(1, 1, 16, time.Minute)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		if err := d.Submit(Job{UserID: 7, Run: func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}}); err != nil {
			t.Fatalf("submit job %d: %v", i, err)
		}
	}

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	waitSignal(t, finished, "all jobs")

	for i, got := range order {
		if got != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestConcurrentUsersAllServed(t *testing.T) {
	d := NewDispatcher(1, 4, 32, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	perUser := make(map[int64][]int)
	for user := int64(1); user <= 3; user++ {
		for i := 0; i < 4; i++ {
			user, i := user, i
			wg.Add(1)
			if err := d.Submit(Job{UserID: user, Run: func() {
				mu.Lock()
				perUser[user] = append(perUser[user], i)
				mu.Unlock()
				wg.Done()
			}}); err != nil {
				t.Fatalf("submit user %d job %d: %v", user, i, err)
			}
		}
	}

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	waitSignal(t, finished, "all user jobs")

	// Every user's own jobs keep submission order even when interleaved
	// with other users.
	for user, ran := range perUser {
		if len(ran) != 4 {
			t.Fatalf("user %d ran %d jobs, want 4", user, len(ran))
		}
		for i, got := range ran {
			if got != i {
				t.Fatalf("user %d jobs out of order: %v", user, ran)
			}
		}
	}
}

func TestCancelUserDropsPendingJobs(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}

	d.enqueueJob(Job{UserID: 1, Run: func() {}})
	d.enqueueJob(Job{UserID: 1, Run: func() {}})
	d.enqueueJob(Job{UserID: 2, Run: func() {}})

	d.CancelUser(1)

	if _, ok := d.queues[1]; ok {
		t.Fatalf("user 1 queue survived cancellation")
	}
	if _, ok := d.positions[1]; ok {
		t.Fatalf("user 1 still in the round-robin ring")
	}
	if d.ready.Len() != 1 {
		t.Fatalf("ready ring has %d entries, want 1", d.ready.Len())
	}
	if q := d.queues[2]; q == nil || len(q.jobs) != 1 {
		t.Fatalf("user 2 queue was disturbed")
	}
}

func TestPoolScalesUpToMax(t *testing.T) {
	d := NewDispatcher(1, 3, 16, time.Minute)

	gate := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	for user := int64(1); user <= 3; user++ {
		user := user
		if err := d.Submit(Job{UserID: user, Run: func() {
			started.Done()
			<-gate
		}}); err != nil {
			t.Fatalf("submit user %d: %v", user, err)
		}
	}

	running := make(chan struct{})
	go func() { started.Wait(); close(running) }()
	waitSignal(t, running, "three concurrent workers")
	close(gate)

	d.pool.mu.Lock()
	got := d.pool.running
	d.pool.mu.Unlock()
	if got != 3 {
		t.Fatalf("pool running = %d, want 3", got)
	}
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour)

	chans := make([]chan Job, 0, 3)
	for i := 0; i < 3; i++ {
		chans = append(chans, p.acquire())
	}
	for _, ch := range chans {
		p.release(ch)
	}

	p.mu.Lock()
	for _, meta := range p.metadata {
		meta.lastUsed = time.Now().Add(-2 * time.Hour)
	}
	p.mu.Unlock()

	p.shutdownExpired()

	p.mu.Lock()
	got := p.running
	p.mu.Unlock()
	if got != p.min {
		t.Fatalf("pool running = %d after retirement, want floor %d", got, p.min)
	}
}
