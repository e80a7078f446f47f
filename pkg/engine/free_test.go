package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func newFreeForTest(t *testing.T, settings Settings, tree PlanTree, d Dispatcher, hosts []string) (*FreeStrategy, *mockPublisher) {
	t.Helper()
	pub := newMockPublisher()
	s, err := NewFreeStrategy(settings, Deps{
		Tree:       tree,
		Dispatcher: d,
		Registry:   newMockRegistry(hosts...),
		Publisher:  pub,
		Metrics:    &mockMetrics{},
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewFreeStrategy() error = %v", err)
	}
	return s, pub
}

func TestNewFreeStrategy_MissingDeps(t *testing.T) {
	_, err := NewFreeStrategy(Settings{}, Deps{})
	if err == nil {
		t.Fatal("Expected error for missing collaborators")
	}
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestFreeStrategy_ConcurrencyBound(t *testing.T) {
	defer goleak.VerifyNone(t)

	hosts := hostNames(3)
	tree := newMockTree(hosts, namedTasks("t1", "t2"), nil)
	d := newMockDispatcher()
	d.delay = 20 * time.Millisecond

	s, _ := newFreeForTest(t, Settings{Concurrency: 2, PollInterval: time.Millisecond}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	d.wg.Wait()

	if res.Status != RunOK {
		t.Errorf("Expected status ok, got %s", res.Status)
	}
	if got := len(d.records()); got != 6 {
		t.Fatalf("Expected 6 dispatches, got %d", got)
	}
	if max := d.maxRunning.Load(); max > 2 {
		t.Errorf("Expected at most 2 tasks in flight, got %d", max)
	}
	for _, h := range hosts {
		got := d.tasksFor(h)
		if len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
			t.Errorf("Host %s ran %v, want [t1 t2]", h, got)
		}
	}
}

func TestFreeStrategy_Throttle(t *testing.T) {
	defer goleak.VerifyNone(t)

	hosts := hostNames(5)
	tasks := namedTasks("throttled")
	tasks[0].Throttle = 1
	tree := newMockTree(hosts, tasks, nil)
	d := newMockDispatcher()
	d.delay = 5 * time.Millisecond

	s, _ := newFreeForTest(t, Settings{Concurrency: 5, PollInterval: time.Millisecond}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	d.wg.Wait()

	if got := len(d.records()); got != 5 {
		t.Fatalf("Expected 5 dispatches, got %d", got)
	}
	if max := d.maxPerTask["throttled"]; max != 1 {
		t.Errorf("Expected at most 1 concurrent execution, got %d", max)
	}
	if res.Status != RunOK {
		t.Errorf("Expected status ok, got %s", res.Status)
	}
}

func TestFreeStrategy_AnyErrorsFatal(t *testing.T) {
	hosts := hostNames(4)
	tree := newMockTree(hosts, namedTasks("t1", "t2"), nil)
	d := newMockDispatcher()
	d.fail = func(host string, task *Task) bool {
		return host == "host2" && task.Name == "t1"
	}

	s, pub := newFreeForTest(t, Settings{Concurrency: 4, AnyErrorsFatal: true}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !res.Status.Has(RunFailedBreakPlay) {
		t.Errorf("Expected FAILED_BREAK_PLAY, got %s", res.Status)
	}
	if res.Status.Outcome() != OutcomeAborted {
		t.Errorf("Expected aborted outcome, got %s", res.Status.Outcome())
	}
	for _, h := range []string{"host1", "host3", "host4"} {
		for _, task := range d.tasksFor(h) {
			if task == "t2" {
				t.Errorf("Host %s was dispatched t2 after the fatal failure", h)
			}
		}
	}
	if len(res.Failed) != 1 || res.Failed[0] != "host2" {
		t.Errorf("Expected failed=[host2], got %v", res.Failed)
	}
	if pub.count(EventTypeFatal) != 1 {
		t.Errorf("Expected one fatal event, got %d", pub.count(EventTypeFatal))
	}
}

func TestFreeStrategy_FailureWithoutFatalContinues(t *testing.T) {
	hosts := hostNames(3)
	tree := newMockTree(hosts, namedTasks("t1", "t2"), nil)
	d := newMockDispatcher()
	d.fail = func(host string, task *Task) bool { return host == "host1" && task.Name == "t1" }

	s, _ := newFreeForTest(t, Settings{Concurrency: 3}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != RunFailedHosts {
		t.Errorf("Expected failed_hosts, got %s", res.Status)
	}
	if got := d.tasksFor("host2"); len(got) != 2 {
		t.Errorf("Expected host2 to run both tasks, got %v", got)
	}
	if got := d.tasksFor("host1"); len(got) != 1 {
		t.Errorf("Expected host1 to stop after its failure, got %v", got)
	}
}

func TestFreeStrategy_RoleDedup(t *testing.T) {
	hosts := []string{"web1"}
	first := NewTask("role task", "command", nil)
	first.RoleID = "common"
	done := NewMetaTask(MetaRoleComplete)
	done.RoleID = "common"
	again := NewTask("role task again", "command", nil)
	again.RoleID = "common"
	after := NewTask("after", "command", nil)

	tree := newMockTree(hosts, []*Task{first, done, again, after}, nil)
	d := newMockDispatcher()

	s, _ := newFreeForTest(t, Settings{Concurrency: 1}, tree, d, hosts)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := d.tasksFor("web1")
	if len(got) != 2 || got[0] != "role task" || got[1] != "after" {
		t.Errorf("Expected [role task after], got %v", got)
	}
	if !s.Hosts()[0].RunOnceDone["common"] {
		t.Error("Expected role to be recorded as done")
	}
}

func TestFreeStrategy_RoleDuplicatesAllowed(t *testing.T) {
	hosts := []string{"web1"}
	first := NewTask("role task", "command", nil)
	first.RoleID = "common"
	done := NewMetaTask(MetaRoleComplete)
	done.RoleID = "common"
	again := NewTask("role task again", "command", nil)
	again.RoleID = "common"
	again.AllowDuplicateRole = true

	tree := newMockTree(hosts, []*Task{first, done, again}, nil)
	d := newMockDispatcher()

	s, _ := newFreeForTest(t, Settings{Concurrency: 1}, tree, d, hosts)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := d.tasksFor("web1"); len(got) != 2 {
		t.Errorf("Expected duplicate role run, got %v", got)
	}
}

func TestFreeStrategy_HostPinned(t *testing.T) {
	defer goleak.VerifyNone(t)

	hosts := hostNames(4)
	tree := newMockTree(hosts, namedTasks("t1", "t2", "t3"), nil)
	d := newMockDispatcher()
	d.delay = 2 * time.Millisecond

	s, _ := newFreeForTest(t, Settings{Concurrency: 2, HostPinned: true, PollInterval: time.Millisecond}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	d.wg.Wait()

	if res.Dispatched != 12 {
		t.Errorf("Expected 12 dispatches, got %d", res.Dispatched)
	}
	if max := d.maxRunning.Load(); max > 2 {
		t.Errorf("Expected at most 2 in flight, got %d", max)
	}
}

func TestFreeStrategy_Unreachable(t *testing.T) {
	hosts := hostNames(2)
	tree := newMockTree(hosts, namedTasks("t1", "t2"), nil)
	d := newMockDispatcher()
	d.unreach = func(host string, task *Task) bool { return host == "host1" }

	s, _ := newFreeForTest(t, Settings{Concurrency: 2}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Status.Has(RunUnreachableHosts) {
		t.Errorf("Expected unreachable flag, got %s", res.Status)
	}
	if len(res.Unreachable) != 1 || res.Unreachable[0] != "host1" {
		t.Errorf("Expected unreachable=[host1], got %v", res.Unreachable)
	}
	if got := d.tasksFor("host1"); len(got) != 1 {
		t.Errorf("Expected no further dispatch to unreachable host, got %v", got)
	}
}

func TestFreeStrategy_MaxFailPercentage(t *testing.T) {
	hosts := hostNames(4)
	tree := newMockTree(hosts, namedTasks("t1", "t2"), nil)
	d := newMockDispatcher()
	d.fail = func(host string, task *Task) bool { return host == "host1" && task.Name == "t1" }

	// 1 of 4 failed is 25%, below the 30% threshold
	s, _ := newFreeForTest(t, Settings{Concurrency: 4, MaxFailPercentage: pct(30)}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status.Has(RunFailedBreakPlay) {
		t.Errorf("Did not expect FAILED_BREAK_PLAY, got %s", res.Status)
	}
	if got := len(d.records()); got != 7 {
		t.Errorf("Expected 7 dispatches, got %d", got)
	}
}

func TestFreeStrategy_Include(t *testing.T) {
	hosts := hostNames(2)
	inc := NewTask("include extra", "include", nil)
	tree := newMockTree(hosts, []*Task{inc}, nil)
	tree.includes["extra"] = namedTasks("extra task")
	d := newMockDispatcher()
	d.include["include extra"] = "extra"

	s, _ := newFreeForTest(t, Settings{Concurrency: 2}, tree, d, hosts)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, h := range hosts {
		got := d.tasksFor(h)
		if len(got) != 2 || got[1] != "extra task" {
			t.Errorf("Host %s ran %v, want the included task", h, got)
		}
	}
	for _, inc := range tree.included {
		if inc == "host1:noop:extra" || inc == "host2:noop:extra" {
			t.Errorf("Free strategy must not hand out noop includes, got %s", inc)
		}
	}
}

func TestFreeStrategy_Terminate(t *testing.T) {
	hosts := hostNames(2)
	tree := newMockTree(hosts, namedTasks("t1"), nil)
	d := newMockDispatcher()

	s, _ := newFreeForTest(t, Settings{}, tree, d, hosts)
	s.Terminate()
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Dispatched != 0 {
		t.Errorf("Expected no dispatch after Terminate, got %d", res.Dispatched)
	}
}

func TestFreeStrategy_CancelledContextDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	hosts := hostNames(3)
	tree := newMockTree(hosts, namedTasks("t1", "t2", "t3"), nil)
	d := newMockDispatcher()
	d.delay = 30 * time.Millisecond

	s, _ := newFreeForTest(t, Settings{Concurrency: 3, PollInterval: time.Millisecond}, tree, d, hosts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	res, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	d.wg.Wait()

	if res.Dispatched >= 9 {
		t.Errorf("Expected cancellation to stop dispatching, got %d dispatches", res.Dispatched)
	}
	if n := d.running.Load(); n != 0 {
		t.Errorf("Expected all dispatched work to be drained, %d still running", n)
	}
}

func TestFreeStrategy_NilPendingIsContractViolation(t *testing.T) {
	hosts := hostNames(1)
	tree := newMockTree(hosts, namedTasks("t1"), nil)
	d := newMockDispatcher()
	d.returnNil = true

	s, _ := newFreeForTest(t, Settings{}, tree, d, hosts)
	res, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Expected contract violation error")
	}
	if !IsContractViolation(err) {
		t.Errorf("Expected contract violation, got %v", err)
	}
	if !res.Status.Has(RunUnknownError) {
		t.Errorf("Expected UNKNOWN_ERROR, got %s", res.Status)
	}
	if s.pool.FreeSlots() != s.pool.Size() {
		t.Errorf("Expected the worker slot to be released")
	}
}
