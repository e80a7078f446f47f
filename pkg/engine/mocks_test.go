package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// mockCursor is one host's position in a single-block plan: the task list
// followed by an always section.
type mockCursor struct {
	tasks   []*Task
	always  []*Task
	pos     int
	apos    int
	failed  bool
	inAlway bool
	ended   bool
}

// mockTree is a PlanTree over one block per host.
type mockTree struct {
	mu       sync.Mutex
	cursors  map[string]*mockCursor
	includes map[string][]*Task
	included []string
}

func newMockTree(hosts []string, tasks []*Task, always []*Task) *mockTree {
	t := &mockTree{
		cursors:  make(map[string]*mockCursor),
		includes: make(map[string][]*Task),
	}
	for _, h := range hosts {
		t.cursors[h] = &mockCursor{
			tasks:  append([]*Task(nil), tasks...),
			always: append([]*Task(nil), always...),
		}
	}
	return t
}

func (t *mockTree) next(c *mockCursor) (RunState, BlockPath, *Task) {
	if c.ended {
		return RunStateComplete, BlockPath{1}, nil
	}
	if !c.failed && !c.inAlway && c.pos < len(c.tasks) {
		return RunStateTasks, BlockPath{0}, c.tasks[c.pos]
	}
	if c.apos < len(c.always) {
		return RunStateAlways, BlockPath{0}, c.always[c.apos]
	}
	return RunStateComplete, BlockPath{1}, nil
}

func (t *mockTree) PeekNextTask(host string) (RunState, BlockPath, *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cursors[host]
	if !ok {
		return RunStateComplete, nil, nil
	}
	return t.next(c)
}

func (t *mockTree) AdvanceTask(host string) (RunState, BlockPath, *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursors[host]
	st, path, task := t.next(c)
	switch st {
	case RunStateTasks:
		c.pos++
	case RunStateAlways:
		c.inAlway = true
		c.apos++
	}
	return st, path, task
}

func (t *mockTree) MarkFailed(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[host].failed = true
}

func (t *mockTree) IsFailed(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursors[host]
	return c.failed && c.apos >= len(c.always)
}

func (t *mockTree) ClearFailure(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[host].failed = false
}

func (t *mockTree) EndHost(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[host].ended = true
}

func (t *mockTree) Include(host, ref string, asNoop bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cursors[host]
	tasks := t.includes[ref]
	if asNoop {
		clones := make([]*Task, len(tasks))
		for i, task := range tasks {
			clones[i] = task.NoopClone()
		}
		tasks = clones
		t.included = append(t.included, host+":noop:"+ref)
	} else {
		t.included = append(t.included, host+":"+ref)
	}
	rest := append([]*Task(nil), c.tasks[c.pos:]...)
	c.tasks = append(append(c.tasks[:c.pos], tasks...), rest...)
	return nil
}

// mockRegistry returns a fixed host list.
type mockRegistry struct {
	mu    sync.Mutex
	hosts []string
}

func newMockRegistry(hosts ...string) *mockRegistry {
	return &mockRegistry{hosts: hosts}
}

func (r *mockRegistry) HostsLeft() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hosts...)
}

// dispatchRecord is one observed dispatch.
type dispatchRecord struct {
	host string
	task string
}

// mockDispatcher resolves tasks either immediately or after a delay on its
// own goroutine, tracking concurrency.
type mockDispatcher struct {
	mu         sync.Mutex
	delay      time.Duration
	fail       func(host string, task *Task) bool
	unreach    func(host string, task *Task) bool
	include    map[string]string
	dispatched []dispatchRecord
	running    atomic.Int64
	maxRunning atomic.Int64
	perTask    map[string]int
	maxPerTask map[string]int
	returnNil  bool
	wg         sync.WaitGroup
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{
		include:    make(map[string]string),
		perTask:    make(map[string]int),
		maxPerTask: make(map[string]int),
	}
}

func (d *mockDispatcher) Dispatch(ctx context.Context, host string, task *Task) *PendingResult {
	if d.returnNil {
		return nil
	}
	d.mu.Lock()
	d.dispatched = append(d.dispatched, dispatchRecord{host: host, task: task.Name})
	d.perTask[task.Name]++
	if d.perTask[task.Name] > d.maxPerTask[task.Name] {
		d.maxPerTask[task.Name] = d.perTask[task.Name]
	}
	d.mu.Unlock()

	n := d.running.Add(1)
	for {
		m := d.maxRunning.Load()
		if n <= m || d.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	pr := NewPendingResult(host, task)
	res := TaskResult{StartedAt: time.Now()}
	if d.fail != nil && d.fail(host, task) {
		res.Failed = true
	}
	if d.unreach != nil && d.unreach(host, task) {
		res.Unreachable = true
	}
	if ref, ok := d.include[task.Name]; ok {
		res.Include = ref
	}

	finish := func() {
		d.mu.Lock()
		d.perTask[task.Name]--
		d.mu.Unlock()
		d.running.Add(-1)
		pr.Resolve(res)
	}
	if d.delay == 0 {
		finish()
		return pr
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		time.Sleep(d.delay)
		finish()
	}()
	return pr
}

func (d *mockDispatcher) records() []dispatchRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchRecord(nil), d.dispatched...)
}

func (d *mockDispatcher) tasksFor(host string) []string {
	var out []string
	for _, r := range d.records() {
		if r.host == host {
			out = append(out, r.task)
		}
	}
	return out
}

// mockPublisher records events.
type mockPublisher struct {
	mu     sync.Mutex
	events []Event
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{}
}

func (p *mockPublisher) Publish(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *mockPublisher) count(typ EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// mockMetrics counts calls.
type mockMetrics struct {
	mu         sync.Mutex
	dispatches int
	results    int
	throttled  int
	rounds     int
	fatal      int
}

func (m *mockMetrics) RecordDispatch(strategy, module string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches++
}

func (m *mockMetrics) RecordResult(strategy, status string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results++
}

func (m *mockMetrics) RecordThrottled(strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttled++
}

func (m *mockMetrics) RecordRound(strategy string, dispatched int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds++
}

func (m *mockMetrics) SetInflight(strategy string, n int) {}

func (m *mockMetrics) RecordFatal(strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fatal++
}

func namedTasks(names ...string) []*Task {
	out := make([]*Task, len(names))
	for i, n := range names {
		out[i] = NewTask(n, "command", nil)
	}
	return out
}

func hostNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "host" + string(rune('1'+i))
	}
	return out
}

func pct(v float64) *float64 {
	return &v
}
