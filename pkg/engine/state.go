package engine

import (
	"sort"
	"sync"
	"sync/atomic"
)

// SchedulerState is the per-play host bookkeeping shared by both strategies.
// It computes predicates only; deciding to stop is up to the strategy.
type SchedulerState struct {
	// mu guards every field below.
	mu sync.Mutex

	// settings are the play knobs.
	settings Settings

	// tree is consulted to tell finished hosts apart.
	tree PlanTree

	// registry supplies the live host snapshot.
	registry HostRegistry

	// hosts maps host names to their records.
	hosts map[string]*Host

	// order is the deterministic visiting order taken from the first snapshot.
	order []string

	// inflight counts in-flight dispatches per task id.
	inflight map[string]int

	// fatalHosts holds hosts that failed a task marked any_errors_fatal.
	fatalHosts map[string]bool

	// status accumulates run status flags.
	status RunStatus

	// tripped is set once the fatal policy fired.
	tripped bool

	// terminated is set by Terminate.
	terminated atomic.Bool
}

// NewSchedulerState creates the bookkeeping for one play.
func NewSchedulerState(settings Settings, tree PlanTree, registry HostRegistry) *SchedulerState {
	st := &SchedulerState{
		settings:   settings.withDefaults(),
		tree:       tree,
		registry:   registry,
		hosts:      make(map[string]*Host),
		inflight:   make(map[string]int),
		fatalHosts: make(map[string]bool),
	}
	for _, name := range registry.HostsLeft() {
		if _, ok := st.hosts[name]; ok {
			continue
		}
		st.hosts[name] = newHost(name)
		st.order = append(st.order, name)
	}
	return st
}

// host returns the record for name, or nil for hosts outside the play.
func (st *SchedulerState) host(name string) *Host {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.hosts[name]
}

// getHostsLeft returns, in visiting order, the hosts that still have work:
// present in the latest snapshot, reachable, not excluded and not complete.
func (st *SchedulerState) getHostsLeft() []*Host {
	present := make(map[string]bool)
	for _, name := range st.registry.HostsLeft() {
		present[name] = true
	}

	st.mu.Lock()
	candidates := make([]*Host, 0, len(st.order))
	for _, name := range st.order {
		h := st.hosts[name]
		if !present[name] || h.Unreachable || h.Excluded {
			continue
		}
		candidates = append(candidates, h)
	}
	st.mu.Unlock()

	left := candidates[:0]
	for _, h := range candidates {
		if _, _, task := st.tree.PeekNextTask(h.Name); task != nil {
			left = append(left, h)
		}
	}
	return left
}

// getCurrentFailures returns the failure tally of each named host.
func (st *SchedulerState) getCurrentFailures(names []string) map[string]int {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]int, len(names))
	for _, name := range names {
		if h, ok := st.hosts[name]; ok {
			out[name] = h.Failures
		}
	}
	return out
}

// checkFailPercent reports whether the fatal policy fires. A failed host whose
// failing task was marked any_errors_fatal always fires it. Otherwise the
// failed and unreachable share of the batch is held against
// max_fail_percentage, or any failure is fatal when any_errors_fatal is set.
func (st *SchedulerState) checkFailPercent() bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	for name := range st.fatalHosts {
		if st.hosts[name].Failed {
			return true
		}
	}

	failed := 0
	for _, h := range st.hosts {
		if h.Failed || h.Unreachable {
			failed++
		}
	}
	if st.settings.MaxFailPercentage != nil {
		batch := st.settings.BatchSize
		if batch <= 0 {
			batch = len(st.order)
		}
		if batch == 0 {
			return false
		}
		return float64(failed)*100/float64(batch) > *st.settings.MaxFailPercentage
	}
	return st.settings.AnyErrorsFatal && failed > 0
}

func (st *SchedulerState) setBlocked(name string, blocked bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if h, ok := st.hosts[name]; ok {
		h.Blocked = blocked
	}
}

func (st *SchedulerState) inflightFor(taskID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inflight[taskID]
}

func (st *SchedulerState) inflightTotal() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, c := range st.inflight {
		n += c
	}
	return n
}

func (st *SchedulerState) taskStarted(taskID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inflight[taskID]++
}

func (st *SchedulerState) taskFinished(taskID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inflight[taskID] <= 1 {
		delete(st.inflight, taskID)
		return
	}
	st.inflight[taskID]--
}

// roleAlreadyRan reports whether task belongs to a role that completed on the host
// and does not allow duplicates.
func (st *SchedulerState) roleAlreadyRan(name string, task *Task) bool {
	if task.RoleID == "" || task.AllowDuplicateRole {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	h, ok := st.hosts[name]
	return ok && h.RunOnceDone[task.RoleID]
}

func (st *SchedulerState) markRoleDone(name, roleID string) {
	if roleID == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if h, ok := st.hosts[name]; ok {
		h.RunOnceDone[roleID] = true
	}
}

func (st *SchedulerState) orStatus(flag RunStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status |= flag
}

// Status returns the accumulated run status.
func (st *SchedulerState) Status() RunStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// Hosts returns a copy of every host record, in visiting order.
func (st *SchedulerState) Hosts() []Host {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Host, 0, len(st.order))
	for _, name := range st.order {
		h := *st.hosts[name]
		h.RunOnceDone = make(map[string]bool, len(st.hosts[name].RunOnceDone))
		for k, v := range st.hosts[name].RunOnceDone {
			h.RunOnceDone[k] = v
		}
		out = append(out, h)
	}
	return out
}

// excludeFailed excludes every failed or unreachable host not yet excluded
// and returns their names in visiting order.
func (st *SchedulerState) excludeFailed() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for _, name := range st.order {
		h := st.hosts[name]
		if h.Excluded || !(h.Failed || h.Unreachable) {
			continue
		}
		h.Excluded = true
		out = append(out, name)
	}
	return out
}

func (st *SchedulerState) isExcluded(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	h, ok := st.hosts[name]
	return ok && h.Excluded
}

// trip records the fatal policy firing. It returns false if it already fired.
func (st *SchedulerState) trip() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status |= RunFailedBreakPlay
	if st.tripped {
		return false
	}
	st.tripped = true
	return true
}

func (st *SchedulerState) isTripped() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tripped
}

// Terminate asks the scheduler to stop dispatching. In-flight work is drained.
func (st *SchedulerState) Terminate() {
	st.terminated.Store(true)
}

func (st *SchedulerState) sortedNames(pred func(*Host) bool) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for name, h := range st.hosts {
		if pred(h) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
