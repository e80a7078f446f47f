package plan

import (
	"errors"
	"testing"

	"github.com/openfroyo/fleetplay/pkg/engine"
)

func task(name string) Item {
	return TaskItem(engine.NewTask(name, "debug", nil))
}

// newTestTree stores blocks as top-level blocks of a fresh arena.
func newTestTree(setup *engine.Task, blocks ...*Block) (*Tree, *Arena) {
	a := &Arena{}
	roots := make([]int, len(blocks))
	for i, b := range blocks {
		roots[i] = a.Add(NoParent, b)
	}
	return NewTree(a, roots, nil, setup), a
}

func tasks(names ...string) []Item {
	items := make([]Item, len(names))
	for i, n := range names {
		items[i] = task(n)
	}
	return items
}

// drain advances host until the tree runs out and returns the task names.
func drain(tr *Tree, host string) []string {
	var names []string
	for {
		_, _, tk := tr.AdvanceTask(host)
		if tk == nil {
			return names
		}
		names = append(names, tk.Name)
	}
}

func equalNames(a, b []string) bool {
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

func TestTree_LinearWalk(t *testing.T) {
	tr, _ := newTestTree(nil, &Block{Tasks: tasks("t1", "t2")}, &Block{Tasks: tasks("t3")})

	tests := []struct {
		name  string
		state engine.RunState
		path  engine.BlockPath
	}{
		{"t1", engine.RunStateTasks, engine.BlockPath{0}},
		{"t2", engine.RunStateTasks, engine.BlockPath{0}},
		{"t3", engine.RunStateTasks, engine.BlockPath{1}},
	}
	for _, tt := range tests {
		state, path, tk := tr.AdvanceTask("A")
		if tk == nil || tk.Name != tt.name {
			t.Fatalf("Expected %s, got %+v", tt.name, tk)
		}
		if state != tt.state {
			t.Errorf("%s: expected state %v, got %v", tt.name, tt.state, state)
		}
		if !path.Equal(tt.path) {
			t.Errorf("%s: expected path %v, got %v", tt.name, tt.path, path)
		}
	}

	state, _, tk := tr.AdvanceTask("A")
	if tk != nil || state != engine.RunStateComplete {
		t.Errorf("Expected completion, got %v %+v", state, tk)
	}
	// Completion is sticky
	if _, _, tk := tr.PeekNextTask("A"); tk != nil {
		t.Errorf("Expected nil after completion, got %s", tk.Name)
	}
}

func TestTree_PeekDoesNotAdvance(t *testing.T) {
	tr, _ := newTestTree(nil, &Block{Tasks: tasks("t1", "t2")})

	_, p1, a := tr.PeekNextTask("A")
	_, p2, b := tr.PeekNextTask("A")
	if a != b || !p1.Equal(p2) {
		t.Fatalf("Peek is not idempotent: %s@%v vs %s@%v", a.Name, p1, b.Name, p2)
	}
	_, _, c := tr.AdvanceTask("A")
	if c != a {
		t.Errorf("Advance returned %s, peek promised %s", c.Name, a.Name)
	}
}

func TestTree_HostsAreIndependent(t *testing.T) {
	tr, _ := newTestTree(nil, &Block{Tasks: tasks("t1", "t2")})

	tr.AdvanceTask("A")
	tr.AdvanceTask("A")
	if _, _, tk := tr.PeekNextTask("B"); tk == nil || tk.Name != "t1" {
		t.Errorf("Host B should start at t1, got %+v", tk)
	}
}

func TestTree_SetupTask(t *testing.T) {
	setup := engine.NewTask("Gathering Facts", SetupModule, nil)
	tr, _ := newTestTree(setup, &Block{Tasks: tasks("t1")})

	state, path, tk := tr.AdvanceTask("A")
	if tk != setup {
		t.Fatalf("Expected setup task first, got %+v", tk)
	}
	if state != engine.RunStateSetup || !path.Equal(engine.BlockPath{0}) {
		t.Errorf("Setup reported at %v %v", state, path)
	}
	if got := drain(tr, "A"); !equalNames(got, []string{"t1"}) {
		t.Errorf("Expected [t1] after setup, got %v", got)
	}
}

func TestTree_SetupFailure(t *testing.T) {
	setup := engine.NewTask("Gathering Facts", SetupModule, nil)
	tr, _ := newTestTree(setup, &Block{Tasks: tasks("t1")})

	tr.AdvanceTask("A")
	tr.MarkFailed("A")
	if !tr.IsFailed("A") {
		t.Error("Expected host to be failed after setup failure")
	}
	if state, _, tk := tr.PeekNextTask("A"); tk != nil || state != engine.RunStateComplete {
		t.Errorf("Expected complete, got %v %+v", state, tk)
	}
}

func TestTree_RescueClearsFailure(t *testing.T) {
	tr, _ := newTestTree(nil,
		&Block{Tasks: tasks("a1", "a2"), Rescue: tasks("r1"), Always: tasks("w1")},
		&Block{Tasks: tasks("n1")},
	)

	tr.AdvanceTask("A")
	tr.MarkFailed("A")
	if tr.IsFailed("A") {
		t.Error("Host with pending rescue must not be failed")
	}

	state, _, tk := tr.AdvanceTask("A")
	if tk.Name != "r1" || state != engine.RunStateRescue {
		t.Fatalf("Expected r1 in rescue, got %s in %v", tk.Name, state)
	}
	if got := drain(tr, "A"); !equalNames(got, []string{"w1", "n1"}) {
		t.Errorf("Expected [w1 n1], got %v", got)
	}
	if tr.IsFailed("A") {
		t.Error("Rescued host must not be failed")
	}
}

func TestTree_FailureRunsAlways(t *testing.T) {
	tr, _ := newTestTree(nil,
		&Block{Tasks: tasks("a1", "a2"), Always: tasks("w1")},
		&Block{Tasks: tasks("n1")},
	)

	tr.AdvanceTask("A")
	tr.MarkFailed("A")
	if tr.IsFailed("A") {
		t.Error("Host with pending always section must not be failed yet")
	}

	state, _, tk := tr.AdvanceTask("A")
	if tk.Name != "w1" || state != engine.RunStateAlways {
		t.Fatalf("Expected w1 in always, got %s in %v", tk.Name, state)
	}
	if tr.IsFailed("A") {
		t.Error("Host must not be failed before always returns")
	}
	if _, _, tk := tr.AdvanceTask("A"); tk != nil {
		t.Errorf("Failed host should stop after always, got %s", tk.Name)
	}
	if !tr.IsFailed("A") {
		t.Error("Expected host failed once always finished")
	}
}

func TestTree_FailureWithoutHandlers(t *testing.T) {
	tr, _ := newTestTree(nil, &Block{Tasks: tasks("a1", "a2")}, &Block{Tasks: tasks("n1")})

	tr.AdvanceTask("A")
	tr.MarkFailed("A")
	if !tr.IsFailed("A") {
		t.Error("Expected immediate failure")
	}
	if state, _, tk := tr.PeekNextTask("A"); tk != nil || state != engine.RunStateComplete {
		t.Errorf("Expected complete, got %v %+v", state, tk)
	}
}

func TestTree_RescueFailure(t *testing.T) {
	tr, _ := newTestTree(nil,
		&Block{Tasks: tasks("a1"), Rescue: tasks("r1"), Always: tasks("w1")},
		&Block{Tasks: tasks("n1")},
	)

	tr.AdvanceTask("A")
	tr.MarkFailed("A")
	tr.AdvanceTask("A") // r1
	tr.MarkFailed("A")

	if got := drain(tr, "A"); !equalNames(got, []string{"w1"}) {
		t.Errorf("Expected only w1 after rescue failure, got %v", got)
	}
	if !tr.IsFailed("A") {
		t.Error("Expected host failed after rescue failure")
	}
}

func TestTree_NestedFailurePropagates(t *testing.T) {
	outer := &Block{Rescue: tasks("r1")}
	tr, a := newTestTree(nil, outer)
	inner := a.Add(0, &Block{Tasks: tasks("i1", "i2")})
	outer.Tasks = []Item{BlockItem(inner), task("after")}

	state, path, tk := tr.AdvanceTask("A")
	if tk.Name != "i1" {
		t.Fatalf("Expected i1, got %s", tk.Name)
	}
	want := engine.BlockPath{0, int(engine.RunStateTasks), 0}
	if state != engine.RunStateTasks || !path.Equal(want) {
		t.Errorf("Expected %v in tasks, got %v in %v", want, path, state)
	}

	tr.MarkFailed("A")
	if tr.IsFailed("A") {
		t.Error("Outer rescue is pending; host must not be failed")
	}

	state, path, tk = tr.AdvanceTask("A")
	if tk == nil || tk.Name != "r1" {
		t.Fatalf("Expected outer rescue r1, got %+v", tk)
	}
	if state != engine.RunStateRescue || !path.Equal(engine.BlockPath{0}) {
		t.Errorf("Expected rescue at [0], got %v at %v", state, path)
	}
	if _, _, tk := tr.AdvanceTask("A"); tk != nil {
		t.Errorf("Expected end of play, got %s", tk.Name)
	}
	if tr.IsFailed("A") {
		t.Error("Rescued host must not be failed")
	}
}

func TestTree_NestedFailureWithoutHandlers(t *testing.T) {
	outer := &Block{}
	tr, a := newTestTree(nil, outer)
	outer.Tasks = []Item{BlockItem(a.Add(0, &Block{Tasks: tasks("i1")})), task("after")}

	tr.AdvanceTask("A")
	tr.MarkFailed("A")
	if !tr.IsFailed("A") {
		t.Error("Expected failure to reach the top level")
	}
	if _, _, tk := tr.AdvanceTask("A"); tk != nil {
		t.Errorf("Expected no more tasks, got %s", tk.Name)
	}
}

func TestTree_ClearFailure(t *testing.T) {
	tr, _ := newTestTree(nil,
		&Block{Tasks: tasks("a1"), Always: tasks("w1")},
		&Block{Tasks: tasks("n1")},
	)

	tr.AdvanceTask("A")
	tr.MarkFailed("A")
	tr.ClearFailure("A")

	if got := drain(tr, "A"); !equalNames(got, []string{"w1", "n1"}) {
		t.Errorf("Expected [w1 n1] after clearing, got %v", got)
	}
	if tr.IsFailed("A") {
		t.Error("Cleared host must not be failed")
	}
}

func TestTree_EndHost(t *testing.T) {
	tr, _ := newTestTree(nil, &Block{Tasks: tasks("t1", "t2")})

	tr.AdvanceTask("A")
	tr.EndHost("A")
	state, _, tk := tr.PeekNextTask("A")
	if tk != nil || state != engine.RunStateComplete {
		t.Errorf("Expected complete after EndHost, got %v %+v", state, tk)
	}
	if tr.IsFailed("A") {
		t.Error("EndHost must not mark the host failed")
	}
}

func TestTree_Include(t *testing.T) {
	inc := engine.NewTask("pull extra", IncludeModule, map[string]interface{}{"ref": "extra"})
	a := &Arena{}
	root := a.Add(NoParent, &Block{Tasks: []Item{TaskItem(inc), task("t2")}})
	extra := a.Add(NoParent, &Block{Name: "include extra", Tasks: tasks("x1", "x2")})
	tr := NewTree(a, []int{root}, map[string]int{"extra": extra}, nil)

	tr.AdvanceTask("A")
	tr.AdvanceTask("B")
	tr.AdvanceTask("C")
	if err := tr.Include("A", "extra", false); err != nil {
		t.Fatalf("Include() error = %v", err)
	}
	if err := tr.Include("B", "extra", true); err != nil {
		t.Fatalf("Include() error = %v", err)
	}

	_, pa, ta := tr.PeekNextTask("A")
	_, pb, tb := tr.PeekNextTask("B")
	want := engine.BlockPath{0, int(engine.RunStateTasks), 1}
	if !pa.Equal(want) || !pb.Equal(want) {
		t.Errorf("Expected both hosts at %v, got %v and %v", want, pa, pb)
	}
	if ta.Name != "x1" || ta.IsNoop() {
		t.Errorf("Expected real x1 on A, got %+v", ta)
	}
	if !tb.IsNoop() {
		t.Errorf("Expected a noop on B, got %+v", tb)
	}

	if got := drain(tr, "A"); !equalNames(got, []string{"x1", "x2", "t2"}) {
		t.Errorf("A: expected [x1 x2 t2], got %v", got)
	}
	var noops int
	for {
		_, _, tk := tr.AdvanceTask("B")
		if tk == nil {
			break
		}
		if tk.IsNoop() {
			noops++
		}
	}
	if noops != 2 {
		t.Errorf("B: expected 2 noops, got %d", noops)
	}
	// The shared plan is untouched by per-host includes
	if got := drain(tr, "C"); !equalNames(got, []string{"t2"}) {
		t.Errorf("C: expected [t2], got %v", got)
	}
}

func TestTree_IncludeErrors(t *testing.T) {
	tr, _ := newTestTree(nil, &Block{Tasks: tasks("t1")})

	err := tr.Include("A", "missing", false)
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected EngineError, got %v", err)
	}
	if ee.Code != engine.ErrCodeInclude {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeInclude, ee.Code)
	}

	a := &Arena{}
	root := a.Add(NoParent, &Block{Tasks: tasks("t1")})
	x := a.Add(NoParent, &Block{Tasks: tasks("x1")})
	tr = NewTree(a, []int{root}, map[string]int{"x": x}, nil)
	drain(tr, "A")
	if err := tr.Include("A", "x", false); err != nil {
		t.Errorf("Include on a finished host should be ignored, got %v", err)
	}
	if _, _, tk := tr.PeekNextTask("A"); tk != nil {
		t.Errorf("Finished host picked up %s", tk.Name)
	}
}

func TestArena_NoopClone(t *testing.T) {
	a := &Arena{}
	root := a.Add(NoParent, &Block{Rescue: tasks("r")})
	nested := a.Add(root, &Block{Tasks: tasks("n1", "n2")})
	a.Get(root).Tasks = []Item{task("a"), BlockItem(nested)}

	cid := a.NoopClone(root)
	c := a.Get(cid)
	if a.CountTasks(cid) != a.CountTasks(root) {
		t.Fatalf("Clone has %d tasks, original %d", a.CountTasks(cid), a.CountTasks(root))
	}
	cn := a.Get(c.Tasks[1].Block)
	if !c.Tasks[0].Task.IsNoop() || !cn.Tasks[1].Task.IsNoop() || !c.Rescue[0].Task.IsNoop() {
		t.Error("Expected every cloned task to be a noop")
	}
	if c.Tasks[1].Block == nested || cn.Parent != cid {
		t.Errorf("Nested clone must be a new block under the clone, got parent %d", cn.Parent)
	}
	if a.Get(root).Tasks[0].Task.IsNoop() {
		t.Error("Original block was modified")
	}
	if c.Tasks[0].Task.Name != "a" {
		t.Errorf("Noop clone should keep the name, got %q", c.Tasks[0].Task.Name)
	}
}

func TestArena_Depth(t *testing.T) {
	a := &Arena{}
	root := a.Add(NoParent, &Block{})
	mid := a.Add(root, &Block{})
	leaf := a.Add(mid, &Block{})

	for id, want := range map[int]int{root: 0, mid: 1, leaf: 2} {
		if got := a.Depth(id); got != want {
			t.Errorf("Depth(%d) = %d, want %d", id, got, want)
		}
	}
}
