package plan

import (
	"fmt"
	"slices"
	"sync"

	"github.com/openfroyo/fleetplay/pkg/engine"
)

// failState records which sections of a block failed.
type failState uint8

const (
	failNone  failState = 0
	failSetup failState = 1 << iota
	failTasks
	failRescue
	failAlways
)

// hostState is one host's cursor into a list of blocks. Nested blocks get a
// child state of their own.
type hostState struct {
	blocks     []int
	curBlock   int
	curRegular int
	curRescue  int
	curAlways  int
	runState   engine.RunState
	fail       failState
	didRescue  bool
	setupSent  bool

	// child iterates the nested block at childIdx of the current section.
	child    *hostState
	childIdx int
}

func (s *hostState) clone() *hostState {
	cp := *s
	cp.blocks = slices.Clone(s.blocks)
	if s.child != nil {
		cp.child = s.child.clone()
	}
	return &cp
}

// path identifies the block the cursor is in: the top-level block index,
// then a (run state, item index) pair for every nested block entered.
func (s *hostState) path() engine.BlockPath {
	p := engine.BlockPath{s.curBlock}
	for cur := s; cur.child != nil; cur = cur.child {
		p = append(p, int(cur.runState), cur.childIdx)
	}
	return p
}

// state returns the run state of the innermost active cursor.
func (s *hostState) state() engine.RunState {
	cur := s
	for cur.child != nil {
		cur = cur.child
	}
	return cur.runState
}

func (s *hostState) block(a *Arena) *Block {
	if s.curBlock >= len(s.blocks) {
		return nil
	}
	return a.Get(s.blocks[s.curBlock])
}

// Tree is the per-play plan shared by all hosts. Each host gets its own
// cursor the first time it is referenced.
type Tree struct {
	mu       sync.Mutex
	arena    *Arena
	roots    []int
	includes map[string]int
	setup    *engine.Task
	states   map[string]*hostState
}

// NewTree creates a tree over the top-level blocks roots of arena. A non-nil
// setup task is run by every host before its first block.
func NewTree(arena *Arena, roots []int, includes map[string]int, setup *engine.Task) *Tree {
	if includes == nil {
		includes = make(map[string]int)
	}
	return &Tree{
		arena:    arena,
		roots:    roots,
		includes: includes,
		setup:    setup,
		states:   make(map[string]*hostState),
	}
}

// Blocks returns the top-level blocks in play order.
func (t *Tree) Blocks() []*Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Block, len(t.roots))
	for i, id := range t.roots {
		out[i] = t.arena.Get(id)
	}
	return out
}

// Block returns the block at arena index id.
func (t *Tree) Block(id int) *Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arena.Get(id)
}

// IncludeSet returns the named include set.
func (t *Tree) IncludeSet(ref string) (*Block, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.includes[ref]
	if !ok {
		return nil, false
	}
	return t.arena.Get(id), true
}

// CountTasks returns the number of tasks in the top-level blocks.
func (t *Tree) CountTasks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, id := range t.roots {
		n += t.arena.CountTasks(id)
	}
	return n
}

func (t *Tree) hostState(host string) *hostState {
	s, ok := t.states[host]
	if !ok {
		s = &hostState{blocks: t.roots, runState: engine.RunStateSetup}
		t.states[host] = s
	}
	return s
}

// PeekNextTask returns the host's next task without moving its cursor.
func (t *Tree) PeekNextTask(host string) (engine.RunState, engine.BlockPath, *engine.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.hostState(host).clone()
	task := t.next(s, true)
	return s.state(), s.path(), task
}

// AdvanceTask moves the host's cursor past its next task and returns it.
func (t *Tree) AdvanceTask(host string) (engine.RunState, engine.BlockPath, *engine.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.hostState(host)
	task := t.next(s, true)
	return s.state(), s.path(), task
}

// MarkFailed records a failure at the host's current position. The cursor
// moves into the block's rescue section, else its always section, else the
// host is done.
func (t *Tree) MarkFailed(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setFailed(t.hostState(host))
}

// IsFailed reports whether the host failed without being rescued. A host
// still running an always section after a failure is not failed yet.
func (t *Tree) IsFailed(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkFailed(t.hostState(host))
}

// ClearFailure forgets the host's recorded failures.
func (t *Tree) ClearFailure(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := t.hostState(host); s != nil; s = s.child {
		s.fail = failNone
	}
}

// EndHost completes the host's cursor.
func (t *Tree) EndHost(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.hostState(host)
	s.child = nil
	s.curBlock = len(s.blocks)
	s.runState = engine.RunStateComplete
}

// Include splices the named include set into the host's cursor right after
// its current position. With asNoop the host gets a noop clone of the set.
// Hosts that are done, or that failed in their task section, ignore includes.
func (t *Tree) Include(host, ref string, asNoop bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.includes[ref]
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("unknown include %q", ref), nil).
			WithHost(host).WithCode(engine.ErrCodeInclude)
	}
	if asNoop {
		id = t.arena.NoopClone(id)
	}
	t.insert(t.hostState(host), []Item{BlockItem(id)})
	return nil
}

// next returns the task at s and moves s past it.
func (t *Tree) next(s *hostState, top bool) *engine.Task {
	for {
		if s.runState == engine.RunStateComplete {
			return nil
		}
		block := s.block(t.arena)
		if block == nil {
			s.runState = engine.RunStateComplete
			return nil
		}

		// The setup task is reported in the setup state; the next call moves on
		if s.runState == engine.RunStateSetup {
			if top && t.setup != nil && !s.setupSent {
				s.setupSent = true
				return t.setup
			}
			s.runState = engine.RunStateTasks
			continue
		}

		if s.child != nil {
			task := t.next(s.child, false)
			if t.checkFailed(s.child) {
				s.child = nil
				t.setFailed(s)
				continue
			}
			if task == nil {
				s.child = nil
				continue
			}
			return task
		}

		var items []Item
		var pos *int
		switch s.runState {
		case engine.RunStateTasks:
			items, pos = block.Tasks, &s.curRegular
			if *pos >= len(items) {
				s.runState = engine.RunStateAlways
				continue
			}
		case engine.RunStateRescue:
			items, pos = block.Rescue, &s.curRescue
			if s.fail&failRescue != 0 {
				s.runState = engine.RunStateAlways
				continue
			}
			if *pos >= len(items) {
				if len(items) > 0 {
					s.fail = failNone
				}
				s.didRescue = true
				s.runState = engine.RunStateAlways
				continue
			}
		case engine.RunStateAlways:
			items, pos = block.Always, &s.curAlways
			if *pos >= len(items) {
				if s.fail != failNone {
					s.runState = engine.RunStateComplete
					return nil
				}
				s.curBlock++
				s.curRegular, s.curRescue, s.curAlways = 0, 0, 0
				s.didRescue = false
				s.runState = engine.RunStateTasks
				continue
			}
		}

		item := items[*pos]
		*pos++
		if item.IsBlock() {
			s.child = &hostState{blocks: []int{item.Block}, runState: engine.RunStateTasks}
			s.childIdx = *pos - 1
			continue
		}
		return item.Task
	}
}

// setFailed moves the innermost cursor of s to the section that handles a failure.
func (t *Tree) setFailed(s *hostState) {
	switch s.runState {
	case engine.RunStateSetup:
		s.fail |= failSetup
		s.runState = engine.RunStateComplete
		return
	case engine.RunStateComplete:
		return
	}

	if s.child != nil {
		t.setFailed(s.child)
		return
	}

	block := s.block(t.arena)
	if block == nil {
		return
	}
	switch s.runState {
	case engine.RunStateTasks:
		s.fail |= failTasks
		switch {
		case len(block.Rescue) > 0:
			s.runState = engine.RunStateRescue
		case len(block.Always) > 0:
			s.runState = engine.RunStateAlways
		default:
			s.runState = engine.RunStateComplete
		}
	case engine.RunStateRescue:
		s.fail |= failRescue
		if len(block.Always) > 0 {
			s.runState = engine.RunStateAlways
		} else {
			s.runState = engine.RunStateComplete
		}
	case engine.RunStateAlways:
		s.fail |= failAlways
		s.runState = engine.RunStateComplete
	}
}

// checkFailed reports whether the failure recorded in s is final: it was not
// rescued and no always section is left to run.
func (t *Tree) checkFailed(s *hostState) bool {
	if s == nil {
		return false
	}
	block := s.block(t.arena)

	if s.child != nil && t.checkFailed(s.child) {
		switch s.runState {
		case engine.RunStateTasks:
			// The failure will move this cursor into rescue or always
			if block != nil && (len(block.Rescue) > 0 || len(block.Always) > 0) {
				return false
			}
			return true
		case engine.RunStateRescue:
			return block == nil || len(block.Always) == 0
		case engine.RunStateAlways:
			return true
		}
	}

	if s.fail == failNone {
		return false
	}
	switch {
	case s.runState == engine.RunStateRescue && s.fail&failRescue == 0:
		return false
	case s.runState == engine.RunStateAlways && s.fail&failAlways == 0:
		return false
	default:
		return !(s.didRescue && s.fail&failAlways == 0)
	}
}

// insert splices items into the innermost cursor of s at its current position.
func (t *Tree) insert(s *hostState, items []Item) bool {
	switch s.runState {
	case engine.RunStateSetup, engine.RunStateComplete:
		return false
	}
	if s.runState == engine.RunStateTasks && s.fail != failNone {
		return false
	}
	if s.child != nil {
		return t.insert(s.child, items)
	}
	if s.block(t.arena) == nil {
		return false
	}

	var pos int
	switch s.runState {
	case engine.RunStateTasks:
		pos = s.curRegular
	case engine.RunStateRescue:
		pos = s.curRescue
	case engine.RunStateAlways:
		pos = s.curAlways
	}
	s.blocks = slices.Clone(s.blocks)
	s.blocks[s.curBlock] = t.arena.withInserted(s.blocks[s.curBlock], s.runState, pos, items)
	return true
}
