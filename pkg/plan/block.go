package plan

import (
	"github.com/openfroyo/fleetplay/pkg/engine"
)

// NoParent is the parent index of top-level blocks and include sets.
const NoParent = -1

// Item is one entry of a block section: a task, or, when Task is nil, the
// nested block stored at arena index Block.
type Item struct {
	Task  *engine.Task
	Block int
}

// TaskItem wraps a task.
func TaskItem(t *engine.Task) Item {
	return Item{Task: t}
}

// BlockItem refers to the nested block at arena index id.
func BlockItem(id int) Item {
	return Item{Block: id}
}

// IsBlock reports whether the item refers to a nested block.
func (it Item) IsBlock() bool {
	return it.Task == nil
}

// Block is a group of tasks with optional rescue and always sections.
// Blocks are never modified once a run starts; an include gives the host a
// new block in the arena instead.
type Block struct {
	Name   string
	Tasks  []Item
	Rescue []Item
	Always []Item

	// Parent is the arena index of the enclosing block.
	Parent int

	// RoleID is set on blocks generated from a role.
	RoleID string
}

// Arena stores every block of a play. Blocks refer to their nested blocks
// and to their parent by index. An Arena is not safe for concurrent use;
// the Tree serializes access to its own.
type Arena struct {
	blocks []*Block
}

// Add stores b under parent and returns its index.
func (a *Arena) Add(parent int, b *Block) int {
	b.Parent = parent
	a.blocks = append(a.blocks, b)
	return len(a.blocks) - 1
}

// Get returns the block at id, or nil when id is out of range.
func (a *Arena) Get(id int) *Block {
	if id < 0 || id >= len(a.blocks) {
		return nil
	}
	return a.blocks[id]
}

// Len returns the number of stored blocks.
func (a *Arena) Len() int {
	return len(a.blocks)
}

// Depth returns the number of blocks enclosing id.
func (a *Arena) Depth(id int) int {
	d := 0
	for b := a.Get(id); b != nil && b.Parent != NoParent; b = a.Get(b.Parent) {
		d++
	}
	return d
}

// NoopClone stores a copy of block id, and of every block nested in it,
// whose tasks are all noops. It returns the index of the copy.
func (a *Arena) NoopClone(id int) int {
	b := a.Get(id)
	cp := &Block{Name: b.Name, RoleID: b.RoleID}
	cid := a.Add(b.Parent, cp)
	cp.Tasks = a.noopItems(b.Tasks, cid)
	cp.Rescue = a.noopItems(b.Rescue, cid)
	cp.Always = a.noopItems(b.Always, cid)
	return cid
}

func (a *Arena) noopItems(items []Item, parent int) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		if it.IsBlock() {
			nid := a.NoopClone(it.Block)
			a.blocks[nid].Parent = parent
			out[i] = BlockItem(nid)
			continue
		}
		out[i] = TaskItem(it.Task.NoopClone())
	}
	return out
}

// withInserted stores a copy of block id with items spliced into the
// section of st at pos, and returns the index of the copy.
func (a *Arena) withInserted(id int, st engine.RunState, pos int, items []Item) int {
	cp := *a.Get(id)
	splice := func(list []Item) []Item {
		if pos > len(list) {
			pos = len(list)
		}
		out := make([]Item, 0, len(list)+len(items))
		out = append(out, list[:pos]...)
		out = append(out, items...)
		return append(out, list[pos:]...)
	}
	switch st {
	case engine.RunStateTasks:
		cp.Tasks = splice(cp.Tasks)
	case engine.RunStateRescue:
		cp.Rescue = splice(cp.Rescue)
	case engine.RunStateAlways:
		cp.Always = splice(cp.Always)
	}
	return a.Add(cp.Parent, &cp)
}

// CountTasks returns the number of tasks in block id, nested blocks included.
func (a *Arena) CountTasks(id int) int {
	b := a.Get(id)
	if b == nil {
		return 0
	}
	n := 0
	for _, list := range [][]Item{b.Tasks, b.Rescue, b.Always} {
		for _, it := range list {
			if it.IsBlock() {
				n += a.CountTasks(it.Block)
			} else {
				n++
			}
		}
	}
	return n
}
