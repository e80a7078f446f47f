package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/engine"
)

// IncludeModule is the module name of tasks that pull in an include set.
const IncludeModule = "include"

// SetupModule is the module name of the synthetic fact gathering task.
const SetupModule = "setup"

// Build converts a play document into a Tree. Roles come first, one block
// each, closed by a role_complete meta task. Consecutive plain tasks of the
// play share one block; every block entry becomes a block of its own.
func Build(doc *config.PlayDocument) (*Tree, error) {
	if doc == nil {
		return nil, fmt.Errorf("play document is nil")
	}
	if err := checkIncludes(doc); err != nil {
		return nil, err
	}

	b := &builder{arena: &Arena{}}
	var roots []int
	for _, role := range doc.Play.Roles {
		id := b.arena.Add(NoParent, &Block{Name: "role " + role.Name, RoleID: role.Name})
		items := b.items(id, role.Tasks, role.Name, role.AllowDuplicates)
		done := engine.NewMetaTask(engine.MetaRoleComplete)
		done.RoleID = role.Name
		done.AllowDuplicateRole = role.AllowDuplicates
		b.arena.Get(id).Tasks = append(items, TaskItem(done))
		roots = append(roots, id)
	}

	var plain []config.TaskSpec
	flush := func() {
		if len(plain) == 0 {
			return
		}
		id := b.arena.Add(NoParent, &Block{})
		b.arena.Get(id).Tasks = b.items(id, plain, "", false)
		roots = append(roots, id)
		plain = nil
	}
	for _, spec := range doc.Play.Tasks {
		if !spec.IsBlock() {
			plain = append(plain, spec)
			continue
		}
		flush()
		roots = append(roots, b.block(NoParent, spec, "", false))
	}
	flush()

	includes := make(map[string]int, len(doc.Includes))
	for name, tasks := range doc.Includes {
		id := b.arena.Add(NoParent, &Block{Name: "include " + name})
		b.arena.Get(id).Tasks = b.items(id, tasks, "", false)
		includes[name] = id
	}

	var setup *engine.Task
	if doc.Play.GatherFacts {
		setup = engine.NewTask("Gathering Facts", SetupModule, nil)
	}

	return NewTree(b.arena, roots, includes, setup), nil
}

type builder struct {
	arena *Arena
}

// block stores spec and its nested blocks under parent and returns its index.
func (b *builder) block(parent int, spec config.TaskSpec, roleID string, dup bool) int {
	id := b.arena.Add(parent, &Block{Name: spec.Name, RoleID: roleID})
	blk := b.arena.Get(id)
	blk.Tasks = b.items(id, spec.Block, roleID, dup)
	blk.Rescue = b.items(id, spec.Rescue, roleID, dup)
	blk.Always = b.items(id, spec.Always, roleID, dup)
	return id
}

func (b *builder) items(parent int, specs []config.TaskSpec, roleID string, dup bool) []Item {
	if len(specs) == 0 {
		return nil
	}
	items := make([]Item, 0, len(specs))
	for _, spec := range specs {
		if spec.IsBlock() {
			items = append(items, BlockItem(b.block(parent, spec, roleID, dup)))
			continue
		}
		items = append(items, TaskItem(convertTask(spec, roleID, dup)))
	}
	return items
}

func convertTask(spec config.TaskSpec, roleID string, dup bool) *engine.Task {
	var task *engine.Task
	switch {
	case spec.Meta != "":
		task = engine.NewMetaTask(spec.Meta)
	case spec.Include != "":
		task = engine.NewTask("include "+spec.Include, IncludeModule, map[string]interface{}{"ref": spec.Include})
	default:
		task = engine.NewTask(spec.Module, spec.Module, spec.Args)
	}
	if spec.Name != "" {
		task.Name = spec.Name
	}
	task.Throttle = spec.Throttle
	task.RunOnce = spec.RunOnce
	task.IgnoreErrors = spec.IgnoreErrors
	task.AnyErrorsFatal = spec.AnyErrorsFatal
	task.Timeout = spec.TimeoutDuration()
	task.RoleID = roleID
	task.AllowDuplicateRole = dup
	return task
}

// checkIncludes rejects references to unknown include sets and include cycles.
func checkIncludes(doc *config.PlayDocument) error {
	refs := func(tasks []config.TaskSpec) []string {
		var out []string
		var walk func([]config.TaskSpec)
		walk = func(list []config.TaskSpec) {
			for _, t := range list {
				if t.Include != "" {
					out = append(out, t.Include)
				}
				walk(t.Block)
				walk(t.Rescue)
				walk(t.Always)
			}
		}
		walk(tasks)
		return out
	}

	roots := refs(doc.Play.Tasks)
	for _, role := range doc.Play.Roles {
		roots = append(roots, refs(role.Tasks)...)
	}
	for _, ref := range roots {
		if _, ok := doc.Includes[ref]; !ok {
			return engine.NewPermanentError(fmt.Sprintf("unknown include %q", ref), nil).WithCode(engine.ErrCodeInclude)
		}
	}

	names := make([]string, 0, len(doc.Includes))
	for name := range doc.Includes {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(names))
	var stack []string
	var visit func(string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return engine.NewPermanentError(
				fmt.Sprintf("include cycle: %s -> %s", strings.Join(stack, " -> "), name), nil).
				WithCode(engine.ErrCodeInclude)
		case visited:
			return nil
		}
		tasks, ok := doc.Includes[name]
		if !ok {
			return engine.NewPermanentError(fmt.Sprintf("unknown include %q", name), nil).WithCode(engine.ErrCodeInclude)
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, ref := range refs(tasks) {
			if err := visit(ref); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
