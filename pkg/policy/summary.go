package policy

import (
	"fmt"
	"sort"

	"github.com/openfroyo/fleetplay/pkg/config"
)

// Summarize flattens doc into the input policies evaluate. strategy and
// forks are the effective values after command line overrides.
func Summarize(doc *config.PlayDocument, strategy string, forks int, hosts []string) *PlaySummary {
	play := doc.Play
	s := &PlaySummary{
		Name:              play.Name,
		Strategy:          strategy,
		Forks:             forks,
		Serial:            play.Serial,
		AnyErrorsFatal:    play.AnyErrorsFatal,
		MaxFailPercentage: play.MaxFailPercentage,
		GatherFacts:       play.GatherFacts,
		Hosts:             append([]string{}, hosts...),
		HostCount:         len(hosts),
		Tasks:             []TaskSummary{},
	}

	for i, role := range play.Roles {
		s.addTasks(fmt.Sprintf("roles[%d].tasks", i), role.Name, role.Tasks)
	}
	s.addTasks("tasks", "", play.Tasks)

	names := make([]string, 0, len(doc.Includes))
	for name := range doc.Includes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.addTasks("includes."+name, "", doc.Includes[name])
	}
	return s
}

func (s *PlaySummary) addTasks(prefix, role string, specs []config.TaskSpec) {
	for i, spec := range specs {
		path := fmt.Sprintf("%s[%d]", prefix, i)
		if spec.IsBlock() {
			s.addTasks(path+".block", role, spec.Block)
			s.addTasks(path+".rescue", role, spec.Rescue)
			s.addTasks(path+".always", role, spec.Always)
			continue
		}
		s.Tasks = append(s.Tasks, TaskSummary{
			Path:         path,
			Name:         spec.Name,
			Module:       spec.Module,
			Meta:         spec.Meta,
			Include:      spec.Include,
			Role:         role,
			Throttle:     spec.Throttle,
			RunOnce:      spec.RunOnce,
			IgnoreErrors: spec.IgnoreErrors,
		})
	}
}
