// Package plan describes a set of workers and their dependency edges, and
// validates that the set forms a runnable DAG before anything is dispatched.
package plan

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/types/protocol"
)

// WorkerSpec declares one worker: its name, the workers it depends on, an
// optional command to dispatch, and an optional prompt for command-based
// workers to consume.
type WorkerSpec struct {
	Name        string        `yaml:"name" json:"name" mapstructure:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty" mapstructure:"description"`
	DependsOn   []string      `yaml:"depends_on,omitempty" json:"dependsOn,omitempty" mapstructure:"depends_on"`
	Command     []string      `yaml:"command,omitempty" json:"command,omitempty" mapstructure:"command"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" mapstructure:"timeout"`
	Prompt      string        `yaml:"prompt,omitempty" json:"prompt,omitempty" mapstructure:"-"`
}

// Plan is an ordered collection of worker specs.
type Plan struct {
	Workers []WorkerSpec `yaml:"workers" json:"workers" mapstructure:"workers"`
}

// Worker returns the spec with the given name, or nil.
func (p *Plan) Worker(name string) *WorkerSpec {
	for i := range p.Workers {
		if p.Workers[i].Name == name {
			return &p.Workers[i]
		}
	}
	return nil
}

// Names returns the worker names in declaration order.
func (p *Plan) Names() []string {
	names := make([]string, 0, len(p.Workers))
	for _, w := range p.Workers {
		names = append(names, w.Name)
	}
	return names
}

// Validate checks that the plan is a well-formed DAG: names are valid and
// unique, every dependency refers to a declared worker, and no dependency
// cycle exists.
func (p *Plan) Validate() error {
	if len(p.Workers) == 0 {
		return errors.New("plan declares no workers")
	}

	declared := make(map[string]struct{}, len(p.Workers))
	for _, w := range p.Workers {
		if err := protocol.ValidateWorkerName(w.Name); err != nil {
			return err
		}
		if _, ok := declared[w.Name]; ok {
			return errors.Errorf("worker %s declared twice", w.Name)
		}
		declared[w.Name] = struct{}{}
	}

	for _, w := range p.Workers {
		for _, dep := range w.DependsOn {
			if dep == w.Name {
				return errors.Errorf("worker %s depends on itself", w.Name)
			}
			if _, ok := declared[dep]; !ok {
				return errors.Errorf("worker %s depends on undeclared worker %s", w.Name, dep)
			}
		}
	}

	if _, err := p.TopoLevels(); err != nil {
		return err
	}
	return nil
}

// TopoLevels groups workers into execution waves: every worker in level n
// only depends on workers in levels below n. A cycle makes the grouping
// impossible and is reported with the workers involved.
func (p *Plan) TopoLevels() ([][]string, error) {
	indegree := make(map[string]int, len(p.Workers))
	dependents := make(map[string][]string, len(p.Workers))
	for _, w := range p.Workers {
		if _, ok := indegree[w.Name]; !ok {
			indegree[w.Name] = 0
		}
		for _, dep := range w.DependsOn {
			indegree[w.Name]++
			dependents[dep] = append(dependents[dep], w.Name)
		}
	}

	var levels [][]string
	processed := 0
	current := make([]string, 0, len(p.Workers))
	for name, deg := range indegree {
		if deg == 0 {
			current = append(current, name)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(p.Workers) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, errors.Errorf("dependency cycle involving: %s", strings.Join(stuck, ", "))
	}
	return levels, nil
}
