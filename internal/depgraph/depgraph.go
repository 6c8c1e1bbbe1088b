// Package depgraph orders job descriptors so that every dependency runs
// before its dependents, using Kahn's algorithm with a FIFO ready queue for
// deterministic tie-breaking among unrelated jobs.
package depgraph

import (
	"github.com/riverfield/crontabber/internal/descriptor"
	"github.com/riverfield/crontabber/internal/errs"
)

// Resolve reorders descs so that for every descriptor D, every descriptor
// named in D.DependsOn precedes D. The order is deterministic: descriptors
// with no dependencies come out in input order, and every other descriptor
// joins the FIFO ready queue when its last dependency is placed, so two
// unrelated descriptors do not always keep their input order (a, b(a), c
// resolves to a, c, b).
//
// Returns MissingDependencyError if a descriptor names a dependency absent
// from descs, and CyclicDependencyError if the dependency graph is not a
// DAG.
func Resolve(descs []descriptor.Descriptor) ([]descriptor.Descriptor, error) {
	index := make(map[string]int, len(descs))
	for i, d := range descs {
		index[d.AppName] = i
	}

	graph := make(map[string][]string, len(descs))
	inDegree := make(map[string]int, len(descs))
	for _, d := range descs {
		inDegree[d.AppName] = 0
	}
	for _, d := range descs {
		for _, dep := range d.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &errs.MissingDependencyError{AppName: d.AppName, DepName: dep}
			}
			graph[dep] = append(graph[dep], d.AppName)
			inDegree[d.AppName]++
		}
	}

	// Seed the ready queue in input order for deterministic tie-breaking.
	queue := make([]string, 0, len(descs))
	for _, d := range descs {
		if inDegree[d.AppName] == 0 {
			queue = append(queue, d.AppName)
		}
	}

	order := make([]string, 0, len(descs))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		for _, downstream := range graph[name] {
			inDegree[downstream]--
			if inDegree[downstream] == 0 {
				queue = append(queue, downstream)
			}
		}
	}

	if len(order) != len(descs) {
		return nil, &errs.CyclicDependencyError{Cycle: remaining(descs, order)}
	}

	out := make([]descriptor.Descriptor, len(order))
	for i, name := range order {
		out[i] = descs[index[name]]
	}
	return out, nil
}

// remaining returns the app names that never reached inDegree zero, i.e.
// the descriptors participating in (or blocked behind) a cycle.
func remaining(descs []descriptor.Descriptor, ordered []string) []string {
	done := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		done[name] = true
	}
	var out []string
	for _, d := range descs {
		if !done[d.AppName] {
			out = append(out, d.AppName)
		}
	}
	return out
}

// CheckAcyclic is a convenience wrapper for validation-only callers such as
// Configtest, which want the error without the reordered output.
func CheckAcyclic(descs []descriptor.Descriptor) error {
	_, err := Resolve(descs)
	return err
}
