// Package deps orders containers so that dependencies act before their
// dependents within each compose project.
package deps

import (
	"fmt"
	"sort"

	"github.com/rcarmo/guerite/internal/docker"
)

// Order arranges snapshots into action order: containers are grouped by
// compose project (containers without a project form their own group, keyed
// by base name), groups keep their insertion order, and inside each group of
// more than one container a topological sort puts dependencies first. On a
// dependency cycle the group falls back to lexicographic base-name order.
func Order(snaps []*docker.Snapshot) []*docker.Snapshot {
	type group struct {
		key     string
		members []*docker.Snapshot
	}

	var groups []*group
	index := map[string]*group{}
	for _, snap := range snaps {
		key := snap.ComposeProject
		if key == "" {
			key = "\x00" + snap.BaseName // no project: isolate
		}
		g, ok := index[key]
		if !ok {
			g = &group{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, snap)
	}

	var ordered []*docker.Snapshot
	for _, g := range groups {
		if len(g.members) == 1 {
			ordered = append(ordered, g.members[0])
			continue
		}
		sorted, err := topoSort(g.members)
		if err != nil {
			sorted = append([]*docker.Snapshot(nil), g.members...)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i].BaseName < sorted[j].BaseName
			})
		}
		ordered = append(ordered, sorted...)
	}
	return ordered
}

// topoSort runs Kahn's algorithm over the group, considering only
// dependencies on names present in the group. Deterministic: ready nodes are
// consumed in lexicographic order.
func topoSort(members []*docker.Snapshot) ([]*docker.Snapshot, error) {
	byName := make(map[string]*docker.Snapshot, len(members))
	for _, m := range members {
		byName[m.BaseName] = m
	}

	inDegree := make(map[string]int, len(members))
	dependents := map[string][]string{}
	for _, m := range members {
		inDegree[m.BaseName] += 0
		for _, dep := range m.DependsOn {
			if _, present := byName[dep]; !present || dep == m.BaseName {
				continue
			}
			inDegree[m.BaseName]++
			dependents[dep] = append(dependents[dep], m.BaseName)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var result []*docker.Snapshot
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, byName[node])

		next := dependents[node]
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		sort.Strings(queue)
	}

	if len(result) != len(members) {
		return nil, fmt.Errorf("dependency cycle: ordered %d of %d containers", len(result), len(members))
	}
	return result, nil
}
