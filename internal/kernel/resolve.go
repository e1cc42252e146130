package kernel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/plinthcms/plinth/internal/manifest"
)

// resolveLocked recomputes the activation order. Callers hold k.mu.
func (k *Kernel) resolveLocked() {
	manifests := make(map[string]*manifest.Manifest, len(k.plugins))
	for id, e := range k.plugins {
		manifests[id] = e.manifest
	}
	k.order, k.problems = Resolve(manifests)
}

// Resolve orders plugins so every plugin comes after its dependencies
// (Kahn's algorithm, ties broken by id). A plugin with a missing
// dependency, an unsatisfied version constraint or a dependency cycle is
// left out with a problem, and so is everything that depends on it.
func Resolve(manifests map[string]*manifest.Manifest) ([]string, map[string]error) {
	problems := make(map[string]error)
	deps := make(map[string][]string, len(manifests))

	for id, m := range manifests {
		reqs, err := m.Requirements()
		if err != nil {
			problems[id] = err
			continue
		}
		for _, req := range reqs {
			dep, ok := manifests[req.ID]
			if !ok {
				problems[id] = fmt.Errorf("missing dependency %s", req.ID)
				break
			}
			if err := checkConstraint(dep, req); err != nil {
				problems[id] = err
				break
			}
			deps[id] = append(deps[id], req.ID)
		}
	}

	// Anything depending on a broken plugin is broken too.
	for changed := true; changed; {
		changed = false
		for id := range manifests {
			if problems[id] != nil {
				continue
			}
			for _, dep := range deps[id] {
				if problems[dep] != nil {
					problems[id] = fmt.Errorf("dependency %s is unavailable: %v", dep, problems[dep])
					changed = true
					break
				}
			}
		}
	}

	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for id := range manifests {
		if problems[id] != nil {
			continue
		}
		inDegree[id] = len(deps[id])
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		var ready []string
		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
		sort.Strings(queue)
	}

	if len(order) < len(inDegree) {
		var stuck []string
		for id, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		for _, id := range stuck {
			problems[id] = fmt.Errorf("dependency cycle among %s", strings.Join(stuck, ", "))
		}
	}
	return order, problems
}

func checkConstraint(dep *manifest.Manifest, req manifest.Requirement) error {
	if req.Constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(req.Constraint)
	if err != nil {
		return fmt.Errorf("invalid constraint %q on %s: %w", req.Constraint, req.ID, err)
	}
	v, err := semver.NewVersion(dep.Version)
	if err != nil {
		return fmt.Errorf("dependency %s has invalid version %q: %w", req.ID, dep.Version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("dependency %s %s does not satisfy %s", req.ID, dep.Version, req.Constraint)
	}
	return nil
}
