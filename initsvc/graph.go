package initsvc

import "fmt"

// buildDependencyGraph turns each service's after/ready name lists into
// index-based edges, checks for cycles, and computes a Kahn's-sort level
// order so Tick can start services in dependency order.
func (m *Manager) buildDependencyGraph() error {
	for i, svc := range m.services {
		node := m.graph[i]
		node.deps = node.deps[:0]

		for _, name := range svc.After {
			dep, ok := m.index[name]
			if !ok {
				return fmt.Errorf("initsvc: service %q depends on unknown service %q (after)", svc.Name, name)
			}
			node.deps = append(node.deps, dependency{targetIdx: dep, kind: depAfter})
		}
		for _, name := range svc.Ready {
			dep, ok := m.index[name]
			if !ok {
				return fmt.Errorf("initsvc: service %q requires unknown service %q (ready)", svc.Name, name)
			}
			node.deps = append(node.deps, dependency{targetIdx: dep, kind: depReady})
		}
		for _, name := range svc.Wants {
			dep, ok := m.index[name]
			if !ok {
				dep, ok = m.providerOf(name)
			}
			if !ok || dep == i {
				// Weak dependency on nothing that exists (or on an endpoint
				// this service provides itself) never gates its start.
				continue
			}
			node.deps = append(node.deps, dependency{targetIdx: dep, kind: depWants})
		}
	}

	if cyc := m.detectCycle(); cyc != "" {
		return fmt.Errorf("initsvc: circular dependency detected: %s", cyc)
	}

	order, err := m.topologicalSort()
	if err != nil {
		return err
	}
	m.topoOrder = order
	return nil
}

// providerOf resolves an endpoint name to the service providing it, for
// wants declarations that name an endpoint rather than a service directly.
func (m *Manager) providerOf(name string) (int, bool) {
	for i, node := range m.graph {
		for _, p := range node.provides {
			if p == name {
				return i, true
			}
		}
	}
	return 0, false
}

// detectCycle runs a DFS over the dependency edges, returning a
// human-readable cycle description if one exists, or "" if the graph is
// acyclic.
func (m *Manager) detectCycle() string {
	n := len(m.services)
	visited := make([]bool, n)
	inPath := make([]bool, n)
	var path []int
	var cycle string

	var visit func(idx int) bool
	visit = func(idx int) bool {
		if inPath[idx] {
			cycle = cycleDescription(m.services, path, idx)
			return true
		}
		if visited[idx] {
			return false
		}
		inPath[idx] = true
		path = append(path, idx)
		for _, dep := range m.graph[idx].deps {
			if dep.kind == depWants {
				continue // weak edges are an eligibility gate, not part of the order
			}
			if visit(dep.targetIdx) {
				return true
			}
		}
		path = path[:len(path)-1]
		inPath[idx] = false
		visited[idx] = true
		return false
	}

	for i := range m.services {
		if !visited[i] && visit(i) {
			return cycle
		}
	}
	return ""
}

func cycleDescription(services []*Service, path []int, closingIdx int) string {
	desc := ""
	for _, idx := range path {
		desc += services[idx].Name + " -> "
	}
	return desc + services[closingIdx].Name
}

// topologicalSort computes a Kahn's-algorithm level order over the
// dependency edges; the returned order always starts services before
// anything that depends on them.
func (m *Manager) topologicalSort() ([]int, error) {
	n := len(m.services)
	inDegree := make([]int, n)
	for i := range m.graph {
		for _, dep := range m.graph[i].deps {
			if dep.kind != depWants {
				inDegree[i]++
			}
		}
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		order = append(order, idx)

		for j := range m.graph {
			for _, dep := range m.graph[j].deps {
				if dep.targetIdx != idx || dep.kind == depWants {
					continue
				}
				inDegree[j]--
				if inDegree[j] == 0 {
					queue = append(queue, j)
				}
			}
		}
	}

	if len(order) != n {
		return nil, fmt.Errorf("initsvc: topological sort failed (cyclic dependency?)")
	}
	return order, nil
}

// CanStart reports whether a Pending service's after/ready/wants/wait_path
// conditions are currently satisfied.
func (m *Manager) CanStart(idx int) bool {
	svc := m.services[idx]
	for _, dep := range m.graph[idx].deps {
		target := m.runtime[dep.targetIdx]
		switch dep.kind {
		case depAfter:
			if target.State < Starting {
				return false
			}
		case depReady:
			if !target.Ready {
				return false
			}
		case depWants:
			// Weak dependency: wait for the wanted service to come up and
			// be ready, but one that will never get there (Failed, or
			// Stopped with no respawn pending) doesn't wedge its wanters.
			if target.State == Failed || target.State == Stopped {
				break
			}
			if target.State != Running || !target.Ready {
				return false
			}
		}
	}
	if svc.WaitPath != "" {
		return false
	}
	return true
}
