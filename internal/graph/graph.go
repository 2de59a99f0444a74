// Package graph holds the task registry of one build.
//
// Nodes are keyed by task identity and edges are discovered lazily: a
// node's dependencies are only known once ResolveDependencies has asked the
// task for them. Adding an edge that would close a cycle fails with a
// CyclicGraphError.
package graph

import (
	"fmt"
	"sync"

	"github.com/cloud-shuttle/dray/internal/task"
)

// Graph owns every node of a build
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	order      []string            // registration order
	deps       map[string][]string // id -> dependency ids
	dependents map[string][]string // id -> dependent ids
}

// Resolution is the result of resolving a node's dependencies
type Resolution struct {
	Deps []*Node
	// Discovered lists the dependencies registered for the first time
	Discovered []*Node
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*Node),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Register returns the canonical node for t, creating it if absent.
// The second result reports whether the node was created.
func (g *Graph) Register(t task.Task) (*Node, bool) {
	id := task.ID(t)

	g.mu.Lock()
	defer g.mu.Unlock()

	if n, ok := g.nodes[id]; ok {
		return n, false
	}
	n := newNode(id, t)
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n, true
}

// Node returns a node by id
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in registration order
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependents returns the nodes that directly depend on id
func (g *Graph) Dependents(id string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.dependents[id]
	out := make([]*Node, 0, len(ids))
	for _, d := range ids {
		out = append(out, g.nodes[d])
	}
	return out
}

// AddDependency records that parent requires child
func (g *Graph) AddDependency(parent, child *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if parent.ID == child.ID {
		return &CyclicGraphError{Path: []string{parent.ID, child.ID}}
	}
	for _, d := range g.deps[parent.ID] {
		if d == child.ID {
			return nil
		}
	}
	if path := g.pathLocked(child.ID, parent.ID); path != nil {
		return &CyclicGraphError{Path: append([]string{parent.ID}, path...)}
	}

	g.deps[parent.ID] = append(g.deps[parent.ID], child.ID)
	g.dependents[child.ID] = append(g.dependents[child.ID], parent.ID)
	return nil
}

// pathLocked returns a dependency path from -> ... -> to, or nil
func (g *Graph) pathLocked(from, to string) []string {
	visited := make(map[string]bool)
	var walk func(id string) []string
	walk = func(id string) []string {
		if id == to {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		for _, d := range g.deps[id] {
			if p := walk(d); p != nil {
				return append([]string{id}, p...)
			}
		}
		return nil
	}
	return walk(from)
}

// ResolveDependencies asks the node's task for its dependencies, registers
// each one and links it to the node. The caller must hold the node lock.
// Once resolved, the cached dependency list is returned on later calls.
// On error the returned Resolution still lists the nodes registered before
// the failure in Discovered, so the caller can queue them.
func (g *Graph) ResolveDependencies(n *Node) (Resolution, error) {
	if n.Resolved {
		return Resolution{Deps: n.Deps}, nil
	}

	required, err := n.Task.Requires()
	if err != nil {
		return Resolution{}, fmt.Errorf("discovering dependencies of %s: %w", n.ID, err)
	}

	var res Resolution
	seen := make(map[string]bool, len(required))
	for i, t := range required {
		if t == nil {
			return Resolution{Discovered: res.Discovered}, fmt.Errorf("discovering dependencies of %s: dependency %d is nil", n.ID, i)
		}
		dep, created := g.Register(t)
		if created {
			res.Discovered = append(res.Discovered, dep)
		}
		if err := g.AddDependency(n, dep); err != nil {
			return Resolution{Discovered: res.Discovered}, err
		}
		if !seen[dep.ID] {
			seen[dep.ID] = true
			res.Deps = append(res.Deps, dep)
		}
	}

	n.Deps = res.Deps
	n.Resolved = true
	return res, nil
}
