package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCyclicGraph is matched by every cycle error. Cycles are fatal to a build.
var ErrCyclicGraph = errors.New("cyclic dependency graph")

// CyclicGraphError reports the dependency path that closes a cycle
type CyclicGraphError struct {
	Path []string
}

func (e *CyclicGraphError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Path) == 0 {
		return ErrCyclicGraph.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCyclicGraph.Error(), strings.Join(e.Path, " -> "))
}

func (e *CyclicGraphError) Unwrap() error { return ErrCyclicGraph }
