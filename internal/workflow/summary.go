package workflow

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cloud-shuttle/dray/internal/graph"
	"github.com/cloud-shuttle/dray/internal/history"
	"github.com/cloud-shuttle/dray/internal/worker"
	"github.com/cloud-shuttle/dray/pkg/types"
)

// RootOutcome reports what happened beneath one root task
type RootOutcome struct {
	ID    string          `json:"id"`
	State types.TaskState `json:"state"`

	Disabled    []string `json:"disabled,omitempty"`
	Unsatisfied []string `json:"unsatisfied,omitempty"`
	FailedRuns  []string `json:"failed_runs,omitempty"` // tasks whose run body failed at least once
	Blocked     []string `json:"blocked,omitempty"`
	Incomplete  []string `json:"incomplete,omitempty"` // tasks left non-terminal
}

// Succeeded reports whether the root reached done
func (r RootOutcome) Succeeded() bool {
	return r.State == types.StateDone
}

// Summary is the result of one build
type Summary struct {
	BuildID    string                       `json:"build_id"`
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at"`
	Cancelled  bool                         `json:"cancelled"`
	Roots      []RootOutcome                `json:"roots"`
	Tasks      map[string]types.TaskOutcome `json:"tasks"`
}

// Success reports whether every root is done
func (s *Summary) Success() bool {
	for _, r := range s.Roots {
		if !r.Succeeded() {
			return false
		}
	}
	return len(s.Roots) > 0
}

// ExitCode is 0 when every root is done and 1 otherwise
func (s *Summary) ExitCode() int {
	if s.Success() {
		return 0
	}
	return 1
}

// Duration returns the wall-clock time the build took
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Record converts the summary into a history entry
func (s *Summary) Record(rootIDs []string) *history.Record {
	tasks := make([]types.TaskOutcome, 0, len(s.Tasks))
	for _, o := range s.Tasks {
		tasks = append(tasks, o)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return &history.Record{
		ID:         s.BuildID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Roots:      rootIDs,
		Success:    s.Success(),
		ExitCode:   s.ExitCode(),
		Tasks:      tasks,
	}
}

// Render writes a human-readable report
func (s *Summary) Render(w io.Writer) {
	fmt.Fprintf(w, "\n🏗  Build %s finished in %v\n", s.BuildID, s.Duration().Round(time.Millisecond))
	if s.Cancelled {
		fmt.Fprintln(w, "   (cancelled)")
	}

	for _, r := range s.Roots {
		mark := "✅"
		if !r.Succeeded() {
			mark = "❌"
		}
		fmt.Fprintf(w, "%s %s %s\n", mark, r.ID, r.State)

		groups := []struct {
			label string
			ids   []string
		}{
			{"disabled", r.Disabled},
			{"unsatisfied", r.Unsatisfied},
			{"failed runs", r.FailedRuns},
			{"blocked", r.Blocked},
			{"incomplete", r.Incomplete},
		}
		for _, g := range groups {
			if len(g.ids) > 0 {
				fmt.Fprintf(w, "     %-12s %s\n", g.label+":", strings.Join(g.ids, ", "))
			}
		}
	}

	done := 0
	for _, o := range s.Tasks {
		if o.State == types.StateDone {
			done++
		}
	}
	fmt.Fprintf(w, "\n%d/%d tasks done\n", done, len(s.Tasks))
}

func summarize(buildID string, env *worker.Env, started, finished time.Time) *Summary {
	s := &Summary{
		BuildID:    buildID,
		StartedAt:  started,
		FinishedAt: finished,
		Tasks:      make(map[string]types.TaskOutcome),
	}

	for _, n := range env.Graph.Nodes() {
		s.Tasks[n.ID] = n.Outcome()
	}

	for _, root := range env.Roots() {
		s.Roots = append(s.Roots, s.rootOutcome(root))
	}
	return s
}

// rootOutcome walks the root's resolved subgraph, root included
func (s *Summary) rootOutcome(root *graph.Node) RootOutcome {
	r := RootOutcome{ID: root.ID, State: s.Tasks[root.ID].State}

	seen := map[string]bool{root.ID: true}
	stack := []*graph.Node{root}
	var ids []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ids = append(ids, n.ID)

		for _, d := range n.Dependencies() {
			if !seen[d.ID] {
				seen[d.ID] = true
				stack = append(stack, d)
			}
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := s.Tasks[id]
		switch o.State {
		case types.StateDisabled:
			r.Disabled = append(r.Disabled, id)
		case types.StateUnsatisfied:
			r.Unsatisfied = append(r.Unsatisfied, id)
		case types.StateBlocked:
			r.Blocked = append(r.Blocked, id)
		case types.StateDone:
		default:
			r.Incomplete = append(r.Incomplete, id)
		}
		if o.RunFailures > 0 {
			r.FailedRuns = append(r.FailedRuns, id)
		}
	}
	return r
}
